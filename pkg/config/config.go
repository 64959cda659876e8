// Package config loads the YAML configuration shared by all commands.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opaque/encindex/pkg/crypto"
	"github.com/opaque/encindex/pkg/logging"
)

// DefaultPassphraseEnv names the variable holding the secret-key passphrase.
const DefaultPassphraseEnv = "ENCINDEX_KEY_PASSPHRASE"

// Config is the root configuration.
type Config struct {
	Keys       KeysConfig       `yaml:"keys"`
	Store      StoreConfig      `yaml:"store"`
	Env        EnvConfig        `yaml:"env"`
	EpisodeLog EpisodeLogConfig `yaml:"episode_log"`
	Server     ServerConfig     `yaml:"server"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Log        LogConfig        `yaml:"log"`
}

// KeysConfig locates the key material.
type KeysConfig struct {
	Dir    string `yaml:"dir"`
	Preset string `yaml:"preset"`
	// PassphraseEnv names the environment variable that holds the secret-key
	// passphrase. An unset or empty variable stores the key unsealed.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Files returns the key artifact paths.
func (k KeysConfig) Files() crypto.Files {
	return crypto.DefaultFiles(k.Dir)
}

// Passphrase reads the passphrase from the environment.
func (k KeysConfig) Passphrase() string {
	if k.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(k.PassphraseEnv)
}

type StoreConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Retry       RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type EnvConfig struct {
	MaxSteps int `yaml:"max_steps"`
	// Seed for the workload parameter sampler. Zero picks a random seed.
	Seed int64 `yaml:"seed"`
}

type EpisodeLogConfig struct {
	// Path of the CSV file. Empty keeps episodes in memory only.
	Path string `yaml:"path"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
}

type DatasetConfig struct {
	Rows      int   `yaml:"rows"`
	Seed      int64 `yaml:"seed"`
	BatchSize int   `yaml:"batch_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Keys: KeysConfig{
			Dir:           "keys",
			Preset:        string(crypto.PresetPN14),
			PassphraseEnv: DefaultPassphraseEnv,
		},
		Store: StoreConfig{
			Path:        "housing_encrypted.db",
			BusyTimeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 5,
				Backoff:     time.Second,
			},
		},
		Env: EnvConfig{
			MaxSteps: 10,
		},
		EpisodeLog: EpisodeLogConfig{
			Path: "episode_logs.csv",
		},
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Dataset: DatasetConfig{
			Rows:      20,
			Seed:      42,
			BatchSize: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Load reads path over Default and validates the result. Keys missing from
// the file keep their default values; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the components reject.
func (c Config) Validate() error {
	var errs []error
	if c.Keys.Dir == "" {
		errs = append(errs, errors.New("keys.dir is required"))
	}
	if !slices.Contains(crypto.Presets(), crypto.Preset(c.Keys.Preset)) {
		errs = append(errs, fmt.Errorf("keys.preset %q is not one of %v", c.Keys.Preset, crypto.Presets()))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.BusyTimeout < 0 {
		errs = append(errs, errors.New("store.busy_timeout must not be negative"))
	}
	if c.Store.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("store.retry.max_attempts must be at least 1"))
	}
	if c.Store.Retry.Backoff < 0 {
		errs = append(errs, errors.New("store.retry.backoff must not be negative"))
	}
	if c.Env.MaxSteps < 1 {
		errs = append(errs, errors.New("env.max_steps must be at least 1"))
	}
	if c.Dataset.Rows < 0 {
		errs = append(errs, errors.New("dataset.rows must not be negative"))
	}
	if c.Dataset.BatchSize < 1 {
		errs = append(errs, errors.New("dataset.batch_size must be at least 1"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := c.Log.Format; f != logging.FormatText && f != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", f))
	}
	return errors.Join(errs...)
}
