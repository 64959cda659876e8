package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"

	"github.com/opaque/encindex/pkg/encrypt"
)

// Default artifact names inside a key directory.
const (
	ContextFile   = "context.ckks"
	PublicKeyFile = "public_key.pk"
	SecretKeyFile = "secret_key.sk"
)

// Files locates the three key artifacts.
type Files struct {
	Context   string
	PublicKey string
	SecretKey string
}

// DefaultFiles returns the standard artifact paths inside dir.
func DefaultFiles(dir string) Files {
	return Files{
		Context:   filepath.Join(dir, ContextFile),
		PublicKey: filepath.Join(dir, PublicKeyFile),
		SecretKey: filepath.Join(dir, SecretKeyFile),
	}
}

// Save writes parameters, public key and (if present) secret key. A non-empty
// passphrase seals the secret key file. The secret key is written with mode
// 0600.
func (c *Context) Save(files Files, passphrase string) error {
	params, err := c.params.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	if err := writeFile(files.Context, params, 0o644); err != nil {
		return err
	}

	if c.publicKey == nil {
		return fmt.Errorf("save: public key not loaded: %w", ErrMissingKeyMaterial)
	}
	pk, err := c.publicKey.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	if err := writeFile(files.PublicKey, pk, 0o644); err != nil {
		return err
	}

	if c.secretKey == nil {
		return nil
	}
	sk, err := c.secretKey.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal secret key: %w", err)
	}
	if passphrase != "" {
		if sk, err = encrypt.Seal(passphrase, sk); err != nil {
			return fmt.Errorf("failed to seal secret key: %w", err)
		}
	}
	return writeFile(files.SecretKey, sk, 0o600)
}

// Load reads parameters and the public key. The returned context can encrypt
// and add but not decrypt.
func Load(files Files) (*Context, error) {
	params, err := loadParams(files.Context)
	if err != nil {
		return nil, err
	}

	data, err := readFile(files.PublicKey)
	if err != nil {
		return nil, err
	}
	pk := rlwe.NewPublicKey(params)
	if err := unmarshal(pk.UnmarshalBinary, data); err != nil {
		return nil, fmt.Errorf("failed to decode public key %s: %v: %w", files.PublicKey, err, ErrMissingKeyMaterial)
	}

	return NewContext(params, pk, nil)
}

// LoadSecretKey returns a copy of c that can also decrypt. passphrase must be
// set when the secret key file is sealed.
func (c *Context) LoadSecretKey(path, passphrase string) (*Context, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	if encrypt.IsSealed(data) {
		if passphrase == "" {
			return nil, fmt.Errorf("secret key %s is sealed and no passphrase was given: %w", path, ErrMissingKeyMaterial)
		}
		if data, err = encrypt.Open(passphrase, data); err != nil {
			return nil, fmt.Errorf("failed to unseal secret key %s: %v: %w", path, err, ErrMissingKeyMaterial)
		}
	}

	sk := rlwe.NewSecretKey(c.params)
	if err := unmarshal(sk.UnmarshalBinary, data); err != nil {
		return nil, fmt.Errorf("failed to decode secret key %s: %v: %w", path, err, ErrMissingKeyMaterial)
	}

	return NewContext(c.params, c.publicKey, sk)
}

// LoadWithSecretKey is Load followed by LoadSecretKey.
func LoadWithSecretKey(files Files, passphrase string) (*Context, error) {
	pub, err := Load(files)
	if err != nil {
		return nil, err
	}
	return pub.LoadSecretKey(files.SecretKey, passphrase)
}

func loadParams(path string) (hefloat.Parameters, error) {
	data, err := readFile(path)
	if err != nil {
		return hefloat.Parameters{}, err
	}
	var params hefloat.Parameters
	if err := unmarshal(params.UnmarshalBinary, data); err != nil {
		return hefloat.Parameters{}, fmt.Errorf("failed to decode parameters %s: %v: %w", path, err, ErrMissingKeyMaterial)
	}
	return params, nil
}

// unmarshal turns decoder panics on corrupt input into errors.
func unmarshal(fn func([]byte) error, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt data: %v", r)
		}
	}()
	return fn(data)
}

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no path configured: %w", ErrMissingKeyMaterial)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s does not exist: %w", path, ErrMissingKeyMaterial)
		}
		return nil, fmt.Errorf("failed to read %s: %v: %w", path, err, ErrMissingKeyMaterial)
	}
	return data, nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
