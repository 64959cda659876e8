// Command encindex manages an encrypted housing table and serves the
// index-selection environment over it.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opaque/encindex/pkg/config"
	"github.com/opaque/encindex/pkg/logging"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "encindex",
		Short:         "Encrypted SUM aggregation and index-selection environment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file (defaults apply when unset)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newKeygenCmd(a),
		newLoadCmd(a),
		newServeCmd(a),
		newSweepCmd(a),
		newSumCmd(a),
		newCheckCmd(a),
	)
	return root
}

func (a *app) setup(stderr io.Writer) error {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: stderr,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}
