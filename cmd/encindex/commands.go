package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opaque/encindex/internal/dataset"
	"github.com/opaque/encindex/internal/store"
	"github.com/opaque/encindex/pkg/client"
	"github.com/opaque/encindex/pkg/codec"
	"github.com/opaque/encindex/pkg/crypto"
	"github.com/opaque/encindex/pkg/env"
)

func newKeygenCmd(a *app) *cobra.Command {
	var preset string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate CKKS parameters and a key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("preset") {
				a.cfg.Keys.Preset = preset
			}
			cc, err := crypto.Generate(crypto.Preset(a.cfg.Keys.Preset))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(a.cfg.Keys.Dir, 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			pass := a.cfg.Keys.Passphrase()
			if err := cc.Save(a.cfg.Keys.Files(), pass); err != nil {
				return err
			}
			a.logger.Info("keys written",
				"dir", a.cfg.Keys.Dir,
				"preset", a.cfg.Keys.Preset,
				"fingerprint", cc.Fingerprint().String(),
				"sealed", pass != "")
			fmt.Fprintln(cmd.OutOrStdout(), cc.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "parameter preset (pn14, pn12, test)")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Encrypt the housing dataset into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("rows") {
				a.cfg.Dataset.Rows = rows
			}
			ctx := cmd.Context()
			s, cc, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			records := dataset.Build(a.cfg.Dataset.Rows, a.cfg.Dataset.Seed)
			if err := dataset.Load(ctx, s, codec.New(cc), records, a.cfg.Dataset.BatchSize, a.logger); err != nil {
				return err
			}
			n, err := s.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rows in %s\n", n, a.cfg.Store.Path)
			return nil
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 0, "total rows to load (sample rows first)")
	return cmd
}

func newSumCmd(a *app) *cobra.Command {
	var where string
	cmd := &cobra.Command{
		Use:   "sum COLUMN",
		Short: "Sum an encrypted column inside SQLite and decrypt the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			column := args[0]

			sk, err := crypto.LoadWithSecretKey(a.cfg.Keys.Files(), a.cfg.Keys.Passphrase())
			if err != nil {
				return err
			}
			s, _, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			schema := s.Schema()
			if !schema.HasColumn(column) {
				return fmt.Errorf("%q: %w", column, store.ErrUnknownColumn)
			}
			query := fmt.Sprintf("SELECT %s(%s) FROM %s", store.DefaultAggregateName, column, schema.Table)
			if where != "" {
				query += " WHERE " + where
			}
			res, err := s.Execute(ctx, query)
			if err != nil {
				return err
			}
			if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
				return errors.New("sum: unexpected result shape")
			}
			blob, _ := res.Rows[0][0].([]byte)
			if blob == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "NULL")
				return nil
			}
			v, err := codec.New(sk).DecryptValue(blob)
			if err != nil {
				return err
			}
			a.logger.Debug("sum", "column", column, "duration", res.Duration)
			fmt.Fprintf(cmd.OutOrStdout(), "%.6f\n", v)
			return nil
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "SQL predicate appended as WHERE")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	var episodes int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one episode per action and report mean latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStack(ctx, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			spec, err := st.env.Spec(ctx)
			if err != nil {
				return err
			}
			if episodes <= 0 {
				episodes = spec.NumActions
			}

			for ep := 0; ep < episodes; ep++ {
				action := ep % spec.NumActions
				if _, err := st.env.Reset(ctx, nil); err != nil {
					return err
				}
				for {
					res, err := st.env.Step(ctx, action)
					if err != nil {
						return err
					}
					if res.Terminated || res.Truncated {
						break
					}
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EPISODE\tACTION\tMEAN_LATENCY_S\tREWARD")
			for _, r := range st.env.Log().Records() {
				fmt.Fprintf(tw, "%d\t%d\t%.6f\t%.6f\n", r.Episode, r.Action, r.MeanLatency, r.Reward)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&episodes, "episodes", 0, "episodes to run (default one per action)")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the environment with a reset and a baseline step",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var target env.Interface
			if remote != "" {
				cfg := client.DefaultRemoteClientConfig()
				cfg.Addr = remote
				c, err := client.Dial(cfg)
				if err != nil {
					return err
				}
				defer c.Close()
				target = c
			} else {
				st, err := a.openStack(ctx, nil)
				if err != nil {
					return err
				}
				defer st.Close()
				target = st.env
			}
			if err := env.Check(ctx, target); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "environment ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "check a served environment at this gRPC address instead")
	return cmd
}
