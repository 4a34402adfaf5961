package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"grainwatch/internal/app"
	"grainwatch/internal/clock"
	"grainwatch/internal/config"
	"grainwatch/internal/storage"

	"github.com/spf13/cobra"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	configFile string
	configDir  string
)

// main dispatches grainwatch subcommands.
// Params: CLI args; every command takes --config-file or --config-dir.
// Returns: process exit code by command result.
func main() {
	rootCmd := &cobra.Command{
		Use:           "grainwatch",
		Short:         "Grain storage trigger evaluation and alert lifecycle service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "path to one TOML config file")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "path to directory with TOML config fragments")

	rootCmd.AddCommand(newServeCmd(), newCheckConfigCmd(), newMigrateCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		var usage usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func loadSource() (config.ConfigSource, error) {
	source, err := config.FromCLI(configFile, configDir)
	if err != nil {
		return config.ConfigSource{}, usageError{err: err}
	}
	return source, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, evaluation, notifications and the alert API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := loadSource()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			service, err := app.NewService(ctx, source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			if err := service.Run(ctx); err != nil {
				return fmt.Errorf("service run failed: %w", err)
			}
			return nil
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := loadSource()
			if err != nil {
				return err
			}
			cfg, err := config.LoadSnapshot(source)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			active := 0
			for _, trigger := range cfg.Trigger {
				if trigger.Active {
					active++
				}
			}
			var sources []string
			if cfg.Ingest.HTTP.Enabled {
				sources = append(sources, "http")
			}
			if cfg.Ingest.NATS.Enabled {
				sources = append(sources, "nats")
			}
			if cfg.Ingest.Kafka.Enabled {
				sources = append(sources, "kafka")
			}
			if cfg.Ingest.MQTT.Enabled {
				sources = append(sources, "mqtt")
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "config ok: service=%s mode=%s\n", cfg.Service.Name, cfg.Service.Mode)
			_, _ = fmt.Fprintf(out, "ingest: %s\n", strings.Join(sources, ","))
			_, _ = fmt.Fprintf(out, "stores: alerts=%s readings=%s retention_days=%d\n", cfg.Store.Alerts, cfg.Store.Readings, cfg.Store.RetentionDays)
			_, _ = fmt.Fprintf(out, "catalog: source=%s triggers=%d active=%d\n", cfg.Catalog.Source, len(cfg.Trigger), active)
			_, _ = fmt.Fprintf(out, "topology: source=%s organizations=%d\n", cfg.Topology.Source, len(cfg.Topology.Organization))
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema for alerts, triggers and topology",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := loadSource()
			if err != nil {
				return err
			}
			cfg, err := config.LoadSnapshot(source)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
				return errors.New("store.postgres.dsn is required for migrate")
			}
			ctx := cmd.Context()
			db, err := storage.Open(ctx, cfg.Store.Postgres)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
