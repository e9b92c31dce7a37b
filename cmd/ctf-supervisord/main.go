package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
	"github.com/sandboxrunner/ctf-supervisor/pkg/config"
	"github.com/sandboxrunner/ctf-supervisor/pkg/monitoring"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	httpPort   int
	publicHost string

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ctf-supervisord",
		Short: "CTF challenge sandbox supervisor",
		Long: `ctf-supervisord spawns short-lived challenge containers on request,
hands out a reachable host port for each one and tears them down when their
lifetime runs out. Instances survive restarts: running containers are
re-adopted on startup.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "HTTP server port")
	rootCmd.PersistentFlags().StringVar(&publicHost, "public-host", "", "host name handed out in connection strings")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newDBCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor (default)",
		RunE:  runServer,
	}
}

// loadConfig reads the configuration and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}
	if publicHost != "" {
		cfg.Server.PublicHost = publicHost
	}

	// Flags may have broken what the file validated
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCloser, err := monitoring.SetupLogging(loggingConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Int("port", cfg.Server.Port).
		Str("public_host", cfg.Server.PublicHost).
		Int("challenges", len(cfg.Challenges)).
		Str("registry", cfg.Registry.Backend).
		Msg("Starting CTF supervisor")

	if err := cfg.CreateDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	rt, err := newDockerRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to create container runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.Logger.With().Str("component", "http").Logger()
	app, err := newApplication(ctx, cfg, rt, logger)
	if err != nil {
		return err
	}

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := app.start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if stopErr := app.shutdown(shutdownCtx); stopErr != nil {
			log.Error().Err(stopErr).Msg("Cleanup after failed start returned errors")
		}
		return err
	}

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	// Give in-flight requests time to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		return err
	}

	log.Info().Msg("Supervisor shutdown complete")
	return nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	// Generate default config
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			cfg.Auth.SharedSecret = uuid.NewString()
			cfg.Challenges = map[string]catalog.ChallengeTemplate{
				"example-web": {
					Image:        "nginx:alpine",
					InternalPort: 80,
					Protocol:     catalog.DefaultProtocol,
					CPULimit:     catalog.DefaultCPULimit,
					MemoryLimit:  catalog.DefaultMemoryLimit,
					TTLSeconds:   catalog.DefaultTTLSeconds,
				},
			}

			path := outputPath
			if path == "" {
				path = "ctf-supervisord.yaml"
			}

			if err := cfg.SaveConfig(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated configuration: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	// Validate config
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Server: %s on %s:%d\n", cfg.Server.Name, cfg.Server.Address, cfg.Server.Port)
			fmt.Fprintf(out, "Public host: %s\n", cfg.Server.PublicHost)
			fmt.Fprintf(out, "Registry: %s\n", cfg.Registry.Backend)
			fmt.Fprintf(out, "Allocator: %s\n", cfg.Allocator.Mode)
			fmt.Fprintf(out, "Challenges: %d\n", len(cfg.Challenges))
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CTF Sandbox Supervisor\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}

// newReconcileCmd runs a single reconcile sweep against the engine and
// exits. Instances whose lifetime has passed are removed, the rest are left
// running for the daemon to adopt.
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile sweep and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logCloser, err := monitoring.SetupLogging(loggingConfig(cfg))
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			defer logCloser.Close()

			rt, err := newDockerRuntime(cfg)
			if err != nil {
				return fmt.Errorf("failed to create container runtime: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			app, err := newApplication(ctx, cfg, rt, log.Logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.release(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Release after reconcile returned errors")
				}
			}()

			if err := rt.Probe(ctx); err != nil {
				return err
			}

			report, err := app.manager.Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Instance database maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema migration status",
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			status, err := storage.NewMigrator(store).GetMigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run an integrity check",
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			if err := store.CheckIntegrity(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Integrity check passed")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim free pages",
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			if err := store.Vacuum(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Vacuum completed")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "backup",
		Short: "Write a backup copy into the backup directory",
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			if err := store.Backup(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Backup created")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Replace the database with a backup copy",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			if err := store.RestoreFromBackup(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored from %s\n", args[0])
			return nil
		}),
	})

	var olderThan time.Duration
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished instance records",
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			purged, err := storage.NewInstanceStore(store).PurgeTerminalBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d records\n", purged)
			return nil
		}),
	}
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of finished records to delete")
	cmd.AddCommand(purgeCmd)

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <owner-id>",
		Short: "List instance records of one owner, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			records, err := storage.NewInstanceStore(store).ListByOwner(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		}),
	}
	historyCmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	cmd.AddCommand(historyCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "audit <instance-id>",
		Short: "Show the audit trail of one instance",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error {
			entries, err := storage.NewInstanceStore(store).AuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}),
	})

	return cmd
}

// withStore opens the configured database for the duration of one command
func withStore(run func(cmd *cobra.Command, args []string, store *storage.SQLiteStore) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Storage.Enabled {
			return fmt.Errorf("storage is disabled in the configuration")
		}

		sc := storeConfig(cfg)
		// One-shot commands never schedule backups but may take one on demand
		sc.EnableBackup = sc.BackupDir != ""
		sc.BackupInterval = 0

		store, err := storage.NewSQLiteStore(sc)
		if err != nil {
			return fmt.Errorf("failed to open instance store: %w", err)
		}
		defer store.Close()

		if cmd.Context() == nil {
			cmd.SetContext(context.Background())
		}
		return run(cmd, args, store)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
