package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/push"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "unipush",
		Short: "UniPush: multi-channel push notification pipeline",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(standaloneCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the core service: HTTP API, result consumer, persistence and retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)

			tr, err := setupTransport(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup queue: %w", err)
			}
			defer tr.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			core, err := startCore(ctx, cfg, tr, log)
			if err != nil {
				return err
			}

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("queue", cfg.Queue.Driver).
				Bool("deferred_retry", cfg.Retry.Deferred).
				Msg("UniPush core is running")

			<-ctx.Done()
			log.Info().Msg("shutting down...")
			core.Stop()
			log.Info().Msg("UniPush core stopped")
			return nil
		},
	}
}

func workerCmd(configPath *string) *cobra.Command {
	var (
		channels []string
		group    string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run channel delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if len(channels) > 0 {
				cfg.Delivery.Channels = channels
				// Workers owning different channel sets must not share a
				// group, or each would acknowledge the others' tasks.
				cfg.Queue.WorkerGroup += "-" + strings.Join(channels, "-")
			}
			if group != "" {
				cfg.Queue.WorkerGroup = group
			}
			log := setupLogger(cfg.Logging)

			tr, err := setupTransport(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup queue: %w", err)
			}
			defer tr.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workers, err := startWorkers(ctx, cfg, tr, log)
			if err != nil {
				return err
			}

			log.Info().
				Str("version", version).
				Strs("channels", cfg.Delivery.Channels).
				Str("group", cfg.Queue.WorkerGroup).
				Msg("UniPush workers are running")

			<-ctx.Done()
			log.Info().Msg("shutting down...")
			workers.Stop()
			log.Info().Msg("UniPush workers stopped")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&channels, "channels", nil, "channels this worker delivers (default from config)")
	cmd.Flags().StringVar(&group, "group", "", "consumer group (default derived from --channels)")
	return cmd
}

func standaloneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "standalone",
		Short: "Run core and workers in one process over the in-memory queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Queue.Driver = "memory"
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := setupLogger(cfg.Logging)

			tr, err := setupTransport(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup queue: %w", err)
			}
			defer tr.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			core, err := startCore(ctx, cfg, tr, log)
			if err != nil {
				return err
			}
			workers, err := startWorkers(ctx, cfg, tr, log)
			if err != nil {
				core.Stop()
				return err
			}

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Strs("channels", cfg.Delivery.Channels).
				Msg("UniPush standalone is running")

			<-ctx.Done()
			log.Info().Msg("shutting down...")
			core.Stop()
			workers.Stop()
			log.Info().Msg("UniPush stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message stats from the durable store and the persist backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			c, err := setupCache(cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			svc := push.NewService(c, store, nil, nil, nil, push.Options{}, log)
			stats, err := svc.Stats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("UniPush v%s\n", version)
		},
	}
}
