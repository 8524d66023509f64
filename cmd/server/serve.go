package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/secretapproval/internal/api"
	"github.com/org/secretapproval/internal/storage"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the health and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
			if err != nil {
				return err
			}
			defer store.Close()

			if migrate {
				if err := storage.RunMigrations(cfg.DBUrl); err != nil {
					return err
				}
				log.Info().Msg("migrations applied")
			}

			srv := api.NewServer(store, api.Config{
				ListenAddr:     cfg.ListenAddr,
				RateLimitRPS:   cfg.RateLimitRPS,
				RateLimitBurst: cfg.RateLimitBurst,
			})

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			errc := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			log.Info().Str("addr", cfg.ListenAddr).Str("request_mode", cfg.RequestMode).Msg("server started")
			select {
			case <-quit:
			case err := <-errc:
				return err
			}

			log.Info().Msg("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown error")
			}
			log.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := storage.RunMigrations(cfg.DBUrl); err != nil {
				return err
			}
			printSuccess("migrations applied")
			return nil
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			if err := storage.RollbackMigrations(cfg.DBUrl, steps); err != nil {
				return err
			}
			printSuccess("migrations reverted")
			return nil
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migrations to revert")

	cmd.AddCommand(upCmd, downCmd)
	return cmd
}
