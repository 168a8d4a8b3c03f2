package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/senyabanana/sealed-tender/internal/db"
	"github.com/senyabanana/sealed-tender/internal/handlers"
	"github.com/senyabanana/sealed-tender/internal/job"
	"github.com/senyabanana/sealed-tender/internal/keys"
	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/repository"
	"github.com/senyabanana/sealed-tender/internal/router"
	"github.com/senyabanana/sealed-tender/internal/router/config"
	"github.com/senyabanana/sealed-tender/internal/services"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "sealed-tender",
		Short:         "Sealed-bid tender service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing app.env")
	rootCmd.AddCommand(serveCmd(), migrateCmd(), rotateKeysCmd(), issueTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return cfg, fmt.Errorf("cannot load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runDBMigration(migrationURL string, dbSource string, logger *slog.Logger) error {
	migration, err := migrate.New(migrationURL, dbSource)
	if err != nil {
		return fmt.Errorf("cannot create a new migrate instance: %w", err)
	}
	defer migration.Close()

	if err = migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrate up: %w", err)
	}
	logger.Info("db migrated successfully")
	return nil
}

func newKeyManager(cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*keys.Manager, error) {
	master, err := keys.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	store := repository.NewPostgresKeyRepository(pool, cfg.DBTimeout)
	return keys.NewManager(store, master, keys.NewCache(cfg.KeyCacheTTL, nil), cfg.KeyTTL, logger), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations, the HTTP API and the key rotation schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ready := atomic.NewBool(false)
			if err := runDBMigration(cfg.MigrationURL, cfg.PostgresConn, logger); err != nil {
				return err
			}

			dbPool, err := db.InitDb(ctx, cfg)
			if err != nil {
				return fmt.Errorf("error initializing database: %w", err)
			}
			defer dbPool.Close()

			keyManager, err := newKeyManager(cfg, dbPool, logger)
			if err != nil {
				return err
			}

			tenderRepo := repository.NewPostgresTenderRepository(dbPool, cfg.DBTimeout)
			offerRepo := repository.NewPostgresOfferRepository(dbPool, cfg.DBTimeout)
			openingRepo := repository.NewPostgresOpeningRepository(dbPool, cfg.DBTimeout)
			awardRepo := repository.NewPostgresAwardRepository(dbPool, cfg.DBTimeout)

			collab := services.Collaborators{
				Notifier: repository.NewPostgresNotificationRepository(dbPool, cfg.DBTimeout),
				Auditor:  repository.NewPostgresAuditRepository(dbPool, cfg.DBTimeout),
				Logger:   logger,
			}

			tenderService := services.NewTenderService(tenderRepo, collab)
			offerService := services.NewOfferService(offerRepo, tenderRepo, keyManager, collab)
			openingService := services.NewOpeningService(offerRepo, tenderRepo, openingRepo, keyManager, collab)
			evaluationService := services.NewEvaluationService(offerRepo, tenderRepo, keyManager, collab)
			awardService := services.NewAwardService(awardRepo, tenderRepo, collab)

			routes := router.InitRoutes(router.Handlers{
				Auth:    handlers.NewAuthenticator(cfg.JWTSecret, logger),
				Tenders: handlers.NewTenderHandler(tenderService, logger, cfg.RequestTimeout),
				Offers:  handlers.NewOfferHandler(offerService, logger, cfg.RequestTimeout),
				Opening: handlers.NewOpeningHandler(openingService, evaluationService, logger, cfg.RequestTimeout),
				Awards:  handlers.NewAwardHandler(awardService, logger, cfg.RequestTimeout),
				Ready:   ready,
			})

			rotation, err := job.NewKeyRotationJob(cfg.KeyRotationSchedule, keyManager, time.Minute, logger)
			if err != nil {
				return err
			}
			rotation.Start()
			defer rotation.Stop()

			server := &http.Server{
				Addr:              cfg.ServerAddress,
				Handler:           routes,
				ReadHeaderTimeout: 5 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server is listening", "address", cfg.ServerAddress)
				serveErr <- server.ListenAndServe()
			}()
			ready.Store(true)

			select {
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
				ready.Store(false)
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}
			}

			hits, misses := keyManager.Cache().Stats()
			logger.Info("server stopped", "key_cache_hits", hits, "key_cache_misses", misses)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(*cobra.Command, []string) error {
			logger := newLogger()
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("cannot load config: %w", err)
			}
			return runDBMigration(cfg.MigrationURL, cfg.PostgresConn, logger)
		},
	}
}

func rotateKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-keys",
		Short: "Rotate expired encryption keys once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			dbPool, err := db.InitDb(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("error initializing database: %w", err)
			}
			defer dbPool.Close()

			keyManager, err := newKeyManager(cfg, dbPool, logger)
			if err != nil {
				return err
			}
			rotated, err := keyManager.Rotate(cmd.Context())
			if err != nil {
				return fmt.Errorf("key rotation finished with errors (%d rotated): %w", rotated, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %d keys\n", rotated)
			return nil
		},
	}
}

func issueTokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Sign a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("cannot load config: %w", err)
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			token, err := handlers.IssueToken(cfg.JWTSecret, models.Identity{UserID: args[0], Role: models.Role(role)}, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.BuyerRole), "buyer or supplier")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
