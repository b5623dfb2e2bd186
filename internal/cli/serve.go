package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/trailmail-systems/trailmail/internal/config"
	"github.com/trailmail-systems/trailmail/internal/dlq"
	"github.com/trailmail-systems/trailmail/internal/handlers"
	"github.com/trailmail-systems/trailmail/internal/logging"
	"github.com/trailmail-systems/trailmail/internal/ratelimit"
	"github.com/trailmail-systems/trailmail/internal/repository"
	"github.com/trailmail-systems/trailmail/internal/server"
	"github.com/trailmail-systems/trailmail/internal/service"
	"github.com/trailmail-systems/trailmail/pkg/sns"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook ingestion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)

	connString := cfg.Database.ConnString()

	logger.Info("running database migrations")
	m, err := migrate.New("file://migrations", connString)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}

	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer repo.Close()

	verifier := sns.NewVerifier(
		sns.WithVerificationDisabled(cfg.Verification.Disabled),
		sns.WithCertHostSuffix(cfg.Verification.CertHostSuffix),
		sns.WithHTTPClient(&http.Client{Timeout: cfg.Verification.CertFetchTimeout}),
	)
	if cfg.Verification.Disabled {
		logger.Warn("signature verification is disabled")
	}

	var limiter ratelimit.Limiter = ratelimit.NoOpLimiter{}
	if cfg.Ingestion.RateLimitEnabled {
		limiter, err = ratelimit.NewRedisLimiter(cfg.Redis.URL,
			cfg.Ingestion.RateLimitRequests, cfg.Ingestion.RateLimitWindow)
		if err != nil {
			return fmt.Errorf("create rate limiter: %w", err)
		}
		defer limiter.Close()
	}

	opts := []service.Option{}
	if cfg.NATS.DLQEnabled {
		queue, err := dlq.NewJetStreamQueue(ctx, cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("create dead letter queue: %w", err)
		}
		defer queue.Close()
		opts = append(opts, service.WithDeadLetterQueue(queue))
	}

	svc := service.NewIngestService(repo, verifier, logger, opts...)
	handler := handlers.NewWebhookHandler(svc, repo, repo, limiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("webhook server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
