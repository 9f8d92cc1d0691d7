package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"unpackd/pkg/db"
	"unpackd/services/api"
	"unpackd/services/ingest/config"
	"unpackd/services/ingest/gateway"
)

const serviceName = "unpackd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Archive ingestion and browsing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML config file; environment variables take precedence")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newWorkerCommand(&configPath))
	cmd.AddCommand(newMigrateCommand(&configPath))
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, with in-process workers unless EXECUTOR=inline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx, *configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(ctx, cfg)
		},
	}
}

func newWorkerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from NATS without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx, *configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.NATSURL == "" || cfg.Executor != config.ExecutorPool {
				return errors.New("worker mode requires NATS_URL and EXECUTOR=pool")
			}
			if cfg.Workers < 1 {
				return errors.New("worker mode requires WORKERS > 0")
			}
			return work(ctx, cfg)
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx, *configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DBDSN == "" {
				return errors.New("migrate requires DB_DSN")
			}
			logger := newLogger(cfg)

			pool, err := db.Open(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)

	a, err := newApp(ctx, cfg, logger, cfg.Executor == config.ExecutorPool)
	if err != nil {
		return err
	}
	defer a.close()

	handler, err := newRouter(a)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("executor", cfg.Executor).Msg("starting unpackd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}

func work(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info().Int("workers", cfg.Workers).Str("subject", cfg.JobSubject).Msg("worker running")
	<-ctx.Done()
	logger.Info().Msg("worker stopping")
	return nil
}

func newRouter(a *app) (http.Handler, error) {
	files := gateway.New(a.layout.ExtractRoot, gateway.WithInternalRedirect(a.cfg.InternalRedirectPrefix))

	server, err := api.New(a.service, files, api.Config{
		AllowedOrigins:     a.cfg.AllowedOrigins,
		RateLimitPerMinute: a.cfg.RateLimitPerMinute,
		RequestTimeout:     a.cfg.RequestTimeout,
		Middleware:         a.middleware,
		ReadyChecks:        a.readyChecks(),
		Logger:             a.logger,
	})
	if err != nil {
		return nil, err
	}
	return server.Routes()
}
