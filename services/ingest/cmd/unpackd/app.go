package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"unpackd/pkg/bus"
	"unpackd/pkg/db"
	gos3 "unpackd/pkg/s3"
	"unpackd/pkg/telemetry"
	"unpackd/services/api"
	"unpackd/services/ingest/cache"
	"unpackd/services/ingest/config"
	"unpackd/services/ingest/extract"
	"unpackd/services/ingest/jobs"
	"unpackd/services/ingest/session"
	"unpackd/services/ingest/source"
	"unpackd/services/ingest/tree"
)

// app holds the long-lived dependencies shared by serve and worker.
type app struct {
	cfg        config.Config
	logger     zerolog.Logger
	layout     session.Layout
	pool       *pgxpool.Pool
	orm        *gorm.DB
	bus        *bus.Bus
	service    *jobs.Service
	executor   *jobs.PoolExecutor
	middleware func(next http.Handler) http.Handler
	cleanup    []func()
}

func newLogger(cfg config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := telemetry.NewLogger(serviceName, cfg.LogFormat, cfg.LogLevel, os.Stderr)
	log.Logger = logger
	return logger
}

// newApp connects the configured backends. When consume is set and the
// executor is pooled, background workers start consuming immediately.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, consume bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, layout: session.NewLayout(cfg.DataDir)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdown, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.middleware = middleware
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	})

	if err := a.layout.Ensure(); err != nil {
		return nil, err
	}

	jobStore, cacheStore, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	opts := []source.Option{source.WithLogger(logger)}
	if gos3.Configured() {
		objects, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		opts = append(opts, source.WithObjectStore(objects))
	}
	resolver := source.New(source.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		ToolTimeout:    cfg.ToolTimeout,
		ToolPath:       cfg.ToolPath,
		ToolHosts:      cfg.ToolHosts,
		UserAgent:      cfg.UserAgent,
	}, opts...)

	runner, err := jobs.NewRunner(jobs.RunnerDeps{
		Jobs:      jobStore,
		Cache:     cacheStore,
		Layout:    a.layout,
		Resolver:  resolver,
		Extractor: extract.New(logger),
		Indexer:   tree.NewIndexer(logger),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	inline := jobs.NewInlineExecutor(runner)

	if cfg.JobStaleAfter > 0 {
		reapCtx, stopReaper := context.WithCancel(context.WithoutCancel(ctx))
		go runner.Reap(reapCtx, cfg.JobStaleAfter, cfg.JobStaleAfter/4)
		a.onClose(stopReaper)
	}

	var executor jobs.Executor = inline
	if cfg.Executor == config.ExecutorPool {
		queue, err := a.openQueue(ctx)
		if err != nil {
			return nil, err
		}
		workers := 0
		if consume {
			workers = cfg.Workers
		}
		a.executor = jobs.NewPoolExecutor(queue, runner, workers, logger)
		// Consumers stop on close, not on ctx, so in-flight jobs can finish.
		if err := a.executor.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		a.onClose(func() {
			if err := a.executor.Close(); err != nil {
				logger.Error().Err(err).Msg("stop workers")
			}
		})
		executor = a.executor
	}

	a.service, err = jobs.NewService(jobs.ServiceDeps{
		Jobs:     jobStore,
		Cache:    cacheStore,
		Layout:   a.layout,
		Executor: executor,
		Fallback: inline,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openStores uses Postgres when DB_DSN is set and process memory otherwise.
func (a *app) openStores(ctx context.Context) (jobs.Store, cache.Store, error) {
	if a.cfg.DBDSN == "" {
		a.logger.Warn().Msg("DB_DSN not set, job and cache state will not survive restarts")
		return jobs.NewMemoryStore(), cache.NewMemoryStore(), nil
	}

	pool, err := db.Open(ctx, a.cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	a.onClose(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	orm, err := db.OpenGorm(ctx, a.cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open gorm: %w", err)
	}
	a.orm = orm
	a.onClose(func() {
		if err := db.CloseGorm(orm); err != nil {
			a.logger.Error().Err(err).Msg("close database")
		}
	})

	jobStore, err := jobs.NewGormStore(orm)
	if err != nil {
		return nil, nil, err
	}
	cacheStore, err := cache.NewPostgresStore(pool)
	if err != nil {
		return nil, nil, err
	}
	return jobStore, cacheStore, nil
}

// openQueue uses JetStream when NATS_URL is set and a bounded channel otherwise.
func (a *app) openQueue(ctx context.Context) (jobs.Queue, error) {
	if a.cfg.NATSURL == "" {
		return jobs.NewMemoryQueue(a.cfg.QueueCapacity, a.logger), nil
	}

	b, err := bus.New(a.cfg.NATSURL,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			a.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	a.bus = b
	a.onClose(b.Close)

	if err := b.EnsureStream(ctx, a.cfg.JobStream, a.cfg.JobSubject); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", a.cfg.JobStream, err)
	}
	return jobs.NewBusQueue(b, a.cfg.JobSubject, a.cfg.JobQueue, a.cfg.JobAckWait), nil
}

func (a *app) readyChecks() []api.ReadyCheck {
	var checks []api.ReadyCheck
	if a.pool != nil {
		checks = append(checks, api.ReadyCheck{Name: "database", Check: func(ctx context.Context) error {
			return db.Ping(ctx, a.pool)
		}})
	}
	if a.bus != nil {
		checks = append(checks, api.ReadyCheck{Name: "nats", Check: func(context.Context) error {
			if !a.bus.Connected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}
	checks = append(checks, api.ReadyCheck{Name: "data_dir", Check: func(context.Context) error {
		_, err := os.Stat(a.layout.ExtractRoot)
		return err
	}})
	return checks
}

func (a *app) onClose(fn func()) { a.cleanup = append(a.cleanup, fn) }

// close releases resources in reverse acquisition order.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
