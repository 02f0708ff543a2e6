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

	"golang.org/x/sync/errgroup"

	specpkg "github.com/autogenlabs-dev/backend-services/api"
	"github.com/autogenlabs-dev/backend-services/internal/api"
	"github.com/autogenlabs-dev/backend-services/internal/audit"
	"github.com/autogenlabs-dev/backend-services/internal/auth"
	"github.com/autogenlabs-dev/backend-services/internal/config"
	"github.com/autogenlabs-dev/backend-services/internal/database"
	"github.com/autogenlabs-dev/backend-services/internal/pool"
	"github.com/autogenlabs-dev/backend-services/internal/reconciler"
	"github.com/autogenlabs-dev/backend-services/internal/telemetry"
)

// backend is the storage stack selected by STORE_DRIVER.
type backend struct {
	pinger    interface{ Ping(context.Context) error }
	userRepo  auth.UserRepository
	store     pool.Store
	mirrors   pool.MirrorStore
	auditSink audit.Sink
	close     func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped gracefully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	sink, closeSink, err := openAuditSink(ctx, cfg, be)
	if err != nil {
		return err
	}
	defer closeSink()

	emitter := audit.NewEmitter(sink, audit.EmitterConfig{
		QueueSize:  cfg.AuditQueueSize,
		MaxRetries: cfg.AuditMaxRetries,
	}, slog.Default().With("component", "audit"))

	authService := auth.NewService(be.userRepo, cfg.BcryptCost)
	rawKey, err := authService.BootstrapSuperuser(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping superuser: %w", err)
	}
	if rawKey != "" {
		slog.Info("superuser created; store this API key, it is not shown again", "apiKey", rawKey)
	}

	providers, err := telemetry.Setup(ctx, telemetry.Options{
		Exporter:       cfg.TelemetryExporter,
		ServiceName:    "pool-keys",
		ServiceVersion: cfg.Version,
		Interval:       cfg.TelemetryInterval,
	}, slog.Default().With("component", "telemetry"))
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}

	poolTelemetry, err := pool.NewTelemetry(providers.MeterProvider, providers.TracerProvider)
	if err != nil {
		return fmt.Errorf("creating pool telemetry: %w", err)
	}

	settings := pool.Settings{
		KeyTypes:      pool.NewKeyTypes(cfg.KeyTypes...),
		PreviewLength: cfg.KeyPreviewLength,
		MaxAttempts:   cfg.MaxAssignAttempts,
		StoreTimeout:  cfg.StoreTimeout,
	}
	logger := slog.Default().With("component", "pool")
	allocator := pool.NewAllocator(be.store, be.mirrors, emitter, settings, logger, poolTelemetry)
	releaser := pool.NewReleaser(be.store, be.mirrors, emitter, settings, logger, poolTelemetry)
	admin := pool.NewAdmin(be.store, emitter, settings, logger)

	router := api.NewRouter(api.RouterDeps{
		DBPinger:    be.pinger,
		Version:     cfg.Version,
		OpenAPISpec: specpkg.OpenAPISpec,
		AuthService: authService,
		UserRepo:    be.userRepo,
		Admin:       admin,
		Allocator:   allocator,
		Releaser:    releaser,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rec := reconciler.New(be.store, be.mirrors, releaser, reconciler.Config{
		Interval: cfg.ReconcilerInterval,
		Repair:   cfg.ReconcilerRepair,
		Grace:    cfg.ReconcilerGrace,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting pool key server", "port", cfg.Port, "version", cfg.Version,
			"storeDriver", cfg.StoreDriver, "auditSink", cfg.AuditSink, "keyTypes", cfg.KeyTypes)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.ReconcilerInterval > 0 {
		g.Go(func() error {
			rec.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := emitter.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("draining audit events: %w", err))
		}
		if err := providers.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("flushing telemetry: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := database.New(ctx, cfg.DatabaseURL, database.WithMaxConns(cfg.DatabaseMaxConns))
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		repo := pool.NewPostgresRepository(db.Pool())
		return &backend{
			pinger:    db,
			userRepo:  auth.NewRepository(db.Pool()),
			store:     repo,
			mirrors:   repo,
			auditSink: audit.NewPostgresSink(db.Pool()),
			close:     db.Close,
		}, nil

	case "sqlite", "memory":
		var (
			db  *database.SQLite
			err error
		)
		if cfg.StoreDriver == "sqlite" {
			db, err = database.OpenSQLite(ctx, cfg.SQLitePath)
		} else {
			db, err = database.OpenSQLiteMemory(ctx, "pool")
		}
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		repo := pool.NewSQLiteRepository(db)
		return &backend{
			pinger:    db,
			userRepo:  auth.NewSQLiteRepository(db),
			store:     repo,
			mirrors:   repo,
			auditSink: audit.NewSQLiteSink(db),
			close: func() {
				if err := db.Close(); err != nil {
					slog.Warn("closing sqlite", "error", err)
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func openAuditSink(ctx context.Context, cfg *config.Config, be *backend) (audit.Sink, func(), error) {
	switch cfg.AuditSink {
	case "redis":
		sink, err := audit.NewRedisSink(ctx, cfg.RedisURL, cfg.AuditStream)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				slog.Warn("closing redis audit sink", "error", err)
			}
		}, nil
	case "log":
		return audit.NewLogSink(slog.Default().With("component", "audit")), func() {}, nil
	default:
		return be.auditSink, func() {}, nil
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
