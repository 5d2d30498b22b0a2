package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/phc-his/his/internal/app"
	"github.com/phc-his/his/internal/audit"
	audithttp "github.com/phc-his/his/internal/audit/http"
	"github.com/phc-his/his/internal/auth"
	"github.com/phc-his/his/internal/clinical"
	jobmetrics "github.com/phc-his/his/internal/jobs"
	"github.com/phc-his/his/internal/observability"
	"github.com/phc-his/his/internal/platform/cache"
	"github.com/phc-his/his/internal/platform/db"
	"github.com/phc-his/his/internal/principals"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
	"github.com/phc-his/his/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("his exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, "his-web")
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	redisOpt := jobs.RedisOpt(redisClient.Options())

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)

	metrics := observability.NewMetrics()
	workerMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	var source rbac.PolicySource = rbac.EmbeddedSource{}
	if cfg.RBACPolicyFile != "" {
		source = rbac.FileSource{Path: cfg.RBACPolicyFile}
	}
	registry := rbac.NewRegistry(source, logger, metrics)
	if _, err := registry.Reload(ctx); err != nil {
		return err
	}

	auditStore := audit.NewStore(pool)
	directSink := audit.NewDirectSink(auditStore, audit.DirectSinkConfig{
		Buffer: cfg.AuditBuffer,
		OnDrop: func(audit.Record, error) { workerMetrics.AuditDropped("direct") },
	}, logger)
	defer func() {
		if err := directSink.Close(); err != nil {
			logger.Warn("audit sink close", slog.Any("error", err))
		}
	}()

	var sink audit.AsyncSink = directSink
	if cfg.AuditQueueEnabled {
		client, err := jobs.NewClient(redisOpt)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		sink = audit.NewQueueSink(client, directSink, logger)
	}
	recorder := audit.NewRecorder(pool, auditStore, sink, logger)

	staffRepo := principals.NewRepository(pool)
	gate := rbac.NewGate(staffRepo, registry, logger, metrics, recorder)
	guard := rbac.Middleware{Gate: gate, Logger: logger}

	authService := auth.NewService(auth.NewRepository(pool), recorder)
	inspector := asynq.NewInspector(redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Tokens:             tokens,
		AuthHandler:        auth.NewHandler(logger, authService, sessionManager, csrfManager),
		AuthAPIHandler:     auth.NewAPIHandler(logger, authService, tokens),
		StaffHandler:       principals.NewHandler(logger, principals.NewService(staffRepo, recorder), guard),
		ClinicalHandler:    clinical.NewHandler(logger, clinical.NewService(clinical.NewRepository(pool), recorder).WithIdempotency(shared.NewIdempotencyStore()), guard),
		AuditHandler:       audithttp.NewHandler(logger, audit.NewService(auditStore), audit.NewExporter(logger), guard),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, registry, guard),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Pool:               pool,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
			return err
		}
		logger.Info("server stopped")
		return nil
	})
	if cfg.RBACPolicyFile != "" {
		watcher := &rbac.Watcher{Path: cfg.RBACPolicyFile, Registry: registry, Logger: logger}
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		reloadOnHangup(gctx, registry, logger)
		return nil
	})

	return g.Wait()
}

// reloadOnHangup reloads the permission table on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, registry rbac.Reloader, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			snap, err := registry.Reload(ctx)
			if err != nil {
				continue
			}
			logger.Info("rbac policy reloaded on SIGHUP",
				slog.Uint64("version", snap.Version),
				slog.Bool("changed", snap.Changed))
		}
	}
}
