package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/fleetwise/pkg/api"
	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/auth"
	"github.com/platinummonkey/fleetwise/pkg/config"
	"github.com/platinummonkey/fleetwise/pkg/database"
	"github.com/platinummonkey/fleetwise/pkg/documents"
	"github.com/platinummonkey/fleetwise/pkg/fleet"
	"github.com/platinummonkey/fleetwise/pkg/jobs"
	"github.com/platinummonkey/fleetwise/pkg/notifications"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/realtime"
	"github.com/platinummonkey/fleetwise/pkg/reports"
	"github.com/platinummonkey/fleetwise/pkg/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetwise: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout).
		WithField("service", "fleetwise")

	// Background work outlives request contexts and stops during shutdown.
	ctx, cancel := context.WithCancel(observability.WithLogger(context.Background(), logger))
	defer cancel()

	if path := config.FilePath(); path != "" {
		err := config.WatchLogLevel(ctx, path, func(level string) {
			logger.SetLevel(observability.ParseLogLevel(level))
			logger.WithField("level", level).Info("log level reloaded")
		}, func(err error) {
			logger.WithError(err).Warn("config watch error")
		})
		if err != nil {
			logger.WithError(err).Warn("config hot reload disabled")
		}
	}

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}

	db, err := database.Open(ctx, database.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	if cfg.Database.MigrateOnStart {
		if err := migrate(ctx, db, logger); err != nil {
			db.Close()
			return err
		}
	}

	redisClient, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		db.Close()
		return err
	}
	auditLogger := audit.NewMultiLogger(dbAudit, audit.NewStructuredLogger(logger))

	roles := rbac.NewStore(db)
	checker := rbac.NewChecker(roles, rbac.WithMetrics(metrics), rbac.WithAudit(auditLogger))

	users := auth.NewUserStore(db)
	sessions := auth.NewSessionStore(db)
	authService := auth.NewService(users, sessions, auth.ServiceConfig{
		SessionTTL: cfg.Auth.SessionTTL,
		BcryptCost: cfg.Auth.BcryptCost,
	}, auditLogger, metrics)

	transport, err := newTransport(ctx, cfg.Broadcast, redisClient, logger)
	if err != nil {
		db.Close()
		return err
	}
	broadcaster := realtime.NewBroadcaster(transport, metrics)

	stores := fleet.NewStores(db)
	notificationStore := notifications.NewStore(db)
	dispatcher := notifications.NewDispatcher(notificationStore, users, broadcaster, metrics)
	queue, err := newQueue(ctx, cfg.Notifications, redisClient, dispatcher.Handle, logger)
	if err != nil {
		_ = transport.Close()
		db.Close()
		return err
	}

	blobs, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		_ = queue.Close(ctx)
		_ = transport.Close()
		db.Close()
		return err
	}

	authorizer := realtime.NewChannelAuthorizer(
		realtime.WithEntity(realtime.KindVehicle, stores.Vehicles),
		realtime.WithEntity(realtime.KindServiceRequest, stores.ServiceRequests),
		realtime.WithAuthorizerMetrics(metrics),
		realtime.WithAuthorizerAudit(auditLogger),
	)

	documentEntities := map[string]documents.Entities{
		documents.EntityVehicle:        stores.Vehicles,
		documents.EntityServiceRequest: stores.ServiceRequests,
		documents.EntityQuote:          stores.Quotes,
		documents.EntityWorkOrder:      stores.WorkOrders,
		documents.EntityInvoice:        stores.Invoices,
	}

	authHandlers := auth.NewHandlers(authService, users, roles, checker, auditLogger, cfg.Auth.TrustProxyHeader)

	health := observability.NewHealthChecker(db, redisClient, version)
	health.AddCheck("document_storage", blobs.HealthCheck)

	handler := api.NewServer(api.Options{
		Logger:       logger,
		Metrics:      metrics,
		Registry:     registry,
		Health:       health,
		Tokens:       authService,
		Checker:      checker,
		LoginLimiter: newLoginLimiter(ctx, cfg.Auth, redisClient),
		TrustProxy:   cfg.Auth.TrustProxyHeader,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Login:        authHandlers,
		Routes: []api.Routes{
			authHandlers,
			rbac.NewHandlers(roles, checker, users, auditLogger),
			fleet.NewHandlers(stores, users, checker, broadcaster, queue),
			notifications.NewHandlers(notificationStore, queue, users, checker),
			reports.NewHandlers(reports.NewService(reports.SourcesFrom(stores)), checker),
			realtime.NewHandlers(authorizer, transport, metrics, realtime.HandlerConfig{
				AppKey:         cfg.Broadcast.AppKey,
				AppSecret:      cfg.Broadcast.AppSecret,
				AllowedOrigins: cfg.Server.CORSOrigins,
			}),
		},
		Uploads: []api.Routes{
			documents.NewHandlers(documents.NewStore(db), blobs, documentEntities, checker, cfg.Storage.MaxUploadBytes),
		},
		Audit: audit.NewHandlers(dbAudit),
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("tracing", func(ctx context.Context) error { return observability.ShutdownTracing(ctx, tp) })
	shutdown.Register("background context", func(context.Context) error { cancel(); return nil })
	shutdown.Register("broadcast transport", func(context.Context) error { return transport.Close() })
	shutdown.Register("notification queue", queue.Close)

	if cfg.Jobs.Enabled {
		scheduler, err := schedule(cfg.Jobs, logger, sessions, queue, db, metrics)
		if err != nil {
			_ = shutdown.Shutdown()
			return err
		}
		scheduler.Start()
		shutdown.Register("scheduler", scheduler.Stop)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":    server.Addr,
			"version": version,
		}).Info("fleetwise API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// A listener failure stops the process the same way a signal does.
	var serveFailure error
	go func() {
		if err, ok := <-serveErr; ok && err != nil {
			logger.WithError(err).Error("HTTP server failed")
			serveFailure = err
			cancel()
		}
	}()

	err = shutdown.WaitForSignal(ctx)
	return errors.Join(serveFailure, err)
}

// migrate applies pending migrations and seeds the built-in roles.
func migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if err := database.Migrate(ctx, db, logger); err != nil {
		return err
	}
	return rbac.SeedBuiltInRoles(ctx, rbac.NewStore(db))
}

func schedule(cfg config.JobsConfig, logger *observability.Logger, sessions jobs.SessionPurger, queue jobs.QueueDepth, db *sql.DB, metrics *observability.Metrics) (*jobs.Scheduler, error) {
	scheduler := jobs.NewScheduler(logger, time.Minute)
	retention := time.Duration(cfg.PurgeRevokedAfterHr) * time.Hour

	if err := scheduler.Add("purge-sessions", cfg.SessionPurgeSpec, scheduler.PurgeSessions(sessions, retention)); err != nil {
		return nil, err
	}
	if err := scheduler.Add("queue-depth", cfg.QueueDepthSpec, jobs.ReportQueueDepth(queue, metrics)); err != nil {
		return nil, err
	}
	if err := scheduler.Add("db-pool-stats", cfg.QueueDepthSpec, jobs.ReportPoolStats(db, metrics)); err != nil {
		return nil, err
	}
	return scheduler, nil
}
