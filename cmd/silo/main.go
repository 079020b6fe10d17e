// Package main is the silo process entry point: it hosts grain
// activations, the directory ring, persistence, the transaction
// coordinator, the reminder sweeper, streams, and the internal peer
// listener that gatewayclient.Client forwards calls to (spec.md §4).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titan-game/titan/infrastructure/config"
	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	titanlogging "github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/metrics"
	"github.com/titan-game/titan/infrastructure/middleware"
	"github.com/titan-game/titan/infrastructure/redisutil"
	"github.com/titan-game/titan/internal/activation"
	"github.com/titan-game/titan/internal/directory"
	"github.com/titan-game/titan/internal/identity"
	"github.com/titan-game/titan/internal/membership"
	"github.com/titan-game/titan/internal/migrations"
	"github.com/titan-game/titan/internal/persistence"
	"github.com/titan-game/titan/internal/ratelimit"
	"github.com/titan-game/titan/internal/registry"
	"github.com/titan-game/titan/internal/session"
	"github.com/titan-game/titan/internal/startup"
	"github.com/titan-game/titan/internal/streams"
	"github.com/titan-game/titan/internal/txn"
)

func main() {
	ctx := context.Background()
	logger := titanlogging.NewFromEnv("silo")

	siloID := config.GetEnv("TITAN_SILO_ID", "silo-1")
	endpoint := config.GetEnv("TITAN_SILO_ENDPOINT", "localhost:"+config.GetEnv("TITAN_SILO_PORT", "7100"))

	pgDSN, err := config.RequireEnv("TITAN_POSTGRES_DSN")
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	sqlDB, err := sql.Open("postgres", pgDSN)
	if err != nil {
		log.Fatalf("CRITICAL: open postgres: %v", err)
	}
	db := sqlx.NewDb(sqlDB, "postgres")

	redisURL := config.GetEnv("TITAN_REDIS_URL", "redis://localhost:6379/0")
	rdb, err := redisutil.NewClient(ctx, redisURL)
	if err != nil {
		log.Fatalf("CRITICAL: connect redis: %v", err)
	}

	provider := persistence.NewSQLProvider(db)
	membershipStore := membership.NewStore(db)
	dir := directory.New(siloID)
	txnCoordinator := txn.NewCoordinator(db, txn.DefaultConfig())
	streamBus := streams.New()
	scheduler := activation.NewScheduler(activation.DefaultIdleTimeout)

	itemCatalogID := identity.NewString("item-catalog", "singleton")
	catalogReader := registry.NewReader(provider, itemCatalogID, 30*time.Second)
	catalogWriter := registry.NewWriter(provider, itemCatalogID, catalogReader)

	rateLimiter := ratelimit.NewEngine(rdb, func(ctx context.Context) (ratelimit.Configuration, error) {
		return defaultRateLimitConfiguration(), nil
	})
	sessionStore := session.NewStore(rdb, session.DefaultConfig())

	self := membership.Silo{
		SiloID:     siloID,
		Endpoint:   endpoint,
		Status:     membership.StatusJoining,
		Generation: 1,
		StartTime:  time.Now().UTC(),
	}
	monitor := membership.NewMonitor(membershipStore, self, membership.DefaultConfig(), func() {
		logger.Error(ctx, "observed self as dead in membership roster, terminating", nil, nil)
		os.Exit(1)
	})

	reminderStore := persistence.NewReminderStore(db)
	sweeper := activation.NewReminderSweeper(reminderStore, siloID, func(ctx context.Context, id identity.ID, reminderName string) error {
		// No application grain types are registered in this generic binary;
		// a concrete deployment wires its own factories through scheduler
		// before reminders can be delivered to them.
		return titanerrors.NotFound("grain-factory-for-reminder", id.GrainType)
	})

	orchestrator := startup.New(startup.Config{
		Migrate: func() error { return migrations.Apply(sqlDB) },
		Monitor: monitor,
		Seeds: []startup.SeedSource{
			{
				Name:     "item-catalog",
				Writer:   catalogWriter,
				FilePath: config.GetEnv("TITAN_ITEM_CATALOG_SEED_PATH", ""),
				Fallback: json.RawMessage(`{}`),
			},
		},
		Tasks: []startup.Task{
			{
				Name: "transaction-recovery",
				Run: func(ctx context.Context) error {
					return txnCoordinator.RecoverAndResolve(ctx, resolveTransactionParticipant)
				},
			},
		},
		OpenListener: func(ctx context.Context) error {
			go monitor.Run(ctx)
			go scheduler.RunIdleGC(ctx, time.Minute)
			go sweeper.Run(ctx, 5*time.Second)
			go syncDirectoryRing(ctx, dir, membershipStore, logger)
			return nil
		},
	})
	if err := orchestrator.Run(ctx); err != nil {
		log.Fatalf("CRITICAL: silo startup: %v", err)
	}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	if metrics.Enabled() {
		metricsCollector := metrics.Init("silo")
		router.Use(middleware.MetricsMiddleware("silo", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)

	healthChecker := middleware.NewHealthChecker(siloID)
	healthChecker.RegisterCheck("postgres", func() error { return sqlDB.Ping() })
	healthChecker.RegisterCheck("redis", func() error { return rdb.Ping(ctx).Err() })
	router.HandleFunc("/health", healthChecker.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz/live", middleware.LivenessHandler()).Methods(http.MethodGet)
	registerInternalRoutes(router, scheduler, streamBus, catalogReader, txnCoordinator, sessionStore, rateLimiter)

	server := &http.Server{
		Addr:              ":" + portFromEndpoint(endpoint),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() { logger.Info(ctx, "shutting down", nil) })
	shutdown.OnShutdown(func() {
		membershipCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := monitor.ShutdownGracefully(membershipCtx); err != nil {
			logger.Error(membershipCtx, "graceful membership shutdown failed", err, nil)
		}
	})
	shutdown.ListenForSignals()

	go func() {
		logger.Info(ctx, "silo "+siloID+" listening on "+server.Addr, nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("CRITICAL: silo listener: %v", err)
		}
	}()

	shutdown.Wait()
}

// resolveTransactionParticipant reconstructs the Participant a recovered
// transaction needs to redrive Commit/Abort against. No application grain
// types are registered in this generic binary (the same limitation the
// reminder sweeper's deliver callback above documents); a concrete
// deployment wires its own factories through scheduler so a recovered
// participant can be reactivated and its Commit/Abort called for real.
func resolveTransactionParticipant(ctx context.Context, grainID string) (txn.Participant, error) {
	if _, ok := identity.ParseString(grainID); !ok {
		return nil, titanerrors.Internal("parsing recovered transaction participant grain id "+grainID, nil)
	}
	return nil, titanerrors.NotFound("grain-factory-for-transaction-participant", grainID)
}

func portFromEndpoint(endpoint string) string {
	if idx := strings.LastIndex(endpoint, ":"); idx != -1 {
		return endpoint[idx+1:]
	}
	return "7100"
}

// syncDirectoryRing keeps dir's consistent-hash ring current with the
// membership roster's active silos, so LocateOrActivate's candidate
// selection reflects silos that have joined or been evicted since the
// ring was last built (spec.md §4.2).
func syncDirectoryRing(ctx context.Context, dir *directory.Directory, store *membership.Store, logger *titanlogging.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silos, err := store.List(ctx)
			if err != nil {
				logger.Error(ctx, "listing membership roster for ring sync", err, nil)
				continue
			}
			active := make([]string, 0, len(silos))
			for _, silo := range silos {
				if silo.Status == membership.StatusActive {
					active = append(active, silo.SiloID)
				}
			}
			dir.UpdateRing(active)
		}
	}
}

func defaultRateLimitConfiguration() ratelimit.Configuration {
	return ratelimit.Configuration{
		Enabled:       true,
		DefaultPolicy: "standard",
		Policies: map[string]ratelimit.Policy{
			"standard": {
				Name: "standard",
				Rules: []ratelimit.Rule{
					{MaxHits: 100, PeriodSeconds: 60, TimeoutSeconds: 60},
				},
			},
		},
	}
}
