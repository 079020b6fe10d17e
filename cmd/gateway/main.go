// Package main is the gateway process entry point: the client-facing HTTP
// surface that authenticates a session, rate-limits the caller, and
// forwards each typed actor call through gatewayclient.Client to whichever
// silo the directory names as the identity's owner (spec.md §4.9).
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/titan-game/titan/infrastructure/config"
	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	titanlogging "github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/metrics"
	"github.com/titan-game/titan/infrastructure/middleware"
	outboundlimit "github.com/titan-game/titan/infrastructure/ratelimit"
	"github.com/titan-game/titan/infrastructure/redisutil"
	"github.com/titan-game/titan/infrastructure/serviceauth"
	"github.com/titan-game/titan/infrastructure/utils"
	"github.com/titan-game/titan/internal/directory"
	"github.com/titan-game/titan/internal/gatewayclient"
	"github.com/titan-game/titan/internal/identity"
	"github.com/titan-game/titan/internal/membership"
	"github.com/titan-game/titan/internal/ratelimit"
	"github.com/titan-game/titan/internal/realtime"
	"github.com/titan-game/titan/internal/session"
)

const selfSiloID = "gateway"

func main() {
	ctx := context.Background()
	logger := titanlogging.NewFromEnv("gateway")

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

	membershipStore := membership.NewStore(db)
	dir := directory.New(selfSiloID)
	utils.SafeGo(func() { syncDirectoryRing(ctx, dir, membershipStore, logger) }, func(err error) {
		logger.Error(ctx, "directory ring sync loop panicked, ring will no longer update", err, nil)
	})

	sessionStore := session.NewStore(rdb, session.DefaultConfig())
	rateLimiter := ratelimit.NewEngine(rdb, func(ctx context.Context) (ratelimit.Configuration, error) {
		return defaultRateLimitConfiguration(), nil
	})
	hub := realtime.NewHub()

	historyCron := cron.New()
	if _, err := historyCron.AddFunc("@every 10s", func() {
		if err := rateLimiter.SnapshotAndPush(ctx); err != nil {
			logger.Error(ctx, "pushing rate-limit history snapshot failed", err, nil)
		}
	}); err != nil {
		log.Fatalf("CRITICAL: scheduling rate-limit history snapshot: %v", err)
	}
	historyCron.Start()
	defer historyCron.Stop()

	client := gatewayclient.New(gatewayclient.Config{
		Directory:   dir,
		RateLimiter: rateLimiter,
		Local: func(ctx context.Context, id identity.ID, method string, payload interface{}) (interface{}, error) {
			return nil, titanerrors.Internal("gateway hosts no local activations", nil)
		},
		ResolveSilo: func(siloID string) (string, bool) {
			silo, err := membershipStore.Get(ctx, siloID)
			if err != nil || silo.Status != membership.StatusActive {
				return "", false
			}
			return "http://" + silo.Endpoint, true
		},
		ServiceTokenGenerator: loadServiceTokenGenerator(logger),
		OutboundRateLimit: &outboundlimit.RateLimitConfig{
			RequestsPerSecond: 200,
			Burst:             400,
			Window:            time.Second,
		},
	})

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	if metrics.Enabled() {
		metricsCollector := metrics.Init("gateway")
		router.Use(middleware.MetricsMiddleware("gateway", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:   config.SplitAndTrimCSV(config.GetEnv("TITAN_CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAgeSeconds:    3600,
	}).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)

	healthChecker := middleware.NewHealthChecker("gateway")
	healthChecker.RegisterCheck("postgres", func() error { return sqlDB.Ping() })
	healthChecker.RegisterCheck("redis", func() error { return rdb.Ping(ctx).Err() })
	router.HandleFunc("/health", healthChecker.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz/live", middleware.LivenessHandler()).Methods(http.MethodGet)
	registerGatewayRoutes(router, client, sessionStore, hub)
	rateLimitConfig := defaultRateLimitConfiguration()
	policyList := make([]ratelimit.Policy, 0, len(rateLimitConfig.Policies))
	for _, p := range rateLimitConfig.Policies {
		policyList = append(policyList, p)
	}
	registerAdminRoutes(router, sessionStore, rateLimiter, policyList, logger)

	port := config.GetEnv("TITAN_GATEWAY_PORT", "8080")
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() { logger.Info(ctx, "shutting down", nil) })
	shutdown.ListenForSignals()

	go func() {
		logger.Info(ctx, "gateway listening on "+server.Addr, nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("CRITICAL: gateway listener: %v", err)
		}
	}()

	shutdown.Wait()
}

// loadServiceTokenGenerator builds a service-token generator from a PEM
// private key at TITAN_SERVICE_AUTH_KEY_PATH, if configured. Without it the
// gateway forwards to silos over plain HTTP, relying on network-level
// isolation instead.
func loadServiceTokenGenerator(logger *titanlogging.Logger) *serviceauth.ServiceTokenGenerator {
	path := config.GetEnv("TITAN_SERVICE_AUTH_KEY_PATH", "")
	if path == "" {
		logger.Info(context.Background(), "TITAN_SERVICE_AUTH_KEY_PATH not set, forwarding to silos without service tokens", nil)
		return nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("CRITICAL: reading service auth key %s: %v", path, err)
	}
	privateKey, err := serviceauth.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		log.Fatalf("CRITICAL: parsing service auth key: %v", err)
	}
	return serviceauth.NewServiceTokenGenerator(privateKey, selfSiloID, serviceauth.DefaultServiceTokenExpiry)
}

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
			dir.UpdateRing(utils.Unique(active))
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
		EndpointMappings: []ratelimit.EndpointMapping{
			{Pattern: "/api/*", Policy: "standard"},
		},
	}
}
