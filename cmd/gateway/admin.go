package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/titan-game/titan/infrastructure/config"
	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	titanlogging "github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/middleware"
	"github.com/titan-game/titan/internal/ratelimit"
	"github.com/titan-game/titan/internal/session"
)

type invalidateAllRequest struct {
	UserID string `json:"user_id"`
}

type clearTimeoutRequest struct {
	Partition string `json:"partition"`
	Policy    string `json:"policy"`
}

type clearPartitionRequest struct {
	Partition string `json:"partition"`
}

// registerAdminRoutes wires the rate-limit and session operator endpoints,
// gated on a bearer service JWT rather than a player session ticket. Absent
// a configured public key the routes are not registered at all: an
// unauthenticatable admin surface is worse than no admin surface.
func registerAdminRoutes(router *mux.Router, sessions *session.Store, limiter *ratelimit.Engine, policies []ratelimit.Policy, logger *titanlogging.Logger) {
	ctx := context.Background()
	publicKeyPath := config.GetEnv("TITAN_ADMIN_AUTH_PUBLIC_KEY_PATH", "")
	if publicKeyPath == "" {
		logger.Info(ctx, "TITAN_ADMIN_AUTH_PUBLIC_KEY_PATH not set, admin routes disabled", nil)
		return
	}
	pemBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		logger.Error(ctx, "reading admin auth public key, admin routes disabled", err, nil)
		return
	}
	publicKey, err := middleware.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		logger.Error(ctx, "parsing admin auth public key, admin routes disabled", err, nil)
		return
	}

	auth := middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{
		PublicKey:       publicKey,
		Logger:          logger,
		AllowedServices: config.SplitAndTrimCSV(config.GetEnv("TITAN_ADMIN_ALLOWED_SERVICES", "titan-admin")),
		RequireUserID:   false,
	})

	admin := router.PathPrefix("/admin/v1").Subrouter()
	admin.Use(auth.Handler)

	admin.HandleFunc("/sessions/invalidate-all", invalidateAllHandler(sessions)).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/clear-timeout", clearTimeoutHandler(limiter)).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/clear-partition", clearPartitionHandler(limiter, policies)).Methods(http.MethodPost)
	admin.HandleFunc("/ratelimit/clear-all", clearAllRateLimitHandler(limiter)).Methods(http.MethodPost)
}

func invalidateAllHandler(sessions *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invalidateAllRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			writeCallError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		if err := sessions.InvalidateAllForUser(r.Context(), req.UserID); err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clearTimeoutHandler(limiter *ratelimit.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req clearTimeoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Partition == "" || req.Policy == "" {
			writeCallError(w, http.StatusBadRequest, "partition and policy are required")
			return
		}
		if err := limiter.ClearTimeout(r.Context(), req.Partition, req.Policy); err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clearPartitionHandler(limiter *ratelimit.Engine, policies []ratelimit.Policy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req clearPartitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Partition == "" {
			writeCallError(w, http.StatusBadRequest, "partition is required")
			return
		}
		if err := limiter.ClearPartition(r.Context(), req.Partition, policies); err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clearAllRateLimitHandler(limiter *ratelimit.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := limiter.ClearAll(r.Context()); err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
