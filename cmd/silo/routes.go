package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/internal/activation"
	"github.com/titan-game/titan/internal/identity"
	"github.com/titan-game/titan/internal/ratelimit"
	"github.com/titan-game/titan/internal/registry"
	"github.com/titan-game/titan/internal/session"
	"github.com/titan-game/titan/internal/streams"
	"github.com/titan-game/titan/internal/txn"
)

// invokeEnvelope is the wire format gatewayclient.Client.forward posts to a
// peer silo's /internal/invoke route.
type invokeEnvelope struct {
	GrainType string      `json:"grain_type"`
	KeyForm   string      `json:"key_form"`
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload"`
}

type invokeResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// registerInternalRoutes wires the silo's peer-facing and operational
// surface: the forwarded-call receiver gatewayclient talks to, a read-only
// catalog endpoint for the registry reader, and a pending-transaction
// introspection endpoint for operators.
func registerInternalRoutes(
	router *mux.Router,
	scheduler *activation.Scheduler,
	bus *streams.Bus,
	catalogReader *registry.Reader,
	coordinator *txn.Coordinator,
	sessionStore *session.Store,
	rateLimiter *ratelimit.Engine,
) {
	router.HandleFunc("/internal/invoke", invokeHandler(scheduler)).Methods(http.MethodPost)
	router.HandleFunc("/internal/catalog/item-catalog", catalogHandler(catalogReader)).Methods(http.MethodGet)
	router.HandleFunc("/internal/streams", streamsHandler(bus)).Methods(http.MethodGet)
	router.HandleFunc("/internal/transactions/pending", pendingTransactionsHandler(coordinator)).Methods(http.MethodGet)
	router.HandleFunc("/internal/sessions/{ticket}", sessionValidateHandler(sessionStore)).Methods(http.MethodGet)
	router.HandleFunc("/internal/ratelimit/check", rateLimitCheckHandler(rateLimiter)).Methods(http.MethodGet)
}

// rateLimitCheckHandler exposes a read path onto the same Engine the
// gateway consults, for operators diagnosing a partition's current
// decision without waiting for it to hit a real request.
func rateLimitCheckHandler(engine *ratelimit.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partition := r.URL.Query().Get("partition")
		policy := r.URL.Query().Get("policy")
		if partition == "" || policy == "" {
			writeInvokeError(w, http.StatusBadRequest, "partition and policy query params are required")
			return
		}
		decision, err := engine.Check(r.Context(), partition, policy)
		if err != nil {
			writeInvokeError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(decision)
	}
}

func sessionValidateHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket := mux.Vars(r)["ticket"]
		sess, err := store.Validate(r.Context(), ticket)
		if err != nil {
			writeInvokeError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess)
	}
}

func invokeHandler(scheduler *activation.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var envelope invokeEnvelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			writeInvokeError(w, http.StatusBadRequest, "decoding invoke envelope: "+err.Error())
			return
		}

		id, ok := identity.ParseString(envelope.KeyForm)
		if !ok {
			writeInvokeError(w, http.StatusBadRequest, "malformed identity: "+envelope.KeyForm)
			return
		}

		// Activation factories are registered by the concrete application
		// binary; this generic entrypoint has none to offer, so any
		// identity not already active fails closed.
		result, err := scheduler.Invoke(r.Context(), id, nil, envelope.Method, envelope.Payload)
		if err != nil {
			status := titanerrors.GetHTTPStatus(err)
			writeInvokeError(w, status, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(invokeResponse{Result: result})
	}
}

func catalogHandler(reader *registry.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		catalog, err := reader.Get(r.Context())
		if err != nil {
			writeInvokeError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(catalog)
	}
}

func streamsHandler(bus *streams.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(bus.Streams())
	}
}

func pendingTransactionsHandler(coordinator *txn.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := coordinator.Recover(r.Context())
		if err != nil {
			writeInvokeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pending)
	}
}

func writeInvokeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(invokeResponse{Error: message})
}
