package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/internal/gatewayclient"
	"github.com/titan-game/titan/internal/identity"
	"github.com/titan-game/titan/internal/realtime"
	"github.com/titan-game/titan/internal/session"
)

type callRequest struct {
	GrainType  string      `json:"grain_type"`
	KeyForm    string      `json:"key_form"`
	Method     string      `json:"method"`
	Payload    interface{} `json:"payload"`
	PolicyName string      `json:"policy_name"`
}

type callResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type loginRequest struct {
	UserID   string   `json:"user_id"`
	Provider string   `json:"provider"`
	Roles    []string `json:"roles"`
	IsAdmin  bool     `json:"is_admin"`
}

// registerGatewayRoutes wires the client-facing surface: session issuance,
// session validation, and the single typed actor-call endpoint that every
// game client method funnels through.
func registerGatewayRoutes(router *mux.Router, client *gatewayclient.Client, sessions *session.Store, hub *realtime.Hub) {
	router.HandleFunc("/api/v1/auth/login", loginHandler(sessions)).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/auth/logout/{ticket}", logoutHandler(sessions)).Methods(http.MethodPost)
	router.HandleFunc("/ws/connect", wsConnectHandler(sessions, hub)).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(sessionMiddleware(sessions))
	api.HandleFunc("/call", callHandler(client)).Methods(http.MethodPost)
}

// ticketFromRequest extracts the session ticket per spec.md §6's pinned
// carriage rule: "Authorization: Bearer {ticket}" or "?access_token={ticket}".
func ticketFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") && len(authHeader) > len("Bearer ") {
			return strings.TrimSpace(authHeader[len("Bearer "):])
		}
	}
	return r.URL.Query().Get("access_token")
}

// wsConnectHandler upgrades a client that presents a valid session ticket
// either as a bearer header or as ?access_token=, per spec.md §4.8's
// websocket-upgrade ticket carriage rule, then registers the socket on the
// hub under the session's user id for out-of-band pushes.
func wsConnectHandler(sessions *session.Store, hub *realtime.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket := ticketFromRequest(r)
		if ticket == "" {
			writeCallError(w, http.StatusUnauthorized, "missing session ticket")
			return
		}

		sess, err := sessions.Validate(r.Context(), ticket)
		if err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}

		if err := hub.Upgrade(r.Context(), w, r, sess.UserID); err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
	}
}

func loginHandler(sessions *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCallError(w, http.StatusBadRequest, "decoding login request: "+err.Error())
			return
		}
		if req.UserID == "" {
			writeCallError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		sess, err := sessions.Create(r.Context(), req.UserID, req.Provider, req.Roles, req.IsAdmin)
		if err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess)
	}
}

func logoutHandler(sessions *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket := mux.Vars(r)["ticket"]
		sess, err := sessions.Validate(r.Context(), ticket)
		if err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		if err := sessions.InvalidateOne(r.Context(), sess.UserID, ticket); err != nil {
			writeCallError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type sessionContextKey struct{}

// sessionMiddleware validates the bearer ticket on every /api/v1 call below
// /auth and attaches the resolved session to the request context.
func sessionMiddleware(sessions *session.Store) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ticket := ticketFromRequest(r)
			if ticket == "" {
				writeCallError(w, http.StatusUnauthorized, "missing session ticket")
				return
			}
			sess, err := sessions.Validate(r.Context(), ticket)
			if err != nil {
				writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionFromContext recovers the session sessionMiddleware attached.
func sessionFromContext(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(session.Session)
	return sess, ok
}

func callHandler(client *gatewayclient.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCallError(w, http.StatusBadRequest, "decoding call request: "+err.Error())
			return
		}

		id, ok := identity.ParseString(req.KeyForm)
		if !ok {
			id = identity.NewString(req.GrainType, req.KeyForm)
		}

		partition := "ip:" + r.RemoteAddr
		if sess, ok := sessionFromContext(r.Context()); ok {
			partition = "user:" + sess.UserID
		}

		result, err := client.Invoke(r.Context(), gatewayclient.Request{
			Identity:   id,
			Method:     req.Method,
			Payload:    req.Payload,
			Partition:  partition,
			PolicyName: req.PolicyName,
		})
		if err != nil {
			writeCallError(w, titanerrors.GetHTTPStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(callResponse{Result: result})
	}
}

func writeCallError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(callResponse{Error: message})
}
