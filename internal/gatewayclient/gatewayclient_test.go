package gatewayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	outboundlimit "github.com/titan-game/titan/infrastructure/ratelimit"
	"github.com/titan-game/titan/infrastructure/resilience"
	"github.com/titan-game/titan/infrastructure/testutil"
	"github.com/titan-game/titan/internal/directory"
	"github.com/titan-game/titan/internal/identity"
)

func TestInvokeDispatchesLocallyWhenSelfIsCandidate(t *testing.T) {
	dir := directory.New("silo-a")
	dir.UpdateRing([]string{"silo-a"})

	var calledMethod string
	local := func(ctx context.Context, id identity.ID, method string, payload interface{}) (interface{}, error) {
		calledMethod = method
		return "ok", nil
	}

	client := New(Config{Directory: dir, Local: local})
	result, err := client.Invoke(context.Background(), Request{
		Identity: identity.NewString("account", "acct-1"),
		Method:   "get-balance",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "get-balance", calledMethod)
}

func TestInvokeForwardsToOwningSiloOverHTTP(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope remoteEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		assert.Equal(t, "get-balance", envelope.Method)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(remoteResponse{Result: "forwarded-ok"})
	}))
	defer server.Close()

	ring := directory.NewRing([]string{"silo-a", "silo-b"})

	var peerID identity.ID
	for i := 0; i < 256; i++ {
		candidate := identity.NewString("account", fmt.Sprintf("acct-%d", i))
		if ring.Candidate(candidate.Hash()) == "silo-b" {
			peerID = candidate
			break
		}
	}
	require.NotZero(t, peerID.GrainType, "expected at least one probed identity to hash to the peer silo")

	dir := directory.New("silo-a")
	dir.UpdateRing([]string{"silo-a", "silo-b"})

	client := New(Config{
		Directory: dir,
		Local: func(ctx context.Context, id identity.ID, method string, payload interface{}) (interface{}, error) {
			t.Fatal("local invoker must not be called when the candidate is a peer")
			return nil, nil
		},
		ResolveSilo: func(siloID string) (string, bool) {
			if siloID == "silo-b" {
				return server.URL, true
			}
			return "", false
		},
	})

	result, err := client.Invoke(context.Background(), Request{Identity: peerID, Method: "get-balance"})
	require.NoError(t, err)
	assert.Equal(t, "forwarded-ok", result)
}

// singlePeerClient builds a Client whose directory ring always forwards to
// "silo-b", wired to server, for exercising the forward/retry/breaker path
// in isolation from ring-placement details.
func singlePeerClient(t *testing.T, server *httptest.Server) (*Client, identity.ID) {
	t.Helper()
	ring := directory.NewRing([]string{"silo-a", "silo-b"})
	var peerID identity.ID
	for i := 0; i < 256; i++ {
		candidate := identity.NewString("account", fmt.Sprintf("acct-%d", i))
		if ring.Candidate(candidate.Hash()) == "silo-b" {
			peerID = candidate
			break
		}
	}
	require.NotZero(t, peerID.GrainType)

	dir := directory.New("silo-a")
	dir.UpdateRing([]string{"silo-a", "silo-b"})

	client := New(Config{
		Directory: dir,
		Local: func(ctx context.Context, id identity.ID, method string, payload interface{}) (interface{}, error) {
			t.Fatal("local invoker must not be called when the candidate is a peer")
			return nil, nil
		},
		ResolveSilo: func(siloID string) (string, bool) {
			if siloID == "silo-b" {
				return server.URL, true
			}
			return "", false
		},
	})
	return client, peerID
}

func TestForwardRetriesTransientFailureThenSucceeds(t *testing.T) {
	var calls int32
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(remoteResponse{Error: "peer overloaded"})
			return
		}
		_ = json.NewEncoder(w).Encode(remoteResponse{Result: "forwarded-ok"})
	}))
	defer server.Close()

	client, peerID := singlePeerClient(t, server)
	client.retryCfg = resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1.5}

	result, err := client.Invoke(context.Background(), Request{Identity: peerID, Method: "get-balance"})
	require.NoError(t, err)
	assert.Equal(t, "forwarded-ok", result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestForwardDoesNotRetryPermanentApplicationError(t *testing.T) {
	var calls int32
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(remoteResponse{Error: "item not found"})
	}))
	defer server.Close()

	client, peerID := singlePeerClient(t, server)
	client.retryCfg = resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1.5}

	_, err := client.Invoke(context.Background(), Request{Identity: peerID, Method: "trade"})
	require.Error(t, err)
	svcErr, ok := err.(*titanerrors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, titanerrors.KindPermanentApplication, svcErr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a permanent-application error must not be retried")
}

func TestForwardCircuitBreakerOpensAfterRepeatedFailuresAndShortCircuits(t *testing.T) {
	var calls int32
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(remoteResponse{Error: "peer down"})
	}))
	defer server.Close()

	client, peerID := singlePeerClient(t, server)
	client.retryCfg = resilience.RetryConfig{MaxAttempts: 1}

	for i := 0; i < 5; i++ {
		_, err := client.Invoke(context.Background(), Request{Identity: peerID, Method: "get-balance"})
		require.Error(t, err)
	}
	require.Equal(t, int32(5), atomic.LoadInt32(&calls), "each of the first 5 failures should reach the peer")

	_, err := client.Invoke(context.Background(), Request{Identity: peerID, Method: "get-balance"})
	require.Error(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "an open circuit must short-circuit without another round-trip")
}

func TestForwardHonorsOutboundRateLimitConfig(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(remoteResponse{Result: "forwarded-ok"})
	}))
	defer server.Close()

	ring := directory.NewRing([]string{"silo-a", "silo-b"})
	var peerID identity.ID
	for i := 0; i < 256; i++ {
		candidate := identity.NewString("account", fmt.Sprintf("acct-%d", i))
		if ring.Candidate(candidate.Hash()) == "silo-b" {
			peerID = candidate
			break
		}
	}
	require.NotZero(t, peerID.GrainType)

	dir := directory.New("silo-a")
	dir.UpdateRing([]string{"silo-a", "silo-b"})

	client := New(Config{
		Directory: dir,
		Local: func(ctx context.Context, id identity.ID, method string, payload interface{}) (interface{}, error) {
			t.Fatal("local invoker must not be called when the candidate is a peer")
			return nil, nil
		},
		ResolveSilo: func(siloID string) (string, bool) {
			if siloID == "silo-b" {
				return server.URL, true
			}
			return "", false
		},
		OutboundRateLimit: &outboundlimit.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000, Window: time.Second},
	})

	result, err := client.Invoke(context.Background(), Request{Identity: peerID, Method: "get-balance"})
	require.NoError(t, err)
	assert.Equal(t, "forwarded-ok", result)
}
