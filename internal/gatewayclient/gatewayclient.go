// Package gatewayclient implements the typed actor-proxy library (C9): for
// each call it extracts a partition key, consults the rate limiter (C7),
// asks the directory (C2) for a host, and dispatches the call locally or
// forwards it to the owning silo over HTTP (spec.md §4.9). Safe for
// concurrent use; holds no per-call mutable state.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	outboundlimit "github.com/titan-game/titan/infrastructure/ratelimit"
	"github.com/titan-game/titan/infrastructure/resilience"
	"github.com/titan-game/titan/infrastructure/serviceauth"
	"github.com/titan-game/titan/internal/directory"
	"github.com/titan-game/titan/internal/identity"
	"github.com/titan-game/titan/internal/ratelimit"
)

// httpDoer is satisfied by *http.Client and by
// infrastructure/ratelimit.RateLimitedClient, letting forward() shape
// outbound call rate without caring which one it holds.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LocalInvoker dispatches a call to an activation hosted on this silo,
// typically internal/activation's Scheduler.Invoke.
type LocalInvoker func(ctx context.Context, id identity.ID, method string, payload interface{}) (interface{}, error)

// SiloResolver maps a silo id to the base URL of its peer listener, used
// to forward calls that a remote silo owns.
type SiloResolver func(siloID string) (string, bool)

// Request is one typed actor call.
type Request struct {
	Identity identity.ID
	Method   string
	Payload  interface{}

	// Partition identifies the caller for rate limiting: "user:{id}" or
	// "ip:{addr}" per spec.md §4.7.
	Partition  string
	PolicyName string
}

// Client is the C9 proxy. One Client is shared across all callers on a
// gateway process.
type Client struct {
	dir        *directory.Directory
	limiter    *ratelimit.Engine
	local      LocalInvoker
	resolve    SiloResolver
	httpClient httpDoer
	logger     *logging.Logger

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	retryCfg   resilience.RetryConfig
}

// Config wires a Client's collaborators.
type Config struct {
	Directory    *directory.Directory
	RateLimiter  *ratelimit.Engine
	Local        LocalInvoker
	ResolveSilo  SiloResolver
	HTTPClient   *http.Client
	ActivateFunc directory.ActivateFunc

	// ServiceTokenGenerator, if set, signs every forwarded request with a
	// short-lived service JWT (infrastructure/serviceauth) so the receiving
	// silo can authenticate the caller as a peer rather than trusting plain
	// network reachability. Optional: a deployment without inter-silo mTLS
	// or a shared network boundary should set this.
	ServiceTokenGenerator *serviceauth.ServiceTokenGenerator

	// OutboundRateLimit, if set, caps how fast this client issues forwarded
	// HTTP calls in aggregate, independent of the per-caller accounting
	// internal/ratelimit.Engine does on the way in. This protects a peer
	// silo that is slow or recovering from being hammered by this
	// gateway's own retry traffic. Optional: nil disables outbound shaping.
	OutboundRateLimit *outboundlimit.RateLimitConfig
}

// New constructs a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.ServiceTokenGenerator != nil {
		transport := httpClient.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		clone := *httpClient
		clone.Transport = serviceauth.NewServiceTokenRoundTripper(transport, cfg.ServiceTokenGenerator)
		httpClient = &clone
	}

	var doer httpDoer = httpClient
	if cfg.OutboundRateLimit != nil {
		doer = outboundlimit.NewRateLimitedClient(httpClient, *cfg.OutboundRateLimit)
	}

	return &Client{
		dir:        cfg.Directory,
		limiter:    cfg.RateLimiter,
		local:      cfg.Local,
		resolve:    cfg.ResolveSilo,
		httpClient: doer,
		logger:     logging.NewFromEnv("gatewayclient"),
		breakers:   make(map[string]*resilience.CircuitBreaker),
		retryCfg:   resilience.DefaultRetryConfig(),
	}
}

// breakerFor returns the per-silo circuit breaker, creating it on first use.
// Breakers are keyed by silo id so one unreachable peer doesn't trip calls
// routed to the rest of the roster.
func (c *Client) breakerFor(siloID string) *resilience.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	cb, ok := c.breakers[siloID]
	if !ok {
		cb = resilience.New(resilience.DefaultServiceCBConfig(c.logger))
		c.breakers[siloID] = cb
	}
	return cb
}

// remoteEnvelope is the wire shape for a forwarded call.
type remoteEnvelope struct {
	GrainType string      `json:"grain_type"`
	KeyForm   string      `json:"key_form"`
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload"`
}

type remoteResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Invoke runs req's rate-limit check, locates (and if needed forwards) the
// target identity, and returns its typed result or a typed failure.
func (c *Client) Invoke(ctx context.Context, req Request) (interface{}, error) {
	if c.limiter != nil && req.PolicyName != "" {
		decision, err := c.limiter.Check(ctx, req.Partition, req.PolicyName)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, titanerrors.RateLimitExceeded(decision.Policy, int64(decision.RetryAfter.Seconds()))
		}
	}

	location, err := c.dir.LocateOrActivate(ctx, req.Identity, c.activateLocally)
	if err != nil {
		return nil, err
	}

	if location.Local {
		return c.local(ctx, req.Identity, req.Method, req.Payload)
	}
	return c.forward(ctx, location.SiloID, req)
}

// activateLocally is the default ActivateFunc passed to the directory: the
// activation runtime performs its own lazy activation on first message, so
// the directory only needs to record ownership here.
func (c *Client) activateLocally(ctx context.Context, id identity.ID) error {
	return nil
}

// forward sends req to siloID over HTTP, protected by a per-silo circuit
// breaker and retried with backoff while the failure stays transient
// (spec.md §7: "the runtime transparently retries inter-silo calls a
// bounded number of times with backoff; callers see transient only if
// exhausted"). A permanent-application error from the remote silo is
// surfaced on the first attempt without consuming a retry.
func (c *Client) forward(ctx context.Context, siloID string, req Request) (interface{}, error) {
	baseURL, ok := c.resolve(siloID)
	if !ok {
		return nil, titanerrors.DirectoryStale(req.Identity.String())
	}

	envelope := remoteEnvelope{
		GrainType: req.Identity.GrainType,
		KeyForm:   req.Identity.String(),
		Method:    req.Method,
		Payload:   req.Payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, titanerrors.Internal("marshaling forwarded call", err)
	}

	cb := c.breakerFor(siloID)
	var result interface{}
	retryErr := resilience.Retry(ctx, c.retryCfg, func() error {
		res, callErr := c.doForwardOnce(ctx, cb, siloID, baseURL, body)
		if callErr == nil {
			result = res
			return nil
		}
		if svcErr, ok := callErr.(*titanerrors.ServiceError); ok && !svcErr.IsRetryable() {
			return backoff.Permanent(callErr)
		}
		return callErr
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return result, nil
}

// doForwardOnce issues a single attempt of the forwarded call through cb,
// translating gobreaker's open/half-open rejections into the same
// dependency-unavailable shape a real remote failure would produce.
func (c *Client) doForwardOnce(ctx context.Context, cb *resilience.CircuitBreaker, siloID, baseURL string, body []byte) (interface{}, error) {
	var result interface{}
	err := cb.Execute(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/invoke", bytes.NewReader(body))
		if err != nil {
			return titanerrors.Internal("building forwarded request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return titanerrors.DependencyTimeout("forward to "+siloID, err)
		}
		defer resp.Body.Close()

		var decoded remoteResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return titanerrors.Internal("decoding forwarded response", err)
		}

		if resp.StatusCode >= 500 {
			return titanerrors.DependencyUnavailable(siloID, fmt.Errorf("%s", decoded.Error))
		}
		if resp.StatusCode >= 400 {
			return titanerrors.PreconditionFailed(decoded.Error)
		}
		result = decoded.Result
		return nil
	})
	if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
		return nil, titanerrors.DependencyUnavailable(siloID, err)
	}
	return result, err
}
