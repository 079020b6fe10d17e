// Package ratelimit implements the Redis-backed rate-limit engine (C7):
// multi-window counters with an arming timeout, resolved against a
// dynamically configurable policy set that the gateway caches in-silo.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	titancache "github.com/titan-game/titan/infrastructure/cache"
	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/metrics"
)

// Rule is one window of a policy: at most MaxHits within Period seconds;
// once exceeded, further requests deny for TimeoutSeconds regardless of
// whether Period has since elapsed.
type Rule struct {
	MaxHits        int64
	PeriodSeconds  int64
	TimeoutSeconds int64
}

// Policy is a named set of rules, all of which must pass.
type Policy struct {
	Name  string
	Rules []Rule
}

// EndpointMapping pairs a glob pattern against a policy name, walked in
// order by GetPolicyForEndpoint.
type EndpointMapping struct {
	Pattern string
	Policy  string
}

// Configuration is the authoritative, version-stamped rate-limit config a
// RateLimitConfig singleton actor would own; the engine's in-silo copy is
// just a TTL-cached snapshot of this.
type Configuration struct {
	Enabled          bool
	CollectMetrics   bool
	DefaultPolicy    string
	Policies         map[string]Policy
	EndpointMappings []EndpointMapping
}

// Decision is the result of a Check call.
type Decision struct {
	Allowed         bool
	Policy          string
	RetryAfter      time.Duration
	PartitionPrefix string // "Account" or "Ip", per spec.md §6
}

const (
	historyKey      = "rl|history"
	historyCapacity = 300
)

// Engine is the C7 rate-limit check/admin surface.
type Engine struct {
	rdb         *redis.Client
	configCache *titancache.TTLCache
	loadConfig  func(ctx context.Context) (Configuration, error)
	logger      *logging.Logger

	// localLimiters backs a per-partition token bucket consulted before the
	// Redis pipeline runs: defense in depth so a silo that has lost Redis
	// still caps abusive callers locally instead of failing every request
	// open, per spec.md §7. Grounded on infrastructure/middleware's
	// RateLimiter.getLimiter per-key map.
	localMu       sync.Mutex
	localLimiters map[string]*rate.Limiter
	localRate     rate.Limit
	localBurst    int
}

// NewEngine constructs an Engine. loadConfig is consulted on cache miss or
// expiry (default 30s, per spec.md §4.7); it would typically call through
// to the RateLimitConfig registry actor (C11). The local guard defaults to
// 50 req/s with a burst of 100 per partition; callers needing a different
// ceiling should use NewEngineWithLocalLimit.
func NewEngine(rdb *redis.Client, loadConfig func(ctx context.Context) (Configuration, error)) *Engine {
	return NewEngineWithLocalLimit(rdb, loadConfig, 50, 100)
}

// NewEngineWithLocalLimit is NewEngine with an explicit local token-bucket
// rate (requests/second) and burst, applied per partition ahead of Redis.
func NewEngineWithLocalLimit(rdb *redis.Client, loadConfig func(ctx context.Context) (Configuration, error), localRatePerSecond, localBurst int) *Engine {
	return &Engine{
		rdb:           rdb,
		configCache:   titancache.NewTTLCache(30 * time.Second),
		loadConfig:    loadConfig,
		logger:        logging.NewFromEnv("ratelimit"),
		localLimiters: make(map[string]*rate.Limiter),
		localRate:     rate.Limit(localRatePerSecond),
		localBurst:    localBurst,
	}
}

// localLimiter returns (creating if absent) the token bucket for partition.
func (e *Engine) localLimiter(partition string) *rate.Limiter {
	e.localMu.Lock()
	defer e.localMu.Unlock()
	limiter, ok := e.localLimiters[partition]
	if !ok {
		limiter = rate.NewLimiter(e.localRate, e.localBurst)
		e.localLimiters[partition] = limiter
	}
	return limiter
}

// FlushConfigCache forces the next Check to reload configuration, used
// after the gateway observes a RateLimitConfig mutation.
func (e *Engine) FlushConfigCache() {
	e.configCache.InvalidateAll()
}

func (e *Engine) configuration(ctx context.Context) (Configuration, error) {
	if cached, ok := e.configCache.Get(ctx, "config"); ok {
		return cached.(Configuration), nil
	}
	cfg, err := e.loadConfig(ctx)
	if err != nil {
		return Configuration{}, err
	}
	e.configCache.Set(ctx, "config", cfg)
	return cfg, nil
}

// GetPolicyForEndpoint walks endpointMappings in order and returns the
// first whose glob matches path. An unmatched path with no default policy
// configured is an implementation error: callers must fail hard, not
// silently admit (spec.md §4.7).
func GetPolicyForEndpoint(mappings []EndpointMapping, defaultPolicy string, requestPath string) (string, error) {
	for _, m := range mappings {
		if globMatch(m.Pattern, requestPath) {
			return m.Policy, nil
		}
	}
	if defaultPolicy != "" {
		return defaultPolicy, nil
	}
	return "", titanerrors.PreconditionFailed("no rate-limit policy mapping or default configured for " + requestPath)
}

func globMatch(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	if err == nil && matched {
		return true
	}
	// path.Match treats "/" specially (like filepath.Match); endpoint
	// globs here are meant to span segments, so also try a simple "*" →
	// ".*" style match for patterns like "/api/auth/*".
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	prefix, suffix, ok := splitOnce(pattern, "*")
	if !ok {
		return false
	}
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix)
}

func splitOnce(s, sep string) (before, after string, ok bool) {
	idx := strings.Index(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// Check runs the pipeline algorithm of spec.md §4.7 for one (partition,
// policyName) pair.
func (e *Engine) Check(ctx context.Context, partition, policyName string) (Decision, error) {
	if e.localLimiters != nil && !e.localLimiter(partition).Allow() {
		e.recordDecision(policyName, "local-deny")
		return Decision{Allowed: false, Policy: policyName, RetryAfter: time.Second, PartitionPrefix: partitionPrefix(partition)}, nil
	}

	cfg, err := e.configuration(ctx)
	if err != nil {
		return Decision{}, titanerrors.DependencyUnavailable("rate-limit-config", err)
	}
	if !cfg.Enabled {
		return Decision{Allowed: true, Policy: policyName}, nil
	}
	policy, ok := cfg.Policies[policyName]
	if !ok {
		return Decision{Allowed: true, Policy: policyName}, nil
	}

	timeoutKeys := make([]string, len(policy.Rules))
	counterKeys := make([]string, len(policy.Rules))
	for i, rule := range policy.Rules {
		timeoutKeys[i] = fmt.Sprintf("rl|timeout|%s|%s", partition, policyName)
		counterKeys[i] = fmt.Sprintf("rl|%s|%s|%d", partition, policyName, rule.PeriodSeconds)
	}

	pipe := e.rdb.Pipeline()
	ttlCmds := make([]*redis.DurationCmd, len(policy.Rules))
	counterCmds := make([]*redis.StringCmd, len(policy.Rules))
	for i := range policy.Rules {
		ttlCmds[i] = pipe.TTL(ctx, timeoutKeys[i])
		counterCmds[i] = pipe.Get(ctx, counterKeys[i])
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Decision{}, titanerrors.DependencyUnavailable("redis", err)
	}

	var maxRetryAfter time.Duration
	for _, cmd := range ttlCmds {
		ttl, err := cmd.Result()
		if err != nil {
			continue
		}
		if ttl > 0 && ttl > maxRetryAfter {
			maxRetryAfter = ttl
		}
	}
	if maxRetryAfter > 0 {
		e.recordDecision(policyName, "deny")
		return Decision{Allowed: false, Policy: policyName, RetryAfter: maxRetryAfter, PartitionPrefix: partitionPrefix(partition)}, nil
	}

	for i, rule := range policy.Rules {
		count := int64(0)
		if v, err := counterCmds[i].Result(); err == nil {
			_, _ = fmt.Sscanf(v, "%d", &count)
		}
		if count >= rule.MaxHits {
			timeout := time.Duration(rule.TimeoutSeconds) * time.Second
			if err := e.rdb.Set(ctx, timeoutKeys[i], "1", timeout).Err(); err != nil {
				return Decision{}, titanerrors.DependencyUnavailable("redis", err)
			}
			e.recordDecision(policyName, "timeout")
			return Decision{Allowed: false, Policy: policyName, RetryAfter: timeout, PartitionPrefix: partitionPrefix(partition)}, nil
		}
	}

	incrPipe := e.rdb.Pipeline()
	incrCmds := make([]*redis.IntCmd, len(policy.Rules))
	for i := range policy.Rules {
		incrCmds[i] = incrPipe.Incr(ctx, counterKeys[i])
	}
	if _, err := incrPipe.Exec(ctx); err != nil {
		return Decision{}, titanerrors.DependencyUnavailable("redis", err)
	}
	for i, rule := range policy.Rules {
		if incrCmds[i].Val() == 1 {
			e.rdb.Expire(ctx, counterKeys[i], time.Duration(rule.PeriodSeconds)*time.Second)
		}
	}

	e.recordDecision(policyName, "allow")
	return Decision{Allowed: true, Policy: policyName, PartitionPrefix: partitionPrefix(partition)}, nil
}

func (e *Engine) recordDecision(policy, decision string) {
	metrics.Global().RecordRateLimitDecision(policy, decision)
}

func partitionPrefix(partition string) string {
	if strings.HasPrefix(partition, "user:") {
		return "Account"
	}
	return "Ip"
}

// SnapshotAndPush captures the current in-silo view of the rate-limit
// engine (cached policy set, local-guard partition count) as a single JSON
// history entry, for the C7 broadcast-tick history ring.
func (e *Engine) SnapshotAndPush(ctx context.Context) error {
	cfg, err := e.configuration(ctx)
	if err != nil {
		return err
	}
	e.localMu.Lock()
	localPartitions := len(e.localLimiters)
	e.localMu.Unlock()

	snapshot := struct {
		Timestamp       string `json:"timestamp"`
		Enabled         bool   `json:"enabled"`
		PolicyCount     int    `json:"policy_count"`
		LocalPartitions int    `json:"local_partitions"`
	}{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Enabled:         cfg.Enabled,
		PolicyCount:     len(cfg.Policies),
		LocalPartitions: localPartitions,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return titanerrors.Internal("marshaling rate-limit history snapshot", err)
	}
	return e.PushHistorySnapshot(ctx, string(data))
}

// PushHistorySnapshot appends a broadcast-tick snapshot capped at 300
// entries, used by admin dashboards (spec.md §4.7's optional history).
func (e *Engine) PushHistorySnapshot(ctx context.Context, snapshot string) error {
	pipe := e.rdb.Pipeline()
	pipe.LPush(ctx, historyKey, snapshot)
	pipe.LTrim(ctx, historyKey, 0, historyCapacity-1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	return nil
}

// ClearTimeout removes a single partition/policy's armed timeout (admin op).
func (e *Engine) ClearTimeout(ctx context.Context, partition, policyName string) error {
	key := fmt.Sprintf("rl|timeout|%s|%s", partition, policyName)
	if err := e.rdb.Del(ctx, key).Err(); err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	return nil
}

// ClearPartition removes every counter and timeout key for one partition
// across all policies (admin op). Policies must be supplied since Redis
// keys don't carry a reverse index of policy names.
func (e *Engine) ClearPartition(ctx context.Context, partition string, policies []Policy) error {
	var keys []string
	for _, p := range policies {
		keys = append(keys, fmt.Sprintf("rl|timeout|%s|%s", partition, p.Name))
		for _, r := range p.Rules {
			keys = append(keys, fmt.Sprintf("rl|%s|%s|%d", partition, p.Name, r.PeriodSeconds))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := e.rdb.Del(ctx, keys...).Err(); err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	return nil
}

// ClearAll wipes every rl|* key (admin op, destructive).
func (e *Engine) ClearAll(ctx context.Context) error {
	iter := e.rdb.Scan(ctx, 0, "rl|*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := e.rdb.Del(ctx, keys...).Err(); err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	return nil
}
