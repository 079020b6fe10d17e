package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg Configuration) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine := NewEngine(rdb, func(ctx context.Context) (Configuration, error) { return cfg, nil })
	return engine, mr
}

func policyConfig(maxHits int64, period, timeout int64) Configuration {
	return Configuration{
		Enabled:       true,
		DefaultPolicy: "Global",
		Policies: map[string]Policy{
			"Global": {Name: "Global", Rules: []Rule{{MaxHits: maxHits, PeriodSeconds: period, TimeoutSeconds: timeout}}},
		},
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	engine, _ := newTestEngine(t, policyConfig(10, 60, 120))

	for i := 0; i < 10; i++ {
		decision, err := engine.Check(context.Background(), "user:u1", "Global")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should be allowed", i+1)
	}
}

func TestCheckDeniesAndArmsTimeoutAtLimit(t *testing.T) {
	engine, mr := newTestEngine(t, policyConfig(10, 60, 120))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		decision, err := engine.Check(ctx, "user:u1", "Global")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := engine.Check(ctx, "user:u1", "Global")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 120*time.Second, decision.RetryAfter)
	assert.Equal(t, "Account", decision.PartitionPrefix)

	mr.FastForward(61 * time.Second)
	decision, err = engine.Check(ctx, "user:u1", "Global")
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "still within the armed timeout even though the period elapsed")
}

func TestCheckDenyPathDoesNotIncrementCounter(t *testing.T) {
	engine, mr := newTestEngine(t, policyConfig(10, 60, 120))
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		_, err := engine.Check(ctx, "user:u1", "Global")
		require.NoError(t, err)
	}

	val, err := mr.Get("rl|user:u1|Global|60")
	require.NoError(t, err)
	assert.Equal(t, "10", val)
}

func TestCheckIsDisabledAllowsEverything(t *testing.T) {
	cfg := policyConfig(1, 60, 120)
	cfg.Enabled = false
	engine, _ := newTestEngine(t, cfg)

	for i := 0; i < 5; i++ {
		decision, err := engine.Check(context.Background(), "ip:1.2.3.4", "Global")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}

func TestGetPolicyForEndpointWalksMappingsInOrder(t *testing.T) {
	mappings := []EndpointMapping{
		{Pattern: "/api/auth/*", Policy: "Auth"},
		{Pattern: "/*", Policy: "Global"},
	}

	policy, err := GetPolicyForEndpoint(mappings, "", "/api/auth/login")
	require.NoError(t, err)
	assert.Equal(t, "Auth", policy)

	policy, err = GetPolicyForEndpoint(mappings, "", "/api/auth/refresh")
	require.NoError(t, err)
	assert.Equal(t, "Auth", policy)

	policy, err = GetPolicyForEndpoint(mappings, "", "/api/users/1")
	require.NoError(t, err)
	assert.Equal(t, "Global", policy)
}

func TestGetPolicyForEndpointFailsHardWithoutMatchOrDefault(t *testing.T) {
	_, err := GetPolicyForEndpoint(nil, "", "/anything")
	require.Error(t, err)
}

func TestLocalTokenBucketDeniesWithoutTouchingRedisOnceExhausted(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := policyConfig(1000, 60, 120)
	engine := NewEngineWithLocalLimit(rdb, func(ctx context.Context) (Configuration, error) { return cfg, nil }, 1, 2)
	ctx := context.Background()

	var sawDeny bool
	for i := 0; i < 5; i++ {
		decision, err := engine.Check(ctx, "ip:9.9.9.9", "Global")
		require.NoError(t, err)
		if !decision.Allowed {
			sawDeny = true
			assert.Equal(t, time.Second, decision.RetryAfter)
		}
	}
	assert.True(t, sawDeny, "local token bucket should deny once its burst is exhausted, independent of the Redis-backed policy limit")
}

func TestLocalTokenBucketIsPerPartition(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := policyConfig(1000, 60, 120)
	engine := NewEngineWithLocalLimit(rdb, func(ctx context.Context) (Configuration, error) { return cfg, nil }, 1, 1)
	ctx := context.Background()

	d1, err := engine.Check(ctx, "ip:1.1.1.1", "Global")
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	d2, err := engine.Check(ctx, "ip:2.2.2.2", "Global")
	require.NoError(t, err)
	assert.True(t, d2.Allowed, "a fresh partition should get its own token bucket")
}
