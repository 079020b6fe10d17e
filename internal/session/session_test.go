package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(rdb, cfg), mr
}

func TestCreateStoresTicketAndUserIndex(t *testing.T) {
	store, mr := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", "local", []string{"player"}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.TicketID)

	assert.True(t, mr.Exists(ticketKey(sess.TicketID)))
	members, err := mr.SMembers(userSetKey("user-1"))
	require.NoError(t, err)
	assert.Contains(t, members, sess.TicketID)
}

func TestValidateFailsForUnknownTicket(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	_, err := store.Validate(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, titanerrors.KindAuthFailure, titanerrors.GetKind(err))
}

func TestValidateSlidingExpirationRespectsAbsoluteCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegularLifetime = 30 * time.Minute
	cfg.SlidingWindow = 30 * time.Minute
	store, mr := newTestStore(t, cfg)
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", "local", nil, false)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		mr.FastForward(3 * time.Minute)
		sess, err = store.Validate(ctx, sess.TicketID)
		require.NoError(t, err)
	}

	maxExpiry := sess.CreatedAt.Add(2 * cfg.RegularLifetime)
	assert.False(t, sess.ExpiresAt.After(maxExpiry), "expires_at must never exceed created_at + 2*lifetime")
}

func TestInvalidateOneRemovesTicketAndIndexEntry(t *testing.T) {
	store, mr := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", "local", nil, false)
	require.NoError(t, err)

	require.NoError(t, store.InvalidateOne(ctx, "user-1", sess.TicketID))
	assert.False(t, mr.Exists(ticketKey(sess.TicketID)))
	members, err := mr.SMembers(userSetKey("user-1"))
	require.NoError(t, err)
	assert.NotContains(t, members, sess.TicketID)

	_, err = store.Validate(ctx, sess.TicketID)
	require.Error(t, err)
}

func TestInvalidateAllForUserRemovesEverySession(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	a, err := store.Create(ctx, "user-1", "local", nil, false)
	require.NoError(t, err)
	b, err := store.Create(ctx, "user-1", "local", nil, false)
	require.NoError(t, err)

	require.NoError(t, store.InvalidateAllForUser(ctx, "user-1"))

	_, err = store.Validate(ctx, a.TicketID)
	require.Error(t, err)
	_, err = store.Validate(ctx, b.TicketID)
	require.Error(t, err)
}

func TestCreateEnforcesMaxSessionsPerUserByEvictingOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerUser = 2
	store, mr := newTestStore(t, cfg)
	ctx := context.Background()

	first, err := store.Create(ctx, "user-1", "local", nil, false)
	require.NoError(t, err)
	mr.FastForward(time.Second)
	_, err = store.Create(ctx, "user-1", "local", nil, false)
	require.NoError(t, err)
	mr.FastForward(time.Second)
	_, err = store.Create(ctx, "user-1", "local", nil, false)
	require.NoError(t, err)

	members, err := mr.SMembers(userSetKey("user-1"))
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.NotContains(t, members, first.TicketID, "the oldest session must be evicted once over quota")
}

func TestListExcludesUserIndexKeysAndPaginates(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, "user-1", "local", nil, false)
		require.NoError(t, err)
	}

	page1, err := store.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	all, err := store.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
