// Package session implements the Redis-backed session ticket store (C8):
// opaque high-entropy tickets with sliding expiration bounded by an
// absolute cap, a per-user session index, and batched eviction once a
// user exceeds their session quota (spec.md §4.8).
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
)

// Session is the record stored under session:{ticket}.
type Session struct {
	TicketID       string    `json:"ticket_id"`
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	Roles          []string  `json:"roles"`
	IsAdmin        bool      `json:"is_admin"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Config holds the lifetimes governing ticket issuance and renewal.
type Config struct {
	RegularLifetime time.Duration
	AdminLifetime   time.Duration
	SlidingWindow   time.Duration
	MaxPerUser      int
	UserSetGrace    time.Duration
}

// DefaultConfig matches spec.md §8's worked sliding-expiration example.
func DefaultConfig() Config {
	return Config{
		RegularLifetime: 30 * time.Minute,
		AdminLifetime:   15 * time.Minute,
		SlidingWindow:   30 * time.Minute,
		MaxPerUser:      0,
		UserSetGrace:    5 * time.Minute,
	}
}

const ticketKeyPrefix = "session:"
const userSetKeyPrefix = "session:user:"

// Store is the C8 ticket store.
type Store struct {
	rdb    *redis.Client
	cfg    Config
	logger *logging.Logger
}

// NewStore constructs a Store over an existing Redis client.
func NewStore(rdb *redis.Client, cfg Config) *Store {
	return &Store{rdb: rdb, cfg: cfg, logger: logging.NewFromEnv("session")}
}

func ticketKey(ticket string) string  { return ticketKeyPrefix + ticket }
func userSetKey(userID string) string { return userSetKeyPrefix + userID }

// newTicketID generates a 256-bit URL-safe base64 (no padding) ticket.
func newTicketID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a new session for userID and stores it under its ticket.
func (s *Store) Create(ctx context.Context, userID, provider string, roles []string, isAdmin bool) (Session, error) {
	ticket, err := newTicketID()
	if err != nil {
		return Session{}, titanerrors.Internal("generating session ticket", err)
	}

	lifetime := s.cfg.RegularLifetime
	if isAdmin {
		lifetime = s.cfg.AdminLifetime
	}
	now := time.Now().UTC()
	sess := Session{
		TicketID:       ticket,
		UserID:         userID,
		Provider:       provider,
		Roles:          roles,
		IsAdmin:        isAdmin,
		CreatedAt:      now,
		ExpiresAt:      now.Add(lifetime),
		LastActivityAt: now,
	}

	if err := s.write(ctx, sess, lifetime); err != nil {
		return Session{}, err
	}

	setKey := userSetKey(userID)
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, setKey, ticket)
	pipe.Expire(ctx, setKey, lifetime+s.cfg.UserSetGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, titanerrors.DependencyUnavailable("redis", err)
	}

	if s.cfg.MaxPerUser > 0 {
		if err := s.enforceQuota(ctx, userID); err != nil {
			return Session{}, err
		}
	}

	return sess, nil
}

func (s *Store) write(ctx context.Context, sess Session, ttl time.Duration) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return titanerrors.Internal("serializing session", err)
	}
	if err := s.rdb.Set(ctx, ticketKey(sess.TicketID), payload, ttl).Err(); err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	return nil
}

// enforceQuota evicts the oldest sessions for userID until its set is
// within MaxPerUser, dropping already-expired members along the way.
func (s *Store) enforceQuota(ctx context.Context, userID string) error {
	setKey := userSetKey(userID)
	tickets, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	if len(tickets) <= s.cfg.MaxPerUser {
		return nil
	}

	type liveSession struct {
		ticket string
		sess   Session
	}
	var live []liveSession
	for _, ticket := range tickets {
		raw, err := s.rdb.Get(ctx, ticketKey(ticket)).Result()
		if err == redis.Nil {
			s.rdb.SRem(ctx, setKey, ticket)
			continue
		}
		if err != nil {
			return titanerrors.DependencyUnavailable("redis", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			s.rdb.SRem(ctx, setKey, ticket)
			continue
		}
		live = append(live, liveSession{ticket: ticket, sess: sess})
	}

	if len(live) <= s.cfg.MaxPerUser {
		return nil
	}

	sort.Slice(live, func(i, j int) bool { return live[i].sess.CreatedAt.Before(live[j].sess.CreatedAt) })

	excess := len(live) - s.cfg.MaxPerUser
	for i := 0; i < excess; i++ {
		if err := s.InvalidateOne(ctx, live[i].sess.UserID, live[i].ticket); err != nil {
			return err
		}
	}
	return nil
}

// Validate applies the sliding-expiration rule of spec.md §4.8 and returns
// the (possibly renewed) session.
func (s *Store) Validate(ctx context.Context, ticket string) (Session, error) {
	raw, err := s.rdb.Get(ctx, ticketKey(ticket)).Result()
	if err == redis.Nil {
		return Session{}, titanerrors.SessionInvalid(ticket)
	}
	if err != nil {
		return Session{}, titanerrors.DependencyUnavailable("redis", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, titanerrors.CorruptState("session", err)
	}

	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) {
		_ = s.InvalidateOne(ctx, sess.UserID, ticket)
		return Session{}, titanerrors.SessionInvalid(ticket)
	}

	lifetime := s.cfg.RegularLifetime
	if sess.IsAdmin {
		lifetime = s.cfg.AdminLifetime
	}
	absoluteCap := sess.CreatedAt.Add(2 * lifetime)

	newExpiry := now.Add(s.cfg.SlidingWindow)
	if newExpiry.After(absoluteCap) {
		newExpiry = absoluteCap
	}

	if newExpiry.After(sess.ExpiresAt) {
		sess.ExpiresAt = newExpiry
		sess.LastActivityAt = now
		ttl := newExpiry.Sub(now)
		if ttl <= 0 {
			_ = s.InvalidateOne(ctx, sess.UserID, ticket)
			return Session{}, titanerrors.SessionInvalid(ticket)
		}
		if err := s.write(ctx, sess, ttl); err != nil {
			return Session{}, err
		}
	}

	return sess, nil
}

// InvalidateOne removes one ticket from the user's session set and deletes
// its record.
func (s *Store) InvalidateOne(ctx context.Context, userID, ticket string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, userSetKey(userID), ticket)
	pipe.Del(ctx, ticketKey(ticket))
	if _, err := pipe.Exec(ctx); err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	return nil
}

// InvalidateAllForUser deletes every session belonging to userID along
// with the user's session-set index.
func (s *Store) InvalidateAllForUser(ctx context.Context, userID string) error {
	setKey := userSetKey(userID)
	tickets, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}

	pipe := s.rdb.Pipeline()
	for _, ticket := range tickets {
		pipe.Del(ctx, ticketKey(ticket))
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return titanerrors.DependencyUnavailable("redis", err)
	}
	return nil
}

// List enumerates session records, excluding user-index keys, with
// (skip, take) pagination over the scanned order.
func (s *Store) List(ctx context.Context, skip, take int) ([]Session, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, ticketKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.Contains(key, ":user:") {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, titanerrors.DependencyUnavailable("redis", err)
	}

	if skip >= len(keys) {
		return nil, nil
	}
	end := skip + take
	if end > len(keys) || take <= 0 {
		end = len(keys)
	}
	page := keys[skip:end]
	if len(page) == 0 {
		return nil, nil
	}

	values, err := s.rdb.MGet(ctx, page...).Result()
	if err != nil {
		return nil, titanerrors.DependencyUnavailable("redis", err)
	}

	sessions := make([]Session, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(str), &sess); err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
