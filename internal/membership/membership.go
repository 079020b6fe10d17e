// Package membership implements cluster membership (C1): the silo roster,
// the insert/update-if-version-matches protocol that guards it, suspect
// voting, and the heartbeat loop each silo runs against its own row.
package membership

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
)

// Status is a silo's lifecycle state (spec.md §4.1).
type Status string

const (
	StatusJoining      Status = "joining"
	StatusActive       Status = "active"
	StatusShuttingDown Status = "shutting-down"
	StatusDead         Status = "dead"
	StatusDefunct      Status = "defunct"
)

// Silo is one row of the membership roster.
type Silo struct {
	SiloID        string
	Endpoint      string
	HostName      string
	Status        Status
	Generation    int64
	ProxyPort     int
	StartTime     time.Time
	LastHeartbeat time.Time
}

// Config holds the tunables named in spec.md §4.1.
type Config struct {
	HeartbeatInterval time.Duration
	SuspectThreshold  time.Duration
	Quorum            int
}

// DefaultConfig returns spec.md §4.1's defaults: 5s heartbeats, a
// 3x-heartbeat suspect threshold, and a 2-vote quorum.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		SuspectThreshold:  15 * time.Second,
		Quorum:            2,
	}
}

// Store is the SQL-backed membership roster.
type Store struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewStore wraps an existing *sqlx.DB. Schema is created by internal/migrations.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, logger: logging.NewFromEnv("membership")}
}

// CurrentVersion returns the roster's shared version counter.
func (s *Store) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.GetContext(ctx, &version, `SELECT version FROM membership_version WHERE id = 1`)
	if err != nil {
		return 0, titanerrors.DatabaseError("read membership version", err)
	}
	return version, nil
}

// Insert adds a silo's row under the insert-if-version-matches protocol:
// the caller must supply the version it last observed, and the insert only
// succeeds if no other silo has advanced the roster in the meantime.
func (s *Store) Insert(ctx context.Context, silo Silo, observedVersion int64) (int64, error) {
	return s.withVersionGate(ctx, observedVersion, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO membership_silos
				(silo_id, address, status, generation, last_heartbeat, joined_at)
			VALUES ($1, $2, $3, $4, $5, $5)
		`, silo.SiloID, silo.Endpoint, string(silo.Status), silo.Generation, silo.StartTime)
		return err
	})
}

// UpdateStatus writes a new status under the same version-gated protocol.
func (s *Store) UpdateStatus(ctx context.Context, siloID string, status Status, observedVersion int64) (int64, error) {
	return s.withVersionGate(ctx, observedVersion, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE membership_silos SET status = $1 WHERE silo_id = $2
		`, string(status), siloID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// withVersionGate runs fn inside a transaction, failing with VersionConflict
// if the roster's version no longer matches observedVersion, and otherwise
// bumping the version by one on success.
func (s *Store) withVersionGate(ctx context.Context, observedVersion int64, fn func(tx *sqlx.Tx) error) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, titanerrors.DatabaseError("begin membership transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.GetContext(ctx, &current, `SELECT version FROM membership_version WHERE id = 1 FOR UPDATE`); err != nil {
		return 0, titanerrors.DatabaseError("lock membership version", err)
	}
	if current != observedVersion {
		return 0, titanerrors.VersionConflict("membership-roster", observedVersion, current)
	}

	if err := fn(tx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, titanerrors.NotFound("silo", "")
		}
		return 0, titanerrors.DatabaseError("apply membership change", err)
	}

	newVersion := current + 1
	if _, err := tx.ExecContext(ctx, `UPDATE membership_version SET version = $1 WHERE id = 1`, newVersion); err != nil {
		return 0, titanerrors.DatabaseError("advance membership version", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, titanerrors.DatabaseError("commit membership change", err)
	}
	return newVersion, nil
}

// Heartbeat unconditionally refreshes a silo's liveness timestamp; it is not
// version-gated since it never competes for the shared roster version.
func (s *Store) Heartbeat(ctx context.Context, siloID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE membership_silos SET last_heartbeat = $1 WHERE silo_id = $2`, at, siloID)
	if err != nil {
		return titanerrors.DatabaseError("heartbeat", err)
	}
	return nil
}

// Get returns a single silo's row.
func (s *Store) Get(ctx context.Context, siloID string) (Silo, error) {
	var row siloRow
	err := s.db.GetContext(ctx, &row, `
		SELECT silo_id, address, status, generation, last_heartbeat, joined_at
		FROM membership_silos WHERE silo_id = $1
	`, siloID)
	if errors.Is(err, sql.ErrNoRows) {
		return Silo{}, titanerrors.NotFound("silo", siloID)
	}
	if err != nil {
		return Silo{}, titanerrors.DatabaseError("read silo", err)
	}
	return row.toSilo(), nil
}

// List returns every silo in the roster, regardless of status.
func (s *Store) List(ctx context.Context) ([]Silo, error) {
	var rows []siloRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT silo_id, address, status, generation, last_heartbeat, joined_at FROM membership_silos
	`)
	if err != nil {
		return nil, titanerrors.DatabaseError("list silos", err)
	}
	silos := make([]Silo, 0, len(rows))
	for _, row := range rows {
		silos = append(silos, row.toSilo())
	}
	return silos, nil
}

// MaxGeneration returns the highest generation value ever recorded for an
// endpoint, so a re-joining silo can pick a strictly greater one.
func (s *Store) MaxGeneration(ctx context.Context, endpoint string) (int64, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max, `SELECT MAX(generation) FROM membership_silos WHERE address = $1`, endpoint)
	if err != nil {
		return 0, titanerrors.DatabaseError("read max generation", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// AppendSuspect records one silo's vote that targetSiloID is unreachable.
// Idempotent: a given (target, suspector) pair counts once no matter how
// many times it is appended.
func (s *Store) AppendSuspect(ctx context.Context, targetSiloID, suspectingSiloID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO membership_suspects (silo_id, suspecting_silo_id, observed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (silo_id, suspecting_silo_id) DO UPDATE SET observed_at = $3
	`, targetSiloID, suspectingSiloID, at)
	if err != nil {
		return titanerrors.DatabaseError("append suspect vote", err)
	}
	return nil
}

// SuspectCount returns the number of distinct silos that currently suspect targetSiloID.
func (s *Store) SuspectCount(ctx context.Context, targetSiloID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM membership_suspects WHERE silo_id = $1`, targetSiloID)
	if err != nil {
		return 0, titanerrors.DatabaseError("count suspect votes", err)
	}
	return count, nil
}

// ClearSuspects removes all suspect votes against a silo, used once it is
// confirmed dead (so a later re-join under a new generation starts clean).
func (s *Store) ClearSuspects(ctx context.Context, targetSiloID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM membership_suspects WHERE silo_id = $1`, targetSiloID)
	if err != nil {
		return titanerrors.DatabaseError("clear suspect votes", err)
	}
	return nil
}

type siloRow struct {
	SiloID        string    `db:"silo_id"`
	Address       string    `db:"address"`
	Status        string    `db:"status"`
	Generation    int64     `db:"generation"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	JoinedAt      time.Time `db:"joined_at"`
}

func (r siloRow) toSilo() Silo {
	return Silo{
		SiloID:        r.SiloID,
		Endpoint:      r.Address,
		Status:        Status(r.Status),
		Generation:    r.Generation,
		StartTime:     r.JoinedAt,
		LastHeartbeat: r.LastHeartbeat,
	}
}
