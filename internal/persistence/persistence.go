// Package persistence implements the grain persistence provider (C3):
// versioned upsert/read/clear of grain state blobs keyed by hashed identity,
// with optimistic concurrency enforced by a monotonic version column.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/internal/identity"
)

// Blob is a grain state row as laid out by the persistence SQL surface
// (spec.md §6): identity columns kept purely for index efficiency plus the
// hash columns, the opaque payload, and the version used for optimistic
// concurrency.
type Blob struct {
	GrainIDHash  uint32
	GrainIDN0    uint64
	GrainIDN1    uint64
	GrainType    string
	GrainTypeHash uint32
	Extension    string
	ServiceID    string
	Payload      []byte
	ModifiedOn   time.Time
	Version      int64
}

// Provider is the persistence provider contract (C3).
type Provider interface {
	// Read returns the stored payload and version for an identity, or
	// (nil, 0, false) if no row exists.
	Read(ctx context.Context, id identity.ID, serviceID string) (payload []byte, version int64, found bool, err error)

	// Write performs a versioned upsert. expectedVersion must equal the
	// currently stored version (0 means "no row yet"); on success the new
	// version is expectedVersion+1. Returns titanerrors with Kind
	// KindPermanentSystem (VersionConflict) on mismatch.
	Write(ctx context.Context, id identity.ID, serviceID string, payload []byte, expectedVersion int64) (newVersion int64, err error)

	// Clear removes (or tombstones) a row under the same optimistic rule as
	// Write.
	Clear(ctx context.Context, id identity.ID, serviceID string, expectedVersion int64) error
}

// SQLProvider is the production Provider backed by a single table, following
// the named-query surface of spec.md §6: a first write (expected version 0)
// is an INSERT ... ON CONFLICT DO NOTHING, and later writes are an UPDATE
// guarded by a WHERE clause on the existing version. A write that affects no
// row is reported as a version conflict.
type SQLProvider struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewSQLProvider wraps an existing *sqlx.DB. Schema is created by
// internal/migrations, not by this constructor.
func NewSQLProvider(db *sqlx.DB) *SQLProvider {
	return &SQLProvider{db: db, logger: logging.NewFromEnv("persistence")}
}

type blobRow struct {
	GrainIDHash   int64  `db:"grain_id_hash"`
	GrainIDN0     int64  `db:"grain_id_n0"`
	GrainIDN1     int64  `db:"grain_id_n1"`
	GrainTypeHash int64  `db:"grain_type_hash"`
	GrainType     string `db:"grain_type_string"`
	Extension     string `db:"grain_id_extension_string"`
	ServiceID     string `db:"service_id"`
	Payload       []byte `db:"payload_binary"`
	ModifiedOn    time.Time `db:"modified_on"`
	Version       int64  `db:"version"`
}

func (p *SQLProvider) Read(ctx context.Context, id identity.ID, serviceID string) ([]byte, int64, bool, error) {
	n0, n1 := id.KeyWords()
	var row blobRow
	err := p.db.GetContext(ctx, &row, `
		SELECT grain_id_hash, grain_id_n0, grain_id_n1, grain_type_hash, grain_type_string,
		       grain_id_extension_string, service_id, payload_binary, modified_on, version
		FROM grain_state
		WHERE grain_id_hash = $1 AND grain_id_n0 = $2 AND grain_id_n1 = $3
		  AND grain_type_string = $4 AND grain_id_extension_string = $5 AND service_id = $6
	`, int64(id.Hash()), int64(n0), int64(n1), id.GrainType, id.Extension(), serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, titanerrors.DatabaseError("read grain state", err)
	}
	return row.Payload, row.Version, true, nil
}

// Write implements the insert-or-versioned-update semantics of spec.md §4.3.
// expectedVersion == 0 means "this must be the first write"; any other value
// must match the stored version exactly.
func (p *SQLProvider) Write(ctx context.Context, id identity.ID, serviceID string, payload []byte, expectedVersion int64) (int64, error) {
	n0, n1 := id.KeyWords()
	newVersion := expectedVersion + 1

	var result sql.Result
	var err error
	if expectedVersion == 0 {
		result, err = p.db.ExecContext(ctx, `
			INSERT INTO grain_state
				(grain_id_hash, grain_id_n0, grain_id_n1, grain_type_hash, grain_type_string,
				 grain_id_extension_string, service_id, payload_binary, modified_on, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (grain_id_hash, grain_id_n0, grain_id_n1, grain_type_string, grain_id_extension_string, service_id)
			DO NOTHING
		`, int64(id.Hash()), int64(n0), int64(n1), int64(identity.TypeHash(id.GrainType)), id.GrainType,
			id.Extension(), serviceID, payload, time.Now().UTC(), newVersion)
	} else {
		result, err = p.db.ExecContext(ctx, `
			UPDATE grain_state
			SET payload_binary = $1, modified_on = $2, version = $3
			WHERE grain_id_hash = $4 AND grain_id_n0 = $5 AND grain_id_n1 = $6
			  AND grain_type_string = $7 AND grain_id_extension_string = $8 AND service_id = $9
			  AND version = $10
		`, payload, time.Now().UTC(), newVersion,
			int64(id.Hash()), int64(n0), int64(n1), id.GrainType, id.Extension(), serviceID, expectedVersion)
	}
	if err != nil {
		p.logger.LogTransactionPhase(ctx, id.String(), "upsert", err)
		return 0, titanerrors.DatabaseError("write grain state", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		p.logger.LogTransactionPhase(ctx, id.String(), "upsert", err)
		return 0, titanerrors.DatabaseError("write grain state", err)
	}
	if rows == 0 {
		conflictErr := titanerrors.VersionConflict(id.String(), expectedVersion, -1)
		p.logger.LogTransactionPhase(ctx, id.String(), "upsert", conflictErr)
		return 0, conflictErr
	}
	p.logger.LogTransactionPhase(ctx, id.String(), "upsert", nil)
	return newVersion, nil
}

// Clear applies the same optimistic rule as Write; it writes a tombstone
// (nil payload, version+1) rather than deleting the row, so a subsequent
// Read observes a definitive "cleared" state instead of silently reverting
// to first-write semantics.
func (p *SQLProvider) Clear(ctx context.Context, id identity.ID, serviceID string, expectedVersion int64) error {
	_, err := p.Write(ctx, id, serviceID, nil, expectedVersion)
	return err
}

// --- Reminder table (spec.md §3, used by internal/activation's sweeper) ---

// Reminder is a persistent scheduled callback row.
type Reminder struct {
	ServiceID   string
	GrainIDHash uint32
	GrainID     string // stable string form of the owning identity
	Name        string
	StartTime   time.Time
	Period      time.Duration
	LastFiredAt time.Time
	Version     int64
}

// ReminderStore persists reminders keyed by (service-id, grain-id, name).
type ReminderStore struct {
	db *sqlx.DB
}

func NewReminderStore(db *sqlx.DB) *ReminderStore {
	return &ReminderStore{db: db}
}

func (s *ReminderStore) Upsert(ctx context.Context, r Reminder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (service_id, grain_id_hash, grain_id, reminder_name, start_time, period_seconds, last_fired_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $5, $7)
		ON CONFLICT (service_id, grain_id, reminder_name)
		DO UPDATE SET start_time = $5, period_seconds = $6, version = reminders.version + 1
	`, r.ServiceID, int64(r.GrainIDHash), r.GrainID, r.Name, r.StartTime, int64(r.Period.Seconds()), r.Version)
	if err != nil {
		return titanerrors.DatabaseError("upsert reminder", err)
	}
	return nil
}

// MarkFired advances a reminder's last-fired watermark so the next Due scan
// doesn't return it again until another full period has elapsed.
func (s *ReminderStore) MarkFired(ctx context.Context, serviceID, grainID, name string, firedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET last_fired_at = $1
		WHERE service_id = $2 AND grain_id = $3 AND reminder_name = $4
	`, firedAt, serviceID, grainID, name)
	if err != nil {
		return titanerrors.DatabaseError("mark reminder fired", err)
	}
	return nil
}

func (s *ReminderStore) Delete(ctx context.Context, serviceID, grainID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reminders WHERE service_id = $1 AND grain_id = $2 AND reminder_name = $3
	`, serviceID, grainID, name)
	if err != nil {
		return titanerrors.DatabaseError("delete reminder", err)
	}
	return nil
}

type reminderRow struct {
	ServiceID   string    `db:"service_id"`
	GrainID     string    `db:"grain_id"`
	Name        string    `db:"reminder_name"`
	StartTime   time.Time `db:"start_time"`
	Period      int64     `db:"period_seconds"`
	LastFiredAt time.Time `db:"last_fired_at"`
	Version     int64     `db:"version"`
}

// Due returns reminders that have never fired but whose start time has
// passed, or that last fired a full period or more before asOf. The sweeper
// is expected to call MarkFired for each one returned so the next scan
// doesn't pick it up again prematurely.
func (s *ReminderStore) Due(ctx context.Context, serviceID string, asOf time.Time) ([]Reminder, error) {
	var rows []reminderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT service_id, grain_id, reminder_name, start_time, period_seconds, last_fired_at, version
		FROM reminders
		WHERE service_id = $1
	`, serviceID)
	if err != nil {
		return nil, titanerrors.DatabaseError("list reminders", err)
	}

	due := make([]Reminder, 0, len(rows))
	for _, row := range rows {
		period := time.Duration(row.Period) * time.Second
		if row.LastFiredAt.IsZero() || row.LastFiredAt.Equal(row.StartTime) {
			if !asOf.Before(row.StartTime) {
				due = append(due, reminderFromRow(row, period))
			}
			continue
		}
		if period <= 0 {
			continue
		}
		if !asOf.Before(row.LastFiredAt.Add(period)) {
			due = append(due, reminderFromRow(row, period))
		}
	}
	return due, nil
}

func reminderFromRow(row reminderRow, period time.Duration) Reminder {
	return Reminder{
		ServiceID:   row.ServiceID,
		GrainID:     row.GrainID,
		Name:        row.Name,
		StartTime:   row.StartTime,
		Period:      period,
		LastFiredAt: row.LastFiredAt,
		Version:     row.Version,
	}
}
