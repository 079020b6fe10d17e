package persistence

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/internal/identity"
)

func newMockProvider(t *testing.T) (*SQLProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLProvider(sqlx.NewDb(db, "postgres")), mock
}

func TestSQLProviderReadFound(t *testing.T) {
	p, mock := newMockProvider(t)
	id := identity.NewString("player", "p-1")
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT grain_id_hash, grain_id_n0, grain_id_n1, grain_type_hash, grain_type_string`).
		WillReturnRows(sqlmock.NewRows([]string{
			"grain_id_hash", "grain_id_n0", "grain_id_n1", "grain_type_hash", "grain_type_string",
			"grain_id_extension_string", "service_id", "payload_binary", "modified_on", "version",
		}).AddRow(int64(id.Hash()), 0, 0, int64(identity.TypeHash("player")), "player", "", "silo-1", []byte("payload"), now, int64(3)))

	payload, version, found, err := p.Read(context.Background(), id, "silo-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, []byte("payload"), payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProviderReadNotFound(t *testing.T) {
	p, mock := newMockProvider(t)
	id := identity.NewString("player", "missing")

	mock.ExpectQuery(`SELECT grain_id_hash, grain_id_n0, grain_id_n1, grain_type_hash, grain_type_string`).
		WillReturnRows(sqlmock.NewRows([]string{
			"grain_id_hash", "grain_id_n0", "grain_id_n1", "grain_type_hash", "grain_type_string",
			"grain_id_extension_string", "service_id", "payload_binary", "modified_on", "version",
		}))

	payload, version, found, err := p.Read(context.Background(), id, "silo-1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, version)
	assert.Nil(t, payload)
}

func TestSQLProviderWriteFirstWriteInserts(t *testing.T) {
	p, mock := newMockProvider(t)
	id := identity.NewString("player", "p-1")

	mock.ExpectExec(`INSERT INTO grain_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	version, err := p.Write(context.Background(), id, "silo-1", []byte("state"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProviderWriteVersionedUpdate(t *testing.T) {
	p, mock := newMockProvider(t)
	id := identity.NewString("player", "p-1")

	mock.ExpectExec(`UPDATE grain_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	version, err := p.Write(context.Background(), id, "silo-1", []byte("state-v2"), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
}

func TestSQLProviderWriteVersionConflict(t *testing.T) {
	p, mock := newMockProvider(t)
	id := identity.NewString("player", "p-1")

	mock.ExpectExec(`UPDATE grain_state`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := p.Write(context.Background(), id, "silo-1", []byte("stale"), 3)
	require.Error(t, err)

	svcErr, ok := err.(*titanerrors.ServiceError)
	require.True(t, ok, "expected a *titanerrors.ServiceError, got %T", err)
	assert.Equal(t, titanerrors.KindPermanentSystem, svcErr.Kind)
}

func TestSQLProviderClearWritesTombstone(t *testing.T) {
	p, mock := newMockProvider(t)
	id := identity.NewString("player", "p-1")

	mock.ExpectExec(`UPDATE grain_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Clear(context.Background(), id, "silo-1", 2)
	require.NoError(t, err)
}

func TestReminderStoreUpsertAndDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewReminderStore(sqlx.NewDb(db, "postgres"))

	mock.ExpectExec(`INSERT INTO reminders`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = store.Upsert(context.Background(), Reminder{
		ServiceID: "silo-1",
		GrainID:   "player/p-1",
		Name:      "regen-tick",
		StartTime: time.Now().UTC(),
		Period:    30 * time.Second,
	})
	require.NoError(t, err)

	mock.ExpectExec(`DELETE FROM reminders`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = store.Delete(context.Background(), "silo-1", "player/p-1", "regen-tick")
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReminderStoreDueComputesElapsedPeriods(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewReminderStore(sqlx.NewDb(db, "postgres"))

	now := time.Now().UTC()
	neverFiredStart := now.Add(-90 * time.Second)
	longAgoStart := now.Add(-time.Hour)
	overdueLastFired := now.Add(-5 * time.Minute)
	freshLastFired := now.Add(-5 * time.Second)
	futureStart := now.Add(time.Hour)

	mock.ExpectQuery(`SELECT service_id, grain_id, reminder_name, start_time, period_seconds, last_fired_at, version`).
		WithArgs("silo-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"service_id", "grain_id", "reminder_name", "start_time", "period_seconds", "last_fired_at", "version",
		}).
			AddRow("silo-1", "player/never-fired", "regen-tick", neverFiredStart, int64(30), neverFiredStart, int64(0)).
			AddRow("silo-1", "player/overdue", "regen-tick", longAgoStart, int64(30), overdueLastFired, int64(1)).
			AddRow("silo-1", "player/fresh", "regen-tick", longAgoStart, int64(30), freshLastFired, int64(4)).
			AddRow("silo-1", "player/future", "regen-tick", futureStart, int64(30), futureStart, int64(0)))

	due, err := store.Due(context.Background(), "silo-1", now)
	require.NoError(t, err)

	names := make([]string, 0, len(due))
	for _, r := range due {
		names = append(names, r.GrainID)
	}
	assert.ElementsMatch(t, []string{"player/never-fired", "player/overdue"}, names)
}
