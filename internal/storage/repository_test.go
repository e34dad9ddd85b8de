package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestStoreEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_store").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS alerts").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS alerts_raised_at_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetSet(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO kv_store").
		WithArgs("citypulse:alerts", []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs("citypulse:alerts").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`[]`)))
	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs("citypulse:missing").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	require.NoError(t, store.Set(ctx, "citypulse:alerts", []byte(`[]`)))

	got, err := store.Get(ctx, "citypulse:alerts")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	_, err = store.Get(ctx, "citypulse:missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSetWrapsError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kv_store").
		WithArgs("k", []byte("v")).
		WillReturnError(errors.New("disk full"))

	err := store.Set(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTryAdvisoryLock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	unlock, acquired, err := store.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, acquired)
	unlock()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTryAdvisoryLockHeldElsewhere(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	unlock, acquired, err := store.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Nil(t, unlock)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreInsertAlerts(t *testing.T) {
	store, mock := newMockStore(t)
	raised := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs("a-1", "stale_data", "S1", "warning", "stale", `{"age_minutes":61}`, raised).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs("a-2", "consecutive_failures", "S2", "error", "failing", nil, raised).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := store.InsertAlerts(context.Background(), []AlertRecord{
		{ID: "a-1", Type: "stale_data", SourceID: "S1", Severity: "warning", Message: "stale", Data: []byte(`{"age_minutes":61}`), RaisedAt: raised},
		{ID: "a-2", Type: "consecutive_failures", SourceID: "S2", Severity: "error", Message: "failing", RaisedAt: raised},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreInsertAlertsRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs("a-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := store.InsertAlerts(context.Background(), []AlertRecord{{ID: "a-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint")
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, store.InsertAlerts(context.Background(), nil))
}

func TestStoreListRecentAlerts(t *testing.T) {
	store, mock := newMockStore(t)
	raised := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "alert_type", "source_id", "severity", "message", "data", "raised_at", "created_at"}).
		AddRow("a-2", "low_reliability", "S1", "warning", "low", []byte(`{"threshold":0.8}`), raised, raised.Add(time.Second)).
		AddRow("a-1", "stale_data", "S2", "warning", "stale", []byte(nil), raised.Add(-time.Hour), raised)
	mock.ExpectQuery("SELECT").WithArgs(10).WillReturnRows(rows)

	alerts, err := store.ListRecentAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a-2", alerts[0].ID)
	assert.JSONEq(t, `{"threshold":0.8}`, string(alerts[0].Data))
	assert.Equal(t, raised, alerts[0].RaisedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDeleteAlertsBefore(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM alerts").WithArgs(cutoff).WillReturnResult(pgxmock.NewResult("DELETE", 3))
	require.NoError(t, store.DeleteAlertsBefore(context.Background(), cutoff))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreNotConfigured(t *testing.T) {
	var store *Store
	_, err := store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, store.Close())
}
