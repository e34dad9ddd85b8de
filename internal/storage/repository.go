package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createKVTableSQL = `CREATE TABLE IF NOT EXISTS kv_store (
        key        TEXT PRIMARY KEY,
        value      BYTEA NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createAlertsTableSQL = `CREATE TABLE IF NOT EXISTS alerts (
        id         TEXT PRIMARY KEY,
        alert_type TEXT NOT NULL,
        source_id  TEXT NOT NULL,
        severity   TEXT NOT NULL,
        message    TEXT NOT NULL,
        data       JSONB,
        raised_at  TIMESTAMPTZ NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createAlertsIndexSQL = `CREATE INDEX IF NOT EXISTS alerts_raised_at_idx ON alerts (raised_at DESC);`

	getValueSQL = `SELECT value FROM kv_store WHERE key = $1;`

	setValueSQL = `INSERT INTO kv_store (key, value, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value,
        updated_at = now();`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        alert_type,
        source_id,
        severity,
        message,
        data,
        raised_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_type,
        source_id,
        severity,
        message,
        data,
        raised_at,
        created_at
    FROM alerts
    ORDER BY raised_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE raised_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// DB is the subset of pgxpool.Pool the store relies on.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store keeps key/value state and archived alerts in PostgreSQL.
type Store struct {
	pool DB
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool DB) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) getPool() (DB, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables the store needs.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createKVTableSQL, createAlertsTableSQL, createAlertsIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts a transaction-scoped postgres advisory lock. The lock is
// held until the returned func ends the transaction.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock transaction: %w", err)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = tx.Rollback(ctx)
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// ending the transaction releases the xact lock
		_ = tx.Rollback(ctxUnlock)
	}
	return unlock, true, nil
}

// Get reads a value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var value []byte
	if scanErr := pool.QueryRow(ctx, getValueSQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get value %s: %w", key, scanErr)
	}
	return value, nil
}

// Set upserts a value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setValueSQL, key, value); execErr != nil {
		return fmt.Errorf("set value %s: %w", key, execErr)
	}
	return nil
}

// InsertAlerts archives alerts in one transaction. Already archived ids are ignored.
func (s *Store) InsertAlerts(ctx context.Context, alerts []AlertRecord) error {
	if len(alerts) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin alert insert: %w", err)
	}
	for _, a := range alerts {
		var data any
		if len(a.Data) > 0 {
			data = string(a.Data)
		}
		if _, execErr := tx.Exec(ctx, insertAlertSQL,
			a.ID,
			a.Type,
			a.SourceID,
			a.Severity,
			a.Message,
			data,
			a.RaisedAt,
		); execErr != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert alert %s: %w", a.ID, execErr)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit alerts: %w", err)
	}
	return nil
}

// ListRecentAlerts lists archived alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var data []byte
		if scanErr := rows.Scan(
			&rec.ID,
			&rec.Type,
			&rec.SourceID,
			&rec.Severity,
			&rec.Message,
			&data,
			&rec.RaisedAt,
			&rec.CreatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan alert: %w", scanErr)
		}
		rec.Data = data
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

var (
	_ KV             = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
)
