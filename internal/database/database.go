// Package database holds the delivery ledger: one row per hourly
// aggregate recording whether it reached the sync endpoint. The ledger
// is separate from the bucket files, so re-aggregation never loses
// delivery history.
package database

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// SyncState is the delivery status of one hourly aggregate, keyed by
// its hour key ("2006-01-02_15", UTC).
type SyncState struct {
	HourKey       string
	Status        string
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
	DeliveredAt   time.Time
	UpdatedAt     time.Time
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	d := &DB{db}
	if err := d.migrate(); err != nil {
		return nil, err
	}

	slog.Info("database initialized", "path", path)
	return d, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			hour_key TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			last_attempt_at DATETIME,
			delivered_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_state_status ON sync_state(status)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// GetState returns the recorded state for an hour, or nil when the hour
// has never been attempted.
func (db *DB) GetState(hourKey string) (*SyncState, error) {
	row := db.QueryRow(`
		SELECT hour_key, status, attempts, COALESCE(last_error, ''),
		       COALESCE(last_attempt_at, ''), COALESCE(delivered_at, ''), updated_at
		FROM sync_state WHERE hour_key = ?
	`, hourKey)

	var s SyncState
	var lastAttemptAt, deliveredAt string
	err := row.Scan(&s.HourKey, &s.Status, &s.Attempts, &s.LastError,
		&lastAttemptAt, &deliveredAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.LastAttemptAt = parseSQLiteTime(lastAttemptAt)
	s.DeliveredAt = parseSQLiteTime(deliveredAt)
	return &s, nil
}

func parseSQLiteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MarkDelivered records a successful transmission at the given instant.
func (db *DB) MarkDelivered(hourKey string, at time.Time) error {
	stamp := at.UTC().Format(sqliteTimeLayout)
	_, err := db.Exec(`
		INSERT INTO sync_state (hour_key, status, attempts, last_error, last_attempt_at, delivered_at, updated_at)
		VALUES (?, ?, 1, NULL, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(hour_key) DO UPDATE SET
			status = excluded.status,
			attempts = sync_state.attempts + 1,
			last_error = NULL,
			last_attempt_at = excluded.last_attempt_at,
			delivered_at = excluded.delivered_at,
			updated_at = CURRENT_TIMESTAMP
	`, hourKey, StatusDelivered, stamp, stamp)
	return err
}

// MarkFailed records a failed attempt at the given instant, incrementing
// the attempt count.
func (db *DB) MarkFailed(hourKey, cause string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (hour_key, status, attempts, last_error, last_attempt_at, updated_at)
		VALUES (?, ?, 1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(hour_key) DO UPDATE SET
			status = excluded.status,
			attempts = sync_state.attempts + 1,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at,
			updated_at = CURRENT_TIMESTAMP
	`, hourKey, StatusFailed, cause, at.UTC().Format(sqliteTimeLayout))
	return err
}

// ResetAttempts re-arms a failed hour for automatic retry. Used by the
// manual force path after the retry budget was exhausted.
func (db *DB) ResetAttempts(hourKey string) error {
	_, err := db.Exec(`
		UPDATE sync_state SET attempts = 0, status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE hour_key = ?
	`, StatusPending, hourKey)
	return err
}

// DeliveredHours returns the set of hour keys already delivered.
func (db *DB) DeliveredHours() (map[string]bool, error) {
	rows, err := db.Query(`SELECT hour_key FROM sync_state WHERE status = ?`, StatusDelivered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	delivered := map[string]bool{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		delivered[key] = true
	}
	return delivered, rows.Err()
}

// Stats summarizes the ledger for the status surfaces.
type Stats struct {
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
	LastHour  string `json:"last_delivered_hour,omitempty"`
}

func (db *DB) GetStats() (Stats, error) {
	var st Stats
	rows, err := db.Query(`SELECT status, COUNT(*) FROM sync_state GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch status {
		case StatusDelivered:
			st.Delivered = n
		case StatusFailed:
			st.Failed = n
		case StatusPending:
			st.Pending = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	row := db.QueryRow(`SELECT COALESCE(MAX(hour_key), '') FROM sync_state WHERE status = ?`, StatusDelivered)
	if err := row.Scan(&st.LastHour); err != nil {
		return st, err
	}
	return st, nil
}
