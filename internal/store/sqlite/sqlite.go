// Package sqlite is the single-node persistent store backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS dedup_entries (
	delivery_id   TEXT PRIMARY KEY,
	first_seen_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	payload         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_conversation ON pending_messages(conversation_id);
CREATE TABLE IF NOT EXISTS processing_locks (
	conversation_id TEXT PRIMARY KEY,
	holder          TEXT NOT NULL,
	expires_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rate_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_conversation ON rate_events(conversation_id, at);
CREATE TABLE IF NOT EXISTS breaker_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS manual_modes (
	conversation_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS conversation_entries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	text            TEXT NOT NULL,
	at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_entries ON conversation_entries(conversation_id, id);
`

// Store implements every store interface on one SQLite database.
// The pool is capped at a single connection, so multi-statement operations
// inside a transaction are serialized without SQLITE_BUSY churn.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Stores returns a store.Stores with every field backed by s.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{
		Dedup:         s,
		Turns:         s,
		Locks:         s,
		Rates:         s,
		Breaker:       s,
		Flags:         s,
		Conversations: s,
	}
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Admit(ctx context.Context, deliveryID string, now time.Time, retention time.Duration) (bool, error) {
	admitted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var firstSeen int64
		err := tx.QueryRowContext(ctx,
			`SELECT first_seen_at FROM dedup_entries WHERE delivery_id = ?`,
			deliveryID).Scan(&firstSeen)
		switch {
		case err == nil:
			if now.UnixMilli()-firstSeen < retention.Milliseconds() {
				return nil // duplicate
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO dedup_entries (delivery_id, first_seen_at) VALUES (?, ?)`,
			deliveryID, now.UnixMilli())
		if err != nil {
			return err
		}
		admitted = true
		return nil
	})
	return admitted, err
}

func (s *Store) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_entries WHERE first_seen_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AppendPending(ctx context.Context, conversationID string, msg bus.PendingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_messages (conversation_id, payload) VALUES (?, ?)`,
		conversationID, string(payload))
	return err
}

func (s *Store) DrainPending(ctx context.Context, conversationID string) ([]bus.PendingMessage, error) {
	var msgs []bus.PendingMessage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT payload FROM pending_messages WHERE conversation_id = ? ORDER BY id`,
			conversationID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return err
			}
			var msg bus.PendingMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				return fmt.Errorf("decode pending message: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM pending_messages WHERE conversation_id = ?`, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) PendingCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE conversation_id = ?`,
		conversationID).Scan(&n)
	return n, err
}

func (s *Store) AcquireLock(ctx context.Context, conversationID, holder string, now time.Time, lease time.Duration) (bool, error) {
	acquired := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		var expiresAt int64
		err := tx.QueryRowContext(ctx,
			`SELECT holder, expires_at FROM processing_locks WHERE conversation_id = ?`,
			conversationID).Scan(&current, &expiresAt)
		switch {
		case err == nil:
			if expiresAt > now.UnixMilli() && current != holder {
				return nil // held by someone else
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO processing_locks (conversation_id, holder, expires_at) VALUES (?, ?, ?)`,
			conversationID, holder, now.Add(lease).UnixMilli())
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *Store) ReleaseLock(ctx context.Context, conversationID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processing_locks WHERE conversation_id = ? AND holder = ?`,
		conversationID, holder)
	return err
}

func (s *Store) PruneLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processing_locks WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) RecordIfUnder(ctx context.Context, conversationID string, now time.Time, hourly, daily store.Limit) (bool, error) {
	allowed := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		dailyCutoff := now.Add(-daily.Window).UnixMilli()
		hourlyCutoff := now.Add(-hourly.Window).UnixMilli()

		_, err := tx.ExecContext(ctx,
			`DELETE FROM rate_events WHERE conversation_id = ? AND at <= ?`,
			conversationID, dailyCutoff)
		if err != nil {
			return err
		}

		var dailyCount, hourlyCount int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(at > ?), 0) FROM rate_events WHERE conversation_id = ?`,
			hourlyCutoff, conversationID).Scan(&dailyCount, &hourlyCount)
		if err != nil {
			return err
		}
		if hourlyCount >= hourly.Max || dailyCount >= daily.Max {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_events (conversation_id, at) VALUES (?, ?)`,
			conversationID, now.UnixMilli())
		if err != nil {
			return err
		}
		allowed = true
		return nil
	})
	return allowed, err
}

func (s *Store) ClearRate(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_events WHERE conversation_id = ?`, conversationID)
	return err
}

func (s *Store) PruneRates(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_events WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) RecordAndCount(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	count := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := now.Add(-window).UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM breaker_events WHERE at <= ?`, cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO breaker_events (at) VALUES (?)`, now.UnixMilli()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM breaker_events`).Scan(&count)
	})
	return count, err
}

func (s *Store) ResetBreaker(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM breaker_events`)
	return err
}

func (s *Store) BreakerCount(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM breaker_events WHERE at > ?`,
		now.Add(-window).UnixMilli()).Scan(&n)
	return n, err
}

const killSwitchKey = "kill_switch"

func (s *Store) KillSwitch(ctx context.Context) (store.KillSwitchState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, killSwitchKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.KillSwitchState{}, nil
	}
	if err != nil {
		return store.KillSwitchState{}, err
	}
	var state store.KillSwitchState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return store.KillSwitchState{}, fmt.Errorf("decode kill switch: %w", err)
	}
	return state, nil
}

func (s *Store) SetKillSwitch(ctx context.Context, state store.KillSwitchState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
		killSwitchKey, string(raw))
	return err
}

func (s *Store) ManualMode(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM manual_modes WHERE conversation_id = ?`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetManualMode(ctx context.Context, conversationID string, enabled bool) error {
	var err error
	if enabled {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO manual_modes (conversation_id) VALUES (?)`, conversationID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM manual_modes WHERE conversation_id = ?`, conversationID)
	}
	return err
}

func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, at FROM (
			SELECT id, role, text, at FROM conversation_entries
			WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		var at int64
		if err := rows.Scan(&e.Role, &e.Text, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) AppendExchange(ctx context.Context, conversationID string, user, assistant store.Entry, keep int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range []store.Entry{user, assistant} {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_entries (conversation_id, role, text, at) VALUES (?, ?, ?, ?)`,
				conversationID, e.Role, e.Text, e.At.UnixMilli())
			if err != nil {
				return err
			}
		}
		if keep <= 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_entries WHERE conversation_id = ? AND id NOT IN (
				SELECT id FROM conversation_entries WHERE conversation_id = ?
				ORDER BY id DESC LIMIT ?
			)`,
			conversationID, conversationID, keep)
		return err
	})
}
