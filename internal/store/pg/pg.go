// Package pg is the Postgres store backend (managed mode).
//
// The schema is owned by the migrations under migrations/postgres and is
// applied with the migrate command; this package assumes it is in place.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

// Store implements every store interface on one Postgres database.
type Store struct {
	db *sql.DB
}

// OpenDB connects and verifies the connection.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// New wraps an open database.
func New(db *sql.DB) *Store { return &Store{db: db} }

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

func (s *Store) Admit(ctx context.Context, deliveryID string, now time.Time, retention time.Duration) (bool, error) {
	// One upsert: the insert wins, or the update wins only when the prior
	// sighting has aged out of the retention window.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_entries (delivery_id, first_seen_at) VALUES ($1, $2)
		ON CONFLICT (delivery_id) DO UPDATE SET first_seen_at = EXCLUDED.first_seen_at
		WHERE dedup_entries.first_seen_at <= $3`,
		deliveryID, now, now.Add(-retention))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_entries WHERE first_seen_at < $1`, before)
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
		`INSERT INTO pending_messages (conversation_id, payload) VALUES ($1, $2)`,
		conversationID, payload)
	return err
}

func (s *Store) DrainPending(ctx context.Context, conversationID string) ([]bus.PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH drained AS (
			DELETE FROM pending_messages WHERE conversation_id = $1
			RETURNING id, payload
		)
		SELECT payload FROM drained ORDER BY id`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []bus.PendingMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg bus.PendingMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode pending message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *Store) PendingCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE conversation_id = $1`,
		conversationID).Scan(&n)
	return n, err
}

func (s *Store) AcquireLock(ctx context.Context, conversationID, holder string, now time.Time, lease time.Duration) (bool, error) {
	// Takeover is allowed once the lease expired, and a holder may renew
	// its own lease.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_locks (conversation_id, holder, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE processing_locks.expires_at <= $4 OR processing_locks.holder = EXCLUDED.holder`,
		conversationID, holder, now.Add(lease), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ReleaseLock(ctx context.Context, conversationID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processing_locks WHERE conversation_id = $1 AND holder = $2`,
		conversationID, holder)
	return err
}

func (s *Store) PruneLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processing_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) RecordIfUnder(ctx context.Context, conversationID string, now time.Time, hourly, daily store.Limit) (bool, error) {
	allowed := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Serialize per conversation so concurrent deliveries cannot
		// both sneak under the cap.
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, conversationID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rate_events WHERE conversation_id = $1 AND at <= $2`,
			conversationID, now.Add(-daily.Window)); err != nil {
			return err
		}

		var dailyCount, hourlyCount int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COUNT(*) FILTER (WHERE at > $2)
			 FROM rate_events WHERE conversation_id = $1`,
			conversationID, now.Add(-hourly.Window)).Scan(&dailyCount, &hourlyCount)
		if err != nil {
			return err
		}
		if hourlyCount >= hourly.Max || dailyCount >= daily.Max {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_events (conversation_id, at) VALUES ($1, $2)`,
			conversationID, now); err != nil {
			return err
		}
		allowed = true
		return nil
	})
	return allowed, err
}

func (s *Store) ClearRate(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_events WHERE conversation_id = $1`, conversationID)
	return err
}

func (s *Store) PruneRates(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_events WHERE at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// breakerLockKey serializes breaker updates across instances.
const breakerLockKey = 7413001

func (s *Store) RecordAndCount(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	count := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock($1)`, breakerLockKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM breaker_events WHERE at <= $1`, now.Add(-window)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO breaker_events (at) VALUES ($1)`, now); err != nil {
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
		`SELECT COUNT(*) FROM breaker_events WHERE at > $1`,
		now.Add(-window)).Scan(&n)
	return n, err
}

const killSwitchKey = "kill_switch"

func (s *Store) KillSwitch(ctx context.Context) (store.KillSwitchState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, killSwitchKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.KillSwitchState{}, nil
	}
	if err != nil {
		return store.KillSwitchState{}, err
	}
	var state store.KillSwitchState
	if err := json.Unmarshal(raw, &state); err != nil {
		return store.KillSwitchState{}, fmt.Errorf("decode kill switch: %w", err)
	}
	return state, nil
}

func (s *Store) SetKillSwitch(ctx context.Context, state store.KillSwitchState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		killSwitchKey, raw)
	return err
}

func (s *Store) ManualMode(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM manual_modes WHERE conversation_id = $1`, conversationID).Scan(&one)
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
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO manual_modes (conversation_id) VALUES ($1)
			ON CONFLICT (conversation_id) DO NOTHING`, conversationID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM manual_modes WHERE conversation_id = $1`, conversationID)
	}
	return err
}

func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]store.Entry, error) {
	query := `
		SELECT role, text, at FROM (
			SELECT id, role, text, at FROM conversation_entries
			WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id`
	var limitArg any = limit
	if limit <= 0 {
		limitArg = nil // LIMIT NULL means no limit
	}
	rows, err := s.db.QueryContext(ctx, query, conversationID, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Role, &e.Text, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) AppendExchange(ctx context.Context, conversationID string, user, assistant store.Entry, keep int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range []store.Entry{user, assistant} {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_entries (conversation_id, role, text, at) VALUES ($1, $2, $3, $4)`,
				conversationID, e.Role, e.Text, e.At); err != nil {
				return err
			}
		}
		if keep <= 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_entries WHERE conversation_id = $1 AND id NOT IN (
				SELECT id FROM conversation_entries WHERE conversation_id = $1
				ORDER BY id DESC LIMIT $2
			)`,
			conversationID, keep)
		return err
	})
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
