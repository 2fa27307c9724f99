package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execution-gateway/internal/idempotency"
	"execution-gateway/internal/order"
)

// IdempotencyStore is a durable idempotency.Store on SQLite
type IdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates a store on db (see Open). Completed records live ttl after completion.
func NewIdempotencyStore(db *sql.DB, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

const selectRecord = `SELECT key, order_id, payload_hash, state, outcome, created_at, completed_at, expires_at FROM idempotency`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (idempotency.Record, error) {
	var (
		rec                         idempotency.Record
		state                       string
		outcome                     sql.NullString
		created, completed, expires int64
	)
	if err := row.Scan(&rec.Key, &rec.OrderID, &rec.PayloadHash, &state, &outcome, &created, &completed, &expires); err != nil {
		return idempotency.Record{}, err
	}
	rec.State = idempotency.State(state)
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpiresAt = time.UnixMilli(expires)
	if completed != 0 {
		rec.CompletedAt = time.UnixMilli(completed)
	}
	if outcome.Valid && outcome.String != "" {
		var o order.Outcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return idempotency.Record{}, fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
		rec.Outcome = &o
	}
	return rec, nil
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key, orderID, payloadHash string) (idempotency.Reservation, error) {
	var (
		res    idempotency.Reservation
		resErr error
	)
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.now()
		rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE key = ?`, key))
		switch {
		case err == nil:
			if rec.State == idempotency.StateInFlight || now.Before(rec.ExpiresAt) {
				res, resErr = classifyRecord(rec, payloadHash)
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to load idempotency record: %w", err)
		}

		fresh := idempotency.Record{
			Key:         key,
			OrderID:     orderID,
			PayloadHash: payloadHash,
			State:       idempotency.StateInFlight,
			CreatedAt:   time.UnixMilli(now.UnixMilli()),
			ExpiresAt:   time.UnixMilli(now.Add(s.ttl).UnixMilli()),
		}
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO idempotency
			(key, order_id, payload_hash, state, outcome, created_at, completed_at, expires_at)
			VALUES (?, ?, ?, ?, NULL, ?, 0, ?)`,
			key, orderID, payloadHash, string(idempotency.StateInFlight), fresh.CreatedAt.UnixMilli(), fresh.ExpiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert idempotency record: %w", err)
		}
		res = idempotency.Reservation{Kind: idempotency.Fresh, Record: fresh}
		return nil
	})
	if err != nil {
		return idempotency.Reservation{}, err
	}
	return res, resErr
}

// classifyRecord mirrors the in-package resolution used by the other backends
func classifyRecord(rec idempotency.Record, payloadHash string) (idempotency.Reservation, error) {
	if rec.PayloadHash != payloadHash {
		return idempotency.Reservation{Record: rec}, idempotency.ErrConflict
	}
	if rec.State == idempotency.StateCompleted {
		return idempotency.Reservation{Kind: idempotency.Completed, Record: rec}, nil
	}
	return idempotency.Reservation{Kind: idempotency.InFlight, Record: rec}, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, outcome order.Outcome) error {
	if !outcome.IsFinal() {
		return idempotency.ErrNotFinal
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE key = ?`, key))
		if errors.Is(err, sql.ErrNoRows) {
			return idempotency.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load idempotency record: %w", err)
		}
		if rec.State == idempotency.StateCompleted {
			if rec.Outcome != nil && rec.Outcome.Equal(outcome) {
				return nil
			}
			return idempotency.ErrOutcomeConflict
		}

		now := s.now()
		_, err = tx.ExecContext(ctx, `UPDATE idempotency SET state = ?, outcome = ?, completed_at = ?, expires_at = ? WHERE key = ?`,
			string(idempotency.StateCompleted), string(data), now.UnixMilli(), now.Add(s.ttl).UnixMilli(), key)
		if err != nil {
			return fmt.Errorf("failed to complete idempotency record: %w", err)
		}
		return nil
	})
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *IdempotencyStore) ListInFlight(ctx context.Context, olderThan time.Time) ([]idempotency.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE state = ? AND created_at < ? ORDER BY created_at`,
		string(idempotency.StateInFlight), olderThan.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight records: %w", err)
	}
	defer rows.Close()

	var out []idempotency.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan idempotency record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge removes expired completed records. InFlight records are kept until completed.
func (s *IdempotencyStore) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE state = ? AND expires_at < ?`,
		string(idempotency.StateCompleted), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
