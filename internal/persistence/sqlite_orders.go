package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"execution-gateway/internal/lifecycle"
	"execution-gateway/internal/order"
)

// OrderRepository is a durable lifecycle.Repository on SQLite.
// The order is stored as JSON; queried fields are mirrored into indexed columns.
type OrderRepository struct {
	db *sql.DB
}

var _ lifecycle.Repository = (*OrderRepository)(nil)

// NewOrderRepository creates a repository on db (see Open)
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

type orderRow struct {
	needsCheck int
	archivable int
	terminalAt int64
	body       []byte
}

func toRow(o *order.Order) (orderRow, error) {
	body, err := json.Marshal(o)
	if err != nil {
		return orderRow{}, fmt.Errorf("failed to marshal order: %w", err)
	}
	r := orderRow{body: body}
	if lifecycle.NeedsVenueCheck(o) {
		r.needsCheck = 1
	}
	if o.Status.IsTerminal() && !o.Frozen && !o.Ambiguous {
		r.archivable = 1
	}
	if !o.TerminalAt.IsZero() {
		r.terminalAt = o.TerminalAt.UnixMilli()
	}
	return r, nil
}

func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	if o == nil || o.OrderID == "" {
		return lifecycle.ErrInvalidArgument
	}
	row, err := toRow(o)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO orders
		(order_id, exchange_id, client_order_id, status, needs_check, archivable, terminal_at, created_at, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.ExchangeID(), o.ClientOrderID, string(o.Status), row.needsCheck, row.archivable,
		row.terminalAt, o.CreatedAt.UnixNano(), o.Version, string(row.body))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", lifecycle.ErrOrderExists, o.OrderID)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, o *order.Order, expectedVersion int64) error {
	if o == nil {
		return lifecycle.ErrInvalidArgument
	}
	row, err := toRow(o)
	if err != nil {
		return err
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET
			status = ?, needs_check = ?, archivable = ?, terminal_at = ?, version = ?, body = ?
			WHERE order_id = ? AND version = ?`,
			string(o.Status), row.needsCheck, row.archivable, row.terminalAt, o.Version, string(row.body),
			o.OrderID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if n == 1 {
			return nil
		}

		var stored int64
		err = tx.QueryRowContext(ctx, `SELECT version FROM orders WHERE order_id = ?`, o.OrderID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return lifecycle.ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load order version: %w", err)
		}
		return fmt.Errorf("%w: order=%s stored=%d expected=%d", lifecycle.ErrVersionConflict, o.OrderID, stored, expectedVersion)
	})
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (*order.Order, error) {
	return r.getOne(ctx, `SELECT body FROM orders WHERE order_id = ?`, orderID)
}

func (r *OrderRepository) GetByClientOrderID(ctx context.Context, exchangeID, clientOrderID string) (*order.Order, error) {
	return r.getOne(ctx, `SELECT body FROM orders WHERE exchange_id = ? AND client_order_id = ?`, exchangeID, clientOrderID)
}

func (r *OrderRepository) getOne(ctx context.Context, query string, args ...any) (*order.Order, error) {
	var body string
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return decodeOrder(body)
}

func (r *OrderRepository) ListOpen(ctx context.Context, exchangeID string) ([]*order.Order, error) {
	return r.list(ctx, `SELECT body FROM orders WHERE exchange_id = ? AND needs_check = 1 ORDER BY created_at, order_id`, exchangeID)
}

func (r *OrderRepository) ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]*order.Order, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.list(ctx, `SELECT body FROM orders WHERE archivable = 1 AND terminal_at < ? ORDER BY created_at, order_id LIMIT ?`,
		t.UnixMilli(), limit)
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]*order.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o, err := decodeOrder(body)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lifecycle.ErrOrderNotFound
	}
	return nil
}

func decodeOrder(body string) (*order.Order, error) {
	var o order.Order
	if err := json.Unmarshal([]byte(body), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
