package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	exchange_id     TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	needs_check     INTEGER NOT NULL,
	archivable      INTEGER NOT NULL,
	terminal_at     INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	version         INTEGER NOT NULL,
	body            TEXT NOT NULL,
	UNIQUE (exchange_id, client_order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_open ON orders (exchange_id, needs_check);
CREATE INDEX IF NOT EXISTS idx_orders_archivable ON orders (archivable, terminal_at);

CREATE TABLE IF NOT EXISTS idempotency (
	key          TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	state        TEXT NOT NULL,
	outcome      TEXT,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_state ON idempotency (state, created_at);
`

// Open opens (or creates) the SQLite database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, nil
}

// inTx runs fn in a transaction, committing on success
func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
