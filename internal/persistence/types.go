package persistence

import (
	"context"
	"time"

	"execution-gateway/internal/order"
)

// EventRecord is one journal line
type EventRecord struct {
	Version    int         `json:"version"`
	ExchangeID string      `json:"exchange_id"`
	Sequence   int64       `json:"sequence"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    order.Event `json:"payload"`
}

// Journal is the append-only lifecycle event log, sequenced per exchange
type Journal interface {
	// Append assigns the next exchange sequence to evt and persists it
	Append(ctx context.Context, evt order.Event) (order.Event, error)

	// ReadFrom reads up to limit events of an exchange starting at fromSeq (inclusive). limit <= 0 reads all.
	ReadFrom(ctx context.Context, exchangeID string, fromSeq int64, limit int) ([]order.Event, error)

	// GetLastSequence returns the last sequence number for an exchange
	GetLastSequence(ctx context.Context, exchangeID string) (int64, error)

	// ListExchanges lists all exchanges that have a journal
	ListExchanges(ctx context.Context) ([]string, error)

	// Close closes the journal
	Close() error
}

// Archive stores terminal orders removed from the hot repository
type Archive interface {
	// Save writes a batch of terminal orders of one exchange
	Save(ctx context.Context, exchangeID string, orders []*order.Order) (ArchiveMetadata, error)

	// Load reads back one archive file
	Load(ctx context.Context, meta ArchiveMetadata) ([]*order.Order, error)

	// ListArchives lists archive files of an exchange, newest first
	ListArchives(ctx context.Context, exchangeID string) ([]ArchiveMetadata, error)

	// Close closes the archive
	Close() error
}

// ArchiveMetadata describes one archive file
type ArchiveMetadata struct {
	ExchangeID string    `json:"exchange_id"`
	Orders     int       `json:"orders"`
	CapturedAt time.Time `json:"captured_at"`
	FilePath   string    `json:"file_path"`
}

// archiveFile is the on-disk archive format
type archiveFile struct {
	Version    int            `json:"version"`
	ExchangeID string         `json:"exchange_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Orders     []*order.Order `json:"orders"`
}
