package gateway

import (
	"time"

	"execution-gateway/internal/dispatch"
)

// Config holds gateway timing and background loop settings
type Config struct {
	CallTimeout          time.Duration // deadline of one adapter round trip
	SubmissionTimeout    time.Duration // age after which an unresolved submission is recovered
	ReconcileInterval    time.Duration // periodic reconciliation of every exchange; 0 disables
	ReconcileConcurrency int           // orders checked in parallel per exchange
	GapSweepInterval     time.Duration // how often fill gaps are checked
	RecoveryInterval     time.Duration // how often stale InFlight reservations are resolved
	PurgeInterval        time.Duration // how often expired idempotency records are purged
	ArchiveInterval      time.Duration // how often terminal orders are archived; 0 disables
	RetentionWindow      time.Duration // time a terminal order stays in the hot repository
	ArchiveBatch         int
	Dispatch             dispatch.Config
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		CallTimeout:          5 * time.Second,
		SubmissionTimeout:    30 * time.Second,
		ReconcileInterval:    time.Minute,
		ReconcileConcurrency: 4,
		GapSweepInterval:     time.Second,
		RecoveryInterval:     30 * time.Second,
		PurgeInterval:        10 * time.Minute,
		ArchiveInterval:      time.Hour,
		RetentionWindow:      7 * 24 * time.Hour,
		ArchiveBatch:         500,
		Dispatch:             dispatch.DefaultConfig(),
	}
}
