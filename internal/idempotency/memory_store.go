package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"

	"execution-gateway/internal/order"
)

// MemoryStore is a process-local Store for tests and paper mode. It is not durable.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory idempotency store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, key, orderID, payloadHash string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && (rec.State == StateInFlight || now.Before(rec.ExpiresAt)) {
		return classify(cloneRecord(rec), payloadHash)
	}

	rec := &Record{
		Key:         key,
		OrderID:     orderID,
		PayloadHash: payloadHash,
		State:       StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.records[key] = rec
	return Reservation{Kind: Fresh, Record: cloneRecord(rec)}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, outcome order.Outcome) error {
	if !outcome.IsFinal() {
		return ErrNotFinal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.State == StateCompleted {
		if rec.Outcome != nil && rec.Outcome.Equal(outcome) {
			return nil
		}
		return ErrOutcomeConflict
	}

	o := outcome
	rec.State = StateCompleted
	rec.Outcome = &o
	rec.CompletedAt = s.now()
	rec.ExpiresAt = rec.CompletedAt.Add(s.ttl)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneRecord(rec)
	return &c, nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context, olderThan time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records {
		if rec.State == StateInFlight && rec.CreatedAt.Before(olderThan) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Purge removes expired records. InFlight records are kept until completed.
func (s *MemoryStore) Purge(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.records {
		if rec.State == StateCompleted && now.After(rec.ExpiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Size returns the number of records in the store (for testing)
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(r *Record) Record {
	c := *r
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	return c
}
