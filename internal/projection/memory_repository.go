package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// sequenceCursor tracks the last applied journal sequence per exchange
type sequenceCursor struct {
	lastSequence map[string]int64 // exchange_id -> last_sequence
}

func (c *sequenceCursor) get(exchangeID string) int64 {
	return c.lastSequence[exchangeID]
}

func (c *sequenceCursor) set(exchangeID string, sequence int64) error {
	current := c.lastSequence[exchangeID]
	if sequence < current {
		return fmt.Errorf("%w: exchange=%s current=%d new=%d", ErrSequenceRegression, exchangeID, current, sequence)
	}
	c.lastSequence[exchangeID] = sequence
	return nil
}

// MemoryPositionRepository is an in-memory implementation of PositionRepository
type MemoryPositionRepository struct {
	mu sync.RWMutex

	// exchange_id -> symbol -> PositionView
	positions map[string]map[string]*PositionView
	cursor    sequenceCursor
}

// NewMemoryPositionRepository creates a new in-memory position repository
func NewMemoryPositionRepository() *MemoryPositionRepository {
	return &MemoryPositionRepository{
		positions: make(map[string]map[string]*PositionView),
		cursor:    sequenceCursor{lastSequence: make(map[string]int64)},
	}
}

// Save creates or updates a position view
func (r *MemoryPositionRepository) Save(ctx context.Context, p *PositionView) error {
	if p == nil || p.ExchangeID == "" || p.Symbol == "" {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bySymbol, ok := r.positions[p.ExchangeID]
	if !ok {
		bySymbol = make(map[string]*PositionView)
		r.positions[p.ExchangeID] = bySymbol
	}
	cp := *p
	bySymbol[p.Symbol] = &cp
	return nil
}

// Get retrieves the position of a symbol on an exchange
func (r *MemoryPositionRepository) Get(ctx context.Context, exchangeID, symbol string) (*PositionView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.positions[exchangeID][symbol]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

// ListByExchange retrieves every position of an exchange ordered by symbol
func (r *MemoryPositionRepository) ListByExchange(ctx context.Context, exchangeID string) ([]*PositionView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PositionView, 0, len(r.positions[exchangeID]))
	for _, p := range r.positions[exchangeID] {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetLastSequence returns the last applied journal sequence for an exchange
func (r *MemoryPositionRepository) GetLastSequence(ctx context.Context, exchangeID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor.get(exchangeID), nil
}

// SetLastSequence updates the last applied journal sequence for an exchange
func (r *MemoryPositionRepository) SetLastSequence(ctx context.Context, exchangeID string, sequence int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor.set(exchangeID, sequence)
}

// MemoryFillRepository is an in-memory implementation of FillRepository
type MemoryFillRepository struct {
	mu sync.RWMutex

	// Primary storage: order_id/fill_sequence -> FillView
	fills map[string]*FillView

	// Indexes for efficient queries
	byOrder    map[string][]*FillView // order_id -> fills (sorted by fill sequence)
	byExchange map[string][]*FillView // exchange_id -> fills (sorted by event sequence)

	cursor sequenceCursor
}

// NewMemoryFillRepository creates a new in-memory fill repository
func NewMemoryFillRepository() *MemoryFillRepository {
	return &MemoryFillRepository{
		fills:      make(map[string]*FillView),
		byOrder:    make(map[string][]*FillView),
		byExchange: make(map[string][]*FillView),
		cursor:     sequenceCursor{lastSequence: make(map[string]int64)},
	}
}

// Save stores a fill
func (r *MemoryFillRepository) Save(ctx context.Context, f *FillView) error {
	if f == nil || f.OrderID == "" || f.ExchangeID == "" || f.FillSequence <= 0 {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := f.key()
	if existing, ok := r.fills[key]; ok {
		if !sameFill(existing, f) {
			return fmt.Errorf("%w: order=%s fill_sequence=%d", ErrFillConflict, f.OrderID, f.FillSequence)
		}
		return nil
	}

	cp := *f
	r.fills[key] = &cp

	orderFills := append(r.byOrder[cp.OrderID], &cp)
	sort.Slice(orderFills, func(i, j int) bool { return orderFills[i].FillSequence < orderFills[j].FillSequence })
	r.byOrder[cp.OrderID] = orderFills

	exFills := append(r.byExchange[cp.ExchangeID], &cp)
	sort.SliceStable(exFills, func(i, j int) bool { return exFills[i].EventSequence < exFills[j].EventSequence })
	r.byExchange[cp.ExchangeID] = exFills
	return nil
}

// ListByOrder retrieves the fills of an order in fill sequence order
func (r *MemoryFillRepository) ListByOrder(ctx context.Context, orderID string) ([]*FillView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneFills(r.byOrder[orderID]), nil
}

// ListByExchange retrieves fills with event sequence >= fromSequence
func (r *MemoryFillRepository) ListByExchange(ctx context.Context, exchangeID string, fromSequence int64, limit int) ([]*FillView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fills := r.byExchange[exchangeID]
	start := sort.Search(len(fills), func(i int) bool { return fills[i].EventSequence >= fromSequence })
	fills = fills[start:]
	if limit > 0 && len(fills) > limit {
		fills = fills[:limit]
	}
	return cloneFills(fills), nil
}

// GetLastSequence returns the last applied journal sequence for an exchange
func (r *MemoryFillRepository) GetLastSequence(ctx context.Context, exchangeID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor.get(exchangeID), nil
}

// SetLastSequence updates the last applied journal sequence for an exchange
func (r *MemoryFillRepository) SetLastSequence(ctx context.Context, exchangeID string, sequence int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor.set(exchangeID, sequence)
}

func sameFill(a, b *FillView) bool {
	return a.ExchangeID == b.ExchangeID &&
		a.Side == b.Side &&
		a.Quantity.Equal(b.Quantity) &&
		a.Price.Equal(b.Price)
}

func cloneFills(in []*FillView) []*FillView {
	out := make([]*FillView, len(in))
	for i, f := range in {
		cp := *f
		out[i] = &cp
	}
	return out
}
