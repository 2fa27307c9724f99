package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"execution-gateway/internal/order"
)

// MemoryRepository is an in-memory implementation of Repository
type MemoryRepository struct {
	mu sync.RWMutex

	// Primary storage: order_id -> Order
	orders map[string]*order.Order

	// Indexes for efficient queries
	byClientOrderID map[string]map[string]string // exchange_id -> client_order_id -> order_id
	byExchange      map[string]map[string]struct{}
}

// NewMemoryRepository creates a new in-memory order repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:          make(map[string]*order.Order),
		byClientOrderID: make(map[string]map[string]string),
		byExchange:      make(map[string]map[string]struct{}),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, o *order.Order) error {
	if o == nil || o.OrderID == "" {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.OrderID]; exists {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.OrderID)
	}
	c := o.Clone()
	r.orders[c.OrderID] = c
	r.addToIndexes(c)
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, o *order.Order, expectedVersion int64) error {
	if o == nil {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.orders[o.OrderID]
	if !exists {
		return ErrOrderNotFound
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: order=%s stored=%d expected=%d", ErrVersionConflict, o.OrderID, existing.Version, expectedVersion)
	}

	c := o.Clone()
	r.orders[c.OrderID] = c
	r.addToIndexes(c)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, orderID string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, exists := r.orders[orderID]
	if !exists {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) GetByClientOrderID(ctx context.Context, exchangeID, clientOrderID string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byClientOrderID[exchangeID][clientOrderID]
	if !exists {
		return nil, ErrOrderNotFound
	}
	return r.orders[id].Clone(), nil
}

func (r *MemoryRepository) ListOpen(ctx context.Context, exchangeID string) ([]*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*order.Order
	for id := range r.byExchange[exchangeID] {
		o := r.orders[id]
		if NeedsVenueCheck(o) {
			out = append(out, o.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *MemoryRepository) ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*order.Order
	for _, o := range r.orders {
		if o.Status.IsTerminal() && !o.Frozen && !o.Ambiguous && o.TerminalAt.Before(t) {
			out = append(out, o.Clone())
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, exists := r.orders[orderID]
	if !exists {
		return ErrOrderNotFound
	}
	r.removeFromIndexes(o)
	delete(r.orders, orderID)
	return nil
}

// addToIndexes adds an order to all indexes
func (r *MemoryRepository) addToIndexes(o *order.Order) {
	ex := o.ExchangeID()
	if _, exists := r.byClientOrderID[ex]; !exists {
		r.byClientOrderID[ex] = make(map[string]string)
	}
	r.byClientOrderID[ex][o.ClientOrderID] = o.OrderID

	if _, exists := r.byExchange[ex]; !exists {
		r.byExchange[ex] = make(map[string]struct{})
	}
	r.byExchange[ex][o.OrderID] = struct{}{}
}

// removeFromIndexes removes an order from all indexes
func (r *MemoryRepository) removeFromIndexes(o *order.Order) {
	ex := o.ExchangeID()
	if m, exists := r.byClientOrderID[ex]; exists {
		delete(m, o.ClientOrderID)
		if len(m) == 0 {
			delete(r.byClientOrderID, ex)
		}
	}
	if m, exists := r.byExchange[ex]; exists {
		delete(m, o.OrderID)
		if len(m) == 0 {
			delete(r.byExchange, ex)
		}
	}
}

func sortByCreated(list []*order.Order) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].OrderID < list[j].OrderID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
