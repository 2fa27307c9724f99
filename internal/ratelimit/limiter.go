package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when the projected wait exceeds the limiter's max wait.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Priority orders waiters. Higher is served first.
type Priority int

const (
	PriorityLow  Priority = 0 // reconciliation, polling
	PriorityHigh Priority = 1 // caller-visible order operations
)

// Limit describes one bucket: at most Requests grants in any Window.
type Limit struct {
	Requests int
	Window   time.Duration
	MaxWait  time.Duration
}

// interval is the spacing between grants. A burst of one spreads Requests evenly
// over Window, so no sliding window ever sees more than Requests grants.
func (l Limit) interval() time.Duration {
	return l.Window / time.Duration(l.Requests)
}

// Limiter hands out tokens from a rate.Limiter to queued callers in priority order.
// Thread-safe and suitable for concurrent API calls.
type Limiter struct {
	limit Limit
	rl    *rate.Limiter
	now   func() time.Time

	mu      sync.Mutex
	waiters waiterHeap
	seq     uint64
	timer   *time.Timer

	// OnWait is called with the time a granted caller spent queued
	OnWait func(d time.Duration)
}

type waiter struct {
	priority Priority
	seq      uint64
	ready    chan struct{}
	granted  bool
	index    int
}

// NewLimiter creates a limiter.
func NewLimiter(limit Limit) *Limiter {
	if limit.Requests <= 0 {
		limit.Requests = 1
	}
	if limit.Window <= 0 {
		limit.Window = time.Second
	}
	every := limit.interval()
	if every <= 0 {
		every = time.Nanosecond
	}
	return &Limiter{
		limit: limit,
		rl:    rate.NewLimiter(rate.Every(every), 1),
		now:   time.Now,
	}
}

// Acquire blocks until a token is granted, ctx is done, or rejects immediately
// when the projected wait exceeds MaxWait.
func (l *Limiter) Acquire(ctx context.Context, p Priority) error {
	start := time.Now()

	l.mu.Lock()
	now := l.now()
	if len(l.waiters) == 0 && l.rl.AllowN(now, 1) {
		l.mu.Unlock()
		return nil
	}

	if wait := l.projectedWait(now, p); l.limit.MaxWait > 0 && wait > l.limit.MaxWait {
		l.mu.Unlock()
		return fmt.Errorf("%w: projected wait %s exceeds %s", ErrRateLimitExceeded, wait, l.limit.MaxWait)
	}

	l.seq++
	w := &waiter{priority: p, seq: l.seq, ready: make(chan struct{})}
	heap.Push(&l.waiters, w)
	l.schedule()
	l.mu.Unlock()

	select {
	case <-w.ready:
		l.observe(start)
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.granted {
			l.observe(start)
			return nil
		}
		heap.Remove(&l.waiters, w.index)
		return ctx.Err()
	}
}

// TryAcquire grants a token only if one is free and nobody is queued.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters) == 0 && l.rl.AllowN(l.now(), 1)
}

func (l *Limiter) observe(start time.Time) {
	if l.OnWait != nil {
		l.OnWait(time.Since(start))
	}
}

// delay is the time until the bucket holds a whole token. Must be called with mu held.
func (l *Limiter) delay(now time.Time) time.Duration {
	missing := 1 - l.rl.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(l.limit.interval()))
}

// projectedWait estimates when a new waiter of priority p would be served:
// the next token plus one interval per waiter it cannot overtake.
// Must be called with mu held.
func (l *Limiter) projectedWait(now time.Time, p Priority) time.Duration {
	ahead := 0
	for _, w := range l.waiters {
		if w.priority >= p {
			ahead++
		}
	}
	return l.delay(now) + time.Duration(ahead)*l.limit.interval()
}

// schedule grants tokens to queued waiters and arms a timer for the next token.
// Must be called with mu held.
func (l *Limiter) schedule() {
	now := l.now()
	for len(l.waiters) > 0 && l.rl.AllowN(now, 1) {
		w := heap.Pop(&l.waiters).(*waiter)
		w.granted = true
		close(w.ready)
	}

	if len(l.waiters) == 0 || l.timer != nil {
		return
	}
	d := max(l.delay(now), time.Millisecond)
	l.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.timer = nil
		l.schedule()
	})
}

// Pending returns the number of queued waiters (for testing)
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
