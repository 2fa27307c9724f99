package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is offered to a stopped shard
var ErrStopped = errors.New("shard is stopped")

// Job is one unit of serialized work
type Job func()

// Shard drains its queue serially on one goroutine
type Shard struct {
	id    int
	queue chan Job

	submitMu sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
}

// NewShard creates a shard with a bounded queue
func NewShard(id, queueSize int) *Shard {
	return &Shard{
		id:    id,
		queue: make(chan Job, queueSize),
	}
}

// Start starts the shard loop
func (s *Shard) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop closes the queue and waits for queued jobs to finish
func (s *Shard) Stop() {
	s.submitMu.Lock()
	if s.stopped {
		s.submitMu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.submitMu.Unlock()

	s.wg.Wait()
}

// Enqueue queues a job, blocking while the queue is full
func (s *Shard) Enqueue(ctx context.Context, job Job) error {
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()

	if s.stopped {
		return ErrStopped
	}
	select {
	case s.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard) loop() {
	defer s.wg.Done()
	for job := range s.queue {
		if job != nil {
			job()
		}
	}
}
