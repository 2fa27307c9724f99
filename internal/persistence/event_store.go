package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"execution-gateway/internal/order"
)

const journalFile = "events.log"

// FileJournal implements Journal using one JSONL file per exchange
type FileJournal struct {
	baseDir string
	mu      sync.RWMutex
	files   map[string]*os.File // exchange id -> file handle
	lastSeq map[string]int64
}

// NewFileJournal creates a new file-based journal
func NewFileJournal(baseDir string) (*FileJournal, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileJournal{
		baseDir: baseDir,
		files:   make(map[string]*os.File),
		lastSeq: make(map[string]int64),
	}, nil
}

// Append assigns the next sequence of the event's exchange and appends it
func (s *FileJournal) Append(ctx context.Context, evt order.Event) (order.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.getOrCreateFile(evt.ExchangeID)
	if err != nil {
		return evt, fmt.Errorf("failed to get journal for exchange %s: %w", evt.ExchangeID, err)
	}

	evt.Sequence = s.lastSeq[evt.ExchangeID] + 1
	record := EventRecord{
		Version:    1,
		ExchangeID: evt.ExchangeID,
		Sequence:   evt.Sequence,
		Type:       string(evt.Type),
		OccurredAt: evt.OccurredAt,
		Payload:    evt,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return evt, fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return evt, fmt.Errorf("failed to write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return evt, fmt.Errorf("failed to sync file: %w", err)
	}

	s.lastSeq[evt.ExchangeID] = evt.Sequence
	return evt, nil
}

// getOrCreateFile opens the exchange journal and loads its last sequence. Caller holds s.mu.
func (s *FileJournal) getOrCreateFile(exchangeID string) (*os.File, error) {
	if file, ok := s.files[exchangeID]; ok {
		return file, nil
	}

	dir := filepath.Join(s.baseDir, exchangeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create exchange directory: %w", err)
	}

	last, err := s.scanLastSequence(exchangeID)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}

	s.files[exchangeID] = file
	s.lastSeq[exchangeID] = last
	return file, nil
}

// ReadFrom reads events of an exchange from a sequence number (inclusive)
func (s *FileJournal) ReadFrom(ctx context.Context, exchangeID string, fromSeq int64, limit int) ([]order.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := []order.Event{}
	err := s.scan(exchangeID, func(record EventRecord) bool {
		if record.Sequence < fromSeq {
			return true
		}
		evt := record.Payload
		evt.Sequence = record.Sequence
		events = append(events, evt)
		return limit <= 0 || len(events) < limit
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// GetLastSequence returns the last sequence number for an exchange
func (s *FileJournal) GetLastSequence(ctx context.Context, exchangeID string) (int64, error) {
	s.mu.RLock()
	if seq, ok := s.lastSeq[exchangeID]; ok {
		s.mu.RUnlock()
		return seq, nil
	}
	s.mu.RUnlock()

	return s.scanLastSequence(exchangeID)
}

func (s *FileJournal) scanLastSequence(exchangeID string) (int64, error) {
	var lastSeq int64
	err := s.scan(exchangeID, func(record EventRecord) bool {
		if record.Sequence > lastSeq {
			lastSeq = record.Sequence
		}
		return true
	})
	return lastSeq, err
}

// scan calls fn for every record of the exchange journal until fn returns false
func (s *FileJournal) scan(exchangeID string, fn func(EventRecord) bool) error {
	file, err := os.Open(filepath.Join(s.baseDir, exchangeID, journalFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record EventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("failed to unmarshal event record: %w", err)
		}
		if !fn(record) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan events file: %w", err)
	}
	return nil
}

// ListExchanges lists all exchanges that have a journal
func (s *FileJournal) ListExchanges(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var exchanges []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.Name(), journalFile)); err == nil {
			exchanges = append(exchanges, entry.Name())
		}
	}
	return exchanges, nil
}

// Close closes all open file handles
func (s *FileJournal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for exchangeID, file := range s.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal for exchange %s: %w", exchangeID, err))
		}
	}
	s.files = make(map[string]*os.File)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing files: %v", errs)
	}
	return nil
}

// ValidateSequence checks that journal events are contiguous
func ValidateSequence(events []order.Event) error {
	for i := 1; i < len(events); i++ {
		prev, curr := events[i-1].Sequence, events[i].Sequence
		if curr != prev+1 {
			return fmt.Errorf("sequence gap detected: expected %d, got %d", prev+1, curr)
		}
	}
	return nil
}
