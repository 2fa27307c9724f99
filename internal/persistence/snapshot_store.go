package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"execution-gateway/internal/order"
)

// FileArchive implements Archive using one JSON file per batch
type FileArchive struct {
	baseDir string
	mu      sync.RWMutex
	now     func() time.Time
}

// NewFileArchive creates a new file-based archive
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileArchive{baseDir: baseDir, now: time.Now}, nil
}

// Save writes the batch to archive-<unix nanos>.json under the exchange directory
func (s *FileArchive) Save(ctx context.Context, exchangeID string, orders []*order.Order) (ArchiveMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, exchangeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ArchiveMetadata{}, fmt.Errorf("failed to create exchange directory: %w", err)
	}

	captured := s.now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("archive-%d.json", captured.UnixNano()))
	data, err := json.MarshalIndent(archiveFile{
		Version:    1,
		ExchangeID: exchangeID,
		CapturedAt: captured,
		Orders:     orders,
	}, "", "  ")
	if err != nil {
		return ArchiveMetadata{}, fmt.Errorf("failed to marshal archive: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return ArchiveMetadata{}, fmt.Errorf("failed to write archive file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return ArchiveMetadata{}, fmt.Errorf("failed to rename archive file: %w", err)
	}

	return ArchiveMetadata{
		ExchangeID: exchangeID,
		Orders:     len(orders),
		CapturedAt: captured,
		FilePath:   path,
	}, nil
}

// Load reads back the orders of one archive file
func (s *FileArchive) Load(ctx context.Context, meta ArchiveMetadata) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(meta.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}
	var f archiveFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive: %w", err)
	}
	return f.Orders, nil
}

// ListArchives lists archive files of an exchange, newest first
func (s *FileArchive) ListArchives(ctx context.Context, exchangeID string) ([]ArchiveMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.baseDir, exchangeID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []ArchiveMetadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var out []ArchiveMetadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "archive-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var nanos int64
		if _, err := fmt.Sscanf(name, "archive-%d.json", &nanos); err != nil {
			continue
		}
		out = append(out, ArchiveMetadata{
			ExchangeID: exchangeID,
			CapturedAt: time.Unix(0, nanos).UTC(),
			FilePath:   filepath.Join(dir, name),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CapturedAt.After(out[j].CapturedAt)
	})
	return out, nil
}

// Close closes the archive
func (s *FileArchive) Close() error {
	return nil
}
