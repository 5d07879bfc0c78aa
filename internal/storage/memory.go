// Package storage provides in-memory storage implementation
package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu        sync.RWMutex
	downloads map[string]*DownloadRecord
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		downloads: make(map[string]*DownloadRecord),
	}, nil
}

// SaveDownload inserts or replaces a download record
func (s *MemoryStore) SaveDownload(ctx context.Context, record *DownloadRecord) error {
	if record.LibraryItemID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	s.downloads[record.LibraryItemID] = copyRecord(record)
	return nil
}

// GetDownload retrieves a record by library item id
func (s *MemoryStore) GetDownload(ctx context.Context, libraryItemID string) (*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.downloads[libraryItemID]
	if !exists {
		return nil, ErrRecordNotFound
	}
	return copyRecord(r), nil
}

// ListDownloads lists records, most recently updated first
func (s *MemoryStore) ListDownloads(ctx context.Context, filter ListFilter) ([]*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*DownloadRecord
	for _, r := range s.downloads {
		if filter.DownloadedOnly && !r.Downloaded {
			continue
		}
		result = append(result, copyRecord(r))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].LibraryItemID < result[j].LibraryItemID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if filter.Offset >= len(result) {
		return []*DownloadRecord{}, nil
	}
	end := len(result)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return result[filter.Offset:end], nil
}

// SetDownloaded flips the downloaded flag
func (s *MemoryStore) SetDownloaded(ctx context.Context, libraryItemID string, downloaded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.downloads[libraryItemID]
	if !exists {
		return ErrRecordNotFound
	}
	r.Downloaded = downloaded
	r.UpdatedAt = time.Now()
	return nil
}

// DeleteDownload removes a record
func (s *MemoryStore) DeleteDownload(ctx context.Context, libraryItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.downloads[libraryItemID]; !exists {
		return ErrRecordNotFound
	}
	delete(s.downloads, libraryItemID)
	return nil
}

// Close clears the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloads = make(map[string]*DownloadRecord)
	return nil
}

// Stats returns statistics about the store
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	downloaded := 0
	for _, r := range s.downloads {
		if r.Downloaded {
			downloaded++
		}
	}
	return map[string]interface{}{
		"type":       "memory",
		"records":    len(s.downloads),
		"downloaded": downloaded,
	}
}
