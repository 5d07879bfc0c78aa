// Package storage provides persistence layer with multiple backend support
package storage

import (
	"context"
	"time"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory     StorageType = "memory"     // In-memory storage (ephemeral)
	StorageTypeSQLite     StorageType = "sqlite"     // SQLite file-based storage
	StorageTypePostgreSQL StorageType = "postgresql" // PostgreSQL storage (future)
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `mapstructure:"type" yaml:"type" json:"type" validate:"oneof=memory sqlite postgresql"`
	SQLite *SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `mapstructure:"path" yaml:"path" json:"path"`                    // Database file path, ":memory:" for tests
	Pragmas   map[string]string `mapstructure:"pragmas" yaml:"pragmas" json:"pragmas,omitempty"` // SQLite pragmas
	EnableWAL bool              `mapstructure:"enable_wal" yaml:"enable_wal" json:"enableWAL"`   // Enable WAL mode
}

// FileRecord is one cached file of a library item
type FileRecord struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// DownloadRecord is the persisted outcome of a library item's last download
type DownloadRecord struct {
	LibraryItemID string       `json:"libraryItemId" db:"library_item_id"`
	Downloaded    bool         `json:"downloaded" db:"downloaded"`
	Status        string       `json:"status" db:"status"` // completed, cancelled, error
	Directory     string       `json:"directory" db:"directory"`
	Files         []FileRecord `json:"files" db:"files"` // JSON encoded
	TotalBytes    int64        `json:"totalBytes" db:"total_bytes"`
	Error         string       `json:"error,omitempty" db:"error"`
	UpdatedAt     time.Time    `json:"updatedAt" db:"updated_at"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty" db:"completed_at"`
}

// ListFilter narrows ListDownloads
type ListFilter struct {
	DownloadedOnly bool
	Limit          int
	Offset         int
}

// Store defines the storage interface
type Store interface {
	// SaveDownload inserts or replaces the record of an item
	SaveDownload(ctx context.Context, record *DownloadRecord) error
	GetDownload(ctx context.Context, libraryItemID string) (*DownloadRecord, error)
	ListDownloads(ctx context.Context, filter ListFilter) ([]*DownloadRecord, error)
	// SetDownloaded flips the downloaded flag of an existing record
	SetDownloaded(ctx context.Context, libraryItemID string, downloaded bool) error
	DeleteDownload(ctx context.Context, libraryItemID string) error

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	case StorageTypePostgreSQL:
		return nil, ErrPostgreSQLNotSupported
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Type returns the configured backend type
func (m *Manager) Type() StorageType {
	return m.config.Type
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType     = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig    = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrPostgreSQLNotSupported = &StorageError{Code: "NOT_SUPPORTED", Message: "PostgreSQL support is not yet implemented"}
	ErrRecordNotFound         = &StorageError{Code: "NOT_FOUND", Message: "Download record not found"}
	ErrInvalidRecord          = &StorageError{Code: "INVALID_RECORD", Message: "Download record has no library item id"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func copyRecord(r *DownloadRecord) *DownloadRecord {
	c := *r
	c.Files = append([]FileRecord(nil), r.Files...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
