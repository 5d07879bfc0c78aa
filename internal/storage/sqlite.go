// Package storage provides SQLite storage implementation
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

const memoryDSN = ":memory:"

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	if config.Path != memoryDSN {
		// Ensure directory exists
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database connection
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Path == memoryDSN {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	// Initialize schema
	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		library_item_id TEXT PRIMARY KEY,
		downloaded INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		directory TEXT,
		files TEXT,
		total_bytes INTEGER DEFAULT 0,
		error TEXT,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_downloaded ON downloads(downloaded);
	CREATE INDEX IF NOT EXISTS idx_downloads_updated ON downloads(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Apply pragmas
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL && config.Path != memoryDSN {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	// Apply custom pragmas from config
	for key, value := range config.Pragmas {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

// SaveDownload inserts or replaces a download record
func (s *SQLiteStore) SaveDownload(ctx context.Context, record *DownloadRecord) error {
	if record.LibraryItemID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filesJSON, err := json.Marshal(record.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal download files: %w", err)
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = timeNow()
	}

	query := `
		INSERT INTO downloads (library_item_id, downloaded, status, directory, files, total_bytes, error, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library_item_id) DO UPDATE SET
			downloaded = excluded.downloaded,
			status = excluded.status,
			directory = excluded.directory,
			files = excluded.files,
			total_bytes = excluded.total_bytes,
			error = excluded.error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		record.LibraryItemID,
		record.Downloaded,
		record.Status,
		record.Directory,
		string(filesJSON),
		record.TotalBytes,
		record.Error,
		record.UpdatedAt.UnixMilli(),
		timeToUnix(record.CompletedAt),
	)
	if err != nil {
		return &StorageError{Code: "WRITE_FAILED", Message: "Failed to save download record", Err: err}
	}
	return nil
}

// GetDownload retrieves a record by library item id
func (s *SQLiteStore) GetDownload(ctx context.Context, libraryItemID string) (*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT library_item_id, downloaded, status, directory, files, total_bytes, error, updated_at, completed_at
		FROM downloads WHERE library_item_id = ?
	`

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, libraryItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListDownloads lists records, most recently updated first
func (s *SQLiteStore) ListDownloads(ctx context.Context, filter ListFilter) ([]*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT library_item_id, downloaded, status, directory, files, total_bytes, error, updated_at, completed_at
		FROM downloads
	`
	args := []interface{}{}

	if filter.DownloadedOnly {
		query += " WHERE downloaded = 1"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	query += " ORDER BY updated_at DESC, library_item_id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*DownloadRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// SetDownloaded flips the downloaded flag
func (s *SQLiteStore) SetDownloaded(ctx context.Context, libraryItemID string, downloaded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE downloads SET downloaded = ?, updated_at = ? WHERE library_item_id = ?",
		downloaded, timeNow().UnixMilli(), libraryItemID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteDownload removes a record
func (s *SQLiteStore) DeleteDownload(ctx context.Context, libraryItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE library_item_id = ?", libraryItemID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}

// Stats returns statistics about the database
func (s *SQLiteStore) Stats() (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]interface{})

	var total, downloaded int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM downloads").Scan(&total); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM downloads WHERE downloaded = 1").Scan(&downloaded); err != nil {
		return nil, err
	}

	stats["records"] = total
	stats["downloaded"] = downloaded
	stats["type"] = "sqlite"
	stats["path"] = s.path

	// Get database size
	if info, err := os.Stat(s.path); err == nil {
		stats["size_bytes"] = info.Size()
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*DownloadRecord, error) {
	var r DownloadRecord
	var directory, filesJSON, errMsg sql.NullString
	var updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&r.LibraryItemID, &r.Downloaded, &r.Status, &directory, &filesJSON,
		&r.TotalBytes, &errMsg, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Directory = directory.String
	r.Error = errMsg.String
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	r.CompletedAt = unixToTime(completedAt)

	if len(filesJSON.String) > 0 {
		if err := json.Unmarshal([]byte(filesJSON.String), &r.Files); err != nil {
			// 文件列表损坏时按空列表处理
			r.Files = nil
		}
	}

	return &r, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Helper functions for time handling

func timeNow() time.Time {
	return time.Now().UTC()
}

func timeToUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func unixToTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	u := time.UnixMilli(t.Int64).UTC()
	return &u
}
