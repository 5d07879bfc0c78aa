package server

import (
	"context"
	"fmt"
	"time"

	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/storage"
)

// PersistTo returns the persistence callback that records terminal tasks in store.
// A completed task marks the item downloaded; cancelled or failed ones clear the flag.
func PersistTo(store storage.Store) download.PersistFunc {
	return func(ctx context.Context, completion download.Completion) error {
		p := completion.Progress

		files := make([]storage.FileRecord, 0, len(completion.Files))
		var total int64
		for _, f := range completion.Files {
			files = append(files, storage.FileRecord{Name: f.Name, Size: f.Size})
			total += f.Size
		}
		if p.TotalBytes > 0 {
			total = p.TotalBytes
		}

		now := p.UpdatedAt
		if now.IsZero() {
			now = time.Now()
		}
		record := &storage.DownloadRecord{
			LibraryItemID: p.LibraryItemID,
			Downloaded:    completion.Downloaded,
			Status:        p.Status.String(),
			Directory:     completion.Directory,
			Files:         files,
			TotalBytes:    total,
			Error:         p.Error,
			UpdatedAt:     now,
		}
		if completion.Downloaded {
			record.CompletedAt = &now
		}

		if err := store.SaveDownload(ctx, record); err != nil {
			return fmt.Errorf("保存下载记录失败 (%s): %w", p.LibraryItemID, err)
		}
		return nil
	}
}
