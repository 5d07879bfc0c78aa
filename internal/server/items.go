package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shelfcache-project/shelfcache/internal/api"
	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/storage"
	"github.com/shelfcache-project/shelfcache/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func pageParams(c *gin.Context) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

// handleListItems lists persisted item records, newest first.
// ?downloaded=true restricts the list to items currently on disk.
func (s *Server) handleListItems(c *gin.Context) {
	limit, offset, err := pageParams(c)
	if err != nil {
		api.BadRequest(c, err.Error())
		return
	}
	filter := storage.ListFilter{DownloadedOnly: c.Query("downloaded") == "true"}

	all, err := s.store.ListDownloads(c.Request.Context(), filter)
	if err != nil {
		api.FromError(c, err)
		return
	}

	total := len(all)
	page := []*storage.DownloadRecord{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = all[offset:end]
	}
	api.Paginated(c, page, total, limit, offset)
}

func (s *Server) handleGetItem(c *gin.Context) {
	record, err := s.store.GetDownload(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.FromError(c, err)
		return
	}
	api.Success(c, record)
}

// handleDeleteItem removes a cached item from disk and clears its downloaded flag.
// ?purge=true drops the record as well. An item with a live task must be cancelled
// first, and a download started for the item while it is removed is refused.
func (s *Server) handleDeleteItem(c *gin.Context) {
	id := c.Param("id")
	if err := download.ValidateItemID(id); err != nil {
		api.FromError(c, err)
		return
	}

	if p, err := s.downloads.Get(id); err == nil && !p.Status.IsTerminal() {
		api.Error(c, types.ErrConflict, fmt.Sprintf("item %s has a %s task", id, p.Status))
		return
	}

	ctx := c.Request.Context()
	record, err := s.store.GetDownload(ctx, id)
	if err != nil {
		api.FromError(c, err)
		return
	}

	dir, err := s.itemDirectory(id, record.Directory)
	if err != nil {
		api.ErrorWithDetails(c, types.ErrPermissionDenied, "refusing to remove directory", err.Error())
		return
	}

	purge := c.Query("purge") == "true"
	err = s.downloads.RemoveItem(id, func() error {
		if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("删除目录失败: %w", err)
		}
		if purge {
			return s.store.DeleteDownload(ctx, id)
		}
		return s.store.SetDownloaded(ctx, id, false)
	})
	if err != nil {
		api.FromError(c, err)
		return
	}

	s.log.Infof("已删除缓存条目: %s (%s)", id, dir)
	api.Success(c, gin.H{"libraryItemId": id, "directory": dir, "removed": true, "purged": purge})
}

// itemDirectory returns the on-disk directory of an item, which must lie inside
// the download root
func (s *Server) itemDirectory(id, recorded string) (string, error) {
	root, err := filepath.Abs(s.config.DownloadDir)
	if err != nil {
		return "", err
	}
	dir := recorded
	if dir == "" {
		dir = filepath.Join(root, id)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", dir, root)
	}
	return dir, nil
}
