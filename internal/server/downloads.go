package server

import (
	"context"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/shelfcache-project/shelfcache/internal/api"
	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/library"
	"github.com/shelfcache-project/shelfcache/internal/types"
)

// resolveTimeout bounds the media-server lookups of a create request
const resolveTimeout = 30 * time.Second

// fileRequest is one file of a create request
type fileRequest struct {
	Name string `json:"name"`
	URL  string `json:"url" binding:"required,url"`
	Size int64  `json:"size" binding:"gte=0"`
}

// createDownloadRequest is the body of POST /api/downloads.
// Without files the item is resolved through the media server.
type createDownloadRequest struct {
	LibraryItemID string        `json:"libraryItemId" binding:"required"`
	Files         []fileRequest `json:"files" binding:"omitempty,dive"`
}

// createDownloadResponse is returned once a task was started
type createDownloadResponse struct {
	TaskID   string                    `json:"taskId"`
	Title    string                    `json:"title,omitempty"`
	Progress download.DownloadProgress `json:"progress"`
	Warning  string                    `json:"warning,omitempty"`
}

func (s *Server) handleListDownloads(c *gin.Context) {
	list := s.downloads.List()

	if name := c.Query("status"); name != "" {
		status, err := download.ParseStatus(name)
		if err != nil {
			api.BadRequest(c, err.Error())
			return
		}
		filtered := list[:0]
		for _, p := range list {
			if p.Status == status {
				filtered = append(filtered, p)
			}
		}
		list = filtered
	}

	sort.Slice(list, func(i, j int) bool { return list[i].LibraryItemID < list[j].LibraryItemID })
	api.Success(c, list)
}

func (s *Server) handleCreateDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ErrorWithDetails(c, types.ErrInvalidRequest, "无效的请求格式", err.Error())
		return
	}
	if err := download.ValidateItemID(req.LibraryItemID); err != nil {
		api.FromError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), resolveTimeout)
	defer cancel()

	var (
		files []download.FileSpec
		title string
	)
	if len(req.Files) > 0 {
		files = make([]download.FileSpec, 0, len(req.Files))
		for _, f := range req.Files {
			files = append(files, download.FileSpec{Name: f.Name, URL: f.URL, Size: f.Size})
		}
	} else {
		if s.library == nil {
			api.FromError(c, library.ErrNotConfigured)
			return
		}
		item, err := s.library.Resolve(ctx, req.LibraryItemID)
		if err != nil {
			api.FromError(c, err)
			return
		}
		title = item.Title
		files = s.library.ProbeSizes(ctx, item.Files)
	}

	if s.disk != nil {
		var total uint64
		for _, f := range files {
			total += uint64(f.Size)
		}
		if err := s.disk.CheckSpace(ctx, total); err != nil {
			api.FromError(c, err)
			return
		}
	}

	taskID, err := s.downloads.Start(req.LibraryItemID, files)
	if err != nil {
		api.FromError(c, err)
		return
	}

	resp := createDownloadResponse{TaskID: taskID, Title: title}
	if p, err := s.downloads.Get(taskID); err == nil {
		resp.Progress = p
	}
	if warning := s.downloads.SizeWarning(taskID); warning != nil {
		resp.Warning = warning.Error()
	}

	s.log.WithFields(map[string]interface{}{
		"item":  taskID,
		"files": len(files),
		"title": title,
	}).Infof("已创建下载任务 (%s)", humanize.IBytes(uint64(resp.Progress.TotalBytes)))

	api.Created(c, resp)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	p, err := s.downloads.Get(c.Param("id"))
	if err != nil {
		api.FromError(c, err)
		return
	}
	api.Success(c, p)
}

// handleCommand applies a lifecycle command. A command that does not fit the
// task's state answers 200 with applied=false and the reason.
func (s *Server) handleCommand(cmd download.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		var (
			result download.CommandResult
			err    error
		)
		switch cmd {
		case download.CommandPause:
			result, err = s.downloads.Pause(id)
		case download.CommandResume:
			result, err = s.downloads.Resume(id)
		case download.CommandCancel:
			result, err = s.downloads.Cancel(id)
		case download.CommandAck:
			result, err = s.downloads.Ack(id)
		default:
			api.Error(c, types.ErrInvalidRequest, "unknown command")
			return
		}
		if err != nil {
			api.FromError(c, err)
			return
		}
		api.Success(c, result)
	}
}

func (s *Server) handleEvictDownload(c *gin.Context) {
	result, err := s.downloads.Evict(c.Param("id"))
	if err != nil {
		api.FromError(c, err)
		return
	}
	api.Success(c, result)
}
