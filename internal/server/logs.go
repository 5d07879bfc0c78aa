package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shelfcache-project/shelfcache/internal/api"
	"github.com/shelfcache-project/shelfcache/internal/logger"
	"github.com/shelfcache-project/shelfcache/internal/types"
)

// handleLogEntries returns recent log entries.
// ?since=<seq> returns only entries newer than seq.
func (s *Server) handleLogEntries(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			api.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}

	var entries []logger.StreamLogEntry
	if v := c.Query("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			api.BadRequest(c, "invalid since")
			return
		}
		entries = s.logStream.Since(seq)
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries = s.logStream.GetEntries(limit)
	}
	if entries == nil {
		entries = []logger.StreamLogEntry{}
	}

	api.Success(c, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleLogStream streams log entries as Server-Sent Events
func (s *Server) handleLogStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		api.Error(c, types.ErrInternalError, "streaming not supported")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ch := s.logStream.Subscribe()
	defer s.logStream.Unsubscribe(ch)

	if c.DefaultQuery("fromBeginning", "false") == "true" {
		limit := 100
		if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
			limit = n
		}
		for _, entry := range s.logStream.GetEntries(limit) {
			c.SSEvent("log", entry)
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("log", entry)
			flusher.Flush()
		case <-ticker.C:
			c.Writer.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}
