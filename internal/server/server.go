// Package server provides the HTTP server for the ShelfCache daemon.
// It exposes the download manager, the downloaded-item records and the log
// stream over a JSON API, Server-Sent Events and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shelfcache-project/shelfcache/internal/api"
	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/library"
	"github.com/shelfcache-project/shelfcache/internal/logger"
	"github.com/shelfcache-project/shelfcache/internal/monitor"
	"github.com/shelfcache-project/shelfcache/internal/storage"
	"github.com/shelfcache-project/shelfcache/internal/version"
	"github.com/shelfcache-project/shelfcache/internal/websocket"
)

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSEnabled    bool
	AllowedOrigins []string
	DownloadDir    string
}

// Deps are the components the server exposes. Library and Disk may be nil.
type Deps struct {
	Downloads *download.Manager
	Store     storage.Store
	Library   *library.Client
	Disk      *monitor.DiskMonitor
	LogStream *logger.LogStream
	Logger    *logger.Logger
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	config     *Config

	downloads *download.Manager
	store     storage.Store
	library   *library.Client
	disk      *monitor.DiskMonitor
	logStream *logger.LogStream
	streams   *websocket.Manager
	log       *logger.Logger
	startedAt time.Time

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new HTTP server
func NewServer(config *Config, deps Deps) (*Server, error) {
	if config == nil {
		return nil, errors.New("server config is required")
	}
	if deps.Downloads == nil {
		return nil, errors.New("download manager is required")
	}
	if deps.Store == nil {
		return nil, errors.New("storage is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}
	if deps.LogStream == nil {
		deps.LogStream = logger.GetLogStream()
	}

	origins := config.AllowedOrigins
	if !config.CORSEnabled {
		origins = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:       ctx,
		cancel:    cancel,
		config:    config,
		downloads: deps.Downloads,
		store:     deps.Store,
		library:   deps.Library,
		disk:      deps.Disk,
		logStream: deps.LogStream,
		log:       deps.Logger,
		streams:   websocket.NewManager(deps.Downloads, origins),
		startedAt: time.Now(),
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.RequestID(),
		api.RecoveryMiddleware(s.log),
		api.LoggerMiddleware(s.log),
	)
	if s.config.CORSEnabled {
		s.engine.Use(api.CORSMiddleware(s.config.AllowedOrigins))
	}
	s.engine.Use(api.ErrorHandler(s.log))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.engine.Group("/api")
	{
		r.GET("/info", s.handleServerInfo)

		downloads := r.Group("/downloads")
		{
			downloads.GET("", s.handleListDownloads)
			downloads.POST("", s.handleCreateDownload)
			downloads.GET("/:id", s.handleGetDownload)
			downloads.DELETE("/:id", s.handleEvictDownload)
			downloads.POST("/:id/pause", s.handleCommand(download.CommandPause))
			downloads.POST("/:id/resume", s.handleCommand(download.CommandResume))
			downloads.POST("/:id/cancel", s.handleCommand(download.CommandCancel))
			downloads.POST("/:id/ack", s.handleCommand(download.CommandAck))
			downloads.GET("/:id/events", s.streams.HandleSSE)
		}

		r.GET("/events", s.streams.HandleSSE)
		r.GET("/ws", s.streams.HandleWebSocket)

		items := r.Group("/items")
		{
			items.GET("", s.handleListItems)
			items.GET("/:id", s.handleGetItem)
			items.DELETE("/:id", s.handleDeleteItem)
		}

		logs := r.Group("/logs")
		{
			logs.GET("/entries", s.handleLogEntries)
			logs.GET("/stream", s.handleLogStream)
		}
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:     s.engine,
		ReadTimeout: s.config.ReadTimeout,
		// streams are long-lived, so only the header read is bounded
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
	}

	srv := s.httpServer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Infof("启动 HTTP 服务器，监听 %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP 服务器错误: %v", err)
		}
		logger.Info("HTTP 服务器已停止")
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes the stream connections and stops the HTTP server.
// The download manager and storage are owned by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	// streams first, otherwise http.Server.Shutdown waits for them
	s.cancel()
	s.streams.Stop()

	if srv == nil {
		return nil
	}

	logger.Info("关闭 HTTP 服务器...")
	err := srv.Shutdown(ctx)
	if err != nil {
		logger.Errorf("HTTP 服务器关闭失败: %v", err)
		srv.Close()
	}
	s.wg.Wait()
	return err
}

// GetEngine returns the gin engine
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}

// infoResponse is returned by GET /api/info
type infoResponse struct {
	Name        string                 `json:"name"`
	Version     *version.VersionInfo   `json:"version"`
	Status      string                 `json:"status"`
	Uptime      string                 `json:"uptime"`
	Library     bool                   `json:"libraryConfigured"`
	Downloads   download.Stats         `json:"downloads"`
	Connections int                    `json:"connections"`
	Streams     []websocket.Connection `json:"streams"`
	Disk        *monitor.Usage         `json:"disk,omitempty"`
	DiskSummary string                 `json:"diskSummary,omitempty"`
}

func (s *Server) handleServerInfo(c *gin.Context) {
	info := infoResponse{
		Name:      "ShelfCache",
		Version:   version.GetVersionInfo(),
		Status:    "running",
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Library:   s.library != nil,
		Downloads: s.downloads.Stats(),
	}
	info.Streams = s.streams.Connections()
	info.Connections = len(info.Streams)
	if s.disk != nil {
		if usage, err := s.disk.Latest(c.Request.Context()); err == nil {
			info.Disk = usage
			info.DiskSummary = usage.Human()
		} else {
			s.log.Debugf("读取磁盘信息失败: %v", err)
		}
	}
	api.Success(c, info)
}
