package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"

	"github.com/shelfcache-project/shelfcache/internal/api"
	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Source hands out snapshot subscriptions
type Source interface {
	Subscribe(taskID string) (*download.Subscription, error)
	Unsubscribe(sub *download.Subscription)
}

// Manager tracks streaming connections and feeds them download snapshots.
// Each connection owns its own subscription, so ordering and drop rules of
// the download manager apply per client.
type Manager struct {
	source   Source
	upgrader gws.Upgrader

	connections       map[string]*Connection
	connectionCounter int
	keepalive         time.Duration // heartbeat interval of both stream kinds

	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Connection describes one connected client
type Connection struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // sse, ws
	TaskID      string    `json:"taskId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// NewManager creates a new stream manager
func NewManager(source Source, allowedOrigins []string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		source:      source,
		connections: make(map[string]*Connection),
		keepalive:   15 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.upgrader = gws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := api.MatchOrigin(allowedOrigins, origin)
			return ok
		},
	}
	return m
}

// Stop disconnects every client and waits for the stream loops to exit
func (m *Manager) Stop() {
	logger.Info("正在停止事件推送管理器...")
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	logger.Info("事件推送管理器已停止")
}

// GetConnectionCount returns the total number of connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Connections returns a copy of the connected clients
func (m *Manager) Connections() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, *c)
	}
	return out
}

func (m *Manager) register(kind, taskID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, false
	}
	m.connectionCounter++
	conn := &Connection{
		ID:          fmt.Sprintf("%s-%d", kind, m.connectionCounter),
		Kind:        kind,
		TaskID:      taskID,
		ConnectedAt: time.Now(),
	}
	m.connections[conn.ID] = conn
	m.wg.Add(1)
	return conn, true
}

func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	delete(m.connections, conn.ID)
	remaining := len(m.connections)
	m.mu.Unlock()
	m.wg.Done()

	logger.Debugf("推送连接已断开: %s (剩余连接数: %d)", conn.ID, remaining)
}

// subscribe opens the snapshot stream for taskID and writes the error response on failure
func (m *Manager) subscribe(c *gin.Context, taskID string) (*download.Subscription, bool) {
	sub, err := m.source.Subscribe(taskID)
	if err != nil {
		api.FromError(c, err)
		return nil, false
	}
	return sub, true
}

func requestedTask(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	if id := c.Query("task"); id != "" {
		return id
	}
	return download.Wildcard
}

// HandleSSE streams snapshots as Server-Sent Events.
// A single-task stream ends after the task's terminal snapshot.
func (m *Manager) HandleSSE(c *gin.Context) {
	taskID := requestedTask(c)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		api.InternalError(c, errors.New("streaming not supported"))
		return
	}

	sub, ok := m.subscribe(c, taskID)
	if !ok {
		return
	}
	defer m.source.Unsubscribe(sub)

	conn, ok := m.register("sse", taskID)
	if !ok {
		return
	}
	defer m.unregister(conn)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	logger.Debugf("SSE 连接已建立: %s (任务: %s)", conn.ID, taskID)

	c.SSEvent(string(EventTypeConnected), NewConnectedEvent(conn.ID, taskID))
	flusher.Flush()

	keepalive := time.NewTicker(m.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-m.ctx.Done():
			return
		case p, ok := <-sub.C():
			if !ok {
				return
			}
			event := NewProgressEvent(p)
			c.SSEvent(string(event.Type), event)
			flusher.Flush()
		case <-keepalive.C:
			c.SSEvent(string(EventTypeHeartbeat), NewHeartbeatEvent())
			flusher.Flush()
		}
	}
}

// HandleWebSocket streams snapshots over a WebSocket connection
func (m *Manager) HandleWebSocket(c *gin.Context) {
	taskID := requestedTask(c)

	sub, ok := m.subscribe(c, taskID)
	if !ok {
		return
	}
	defer m.source.Unsubscribe(sub)

	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("WebSocket 升级失败")
		return
	}
	defer ws.Close()

	conn, ok := m.register("ws", taskID)
	if !ok {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteJSON(NewErrorEvent("server is shutting down"))
		return
	}
	defer m.unregister(conn)

	logger.Debugf("WebSocket 连接已建立: %s (任务: %s)", conn.ID, taskID)

	// reader only handles control frames and notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
					logger.Debugf("WebSocket 异常关闭: %s: %v", conn.ID, err)
				}
				return
			}
		}
	}()

	write := func(event *Event) error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(event)
	}

	if err := write(NewConnectedEvent(conn.ID, taskID)); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	heartbeat := time.NewTicker(m.keepalive)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			return
		case <-m.ctx.Done():
			ws.WriteControl(gws.CloseMessage,
				gws.FormatCloseMessage(gws.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case p, ok := <-sub.C():
			if !ok {
				ws.WriteControl(gws.CloseMessage,
					gws.FormatCloseMessage(gws.CloseNormalClosure, "stream ended"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(NewProgressEvent(p)); err != nil {
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := write(NewHeartbeatEvent()); err != nil {
				return
			}
		}
	}
}
