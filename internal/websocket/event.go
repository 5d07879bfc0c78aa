// Package websocket streams download snapshots to browsers over
// Server-Sent Events and WebSocket connections.
package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shelfcache-project/shelfcache/internal/download"
)

// EventType represents the type of a streamed event
type EventType string

const (
	EventTypeConnected EventType = "connected"
	EventTypeHeartbeat EventType = "heartbeat"
	EventTypeProgress  EventType = "download_progress"
	EventTypeTerminal  EventType = "download_terminal"
	EventTypeError     EventType = "error"
)

// Event is one message sent to a client
type Event struct {
	Type         EventType                  `json:"type"`
	Timestamp    int64                      `json:"timestamp"`
	ConnectionID string                     `json:"connectionId,omitempty"`
	TaskID       string                     `json:"taskId,omitempty"`
	Message      string                     `json:"message,omitempty"`
	Progress     *download.DownloadProgress `json:"progress,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":%q}`, err.Error())
	}
	return string(data)
}

// NewConnectedEvent is the first event of every stream
func NewConnectedEvent(connID, taskID string) *Event {
	event := NewEvent(EventTypeConnected)
	event.ConnectionID = connID
	event.TaskID = taskID
	return event
}

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent() *Event {
	return NewEvent(EventTypeHeartbeat)
}

// NewProgressEvent wraps a snapshot; terminal snapshots get their own type
func NewProgressEvent(p download.DownloadProgress) *Event {
	eventType := EventTypeProgress
	if p.Status.IsTerminal() {
		eventType = EventTypeTerminal
	}
	event := NewEvent(eventType)
	event.TaskID = p.LibraryItemID
	event.Progress = &p
	return event
}

// NewErrorEvent reports a stream-level failure to the client
func NewErrorEvent(message string) *Event {
	event := NewEvent(EventTypeError)
	event.Message = message
	return event
}
