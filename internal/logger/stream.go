package logger

import (
	"sync"
	"time"
)

// StreamLogEntry represents a single log entry for streaming
type StreamLogEntry struct {
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogStream keeps the most recent entries and fans new ones out to subscribers.
// Slow subscribers miss entries instead of blocking the logger.
type LogStream struct {
	mu          sync.RWMutex
	entries     []StreamLogEntry
	maxSize     int
	seq         uint64
	subscribers map[chan StreamLogEntry]struct{}
	closed      bool
}

// NewLogStream creates a new log stream
func NewLogStream(maxSize int) *LogStream {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogStream{
		entries:     make([]StreamLogEntry, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan StreamLogEntry]struct{}),
	}
}

// Add adds a log entry to the stream
func (ls *LogStream) Add(entry StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}

	ls.seq++
	entry.Seq = ls.seq

	if len(ls.entries) == ls.maxSize {
		copy(ls.entries, ls.entries[1:])
		ls.entries = ls.entries[:len(ls.entries)-1]
	}
	ls.entries = append(ls.entries, entry)

	for ch := range ls.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Subscribe returns a channel receiving new entries
func (ls *LogStream) Subscribe() chan StreamLogEntry {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ch := make(chan StreamLogEntry, 100)
	if ls.closed {
		close(ch)
		return ch
	}
	ls.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery and closes the channel
func (ls *LogStream) Unsubscribe(ch chan StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.subscribers[ch]; ok {
		delete(ls.subscribers, ch)
		close(ch)
	}
}

// GetEntries returns up to limit most recent entries, oldest first.
// A non-positive limit returns everything buffered.
func (ls *LogStream) GetEntries(limit int) []StreamLogEntry {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if limit <= 0 || limit > len(ls.entries) {
		limit = len(ls.entries)
	}

	result := make([]StreamLogEntry, limit)
	copy(result, ls.entries[len(ls.entries)-limit:])
	return result
}

// Since returns buffered entries with Seq greater than seq
func (ls *LogStream) Since(seq uint64) []StreamLogEntry {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var result []StreamLogEntry
	for _, e := range ls.entries {
		if e.Seq > seq {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the log stream
func (ls *LogStream) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}
	ls.closed = true

	for ch := range ls.subscribers {
		close(ch)
	}
	ls.subscribers = make(map[chan StreamLogEntry]struct{})
}

var (
	globalLogStream *LogStream
	streamMu        sync.RWMutex
)

// InitLogStream installs the global log stream
func InitLogStream(maxSize int) *LogStream {
	streamMu.Lock()
	defer streamMu.Unlock()

	if globalLogStream == nil {
		globalLogStream = NewLogStream(maxSize)
	}
	return globalLogStream
}

// GetLogStream returns the global log stream, creating it on first use
func GetLogStream() *LogStream {
	if s := currentStream(); s != nil {
		return s
	}
	return InitLogStream(1000)
}

func currentStream() *LogStream {
	streamMu.RLock()
	defer streamMu.RUnlock()
	return globalLogStream
}
