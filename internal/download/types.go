// Package download provides offline caching of library items.
// It tracks multi-file transfers, smooths transfer speed and throttles progress updates.
package download

import (
	"context"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a download task
type Status int

const (
	StatusDownloading Status = iota
	StatusPaused
	StatusCompleted
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusDownloading:
		return "downloading"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus converts a status name back to a Status
func ParseStatus(name string) (Status, error) {
	for _, s := range []Status{StatusDownloading, StatusPaused, StatusCompleted, StatusError, StatusCancelled} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown download status: %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// transitions is the closed state machine of a task.
var transitions = map[Status][]Status{
	StatusDownloading: {StatusPaused, StatusCompleted, StatusError, StatusCancelled},
	StatusPaused:      {StatusDownloading, StatusCancelled},
}

// CanTransition reports whether the state machine allows s -> next
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FileSpec describes one file of a library item
type FileSpec struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"` // 0 when unknown
}

// DownloadProgress is an immutable snapshot of a task handed to subscribers
type DownloadProgress struct {
	LibraryItemID       string    `json:"libraryItemId"`
	TotalFiles          int       `json:"totalFiles"`
	DownloadedFiles     int       `json:"downloadedFiles"`
	CurrentFile         string    `json:"currentFile"`
	FileProgress        float64   `json:"fileProgress"`
	TotalProgress       float64   `json:"totalProgress"`
	BytesDownloaded     int64     `json:"bytesDownloaded"`
	TotalBytes          int64     `json:"totalBytes"`
	FileBytesDownloaded int64     `json:"fileBytesDownloaded"`
	FileTotalBytes      int64     `json:"fileTotalBytes"`
	DownloadSpeed       float64   `json:"downloadSpeed"` // bytes per second
	SpeedSampleCount    int       `json:"speedSampleCount"`
	ETASeconds          int64     `json:"etaSeconds"`
	ETAKnown            bool      `json:"etaKnown"`
	Status              Status    `json:"status"`
	Error               string    `json:"error,omitempty"`
	CanPause            bool      `json:"canPause"`
	CanResume           bool      `json:"canResume"`
	UpdatedAt           time.Time `json:"updatedAt"`

	// seq orders snapshots across the manager; serial identifies the producing task.
	seq    uint64
	serial uint64
}

// Command names a task control command
type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandCancel Command = "cancel"
	CommandAck    Command = "ack"
	CommandEvict  Command = "evict"
)

// CommandResult reports the outcome of a control command.
// A command that does not apply to the task's current state is a no-op, never an error.
type CommandResult struct {
	TaskID  string               `json:"taskId"`
	Command Command              `json:"command"`
	Applied bool                 `json:"applied"`
	Status  Status               `json:"status"`
	Reason  string               `json:"reason,omitempty"`
	NoOp    *InvalidStateCommand `json:"-"`
}

// Completion is handed to the persistence callback once a task is terminal
type Completion struct {
	Progress   DownloadProgress
	Files      []FileSpec
	Directory  string
	Downloaded bool
}

// PersistFunc marks a library item as downloaded or not downloaded
type PersistFunc func(ctx context.Context, completion Completion) error

// DownloadConfig contains configuration for the download manager
type DownloadConfig struct {
	SpeedSmoothingFactor float64       // EMA weight of new samples, in (0,1]
	MinSamplesForEta     int           // Accepted samples required before an ETA is reported
	ProgressDebounce     time.Duration // Minimum spacing of non-terminal emissions
	ProgressInterval     time.Duration // Byte-count sampling cadence of the transport
	Directory            string        // Root directory for cached items
	EventBuffer          int           // Capacity of the manager's hand-off queue
	SubscriberBuffer     int           // Capacity of each subscription channel
}

const (
	DefaultSpeedSmoothingFactor = 0.3
	DefaultMinSamplesForEta     = 3
	DefaultProgressDebounce     = 250 * time.Millisecond
	DefaultProgressInterval     = time.Second
)

func (c *DownloadConfig) applyDefaults() {
	if c.SpeedSmoothingFactor <= 0 || c.SpeedSmoothingFactor > 1 {
		c.SpeedSmoothingFactor = DefaultSpeedSmoothingFactor
	}
	if c.MinSamplesForEta <= 0 {
		c.MinSamplesForEta = DefaultMinSamplesForEta
	}
	if c.ProgressDebounce <= 0 {
		c.ProgressDebounce = DefaultProgressDebounce
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.Directory == "" {
		c.Directory = "downloads"
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
}
