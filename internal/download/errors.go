package download

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskNotFound   = errors.New("download task not found")
	ErrInvalidRequest = errors.New("invalid download request")
	ErrManagerClosed  = errors.New("download manager closed")
	ErrItemBusy       = errors.New("library item is being removed")
)

// TransportError is a network or I/O failure while fetching a file
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error (%d) for %s: %v", e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SizeUnknownWarning is a non-fatal condition: progress falls back to file counts
type SizeUnknownWarning struct {
	LibraryItemID string
	Files         []string
}

func (w *SizeUnknownWarning) Error() string {
	return fmt.Sprintf("size unknown for %d file(s) of %s: %s",
		len(w.Files), w.LibraryItemID, strings.Join(w.Files, ", "))
}

// InvalidStateCommand reports a command that does not apply to the task's state
type InvalidStateCommand struct {
	TaskID  string
	Command Command
	Status  Status
}

func (e *InvalidStateCommand) Error() string {
	return fmt.Sprintf("cannot %s task %s in state %s", e.Command, e.TaskID, e.Status)
}

// DuplicateTaskError rejects a start while a live task exists for the item
type DuplicateTaskError struct {
	LibraryItemID string
	Status        Status
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("download task already exists for %s (%s)", e.LibraryItemID, e.Status)
}
