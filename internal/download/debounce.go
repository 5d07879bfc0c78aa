package download

import (
	"sync"
	"time"
)

// ProgressDebouncer rate-limits snapshot emission with a trailing debounce.
// The first snapshot and terminal snapshots are emitted immediately; within a window
// only the latest snapshot survives and is emitted at the window boundary.
type ProgressDebouncer struct {
	mu       sync.Mutex
	interval time.Duration
	clock    Clock
	emit     func(DownloadProgress)

	emitted  bool
	lastEmit time.Time
	last     DownloadProgress
	pending  *DownloadProgress
	timer    Timer
	gen      uint64
	closed   bool
}

// NewProgressDebouncer creates a debouncer that hands snapshots to emit.
// emit runs under the debouncer lock and must not block.
func NewProgressDebouncer(interval time.Duration, clock Clock, emit func(DownloadProgress)) *ProgressDebouncer {
	if clock == nil {
		clock = SystemClock
	}
	return &ProgressDebouncer{
		interval: interval,
		clock:    clock,
		emit:     emit,
	}
}

// Notify routes a snapshot through the debounce window.
// Terminal snapshots cancel any pending emission, go out synchronously and close the debouncer.
func (d *ProgressDebouncer) Notify(p DownloadProgress, terminal bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if terminal {
		d.cancelPendingLocked()
		d.emitLocked(p)
		d.closed = true
		return
	}

	now := d.clock.Now()
	if !d.emitted || (d.timer == nil && now.Sub(d.lastEmit) >= d.interval) {
		d.emitLocked(p)
		return
	}

	d.pending = &p
	if d.timer == nil {
		gen := d.gen
		wait := d.interval - now.Sub(d.lastEmit)
		d.timer = d.clock.AfterFunc(wait, func() { d.fire(gen) })
	}
}

// Flush emits p now and drops any pending snapshot
func (d *ProgressDebouncer) Flush(p DownloadProgress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.cancelPendingLocked()
	d.emitLocked(p)
}

// Stop cancels the pending timer; later notifications are dropped
func (d *ProgressDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelPendingLocked()
	d.closed = true
}

// Pending reports whether a trailing emission is scheduled
func (d *ProgressDebouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// lastEmitted returns the most recent snapshot handed to emit
func (d *ProgressDebouncer) lastEmitted() (DownloadProgress, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.emitted
}

func (d *ProgressDebouncer) fire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// a stale timer whose window was superseded by Flush, a terminal snapshot or Stop
	if d.closed || gen != d.gen {
		return
	}
	d.timer = nil
	if d.pending == nil {
		return
	}
	d.emitLocked(*d.pending)
}

func (d *ProgressDebouncer) cancelPendingLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = nil
}

func (d *ProgressDebouncer) emitLocked(p DownloadProgress) {
	d.pending = nil
	d.emitted = true
	d.lastEmit = d.clock.Now()
	d.last = p
	if d.emit != nil {
		d.emit(p)
	}
}
