package download

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitRecorder struct {
	mu    sync.Mutex
	items []DownloadProgress
	times []time.Time
	clock Clock
}

func (r *emitRecorder) emit(p DownloadProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, p)
	r.times = append(r.times, r.clock.Now())
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *emitRecorder) last() DownloadProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[len(r.items)-1]
}

func newTestDebouncer(interval time.Duration) (*ProgressDebouncer, *manualClock, *emitRecorder) {
	clock := newManualClock()
	rec := &emitRecorder{clock: clock}
	return NewProgressDebouncer(interval, clock, rec.emit), clock, rec
}

func snapshot(bytes int64, status Status) DownloadProgress {
	return DownloadProgress{LibraryItemID: "item", BytesDownloaded: bytes, Status: status}
}

func TestDebouncerTrailingWindow(t *testing.T) {
	d, clock, rec := newTestDebouncer(150 * time.Millisecond)
	start := clock.Now()

	d.Notify(snapshot(0, StatusDownloading), false)
	require.Equal(t, 1, rec.count(), "first snapshot is immediate")

	clock.Advance(50 * time.Millisecond)
	d.Notify(snapshot(10, StatusDownloading), false)
	d.Notify(snapshot(20, StatusDownloading), false)
	d.Notify(snapshot(30, StatusDownloading), false)
	assert.Equal(t, 1, rec.count())
	assert.True(t, d.Pending())
	assert.Equal(t, 1, clock.Pending(), "a single timer per window")

	clock.Advance(200 * time.Millisecond) // t=250ms
	d.Notify(snapshot(40, StatusDownloading), false)

	assert.Equal(t, 2, rec.count())
	assert.Equal(t, int64(30), rec.items[1].BytesDownloaded, "trailing emission carries the latest snapshot")
	assert.Equal(t, start.Add(150*time.Millisecond), rec.times[1])

	clock.Advance(50 * time.Millisecond) // t=300ms
	assert.Equal(t, 3, rec.count())
	assert.Equal(t, int64(40), rec.last().BytesDownloaded)
	assert.False(t, d.Pending())
}

func TestDebouncerEmitsAfterQuietWindow(t *testing.T) {
	d, clock, rec := newTestDebouncer(100 * time.Millisecond)

	d.Notify(snapshot(0, StatusDownloading), false)
	clock.Advance(time.Second)
	d.Notify(snapshot(10, StatusDownloading), false)

	assert.Equal(t, 2, rec.count())
	assert.False(t, d.Pending())
}

func TestDebouncerTerminalBypassesPending(t *testing.T) {
	d, clock, rec := newTestDebouncer(150 * time.Millisecond)

	d.Notify(snapshot(0, StatusDownloading), false)
	clock.Advance(10 * time.Millisecond)
	d.Notify(snapshot(10, StatusDownloading), false)
	require.True(t, d.Pending())

	d.Notify(snapshot(100, StatusCompleted), true)
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, StatusCompleted, rec.last().Status)
	assert.False(t, d.Pending())

	// the cancelled timer never fires and later notifications are dropped
	clock.Advance(time.Second)
	d.Notify(snapshot(200, StatusDownloading), false)
	assert.Equal(t, 2, rec.count())
}

func TestDebouncerFlush(t *testing.T) {
	d, clock, rec := newTestDebouncer(150 * time.Millisecond)

	d.Notify(snapshot(0, StatusDownloading), false)
	clock.Advance(10 * time.Millisecond)
	d.Notify(snapshot(10, StatusDownloading), false)

	d.Flush(snapshot(10, StatusPaused))
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, StatusPaused, rec.last().Status)

	clock.Advance(time.Second)
	assert.Equal(t, 2, rec.count(), "the superseded trailing emission is dropped")

	last, ok := d.lastEmitted()
	assert.True(t, ok)
	assert.Equal(t, StatusPaused, last.Status)
}

func TestDebouncerStop(t *testing.T) {
	d, clock, rec := newTestDebouncer(150 * time.Millisecond)

	d.Notify(snapshot(0, StatusDownloading), false)
	d.Notify(snapshot(10, StatusDownloading), false)
	d.Stop()

	clock.Advance(time.Second)
	d.Notify(snapshot(20, StatusDownloading), false)
	d.Flush(snapshot(20, StatusPaused))

	assert.Equal(t, 1, rec.count())
}
