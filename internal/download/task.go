package download

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/shelfcache-project/shelfcache/internal/logger"
)

type fileState struct {
	spec  FileSpec
	total int64
	known bool
}

// Task owns one library item's download.
// All mutable state is guarded by mu; transport callbacks, commands and
// debounce timers all enter through methods that take it.
type Task struct {
	mu sync.Mutex

	id     string
	serial uint64
	dir    string
	files  []fileState

	cursor          int
	fileBytes       int64 // confirmed bytes of the current file
	doneBytes       int64 // bytes of completed files
	downloadedFiles int
	status          Status
	err             error
	createdAt       time.Time
	updatedAt       time.Time

	config    DownloadConfig
	clock     Clock
	transport Transport
	tracker   *SpeedTracker
	debouncer *ProgressDebouncer
	nextSeq   func() uint64

	onTerminal func(*Task, DownloadProgress)
	wg         *sync.WaitGroup

	ctx       context.Context
	runID     uint64
	cancelRun context.CancelFunc
	runDone   <-chan struct{}
	settled   chan struct{}
}

type taskDeps struct {
	config     DownloadConfig
	clock      Clock
	transport  Transport
	emit       func(DownloadProgress)
	nextSeq    func() uint64
	onTerminal func(*Task, DownloadProgress)
	wg         *sync.WaitGroup
	ctx        context.Context
}

func newTask(id string, files []FileSpec, after <-chan struct{}, deps taskDeps) *Task {
	states := make([]fileState, len(files))
	for i, f := range files {
		states[i] = fileState{spec: f, total: f.Size, known: f.Size > 0}
	}

	now := deps.clock.Now()
	t := &Task{
		id:         id,
		serial:     deps.nextSeq(),
		dir:        filepath.Join(deps.config.Directory, id),
		files:      states,
		status:     StatusDownloading,
		createdAt:  now,
		updatedAt:  now,
		config:     deps.config,
		clock:      deps.clock,
		transport:  deps.transport,
		tracker:    NewSpeedTracker(deps.config.SpeedSmoothingFactor),
		nextSeq:    deps.nextSeq,
		onTerminal: deps.onTerminal,
		wg:         deps.wg,
		ctx:        deps.ctx,
		cancelRun:  func() {},
		runDone:    after,
		settled:    make(chan struct{}),
	}
	t.debouncer = NewProgressDebouncer(deps.config.ProgressDebounce, deps.clock, deps.emit)
	return t
}

// start launches the first transfer and emits the initial snapshot
func (t *Task) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracker.Rebaseline(0, t.clock.Now())
	t.launchLocked()
	t.debouncer.Notify(t.snapshotLocked(), false)
}

// launchLocked starts a transfer goroutine that waits for the previous one to exit
func (t *Task) launchLocked() {
	t.runID++
	ctx, cancel := context.WithCancel(t.ctx)
	prev := t.runDone
	done := make(chan struct{})

	t.cancelRun = cancel
	t.runDone = done

	t.wg.Add(1)
	go t.run(ctx, t.runID, prev, done)
}

func (t *Task) run(ctx context.Context, runID uint64, prev <-chan struct{}, done chan struct{}) {
	defer t.wg.Done()
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	for {
		req, ok := t.nextFetch(runID)
		if !ok {
			return
		}
		res, err := t.transport.FetchFile(ctx, req)
		if !t.finishFile(runID, req.URL, res, err) {
			return
		}
	}
}

func (t *Task) nextFetch(runID uint64) (FetchRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if runID != t.runID || t.status != StatusDownloading || t.cursor >= len(t.files) {
		return FetchRequest{}, false
	}

	f := t.files[t.cursor]
	return FetchRequest{
		URL:         f.spec.URL,
		Destination: t.destinationLocked(t.cursor),
		StartOffset: t.fileBytes,
		OnBytes:     func(n int64) { t.onBytes(runID, n) },
		OnSize:      func(n int64) { t.onSize(runID, n) },
	}, true
}

// onBytes applies a byte-count callback of the current file
func (t *Task) onBytes(runID uint64, bytesSoFar int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if runID != t.runID || t.status != StatusDownloading || bytesSoFar < 0 {
		return
	}

	now := t.clock.Now()
	restarted := bytesSoFar < t.fileBytes
	t.fileBytes = bytesSoFar
	t.updatedAt = now

	f := &t.files[t.cursor]
	if f.known && bytesSoFar > f.total {
		f.total = bytesSoFar
	}

	aggregate := t.doneBytes + t.fileBytes
	if restarted {
		// the transport restarted the file, start measuring from here
		t.tracker.Rebaseline(aggregate, now)
	} else {
		t.tracker.RecordSample(aggregate, now)
	}
	t.debouncer.Notify(t.snapshotLocked(), false)
}

// onSize records the server-reported size of the current file
func (t *Task) onSize(runID uint64, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if runID != t.runID || t.status != StatusDownloading || total <= 0 {
		return
	}

	f := &t.files[t.cursor]
	if total < t.fileBytes {
		total = t.fileBytes
	}
	f.total = total
	f.known = true
	t.debouncer.Notify(t.snapshotLocked(), false)
}

// finishFile applies the outcome of a transfer and reports whether the run continues
func (t *Task) finishFile(runID uint64, url string, res FetchResult, fetchErr error) bool {
	t.mu.Lock()

	// paused or cancelled while the transfer was in flight
	if runID != t.runID || t.status != StatusDownloading {
		t.mu.Unlock()
		return false
	}

	if fetchErr != nil {
		var te *TransportError
		if !errors.As(fetchErr, &te) {
			fetchErr = &TransportError{URL: url, Err: fetchErr}
		}
		t.err = fetchErr
		p := t.terminateLocked(StatusError)
		t.mu.Unlock()
		t.onTerminal(t, p)
		return false
	}

	f := &t.files[t.cursor]
	size := res.Size
	if size < t.fileBytes {
		size = t.fileBytes
	}
	f.total = size
	f.known = true

	t.doneBytes += size
	t.downloadedFiles++
	t.cursor++
	t.fileBytes = 0
	t.updatedAt = t.clock.Now()

	if t.cursor >= len(t.files) {
		p := t.terminateLocked(StatusCompleted)
		t.mu.Unlock()
		t.onTerminal(t, p)
		return false
	}

	t.debouncer.Notify(t.snapshotLocked(), false)
	t.mu.Unlock()
	return true
}

// pause suspends the current transfer, keeping all byte state
func (t *Task) pause() CommandResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.CanTransition(StatusPaused) {
		return t.noOpLocked(CommandPause)
	}

	t.status = StatusPaused
	t.updatedAt = t.clock.Now()
	t.runID++
	t.cancelRun()
	t.debouncer.Flush(t.snapshotLocked())
	return t.appliedLocked(CommandPause)
}

// resume continues the current file from its confirmed offset
func (t *Task) resume() CommandResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.CanTransition(StatusDownloading) {
		return t.noOpLocked(CommandResume)
	}

	now := t.clock.Now()
	t.status = StatusDownloading
	t.updatedAt = now
	t.tracker.Rebaseline(t.doneBytes+t.fileBytes, now)
	t.launchLocked()
	t.debouncer.Flush(t.snapshotLocked())
	return t.appliedLocked(CommandResume)
}

// cancel aborts the transfer and discards the partial current file
func (t *Task) cancel() CommandResult {
	t.mu.Lock()

	if !t.status.CanTransition(StatusCancelled) {
		res := t.noOpLocked(CommandCancel)
		t.mu.Unlock()
		return res
	}

	p := t.terminateLocked(StatusCancelled)
	res := t.appliedLocked(CommandCancel)
	t.mu.Unlock()

	t.onTerminal(t, p)
	return res
}

// terminateLocked moves the task to a terminal status, emits synchronously
// and schedules cleanup once the transfer goroutine has exited.
func (t *Task) terminateLocked(status Status) DownloadProgress {
	t.status = status
	t.updatedAt = t.clock.Now()
	t.runID++
	t.cancelRun()

	p := t.snapshotLocked()
	t.debouncer.Notify(p, true)

	var partial string
	if status == StatusCancelled && t.cursor < len(t.files) {
		partial = t.destinationLocked(t.cursor)
	}
	done := t.runDone

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if done != nil {
			<-done
		}
		if partial != "" {
			if err := t.transport.Discard(partial); err != nil {
				logger.WithError(err).Warnf("清理未完成文件失败: %s", partial)
			}
		}
		close(t.settled)
	}()

	return p
}

// Snapshot returns the current progress of the task
func (t *Task) Snapshot() DownloadProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Status returns the lifecycle state of the task
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error that moved the task to StatusError
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Files returns the file list of the task
func (t *Task) Files() []FileSpec {
	t.mu.Lock()
	defer t.mu.Unlock()

	files := make([]FileSpec, len(t.files))
	for i, f := range t.files {
		files[i] = f.spec
		if f.known {
			files[i].Size = f.total
		}
	}
	return files
}

// Directory returns the directory the task writes into
func (t *Task) Directory() string {
	return t.dir
}

// sizeWarning reports files whose size is not yet known
func (t *Task) sizeWarning() *SizeUnknownWarning {
	t.mu.Lock()
	defer t.mu.Unlock()

	var unknown []string
	for _, f := range t.files {
		if !f.known {
			unknown = append(unknown, f.spec.Name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	return &SizeUnknownWarning{LibraryItemID: t.id, Files: unknown}
}

func (t *Task) destinationLocked(index int) string {
	return filepath.Join(t.dir, t.files[index].spec.Name)
}

// totalBytesLocked returns the task size, or 0 while any file size is unknown
func (t *Task) totalBytesLocked() int64 {
	var total int64
	for _, f := range t.files {
		if !f.known {
			return 0
		}
		total += f.total
	}
	return total
}

func (t *Task) snapshotLocked() DownloadProgress {
	p := DownloadProgress{
		LibraryItemID:    t.id,
		TotalFiles:       len(t.files),
		DownloadedFiles:  t.downloadedFiles,
		BytesDownloaded:  t.doneBytes + t.fileBytes,
		TotalBytes:       t.totalBytesLocked(),
		SpeedSampleCount: t.tracker.SampleCount(),
		Status:           t.status,
		CanPause:         t.status == StatusDownloading,
		CanResume:        t.status == StatusPaused,
		UpdatedAt:        t.updatedAt,
		seq:              t.nextSeq(),
		serial:           t.serial,
	}
	if t.err != nil {
		p.Error = t.err.Error()
	}

	if t.cursor < len(t.files) {
		f := t.files[t.cursor]
		p.CurrentFile = f.spec.Name
		p.FileBytesDownloaded = t.fileBytes
		if f.known {
			p.FileTotalBytes = f.total
			p.FileProgress = ratio(t.fileBytes, f.total)
		}
	} else if len(t.files) > 0 {
		last := t.files[len(t.files)-1]
		p.CurrentFile = last.spec.Name
		p.FileBytesDownloaded = last.total
		p.FileTotalBytes = last.total
		p.FileProgress = 1
	}

	switch {
	case t.status == StatusCompleted:
		p.TotalProgress = 1
	case p.TotalBytes > 0:
		p.TotalProgress = ratio(p.BytesDownloaded, p.TotalBytes)
	case len(t.files) > 0:
		p.TotalProgress = clamp01((float64(t.downloadedFiles) + p.FileProgress) / float64(len(t.files)))
	}

	if t.status == StatusDownloading {
		p.DownloadSpeed = t.tracker.Speed()
		if p.TotalBytes > 0 {
			if eta, ok := t.tracker.ETA(p.TotalBytes-p.BytesDownloaded, t.config.MinSamplesForEta); ok {
				p.ETASeconds = int64(math.Ceil(eta.Seconds()))
				p.ETAKnown = true
			}
		}
	}
	return p
}

func (t *Task) appliedLocked(cmd Command) CommandResult {
	return CommandResult{TaskID: t.id, Command: cmd, Applied: true, Status: t.status}
}

func (t *Task) noOpLocked(cmd Command) CommandResult {
	reason := &InvalidStateCommand{TaskID: t.id, Command: cmd, Status: t.status}
	return CommandResult{
		TaskID:  t.id,
		Command: cmd,
		Status:  t.status,
		Reason:  reason.Error(),
		NoOp:    reason,
	}
}

// ratio returns done/total clamped to [0,1]; 0 while total is unknown
func ratio(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return clamp01(float64(done) / float64(total))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
