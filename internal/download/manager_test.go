package download

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fetchOutcome struct {
	res FetchResult
	err error
}

type fakeCall struct {
	req    FetchRequest
	ctx    context.Context
	result chan fetchOutcome
}

func (c *fakeCall) progress(n int64) {
	c.req.OnBytes(n)
}

func (c *fakeCall) finish(size int64) {
	c.result <- fetchOutcome{res: FetchResult{Size: size}}
}

func (c *fakeCall) fail(err error) {
	c.result <- fetchOutcome{err: err}
}

// fakeTransport hands every FetchFile call to the test and blocks until it is answered
type fakeTransport struct {
	calls chan *fakeCall

	mu        sync.Mutex
	discarded []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(chan *fakeCall, 16)}
}

func (f *fakeTransport) FetchFile(ctx context.Context, req FetchRequest) (FetchResult, error) {
	call := &fakeCall{req: req, ctx: ctx, result: make(chan fetchOutcome, 1)}
	select {
	case f.calls <- call:
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
	select {
	case out := <-call.result:
		return out.res, out.err
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
}

func (f *fakeTransport) Discard(destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, destination)
	return nil
}

func (f *fakeTransport) Discarded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.discarded...)
}

func (f *fakeTransport) next(t *testing.T) *fakeCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a transfer")
		return nil
	}
}

type testEnv struct {
	manager     *Manager
	transport   *fakeTransport
	clock       *manualClock
	completions chan Completion
	dir         string
}

func newTestEnv(t *testing.T, alpha float64) *testEnv {
	t.Helper()

	env := &testEnv{
		transport:   newFakeTransport(),
		clock:       newManualClock(),
		completions: make(chan Completion, 8),
		dir:         t.TempDir(),
	}
	env.manager = NewManager(DownloadConfig{
		SpeedSmoothingFactor: alpha,
		MinSamplesForEta:     2,
		ProgressDebounce:     250 * time.Millisecond,
		Directory:            env.dir,
	}, env.transport,
		WithClock(env.clock),
		WithPersistence(func(ctx context.Context, c Completion) error {
			env.completions <- c
			return nil
		}),
	)
	t.Cleanup(func() { env.manager.Close() })
	return env
}

func (e *testEnv) completion(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-e.completions:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for persistence")
		return Completion{}
	}
}

// waitFor reads the subscription until match accepts a snapshot
func waitFor(t *testing.T, sub *Subscription, match func(DownloadProgress) bool) DownloadProgress {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case p, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed before the expected snapshot")
			}
			if match(p) {
				return p
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return DownloadProgress{}
		}
	}
}

func withStatus(status Status) func(DownloadProgress) bool {
	return func(p DownloadProgress) bool { return p.Status == status }
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusDownloading, StatusPaused, true},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusError, true},
		{StatusDownloading, StatusCancelled, true},
		{StatusPaused, StatusDownloading, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusDownloading, false},
		{StatusError, StatusDownloading, false},
		{StatusCancelled, StatusPaused, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}

	assert.False(t, StatusDownloading.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestStatusText(t *testing.T) {
	data, err := json.Marshal(DownloadProgress{Status: StatusPaused})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"paused"`)

	var p DownloadProgress
	require.NoError(t, json.Unmarshal([]byte(`{"status":"cancelled"}`), &p))
	assert.Equal(t, StatusCancelled, p.Status)

	_, err = ParseStatus("exploded")
	assert.Error(t, err)
}

func TestManagerSingleFileScenario(t *testing.T) {
	env := newTestEnv(t, 0.5)
	m := env.manager

	id, err := m.Start("item-1", []FileSpec{{Name: "book.m4b", URL: "http://media/book.m4b", Size: 1000}})
	require.NoError(t, err)
	assert.Equal(t, "item-1", id)

	sub, err := m.Subscribe(id)
	require.NoError(t, err)

	call := env.transport.next(t)
	assert.Equal(t, filepath.Join(env.dir, "item-1", "book.m4b"), call.req.Destination)
	assert.Zero(t, call.req.StartOffset)

	env.clock.Advance(time.Second)
	call.progress(500)
	p, err := m.Get(id)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, p.DownloadSpeed, 1e-9)
	assert.InDelta(t, 0.5, p.TotalProgress, 1e-9)
	assert.InDelta(t, 0.5, p.FileProgress, 1e-9)
	assert.False(t, p.ETAKnown, "below the sample threshold")

	env.clock.Advance(time.Second)
	call.progress(1000)
	p, err = m.Get(id)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, p.DownloadSpeed, 1e-9)
	assert.Equal(t, 2, p.SpeedSampleCount)
	assert.True(t, p.ETAKnown)
	assert.Zero(t, p.ETASeconds)
	assert.Equal(t, StatusDownloading, p.Status)

	call.finish(1000)

	final := waitFor(t, sub, withStatus(StatusCompleted))
	assert.Equal(t, 1, final.DownloadedFiles)
	assert.Equal(t, int64(1000), final.BytesDownloaded)
	assert.Equal(t, 1.0, final.TotalProgress)
	assert.False(t, final.CanPause)
	assert.False(t, final.CanResume)

	_, open := <-sub.C()
	assert.False(t, open, "task subscription ends after the terminal snapshot")

	c := env.completion(t)
	assert.True(t, c.Downloaded)
	assert.Equal(t, filepath.Join(env.dir, "item-1"), c.Directory)
	assert.Equal(t, "book.m4b", c.Files[0].Name)
}

func TestManagerPauseResume(t *testing.T) {
	env := newTestEnv(t, 0.5)
	m := env.manager

	_, err := m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 2000}})
	require.NoError(t, err)

	first := env.transport.next(t)
	env.clock.Advance(time.Second)
	first.progress(1000)

	res, err := m.Pause("item")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusPaused, res.Status)

	select {
	case <-first.ctx.Done():
	case <-time.After(waitTimeout):
		t.Fatal("paused transfer was not stopped")
	}

	// a late callback of the stopped transfer is ignored
	first.progress(1800)

	p, err := m.Get("item")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, p.Status)
	assert.True(t, p.CanResume)
	assert.False(t, p.CanPause)
	assert.Equal(t, int64(1000), p.BytesDownloaded)
	assert.Zero(t, p.DownloadSpeed)

	env.clock.Advance(time.Minute)

	res, err = m.Resume("item")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	second := env.transport.next(t)
	assert.Equal(t, int64(1000), second.req.StartOffset)
	assert.Equal(t, first.req.Destination, second.req.Destination)

	env.clock.Advance(time.Second)
	second.progress(1500)

	p, err = m.Get("item")
	require.NoError(t, err)
	// 0.5*500 + 0.5*1000, the paused minute is not part of the estimate
	assert.InDelta(t, 750.0, p.DownloadSpeed, 1e-9)

	second.progress(2000)
	second.finish(2000)

	assert.True(t, env.completion(t).Downloaded)
	p, err = m.Get("item")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestManagerCancel(t *testing.T) {
	t.Run("while downloading", func(t *testing.T) {
		env := newTestEnv(t, 0.3)
		m := env.manager

		_, err := m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 100}})
		require.NoError(t, err)
		sub, err := m.Subscribe("item")
		require.NoError(t, err)

		call := env.transport.next(t)
		call.progress(40)

		res, err := m.Cancel("item")
		require.NoError(t, err)
		assert.True(t, res.Applied)

		final := waitFor(t, sub, withStatus(StatusCancelled))
		assert.Equal(t, int64(40), final.BytesDownloaded)

		assert.False(t, env.completion(t).Downloaded)
		assert.Eventually(t, func() bool {
			return len(env.transport.Discarded()) == 1
		}, waitTimeout, 10*time.Millisecond)
		assert.Equal(t, call.req.Destination, env.transport.Discarded()[0])

		// no further emissions once terminal
		call.progress(90)
		_, open := <-sub.C()
		assert.False(t, open)
	})

	t.Run("while paused", func(t *testing.T) {
		env := newTestEnv(t, 0.3)
		m := env.manager

		_, err := m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 100}})
		require.NoError(t, err)
		env.transport.next(t).progress(10)

		_, err = m.Pause("item")
		require.NoError(t, err)

		res, err := m.Cancel("item")
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, StatusCancelled, res.Status)

		assert.False(t, env.completion(t).Downloaded)

		res, err = m.Resume("item")
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.NotNil(t, res.NoOp)
		assert.Equal(t, StatusCancelled, res.Status)
	})
}

func TestManagerInvalidCommandsAreNoOps(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	_, err := m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 10}})
	require.NoError(t, err)
	call := env.transport.next(t)

	res, err := m.Resume("item")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	require.NotNil(t, res.NoOp)
	assert.Equal(t, CommandResume, res.NoOp.Command)
	assert.Equal(t, StatusDownloading, res.NoOp.Status)

	call.progress(10)
	call.finish(10)
	env.completion(t)

	for _, cmd := range []func(string) (CommandResult, error){m.Pause, m.Resume, m.Cancel} {
		res, err := cmd("item")
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.NotEmpty(t, res.Reason)
	}
}

func TestManagerDuplicateStart(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager
	files := []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 10}}

	_, err := m.Start("item", files)
	require.NoError(t, err)
	env.transport.next(t)

	_, err = m.Start("item", files)
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, StatusDownloading, dup.Status)

	_, err = m.Pause("item")
	require.NoError(t, err)
	_, err = m.Start("item", files)
	require.ErrorAs(t, err, &dup, "a paused task is still live")

	_, err = m.Cancel("item")
	require.NoError(t, err)

	_, err = m.Start("item", files)
	require.NoError(t, err)

	call := env.transport.next(t)
	assert.Zero(t, call.req.StartOffset)
	assert.Len(t, env.transport.Discarded(), 1, "the new transfer starts after the old partial was discarded")

	p, err := m.Get("item")
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, p.Status)
}

func TestManagerRestartAfterCompletion(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager
	files := []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 10}}

	_, err := m.Start("item", files)
	require.NoError(t, err)
	env.transport.next(t).finish(10)
	env.completion(t)

	_, err = m.Start("item", files)
	require.NoError(t, err)
	env.transport.next(t)
}

func TestManagerStartValidation(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	tests := []struct {
		name  string
		id    string
		files []FileSpec
	}{
		{"empty id", "", []FileSpec{{URL: "http://media/a"}}},
		{"path in id", "../etc", []FileSpec{{URL: "http://media/a"}}},
		{"wildcard id", Wildcard, []FileSpec{{URL: "http://media/a"}}},
		{"no files", "item", nil},
		{"missing url", "item", []FileSpec{{Name: "a.mp3"}}},
		{"negative size", "item", []FileSpec{{URL: "http://media/a", Size: -1}}},
		{"duplicate names", "item", []FileSpec{{URL: "http://media/a.mp3"}, {URL: "http://other/a.mp3?x=1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Start(tt.id, tt.files)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := m.Pause("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.Subscribe("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManagerFileNames(t *testing.T) {
	specs, err := normalizeFiles([]FileSpec{
		{URL: "http://media/items/1/track%201.mp3?token=abc"},
		{Name: "../../escape.mp3", URL: "http://media/2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "track%201.mp3", specs[0].Name)
	assert.Equal(t, "escape.mp3", specs[1].Name)
}

func TestManagerMultiFileWithUnknownSize(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	_, err := m.Start("item", []FileSpec{
		{Name: "part1.mp3", URL: "http://media/part1.mp3"},
		{Name: "part2.mp3", URL: "http://media/part2.mp3", Size: 100},
	})
	require.NoError(t, err)

	warning := m.SizeWarning("item")
	require.NotNil(t, warning)
	assert.Equal(t, []string{"part1.mp3"}, warning.Files)

	first := env.transport.next(t)
	first.progress(50)

	p, err := m.Get("item")
	require.NoError(t, err)
	assert.Zero(t, p.TotalBytes)
	assert.Zero(t, p.FileProgress, "unknown size reports 0, never NaN")
	assert.Zero(t, p.TotalProgress)
	assert.False(t, p.ETAKnown)

	first.req.OnSize(200)
	first.progress(100)

	p, err = m.Get("item")
	require.NoError(t, err)
	assert.Equal(t, int64(300), p.TotalBytes)
	assert.InDelta(t, 0.5, p.FileProgress, 1e-9)
	assert.InDelta(t, 100.0/300.0, p.TotalProgress, 1e-9)
	assert.Nil(t, m.SizeWarning("item"))

	first.finish(200)

	second := env.transport.next(t)
	assert.Equal(t, "http://media/part2.mp3", second.req.URL)
	assert.Zero(t, second.req.StartOffset)

	p, err = m.Get("item")
	require.NoError(t, err)
	assert.Equal(t, 1, p.DownloadedFiles)
	assert.Equal(t, "part2.mp3", p.CurrentFile)
	assert.Equal(t, int64(200), p.BytesDownloaded)

	second.progress(100)
	second.finish(100)

	c := env.completion(t)
	assert.True(t, c.Downloaded)
	assert.Equal(t, 2, c.Progress.DownloadedFiles)
	assert.Equal(t, int64(300), c.Progress.TotalBytes)
	assert.Equal(t, int64(200), c.Files[0].Size)
}

func TestManagerFileCountProgressWhenSizesUnknown(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	_, err := m.Start("item", []FileSpec{
		{Name: "a.mp3", URL: "http://media/a.mp3"},
		{Name: "b.mp3", URL: "http://media/b.mp3"},
	})
	require.NoError(t, err)

	env.transport.next(t).finish(10)
	env.transport.next(t)

	p, err := m.Get("item")
	require.NoError(t, err)
	assert.Zero(t, p.TotalBytes)
	assert.InDelta(t, 0.5, p.TotalProgress, 1e-9)
}

func TestManagerTransportError(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	_, err := m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 100}})
	require.NoError(t, err)
	sub, err := m.Subscribe("item")
	require.NoError(t, err)

	call := env.transport.next(t)
	call.progress(30)
	call.fail(errors.New("connection reset by peer"))

	final := waitFor(t, sub, withStatus(StatusError))
	assert.Contains(t, final.Error, "connection reset by peer")
	assert.False(t, env.completion(t).Downloaded)

	task, ok := m.Task("item")
	require.True(t, ok)
	var te *TransportError
	require.ErrorAs(t, task.Err(), &te)
	assert.Equal(t, "http://media/a.mp3", te.URL)

	// a failed task is not retried; a new start is required
	select {
	case <-env.transport.calls:
		t.Fatal("unexpected retry")
	case <-time.After(50 * time.Millisecond):
	}
	_, err = m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 100}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), env.transport.next(t).req.StartOffset)
}

func TestManagerAckAndEvict(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	_, err := m.Start("done", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 10}})
	require.NoError(t, err)
	call := env.transport.next(t)

	res, err := m.Ack("done")
	require.NoError(t, err)
	assert.False(t, res.Applied, "a live task cannot be acknowledged")

	call.finish(10)
	env.completion(t)

	res, err = m.Ack("done")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	_, err = m.Get("done")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = m.Start("live", []FileSpec{{Name: "b.mp3", URL: "http://media/b.mp3", Size: 10}})
	require.NoError(t, err)
	env.transport.next(t)

	res, err = m.Evict("live")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, m.List())

	_, err = m.Evict("live")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManagerRemoveItem(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager
	files := []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 10}}

	_, err := m.Start("item", files)
	require.NoError(t, err)
	call := env.transport.next(t)

	called := false
	err = m.RemoveItem("item", func() error {
		called = true
		return nil
	})
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, StatusDownloading, dup.Status)
	assert.False(t, called, "a live task keeps its files")

	call.finish(10)
	env.completion(t)

	err = m.RemoveItem("item", func() error {
		called = true
		_, startErr := m.Start("item", files)
		assert.ErrorIs(t, startErr, ErrItemBusy)
		assert.ErrorIs(t, m.RemoveItem("item", func() error { return nil }), ErrItemBusy)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	_, err = m.Get("item")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = m.Start("item", files)
	assert.NoError(t, err, "start is accepted once the removal finished")
	env.transport.next(t)

	boom := errors.New("disk gone")
	assert.ErrorIs(t, m.RemoveItem("other", func() error { return boom }), boom)
	_, err = m.Start("other", files)
	assert.NoError(t, err, "a failed removal releases the item")
}

func TestManagerClampsOversizedFile(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	_, err := m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 100}})
	require.NoError(t, err)
	call := env.transport.next(t)

	env.clock.Advance(time.Second)
	call.progress(150)

	p, err := m.Get("item")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.FileProgress)
	assert.Equal(t, 1.0, p.TotalProgress)
	assert.Equal(t, int64(150), p.BytesDownloaded)
	assert.LessOrEqual(t, p.BytesDownloaded, p.TotalBytes)
	assert.LessOrEqual(t, p.FileBytesDownloaded, p.FileTotalBytes)
}

func TestManagerWildcardSubscription(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	sub, err := m.Subscribe(Wildcard)
	require.NoError(t, err)

	_, err = m.Start("a", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 10}})
	require.NoError(t, err)
	_, err = m.Start("b", []FileSpec{{Name: "b.mp3", URL: "http://media/b.mp3", Size: 10}})
	require.NoError(t, err)

	seen := map[string]bool{}
	waitFor(t, sub, func(p DownloadProgress) bool {
		seen[p.LibraryItemID] = true
		return seen["a"] && seen["b"]
	})

	calls := map[string]*fakeCall{}
	for i := 0; i < 2; i++ {
		call := env.transport.next(t)
		calls[filepath.Base(call.req.Destination)] = call
	}
	calls["a.mp3"].finish(10)
	waitFor(t, sub, func(p DownloadProgress) bool {
		return p.LibraryItemID == "a" && p.Status == StatusCompleted
	})

	_, err = m.Cancel("b")
	require.NoError(t, err)
	waitFor(t, sub, func(p DownloadProgress) bool {
		return p.LibraryItemID == "b" && p.Status == StatusCancelled
	})

	assert.Equal(t, 1, m.Stats().Subscriptions, "wildcard subscriptions outlive task completion")

	m.Unsubscribe(sub)
	_, open := <-sub.C()
	for open {
		_, open = <-sub.C()
	}
	assert.Zero(t, m.Stats().Subscriptions)
}

func TestManagerList(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	for _, id := range []string{"c", "a", "b"} {
		_, err := m.Start(id, []FileSpec{{Name: id + ".mp3", URL: "http://media/" + id, Size: 1}})
		require.NoError(t, err)
	}

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].LibraryItemID)
	assert.Equal(t, "c", list[2].LibraryItemID)
	assert.Equal(t, 3, m.Stats().ByStatus["downloading"])
}

func TestManagerClose(t *testing.T) {
	env := newTestEnv(t, 0.3)
	m := env.manager

	_, err := m.Start("item", []FileSpec{{Name: "a.mp3", URL: "http://media/a.mp3", Size: 10}})
	require.NoError(t, err)
	sub, err := m.Subscribe(Wildcard)
	require.NoError(t, err)
	call := env.transport.next(t)

	require.NoError(t, m.Close())

	select {
	case <-call.ctx.Done():
	default:
		t.Fatal("transfer still running after close")
	}

	p, err := m.Get("item")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, p.Status)

	for range sub.C() {
	}

	_, err = m.Start("other", []FileSpec{{URL: "http://media/x"}})
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.Resume("item")
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.Evict("item")
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.RemoveItem("item", func() error { return nil }), ErrManagerClosed)
	_, err = m.Get("item")
	assert.NoError(t, err, "a closed manager keeps its task set")
	assert.NoError(t, m.Close())
}

func TestSubscriptionOrdering(t *testing.T) {
	sub := &Subscription{
		taskID:  "item",
		serial:  7,
		ch:      make(chan DownloadProgress, 2),
		lastSeq: make(map[string]uint64),
	}
	snap := func(seq, serial uint64, status Status) DownloadProgress {
		return DownloadProgress{LibraryItemID: "item", Status: status, seq: seq, serial: serial}
	}

	assert.False(t, sub.deliver(snap(5, 7, StatusDownloading)))
	assert.False(t, sub.deliver(snap(3, 7, StatusDownloading)), "older snapshot")
	assert.False(t, sub.deliver(snap(9, 8, StatusDownloading)), "another task instance")
	assert.False(t, sub.deliver(snap(6, 7, StatusDownloading)))
	assert.False(t, sub.deliver(snap(7, 7, StatusDownloading)), "buffer full")
	assert.True(t, sub.deliver(snap(8, 7, StatusCompleted)))

	var got []uint64
	for p := range sub.C() {
		got = append(got, p.seq)
	}
	assert.Equal(t, []uint64{6, 8}, got, "the terminal snapshot displaces the oldest queued one")
}
