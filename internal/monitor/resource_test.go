package monitor

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcache-project/shelfcache/internal/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestMonitor(t *testing.T, dir string, free uint64) (*DiskMonitor, *syncBuffer, func() []string) {
	t.Helper()
	out := &syncBuffer{}
	m := NewDiskMonitor(Config{
		Directory:     dir,
		Interval:      10 * time.Millisecond,
		LowSpaceBytes: 1 << 20,
		Logger:        logger.NewWriterLogger(out, "debug", false),
	})

	var mu sync.Mutex
	paths := []string{}
	m.usage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
		return &disk.UsageStat{Path: path, Total: 10 << 20, Free: free, Used: 10<<20 - free, UsedPercent: 50}, nil
	}
	sampled := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), paths...)
	}
	return m, out, sampled
}

func TestSampleUsesNearestExistingDirectory(t *testing.T) {
	root := t.TempDir()
	m, _, paths := newTestMonitor(t, filepath.Join(root, "not", "yet"), 5<<20)

	u, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5<<20), u.DiskFree)
	assert.Equal(t, filepath.Join(root, "not", "yet"), u.Directory)
	assert.Equal(t, root, paths()[0])
	assert.Contains(t, u.Human(), "5.0 MiB")
}

func TestLowSpaceWarnsOnce(t *testing.T) {
	m, out, _ := newTestMonitor(t, t.TempDir(), 512<<10)

	_, err := m.Sample(context.Background())
	require.NoError(t, err)
	_, err = m.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, bytes.Count([]byte(out.String()), []byte("磁盘空间不足")))
}

func TestCheckSpace(t *testing.T) {
	m, _, _ := newTestMonitor(t, t.TempDir(), 2<<20)
	ctx := context.Background()

	assert.NoError(t, m.CheckSpace(ctx, 0))
	assert.NoError(t, m.CheckSpace(ctx, 1<<20))
	err := m.CheckSpace(ctx, 3<<20)
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	m.usage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return nil, errors.New("statfs failed")
	}
	assert.NoError(t, m.CheckSpace(ctx, 3<<20))
}

func TestStartStop(t *testing.T) {
	m, _, paths := newTestMonitor(t, t.TempDir(), 5<<20)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	u, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10<<20), u.DiskTotal)

	assert.Eventually(t, func() bool {
		return len(paths()) >= 3
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}
