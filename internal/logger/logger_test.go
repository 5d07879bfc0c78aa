package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfcache-project/shelfcache/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("stdout output", func(t *testing.T) {
		l, err := NewLogger(&config.LogConfig{Level: "debug", Format: "json", Output: "stdout"}, "serve")
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, DEBUG, l.level)
		assert.Empty(t, l.FilePath())
	})

	t.Run("file output", func(t *testing.T) {
		dir := t.TempDir()
		l, err := NewLogger(&config.LogConfig{Level: "info", Format: "text", Output: "file", Directory: dir, MaxSize: 1}, "serve")
		require.NoError(t, err)

		l.Info("下载任务已开始")
		path := l.FilePath()
		require.NoError(t, l.Close())

		assert.Equal(t, fmt.Sprintf("shelfcache-serve-%s.log", time.Now().Format(dateLayout)), filepath.Base(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "INFO 下载任务已开始")
	})

	t.Run("invalid level defaults to info", func(t *testing.T) {
		l, err := NewLogger(&config.LogConfig{Level: "loud", Output: "stdout"}, "fetch")
		require.NoError(t, err)
		assert.Equal(t, INFO, l.level)
	})
}

func TestLogFormats(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "info", false)
		l.WithField("task", "li_1").WithField("bytes", 42).Info("进度更新")

		line := buf.String()
		assert.Contains(t, line, "INFO 进度更新 task=li_1 bytes=42")
		assert.True(t, strings.HasSuffix(line, "\n"))
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "info", true)
		l.WithFields(map[string]interface{}{"task": "li_1", "quote": `a "b"`}).Warn("slow")

		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &obj))
		assert.Equal(t, "WARN", obj["level"])
		assert.Equal(t, "slow", obj["msg"])
		assert.Equal(t, "li_1", obj["task"])
		assert.Equal(t, `a "b"`, obj["quote"])
	})
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "warn", false)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "warn 3")
	assert.Contains(t, out, "error 4")

	buf.Reset()
	l.SetLevel("debug")
	l.Debugf("debug %d", 5)
	assert.Contains(t, buf.String(), "debug 5")
}

func TestLogWithError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "info", false)

	l.WithError(errors.New("connection reset")).WithField("task", "li_9").Error("传输失败")
	assert.Contains(t, buf.String(), "传输失败 error=connection reset task=li_9")

	buf.Reset()
	l.WithError(nil).Info("nil error")
	assert.Contains(t, buf.String(), "error=<nil>")
}

func TestWithFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "info", false)

	l.WithFields(map[string]interface{}{"b": 2, "a": 1, "c": 3}).Info("x")
	assert.Contains(t, buf.String(), "x a=1 b=2 c=3")
}

func TestLogLevelString(t *testing.T) {
	tests := map[LogLevel]string{
		DEBUG:        "DEBUG",
		INFO:         "INFO",
		WARN:         "WARN",
		ERROR:        "ERROR",
		FATAL:        "FATAL",
		LogLevel(99): "UNKNOWN",
	}
	for level, want := range tests {
		assert.Equal(t, want, level.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Warn", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"", INFO},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), tt.input)
	}
}

func TestGlobalLogger(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitLogger(&config.LogConfig{Level: "debug", Format: "text", Output: "file", Directory: dir}, "fetch"))
	t.Cleanup(func() {
		GetLogger().Close()
		defaultMu.Lock()
		defaultLogger = nil
		defaultMu.Unlock()
	})

	Debugf("调试 %s", "一")
	WithField("task", "li_2").Infof("开始下载 %d 个文件", 3)
	Warn("警告")

	path := GetLogger().FilePath()
	require.NotEmpty(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "DEBUG 调试 一")
	assert.Contains(t, out, "INFO 开始下载 3 个文件 task=li_2")
	assert.Contains(t, out, "WARN 警告")
}

func TestLogRotationBySize(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(&config.LogConfig{Level: "info", Output: "file", Directory: dir, MaxSize: 1, MaxBackups: 2}, "serve")
	require.NoError(t, err)
	defer l.Close()

	payload := strings.Repeat("x", 64*1024)
	for i := 0; i < 80; i++ {
		l.Info(payload)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var backups int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "-size.log") {
			backups++
		}
	}
	assert.Equal(t, 2, backups, "older backups pruned to MaxBackups")

	info, err := os.Stat(l.FilePath())
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(1024*1024))
}

func TestLogRotationByDate(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(&config.LogConfig{Level: "info", Output: "file", Directory: dir, MaxAge: 7}, "serve")
	require.NoError(t, err)
	defer l.Close()

	// a stale backup far beyond MaxAge
	stale := filepath.Join(dir, "shelfcache-serve-2001-01-01-120000.000-size.log")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	// other modes are left alone
	other := filepath.Join(dir, "shelfcache-fetch-2001-01-01.log")
	require.NoError(t, os.WriteFile(other, []byte("old"), 0644))

	l.Info("day one")
	first := l.FilePath()

	tomorrow := time.Now().Add(24 * time.Hour)
	l.mu.Lock()
	l.now = func() time.Time { return tomorrow }
	l.mu.Unlock()
	l.checkRotation()
	l.Info("day two")

	second := l.FilePath()
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, tomorrow.Format(dateLayout))

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(other)
	assert.NoError(t, err)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(data), "day one")
	assert.NotContains(t, string(data), "day two")
}

func TestConcurrency(t *testing.T) {
	var buf safeBuffer
	l := NewWriterLogger(&buf, "info", false)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Infof("Concurrent log message %d", n)
		}(i)
	}
	wg.Wait()

	out := buf.String()
	for i := 0; i < 100; i++ {
		assert.Contains(t, out, fmt.Sprintf("Concurrent log message %d\n", i))
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
