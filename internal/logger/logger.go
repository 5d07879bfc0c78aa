// Package logger provides leveled, structured logging with file rotation.
// Every entry is also pushed into an in-memory LogStream for the web UI.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shelfcache-project/shelfcache/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
	filePrefix      = "shelfcache"
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	stdout      io.Writer
	file        *os.File
	logDir      string
	maxSize     int64 // bytes, 0 disables size rotation
	maxBackups  int
	maxAge      int // days
	currentSize int64
	currentDate string
	mode        string // serve, fetch
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, mode string) error {
	l, err := NewLogger(cfg, mode)
	if err != nil {
		return err
	}

	defaultMu.Lock()
	prev := defaultLogger
	defaultLogger = l
	defaultMu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig, mode string) (*Logger, error) {
	l := &Logger{
		level:       parseLevel(cfg.Level),
		formatJSON:  cfg.Format == "json",
		logDir:      cfg.Directory,
		maxSize:     int64(cfg.MaxSize) * 1024 * 1024,
		maxBackups:  cfg.MaxBackups,
		maxAge:      cfg.MaxAge,
		mode:        mode,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	l.currentDate = l.now().Format(dateLayout)

	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := l.openFile(); err != nil {
			return nil, err
		}
	case "both":
		l.stdout = os.Stdout
		if err := l.openFile(); err != nil {
			return nil, err
		}
	default:
		l.stdout = os.Stdout
	}

	if l.file != nil {
		go l.rotationChecker()
	}
	return l, nil
}

// NewWriterLogger creates a logger that writes only to w
func NewWriterLogger(w io.Writer, level string, formatJSON bool) *Logger {
	return &Logger{
		level:      parseLevel(level),
		formatJSON: formatJSON,
		stdout:     w,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// SetLevel changes the minimum level at runtime
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = parseLevel(level)
}

// FilePath returns the active log file path, empty when not logging to file
func (l *Logger) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.activePath()
}

func (l *Logger) activePath() string {
	// shelfcache-{mode}-{date}.log
	return filepath.Join(l.logDir, fmt.Sprintf("%s-%s-%s.log", filePrefix, l.mode, l.currentDate))
}

func (l *Logger) openFile() error {
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	path := l.activePath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	l.currentSize = 0
	if info, err := f.Stat(); err == nil {
		l.currentSize = info.Size()
	}
	l.file = f
	return nil
}

// rotationChecker periodically checks if log rotation is needed
func (l *Logger) rotationChecker() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.checkRotation()
		}
	}
}

func (l *Logger) checkRotation() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	if today := l.now().Format(dateLayout); today != l.currentDate {
		// 日期变化时直接切换到新文件
		l.file.Close()
		l.currentDate = today
		if err := l.openFile(); err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] 切换日志文件失败: %v\n", err)
			l.file = nil
		}
		l.cleanOldBackups()
		return
	}

	if l.maxSize > 0 && l.currentSize >= l.maxSize {
		l.rotateLocked("size")
	}
}

func (l *Logger) rotateLocked(reason string) {
	l.file.Close()
	l.file = nil

	// shelfcache-{mode}-{date}-{time}-{reason}.log
	backup := filepath.Join(l.logDir, fmt.Sprintf("%s-%s-%s-%s-%s.log",
		filePrefix, l.mode, l.currentDate, l.now().Format("150405.000000000"), reason))
	if err := os.Rename(l.activePath(), backup); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] 重命名日志文件失败: %v\n", err)
	}

	l.cleanOldBackups()

	if err := l.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] 创建日志文件失败: %v\n", err)
	}
}

// cleanOldBackups removes rotated files older than maxAge and keeps at most
// maxBackups of them. Only files of the current mode are considered.
func (l *Logger) cleanOldBackups() {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	prefix := fmt.Sprintf("%s-%s-", filePrefix, l.mode)
	active := filepath.Base(l.activePath())
	cutoff := l.now().AddDate(0, 0, -l.maxAge)

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == active || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if len(rest) < len(dateLayout) {
			continue
		}
		day, err := time.ParseInLocation(dateLayout, rest[:len(dateLayout)], time.Local)
		if err != nil {
			continue
		}
		if l.maxAge > 0 && day.Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, name))
			continue
		}
		backups = append(backups, name)
	}

	if l.maxBackups <= 0 || len(backups) <= l.maxBackups {
		return
	}
	// names sort chronologically, newest last
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-l.maxBackups] {
		os.Remove(filepath.Join(l.logDir, name))
	}
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewWriterLogger(os.Stdout, "info", false)
	}
	return defaultLogger
}

func (l *Logger) format(ts time.Time, level LogLevel, msg string, fields []Field) []byte {
	if l.formatJSON {
		obj := make(map[string]interface{}, len(fields)+3)
		for _, f := range fields {
			obj[f.Key] = f.Value
		}
		obj["time"] = ts.Format(time.RFC3339Nano)
		obj["level"] = level.String()
		obj["msg"] = msg
		data, err := json.Marshal(obj)
		if err != nil {
			data, _ = json.Marshal(map[string]string{
				"time": ts.Format(time.RFC3339Nano), "level": level.String(), "msg": msg,
			})
		}
		return append(data, '\n')
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", ts.Format(timestampLayout), level, msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}

	ts := l.now()
	line := l.format(ts, level, msg, fields)

	if l.stdout != nil {
		if _, err := l.stdout.Write(line); err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] 写入日志失败: %v\n", err)
		}
	}
	if l.file != nil {
		n, err := l.file.Write(line)
		l.currentSize += int64(n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] 写入日志文件失败: %v\n", err)
		}
		if l.maxSize > 0 && l.currentSize >= l.maxSize {
			l.rotateLocked("size")
		}
	}
	l.mu.Unlock()

	if stream := currentStream(); stream != nil {
		var fieldsMap map[string]interface{}
		if len(fields) > 0 {
			fieldsMap = make(map[string]interface{}, len(fields))
			for _, f := range fields {
				fieldsMap[f.Key] = f.Value
			}
		}
		stream.Add(StreamLogEntry{
			Timestamp: ts,
			Level:     level.String(),
			Message:   msg,
			Fields:    fieldsMap,
		})
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{{Key: key, Value: value}}}
}

// WithFields creates a log entry with multiple fields, sorted by key
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return (&LogEntry{logger: l}).WithFields(fields)
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return (&LogEntry{logger: l}).WithError(err)
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.fields = append(e.fields, Field{Key: k, Value: fields[k]})
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	val := "<nil>"
	if err != nil {
		val = err.Error()
	}
	e.fields = append(e.fields, Field{Key: "error", Value: val})
	return e
}

func (e *LogEntry) Debug(args ...interface{}) { e.logger.log(DEBUG, fmt.Sprint(args...), e.fields) }

func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Info(args ...interface{}) { e.logger.log(INFO, fmt.Sprint(args...), e.fields) }

func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Warn(args ...interface{}) { e.logger.log(WARN, fmt.Sprint(args...), e.fields) }

func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

func (e *LogEntry) Error(args ...interface{}) { e.logger.log(ERROR, fmt.Sprint(args...), e.fields) }

func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatalf logs a formatted message at fatal level and exits
func (e *LogEntry) Fatalf(format string, args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprintf(format, args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

func WithField(key string, value interface{}) *LogEntry { return GetLogger().WithField(key, value) }

func WithFields(fields map[string]interface{}) *LogEntry { return GetLogger().WithFields(fields) }

func WithError(err error) *LogEntry { return GetLogger().WithError(err) }

func Debug(args ...interface{}) { GetLogger().log(DEBUG, fmt.Sprint(args...), nil) }

func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

func Info(args ...interface{}) { GetLogger().log(INFO, fmt.Sprint(args...), nil) }

func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

func Warn(args ...interface{}) { GetLogger().log(WARN, fmt.Sprint(args...), nil) }

func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

func Error(args ...interface{}) { GetLogger().log(ERROR, fmt.Sprint(args...), nil) }

func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close stops rotation and closes the log file
func (l *Logger) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) Info(args ...interface{}) { l.log(INFO, fmt.Sprint(args...), nil) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
