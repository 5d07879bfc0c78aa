// Package monitor samples disk usage of the download directory
// 这个包负责采样下载目录所在磁盘的使用情况
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shelfcache-project/shelfcache/internal/logger"
)

// ErrInsufficientSpace is returned by CheckSpace when the disk cannot hold a download
var ErrInsufficientSpace = errors.New("insufficient disk space")

// Usage is one sample of the download directory's disk and process memory
type Usage struct {
	Directory   string    `json:"directory"`
	DiskTotal   uint64    `json:"diskTotal"`
	DiskFree    uint64    `json:"diskFree"`
	DiskUsed    uint64    `json:"diskUsed"`
	UsedPercent float64   `json:"usedPercent"`
	MemoryTotal uint64    `json:"memoryTotal,omitempty"`
	MemoryUsed  uint64    `json:"memoryUsed,omitempty"`
	Goroutines  int       `json:"goroutines"`
	SampledAt   time.Time `json:"sampledAt"`
}

// Human renders the disk figures for logs and the CLI
func (u *Usage) Human() string {
	return fmt.Sprintf("%s 可用 / %s 总计 (%.1f%% 已用)",
		humanize.IBytes(u.DiskFree), humanize.IBytes(u.DiskTotal), u.UsedPercent)
}

// Config configures the disk monitor
type Config struct {
	Directory string
	Interval  time.Duration // 采样间隔，默认30秒
	// LowSpaceBytes logs a warning when free space drops below it; 0 disables
	LowSpaceBytes uint64
	Logger        *logger.Logger
}

// DiskMonitor periodically samples the download directory's filesystem
type DiskMonitor struct {
	dir      string
	interval time.Duration
	lowSpace uint64
	log      *logger.Logger

	usage func(ctx context.Context, path string) (*disk.UsageStat, error)

	mu      sync.RWMutex
	last    *Usage
	warned  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDiskMonitor creates a monitor for cfg.Directory
func NewDiskMonitor(cfg Config) *DiskMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	return &DiskMonitor{
		dir:      cfg.Directory,
		interval: cfg.Interval,
		lowSpace: cfg.LowSpaceBytes,
		log:      cfg.Logger,
		usage:    disk.UsageWithContext,
	}
}

// Start takes a first sample and keeps sampling until Stop
func (m *DiskMonitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("磁盘监控器已在运行")
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if _, err := m.Sample(ctx); err != nil {
		m.log.Warnf("初始磁盘采样失败: %v", err)
	}

	m.wg.Add(1)
	go m.loop(ctx)

	m.log.Infof("磁盘监控器已启动，目录: %s，采样间隔: %v", m.dir, m.interval)
	return nil
}

// Stop ends the sampling loop
func (m *DiskMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("磁盘监控器已停止")
}

func (m *DiskMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sample(ctx); err != nil {
				m.log.Debugf("磁盘采样失败: %v", err)
			}
		}
	}
}

// Sample reads current usage and stores it as the latest value
func (m *DiskMonitor) Sample(ctx context.Context) (*Usage, error) {
	path := m.existingPath()
	stat, err := m.usage(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("读取磁盘使用情况失败 (%s): %w", path, err)
	}

	u := &Usage{
		Directory:   m.dir,
		DiskTotal:   stat.Total,
		DiskFree:    stat.Free,
		DiskUsed:    stat.Used,
		UsedPercent: stat.UsedPercent,
		Goroutines:  runtime.NumGoroutine(),
		SampledAt:   time.Now(),
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		u.MemoryTotal = vm.Total
		u.MemoryUsed = vm.Used
	}

	m.mu.Lock()
	m.last = u
	low := m.lowSpace > 0 && u.DiskFree < m.lowSpace
	warn := low && !m.warned
	m.warned = low
	m.mu.Unlock()

	if warn {
		m.log.WithFields(map[string]interface{}{
			"directory": m.dir,
			"free":      humanize.IBytes(u.DiskFree),
			"threshold": humanize.IBytes(m.lowSpace),
		}).Warn("下载目录磁盘空间不足")
	}
	return u, nil
}

// Latest returns the most recent sample, sampling now if there is none
func (m *DiskMonitor) Latest(ctx context.Context) (*Usage, error) {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last != nil {
		cp := *last
		return &cp, nil
	}
	return m.Sample(ctx)
}

// CheckSpace fails with ErrInsufficientSpace when required bytes exceed free space
func (m *DiskMonitor) CheckSpace(ctx context.Context, required uint64) error {
	if required == 0 {
		return nil
	}
	u, err := m.Sample(ctx)
	if err != nil {
		// usage unknown, let the transfer find out
		return nil
	}
	if required > u.DiskFree {
		return fmt.Errorf("%w: 需要 %s，可用 %s", ErrInsufficientSpace,
			humanize.IBytes(required), humanize.IBytes(u.DiskFree))
	}
	return nil
}

// existingPath walks up from the download directory to the nearest existing ancestor
func (m *DiskMonitor) existingPath() string {
	path := m.dir
	if path == "" {
		return "."
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
