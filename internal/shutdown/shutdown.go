// Package shutdown coordinates graceful shutdown of the ShelfCache process.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shelfcache-project/shelfcache/internal/logger"
)

// Hook is called once during shutdown
type Hook func(ctx context.Context) error

// Priority defines the order in which hooks run. Lower runs first.
type Priority int

const (
	// PriorityCritical stops intake (HTTP listener, stream connections)
	PriorityCritical Priority = 0
	// PriorityHigh stops work in flight (download manager)
	PriorityHigh Priority = 1
	// PriorityNormal releases resources (storage)
	PriorityNormal Priority = 2
	// PriorityLow runs last (log files)
	PriorityLow Priority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority Priority
}

// Manager runs registered hooks when a signal arrives or Trigger is called.
// Hooks sharing a priority run concurrently; priorities run in order.
type Manager struct {
	mu       sync.Mutex
	hooks    []registeredHook
	timeout  time.Duration
	signals  []os.Signal
	sigChan  chan os.Signal
	trigger  chan string
	done     chan struct{}
	started  bool
	finished bool
	errs     []error
}

// NewManager creates a shutdown manager. timeout bounds each priority group.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT},
		sigChan: make(chan os.Signal, 1),
		trigger: make(chan string, 1),
		done:    make(chan struct{}),
	}
}

// Register adds a hook. Registration after shutdown began is ignored.
func (m *Manager) Register(name string, hook Hook, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return
	}
	m.hooks = append(m.hooks, registeredHook{name: name, hook: hook, priority: priority})
	logger.Debugf("注册关闭钩子: %s (优先级: %d)", name, priority)
}

// Start begins listening for shutdown signals
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, m.signals...)
	go m.wait()
}

func (m *Manager) wait() {
	var reason string
	select {
	case sig := <-m.sigChan:
		reason = fmt.Sprintf("收到关闭信号: %v", sig)
	case reason = <-m.trigger:
	}
	signal.Stop(m.sigChan)

	logger.Info(reason)
	m.run()
}

// Trigger starts shutdown without a signal
func (m *Manager) Trigger(reason string) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if !started {
		m.Start()
	}
	select {
	case m.trigger <- reason:
	default:
	}
}

func (m *Manager) run() {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.finished = true
	hooks := make([]registeredHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	logger.Info("开始优雅关闭...")

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority < hooks[j].priority })

	var errs []error
	for start := 0; start < len(hooks); {
		end := start
		for end < len(hooks) && hooks[end].priority == hooks[start].priority {
			end++
		}
		errs = append(errs, m.runGroup(hooks[start:end])...)
		start = end
	}

	m.mu.Lock()
	m.errs = errs
	m.mu.Unlock()

	logger.Info("优雅关闭完成")
	close(m.done)
}

func (m *Manager) runGroup(group []registeredHook) []error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, h := range group {
		g.Go(func() error {
			logger.Infof("执行关闭钩子: %s", h.name)

			result := make(chan error, 1)
			go func() { result <- h.hook(ctx) }()

			var err error
			select {
			case err = <-result:
			case <-ctx.Done():
				err = fmt.Errorf("超时 (%v)", m.timeout)
			}

			if err != nil {
				logger.Errorf("关闭钩子 %s 失败: %v", h.name, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				mu.Unlock()
				return nil
			}
			logger.Infof("关闭钩子 %s 完成", h.name)
			return nil
		})
	}
	g.Wait()
	return errs
}

// Done is closed once every hook has run
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown is complete and returns the joined hook errors
func (m *Manager) Wait() error {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}
