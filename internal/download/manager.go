package download

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/shelfcache-project/shelfcache/internal/logger"
)

// Wildcard subscribes to snapshots of every task
const Wildcard = "*"

// Manager manages download tasks
type Manager struct {
	config    DownloadConfig
	transport Transport
	persist   PersistFunc
	clock     Clock

	mu     sync.RWMutex
	tasks    map[string]*Task
	subs     map[string]map[string]*Subscription
	removing map[string]struct{} // items whose files are being deleted
	closed   bool

	events  chan DownloadProgress
	seq     atomic.Uint64
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the wall clock, used by tests
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithPersistence installs the callback that records downloaded items
func WithPersistence(persist PersistFunc) Option {
	return func(m *Manager) {
		m.persist = persist
	}
}

// NewManager creates a new download manager
func NewManager(config DownloadConfig, transport Transport, opts ...Option) *Manager {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	if transport == nil {
		transport = NewHTTPTransport(TransportConfig{ReportInterval: config.ProgressInterval})
	}

	m := &Manager{
		config:    config,
		transport: transport,
		clock:     SystemClock,
		tasks:     make(map[string]*Task),
		removing:  make(map[string]struct{}),
		subs:      make(map[string]map[string]*Subscription),
		events:    make(chan DownloadProgress, config.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	// Start progress broadcaster
	m.wg.Add(1)
	go m.progressBroadcaster()

	return m
}

// Config returns the effective configuration
func (m *Manager) Config() DownloadConfig {
	return m.config
}

// Start creates a task for a library item and begins fetching its files.
// A live task for the same item is rejected with DuplicateTaskError;
// a terminal one is replaced.
func (m *Manager) Start(libraryItemID string, files []FileSpec) (string, error) {
	if err := ValidateItemID(libraryItemID); err != nil {
		return "", err
	}
	specs, err := normalizeFiles(files)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if _, busy := m.removing[libraryItemID]; busy {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrItemBusy, libraryItemID)
	}

	var after <-chan struct{}
	if prev, exists := m.tasks[libraryItemID]; exists {
		status := prev.Status()
		if !status.IsTerminal() {
			m.mu.Unlock()
			return "", &DuplicateTaskError{LibraryItemID: libraryItemID, Status: status}
		}
		// the new run must not touch the item directory before the old cleanup finished
		after = prev.settled
	}

	task := newTask(libraryItemID, specs, after, taskDeps{
		config:     m.config,
		clock:      m.clock,
		transport:  m.transport,
		emit:       m.publish,
		nextSeq:    m.nextSeq,
		onTerminal: m.handleTerminal,
		wg:         &m.wg,
		ctx:        m.ctx,
	})
	m.tasks[libraryItemID] = task
	task.start()
	m.mu.Unlock()

	var total int64
	for _, f := range specs {
		total += f.Size
	}
	logger.Infof("开始下载: %s (%d 个文件, %s)", libraryItemID, len(specs), humanize.IBytes(uint64(total)))

	if warning := task.sizeWarning(); warning != nil {
		logger.WithField("item", libraryItemID).Warnf("文件大小未知，进度将按文件数估算: %v", warning)
	}

	return libraryItemID, nil
}

// Pause suspends a downloading task
func (m *Manager) Pause(taskID string) (CommandResult, error) {
	return m.command(taskID, CommandPause, (*Task).pause)
}

// Resume continues a paused task from its last confirmed offset
func (m *Manager) Resume(taskID string) (CommandResult, error) {
	return m.command(taskID, CommandResume, (*Task).resume)
}

// Cancel aborts a downloading or paused task
func (m *Manager) Cancel(taskID string) (CommandResult, error) {
	return m.command(taskID, CommandCancel, (*Task).cancel)
}

func (m *Manager) command(taskID string, cmd Command, apply func(*Task) CommandResult) (CommandResult, error) {
	m.mu.RLock()
	closed := m.closed
	task, exists := m.tasks[taskID]
	m.mu.RUnlock()

	if closed {
		return CommandResult{}, ErrManagerClosed
	}
	if !exists {
		return CommandResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	result := apply(task)
	if result.Applied {
		logger.Infof("下载任务 %s 执行命令 %s，当前状态: %s", taskID, cmd, result.Status)
	} else {
		logger.Debugf("忽略命令: %s", result.Reason)
	}
	return result, nil
}

// Ack removes a terminal task from the live set once the caller has seen its outcome
func (m *Manager) Ack(taskID string) (CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[taskID]
	if !exists {
		return CommandResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	status := task.Status()
	if !status.IsTerminal() {
		reason := &InvalidStateCommand{TaskID: taskID, Command: CommandAck, Status: status}
		return CommandResult{TaskID: taskID, Command: CommandAck, Status: status, Reason: reason.Error(), NoOp: reason}, nil
	}

	delete(m.tasks, taskID)
	logger.Debugf("下载任务 %s 已确认并移除", taskID)
	return CommandResult{TaskID: taskID, Command: CommandAck, Applied: true, Status: status}, nil
}

// Evict removes a task regardless of its state, cancelling it first when live
func (m *Manager) Evict(taskID string) (CommandResult, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return CommandResult{}, ErrManagerClosed
	}
	task, exists := m.tasks[taskID]
	m.mu.RUnlock()

	if !exists {
		return CommandResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	task.cancel()

	m.mu.Lock()
	// a restart may have replaced the task in between
	if m.tasks[taskID] == task {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()

	logger.Infof("下载任务 %s 已移除", taskID)
	return CommandResult{TaskID: taskID, Command: CommandEvict, Applied: true, Status: task.Status()}, nil
}

// RemoveItem drops the item's terminal task and runs remove while Start is
// refused for the item with ErrItemBusy. A live task is rejected with
// DuplicateTaskError and remove is not called.
func (m *Manager) RemoveItem(libraryItemID string, remove func() error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, busy := m.removing[libraryItemID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemBusy, libraryItemID)
	}
	task, exists := m.tasks[libraryItemID]
	if exists {
		if status := task.Status(); !status.IsTerminal() {
			m.mu.Unlock()
			return &DuplicateTaskError{LibraryItemID: libraryItemID, Status: status}
		}
		delete(m.tasks, libraryItemID)
	}
	m.removing[libraryItemID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.removing, libraryItemID)
		m.mu.Unlock()
	}()

	if exists {
		// partial-file cleanup of the old run must finish first
		<-task.settled
	}
	if err := remove(); err != nil {
		return err
	}
	logger.Debugf("已移除条目: %s", libraryItemID)
	return nil
}

// Get returns the current snapshot of a task
func (m *Manager) Get(taskID string) (DownloadProgress, error) {
	m.mu.RLock()
	task, exists := m.tasks[taskID]
	m.mu.RUnlock()

	if !exists {
		return DownloadProgress{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Snapshot(), nil
}

// Task returns the live task for an item
func (m *Manager) Task(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[taskID]
	return task, exists
}

// List returns snapshots of all tasks ordered by id
func (m *Manager) List() []DownloadProgress {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.RUnlock()

	list := make([]DownloadProgress, 0, len(tasks))
	for _, task := range tasks {
		list = append(list, task.Snapshot())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].LibraryItemID < list[j].LibraryItemID
	})
	return list
}

// SizeWarning reports files of a task whose size is not known yet
func (m *Manager) SizeWarning(taskID string) *SizeUnknownWarning {
	task, exists := m.Task(taskID)
	if !exists {
		return nil
	}
	return task.sizeWarning()
}

// Stats summarizes the manager state
type Stats struct {
	Tasks         int            `json:"tasks"`
	ByStatus      map[string]int `json:"byStatus"`
	Subscriptions int            `json:"subscriptions"`
	Dropped       uint64         `json:"droppedSnapshots"`
}

// Stats returns task counts per status
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Tasks:    len(m.tasks),
		ByStatus: make(map[string]int),
		Dropped:  m.dropped.Load(),
	}
	for _, task := range m.tasks {
		stats.ByStatus[task.Status().String()]++
	}
	for _, subs := range m.subs {
		stats.Subscriptions += len(subs)
	}
	return stats
}

// Subscribe returns a stream of snapshots for one task, or for all tasks with Wildcard.
// The current snapshot is replayed immediately. A task subscription is closed
// after the task's terminal snapshot; a wildcard subscription stays open until
// Unsubscribe or Close.
func (m *Manager) Subscribe(taskID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	sub := &Subscription{
		id:      uuid.New().String(),
		taskID:  taskID,
		ch:      make(chan DownloadProgress, m.config.SubscriberBuffer),
		lastSeq: make(map[string]uint64),
	}

	var replay []*Task
	if taskID == Wildcard {
		for _, task := range m.tasks {
			replay = append(replay, task)
		}
	} else {
		task, exists := m.tasks[taskID]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		sub.serial = task.serial
		replay = append(replay, task)
	}

	if m.subs[taskID] == nil {
		m.subs[taskID] = make(map[string]*Subscription)
	}
	m.subs[taskID][sub.id] = sub

	for _, task := range replay {
		if sub.deliver(task.Snapshot()) {
			delete(m.subs[taskID], sub.id)
		}
	}
	return sub, nil
}

// Unsubscribe detaches a subscription and closes its channel
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	if subs, ok := m.subs[sub.taskID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(m.subs, sub.taskID)
		}
	}
	m.mu.Unlock()

	sub.close()
}

func (m *Manager) nextSeq() uint64 {
	return m.seq.Add(1)
}

// publish hands a snapshot to the broadcaster without blocking the task
func (m *Manager) publish(p DownloadProgress) {
	select {
	case m.events <- p:
		return
	default:
	}

	if !p.Status.IsTerminal() {
		m.dropped.Add(1)
		logger.Debugf("进度队列已满，丢弃 %s 的进度快照", p.LibraryItemID)
		return
	}

	// terminal snapshots are never dropped
	go func() {
		select {
		case m.events <- p:
		case <-m.stop:
		}
	}()
}

// progressBroadcaster fans snapshots out to subscribers
func (m *Manager) progressBroadcaster() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			// deliver what is already queued, then exit
			for {
				select {
				case p := <-m.events:
					m.dispatch(p)
				default:
					return
				}
			}
		case p := <-m.events:
			m.dispatch(p)
		}
	}
}

func (m *Manager) dispatch(p DownloadProgress) {
	m.mu.RLock()
	targets := make([]*Subscription, 0, len(m.subs[p.LibraryItemID])+len(m.subs[Wildcard]))
	for _, sub := range m.subs[p.LibraryItemID] {
		targets = append(targets, sub)
	}
	for _, sub := range m.subs[Wildcard] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	var finished []*Subscription
	for _, sub := range targets {
		if sub.deliver(p) {
			finished = append(finished, sub)
		}
	}

	if len(finished) > 0 {
		m.mu.Lock()
		for _, sub := range finished {
			if subs, ok := m.subs[sub.taskID]; ok {
				delete(subs, sub.id)
				if len(subs) == 0 {
					delete(m.subs, sub.taskID)
				}
			}
		}
		m.mu.Unlock()
	}
}

// handleTerminal runs once per task after it reached a terminal status
func (m *Manager) handleTerminal(task *Task, p DownloadProgress) {
	switch p.Status {
	case StatusCompleted:
		logger.Infof("下载完成: %s (%d 个文件, %s)", p.LibraryItemID, p.TotalFiles, humanize.IBytes(uint64(p.BytesDownloaded)))
	case StatusError:
		logger.WithField("item", p.LibraryItemID).Errorf("下载失败: %s", p.Error)
	case StatusCancelled:
		logger.Infof("下载已取消: %s", p.LibraryItemID)
	}

	if m.persist == nil {
		return
	}

	completion := Completion{
		Progress:   p,
		Files:      task.Files(),
		Directory:  task.Directory(),
		Downloaded: p.Status == StatusCompleted,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.persist(ctx, completion); err != nil {
			logger.WithError(err).Errorf("保存下载状态失败: %s", p.LibraryItemID)
		}
	}()
}

// Close pauses live tasks, closes all subscriptions and waits for transfers to exit
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tasks := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.Unlock()

	for _, task := range tasks {
		task.pause()
	}

	m.cancel()
	close(m.stop)

	// Wait for all downloads to finish with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		err = fmt.Errorf("timeout waiting for downloads to finish")
	}

	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]map[string]*Subscription)
	m.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.close()
		}
	}
	return err
}

// Subscription is a bounded stream of snapshots
type Subscription struct {
	id     string
	taskID string
	serial uint64 // task instance of a task subscription, 0 for wildcard
	ch     chan DownloadProgress

	mu      sync.Mutex
	closed  bool
	lastSeq map[string]uint64
}

// C returns the snapshot channel
func (s *Subscription) C() <-chan DownloadProgress {
	return s.ch
}

// ID returns the subscription id
func (s *Subscription) ID() string {
	return s.id
}

// TaskID returns the subscribed task, or Wildcard
func (s *Subscription) TaskID() string {
	return s.taskID
}

// deliver enqueues p and reports whether the subscription is finished.
// Snapshots older than the last delivered one for the same task are skipped.
// When the buffer is full, non-terminal snapshots are dropped and a terminal
// one replaces the oldest queued snapshot.
func (s *Subscription) deliver(p DownloadProgress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	if s.serial != 0 && p.serial != s.serial {
		return false
	}
	if p.seq <= s.lastSeq[p.LibraryItemID] {
		return false
	}
	s.lastSeq[p.LibraryItemID] = p.seq

	terminal := p.Status.IsTerminal()
	select {
	case s.ch <- p:
	default:
		if !terminal {
			return false
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- p:
		default:
		}
	}

	if terminal && s.serial != 0 {
		s.closed = true
		close(s.ch)
		return true
	}
	return false
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// ValidateItemID rejects ids that are empty or cannot name a directory
func ValidateItemID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: library item id is required", ErrInvalidRequest)
	}
	if id == Wildcard || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: invalid library item id %q", ErrInvalidRequest, id)
	}
	return nil
}

// normalizeFiles fills in missing names and rejects unsafe or duplicate ones
func normalizeFiles(files []FileSpec) ([]FileSpec, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: file list is empty", ErrInvalidRequest)
	}

	seen := make(map[string]bool, len(files))
	specs := make([]FileSpec, 0, len(files))
	for i, f := range files {
		if strings.TrimSpace(f.URL) == "" {
			return nil, fmt.Errorf("%w: file %d has no url", ErrInvalidRequest, i)
		}
		if f.Size < 0 {
			return nil, fmt.Errorf("%w: file %d has negative size", ErrInvalidRequest, i)
		}

		name := f.Name
		if name == "" {
			name = extractFileNameFromURL(f.URL)
		}
		name = filepath.Base(filepath.Clean(strings.ReplaceAll(name, `\`, "/")))
		if name == "" || name == "." || name == ".." || name == "/" {
			return nil, fmt.Errorf("%w: file %d has no usable name", ErrInvalidRequest, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate file name %q", ErrInvalidRequest, name)
		}
		seen[name] = true

		specs = append(specs, FileSpec{Name: name, URL: f.URL, Size: f.Size})
	}
	return specs, nil
}
