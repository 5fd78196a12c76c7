// Package taskmanager runs download tasks through the resolve, fetch, merge
// and tag stages with a bounded number of tasks running at once.
package taskmanager

import (
	"context"
	"slices"
	"sync"

	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/media"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/italolelis/musichub_downloader/internal/telemetry"
)

const defaultConcurrency = 2

// ServerResolver resolves the byte sources of a record. Implementations
// dedupe concurrent resolutions of the same track.
type ServerResolver interface {
	GetServer(ctx context.Context, rec storage.DownloadRecord) (media.Server, error)
}

// Progress is the progress of one stage of a task. Total is 0 when unknown.
type Progress struct {
	Stage   storage.TaskState `json:"stage"`
	Current int64             `json:"current"`
	Total   int64             `json:"total"`
}

type Options struct {
	Concurrency int
	WorkDir     string
	TargetDir   string
	Telemetry   *telemetry.Telemetry
}

type task struct {
	id      int64
	ctx     context.Context
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the running tasks. It is safe for concurrent use.
type Manager struct {
	store      storage.Repository
	resolver   ServerResolver
	extensions *extension.Registry
	failures   FailureWriter
	workDir    string
	targetDir  string
	telemetry  *telemetry.Telemetry

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	concurrency int
	queue       []int64
	tasks       map[int64]*task
	running     int
	progress    map[int64]map[storage.TaskState]Progress
	changed     chan struct{}
	closed      bool

	watcher *storage.Watcher
}

func New(store storage.Repository, resolver ServerResolver, extensions *extension.Registry, failures FailureWriter, opts Options) *Manager {
	if opts.Concurrency < 1 {
		opts.Concurrency = defaultConcurrency
	}

	ctx, stop := context.WithCancel(context.Background())

	return &Manager{
		store:       store,
		resolver:    resolver,
		extensions:  extensions,
		failures:    failures,
		workDir:     opts.WorkDir,
		targetDir:   opts.TargetDir,
		telemetry:   opts.Telemetry,
		baseCtx:     ctx,
		stop:        stop,
		concurrency: opts.Concurrency,
		tasks:       map[int64]*task{},
		progress:    map[int64]map[storage.TaskState]Progress{},
		changed:     make(chan struct{}),
		watcher:     storage.NewWatcher(),
	}
}

// Enqueue queues rec unless a task for it is already queued or running.
// The task inherits the logger of ctx but not its cancellation.
func (m *Manager) Enqueue(ctx context.Context, rec storage.DownloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if _, ok := m.tasks[rec.ID]; ok {
		return nil
	}

	taskCtx, cancel := context.WithCancel(logctx.WithLogger(m.baseCtx, logctx.LoggerFromContext(ctx)))

	m.tasks[rec.ID] = &task{id: rec.ID, ctx: taskCtx, cancel: cancel, done: make(chan struct{})}
	m.queue = append(m.queue, rec.ID)

	m.signalLocked()
	m.scheduleLocked()

	return nil
}

// scheduleLocked starts queued tasks in FIFO order while slots are free.
func (m *Manager) scheduleLocked() {
	for m.running < m.concurrency && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		next := m.tasks[id]
		next.started = true
		m.running++

		m.wg.Add(1)

		go m.run(next)
	}
}

// SetConcurrency changes how many tasks may run at once. Running tasks are
// not preempted when the limit shrinks.
func (m *Manager) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.concurrency = n
	m.scheduleLocked()
}

func (m *Manager) Concurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.concurrency
}

// Remove cancels the task of download id, queued or running, and waits until
// it stopped or ctx is done.
func (m *Manager) Remove(ctx context.Context, id int64) error {
	m.mu.Lock()

	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()

		return nil
	}

	if !t.started {
		m.queue = slices.DeleteFunc(m.queue, func(q int64) bool { return q == id })
		delete(m.tasks, id)
		t.cancel()
		close(t.done)
		m.signalLocked()
		m.mu.Unlock()

		return nil
	}

	t.cancel()
	m.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveAll cancels every task and waits for them to stop.
func (m *Manager) RemoveAll(ctx context.Context) error {
	m.mu.Lock()

	ids := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}

	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Remove(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// Has reports whether a task for id is queued or running.
func (m *Manager) Has(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tasks[id]

	return ok
}

// Active returns the ids of the running tasks.
func (m *Manager) Active() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64

	for id, t := range m.tasks {
		if t.started {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

// Pending returns how many tasks are queued or running.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tasks)
}

// Progress returns the stage progress of every running task, stages in
// pipeline order.
func (m *Manager) Progress() map[int64][]Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64][]Progress, len(m.progress))

	for id, stages := range m.progress {
		list := make([]Progress, 0, len(stages))
		for _, p := range stages {
			list = append(list, p)
		}

		slices.SortFunc(list, func(a, b Progress) int { return stageOrder(a.Stage) - stageOrder(b.Stage) })

		out[id] = list
	}

	return out
}

// Subscribe notifies on every progress or task set change.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	return m.watcher.Subscribe()
}

// Wait blocks until no task is queued or running.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()

			return nil
		}

		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels every task and waits for their goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true

	for id, t := range m.tasks {
		if !t.started {
			delete(m.tasks, id)
			t.cancel()
			close(t.done)
		}
	}

	m.queue = nil
	m.signalLocked()
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
}

func (m *Manager) setProgress(id int64, p Progress) {
	m.mu.Lock()

	stages, ok := m.progress[id]
	if !ok {
		stages = map[storage.TaskState]Progress{}
		m.progress[id] = stages
	}

	stages[p.Stage] = p
	m.mu.Unlock()

	m.watcher.Notify()
}

func (m *Manager) finish(t *task) {
	m.mu.Lock()

	t.cancel()
	delete(m.tasks, t.id)
	delete(m.progress, t.id)
	m.running--
	close(t.done)
	m.signalLocked()

	if !m.closed {
		m.scheduleLocked()
	}

	m.mu.Unlock()

	m.watcher.Notify()
	m.wg.Done()
}

// signalLocked wakes Wait callers.
func (m *Manager) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func stageOrder(s storage.TaskState) int {
	switch s {
	case storage.StateResolving:
		return 1
	case storage.StateFetching:
		return 2
	case storage.StateMerging:
		return 3
	case storage.StateTagging:
		return 4
	default:
		return 5
	}
}
