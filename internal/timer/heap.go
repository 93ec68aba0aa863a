package timer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a callback scheduled for a single future execution.
type Task struct {
	ID    string
	At    time.Time
	Run   func(ctx context.Context)
	index int
}

// taskHeap is a min-heap of Tasks ordered by At
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].At.Before(h[j].At)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

var ErrManagerStopped = errors.New("timer manager is stopped")

// Manager fires tasks at their deadline on a fixed pool of workers. A
// task ID is unique: scheduling an existing ID replaces it.
type Manager struct {
	heap    taskHeap
	tasks   map[string]*Task
	mu      sync.Mutex
	wakeup  chan struct{}
	ready   chan *Task
	workers int
	running int
	started bool
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	loopDone chan struct{}
	workerWg sync.WaitGroup
	log      logrus.FieldLogger
}

// NewManager creates a manager with the given number of workers.
func NewManager(workers int, log logrus.FieldLogger) *Manager {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		heap:     make(taskHeap, 0),
		tasks:    make(map[string]*Task),
		wakeup:   make(chan struct{}, 1),
		ready:    make(chan *Task),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		log:      log,
	}
	heap.Init(&m.heap)
	return m
}

// Start launches the dispatch loop and the worker pool.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		m.workerWg.Add(1)
		go m.worker()
	}
	go m.run()
}

// Stop discards pending tasks, cancels the context handed to running
// tasks and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	close(m.stopCh)
	m.mu.Unlock()

	if !started {
		m.cancel()
		return
	}

	<-m.loopDone
	close(m.ready)
	m.cancel()
	m.workerWg.Wait()
}

// Schedule adds a task to run at the given time.
func (m *Manager) Schedule(id string, at time.Time, run func(ctx context.Context)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}

	if existing, ok := m.tasks[id]; ok {
		heap.Remove(&m.heap, existing.index)
		delete(m.tasks, id)
	}

	task := &Task{ID: id, At: at, Run: run}
	heap.Push(&m.heap, task)
	m.tasks[id] = task

	if m.heap[0] == task {
		select {
		case m.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// Cancel removes a scheduled task
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return false
	}

	heap.Remove(&m.heap, task.index)
	delete(m.tasks, id)
	return true
}

// Next reports when the task with the given ID is due.
func (m *Manager) Next(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return task.At, true
}

func (m *Manager) run() {
	defer close(m.loopDone)

	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}

		wait := 24 * time.Hour
		if m.heap.Len() > 0 {
			wait = time.Until(m.heap[0].At)
			if wait <= 0 {
				task := heap.Pop(&m.heap).(*Task)
				delete(m.tasks, task.ID)
				m.mu.Unlock()

				select {
				case m.ready <- task:
				case <-m.stopCh:
					return
				}
				continue
			}
		}
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-m.wakeup:
			timer.Stop()
		case <-m.stopCh:
			timer.Stop()
			return
		}
	}
}

func (m *Manager) worker() {
	defer m.workerWg.Done()

	for task := range m.ready {
		m.execute(task)
	}
}

func (m *Manager) execute(task *Task) {
	m.mu.Lock()
	m.running++
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("task", task.ID).WithError(fmt.Errorf("%v", r)).Error("task panicked")
		}
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	task.Run(m.ctx)
}

// Stats returns statistics about the manager
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		ScheduledTasks: len(m.tasks),
		RunningTasks:   m.running,
		Workers:        m.workers,
	}
}

// Stats contains statistics about the manager
type Stats struct {
	ScheduledTasks int
	RunningTasks   int
	Workers        int
}
