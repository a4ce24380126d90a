package engine

import (
	"sync"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
)

// TaskManager tracks tasks so they can be cancelled as a group.
// Wrapped tasks that have not started when CancelAndWait is called become
// no-ops; tasks already running are waited for. CancelAndWait is idempotent
// and safe to call from multiple goroutines.
type TaskManager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	running  int
	canceled bool
}

// NewTaskManager returns an empty manager.
func NewTaskManager() *TaskManager {
	m := &TaskManager{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Wrap returns a task that runs t unless the manager was cancelled first.
func (m *TaskManager) Wrap(t wasmpipeline.Task) wasmpipeline.Task {
	return func() {
		if !m.begin() {
			return
		}
		defer m.end()
		t()
	}
}

func (m *TaskManager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canceled {
		return false
	}
	m.running++
	return true
}

func (m *TaskManager) end() {
	m.mu.Lock()
	m.running--
	m.cond.Broadcast()
	m.mu.Unlock()
}

// CancelAndWait stops new tasks from starting and blocks until all running
// tasks have finished.
func (m *TaskManager) CancelAndWait() {
	m.mu.Lock()
	m.canceled = true
	for m.running > 0 {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// Canceled reports whether CancelAndWait has been called.
func (m *TaskManager) Canceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled
}

// ForegroundQueue is a serialized task queue standing in for the host's
// main-thread task runner. Tasks run in post order, one at a time, on
// whichever goroutine pumps the queue.
type ForegroundQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []wasmpipeline.Task
}

// NewForegroundQueue returns an empty queue.
func NewForegroundQueue() *ForegroundQueue {
	q := &ForegroundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Post enqueues a task.
func (q *ForegroundQueue) Post(t wasmpipeline.Task) {
	q.mu.Lock()
	q.queue = append(q.queue, t)
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *ForegroundQueue) pop() (wasmpipeline.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, false
	}
	t := q.queue[0]
	q.queue = q.queue[1:]
	return t, true
}

// RunUntilIdle executes queued tasks until the queue is empty and returns
// how many ran. Tasks posted by executed tasks run too.
func (q *ForegroundQueue) RunUntilIdle() int {
	n := 0
	for {
		t, ok := q.pop()
		if !ok {
			return n
		}
		t()
		n++
	}
}

// RunUntil pumps the queue, blocking for new tasks, until done returns
// true. done is evaluated on the pumping goroutine between tasks, so it may
// read state only foreground tasks write.
func (q *ForegroundQueue) RunUntil(done func() bool) {
	for {
		if t, ok := q.pop(); ok {
			t()
			continue
		}
		if done() {
			return
		}
		q.mu.Lock()
		for len(q.queue) == 0 {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Wake unblocks a RunUntil caller so it re-evaluates its condition.
func (q *ForegroundQueue) Wake() {
	q.Post(func() {})
}

// Scheduler implements wasmpipeline.TaskRunner over a ForegroundQueue and
// plain goroutines. With numTasks zero, worker tasks are posted to the
// foreground queue instead, making compilation deterministic.
type Scheduler struct {
	fg       *ForegroundQueue
	numTasks int
}

// NewScheduler returns a scheduler with its own foreground queue.
func NewScheduler(numTasks int) *Scheduler {
	return &Scheduler{fg: NewForegroundQueue(), numTasks: numTasks}
}

// Foreground exposes the queue for pumping.
func (s *Scheduler) Foreground() *ForegroundQueue { return s.fg }

// PostForeground implements wasmpipeline.TaskRunner.
func (s *Scheduler) PostForeground(t wasmpipeline.Task) {
	s.fg.Post(t)
}

// PostWorker implements wasmpipeline.TaskRunner.
func (s *Scheduler) PostWorker(t wasmpipeline.Task) {
	if s.numTasks == 0 {
		s.fg.Post(t)
		return
	}
	go t()
}
