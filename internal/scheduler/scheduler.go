// Package scheduler implements the task scheduler that the factory and
// blocking coordinator dispatch work onto: a shared elastic pool for
// unbound async work, and one FIFO goroutine per named sync queue so
// that every call sharing a source serializes in arrival order.
//
// # Design
//
// Two kinds of work flow through the scheduler:
//
//   - Async tasks have no queue affinity and run on a shared elastic
//     worker pool.
//   - Sync tasks are bound to a named queue (created via CreateQueue) and
//     run strictly in post order on a single goroutine per queue.
//
// A queue starts in the locked state: tasks may be posted to it, but its
// runner goroutine will not drain any of them until UnlockQueue is called
// at least once, after which the queue stays unlocked for the rest of its
// lifetime. This models the two-part "post, then unlock" protocol that
// the blocking coordinator relies on (spec §4.4 step 1); Factory.Call
// posts and unlocks in the same breath for the same reason — a
// source-bound sync task would otherwise never run.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oriys/enginehost/internal/logging"
	"github.com/oriys/enginehost/internal/queue"
)

// QueueID identifies a scheduler-owned task queue.
type QueueID uint64

// Kind distinguishes asynchronous (unbound) tasks from synchronous
// (queue-bound) tasks.
type Kind int

const (
	KindAsync Kind = iota
	KindSync
)

func (k Kind) String() string {
	if k == KindSync {
		return "sync"
	}
	return "async"
}

// Task is one unit of work submitted to the scheduler.
type Task struct {
	Kind     Kind
	Preempt  bool
	Priority int
	Queue    *QueueID
	Run      func()
	Info     string
}

type taskQueue struct {
	id       QueueID
	priority int
	preempt  bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	locked  bool
	closed  bool
}

func newTaskQueue(id QueueID, priority int, preempt bool) *taskQueue {
	q := &taskQueue{id: id, priority: priority, preempt: preempt, locked: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) post(t Task) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.cond.Signal()
	q.mu.Unlock()
}

// unlock releases the queue's initial lock, if it hasn't been released
// already, and wakes its runner. Once unlocked a queue stays unlocked for
// the rest of its lifetime, so calling this again is a harmless no-op wake.
func (q *taskQueue) unlock() {
	q.mu.Lock()
	q.locked = false
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *taskQueue) closeQueue() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// run drains pending tasks in FIFO order for the lifetime of the queue,
// but only after the queue has been unlocked at least once: while locked,
// posted tasks accumulate in q.pending without running. All tasks for a
// single source thus execute strictly in post order, regardless of which
// goroutine posted them.
func (q *taskQueue) run() {
	for {
		q.mu.Lock()
		for !q.closed && (q.locked || len(q.pending) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if t.Run != nil {
			t.Run()
		}
	}
}

// Config controls the shared async worker pool.
type Config struct {
	// MinWorkers is the number of async worker goroutines kept alive at
	// all times. Defaults to 2.
	MinWorkers int
	// MaxWorkers bounds elastic growth of the async pool under backlog.
	// When unset or below MinWorkers it becomes 4*MinWorkers (8 with the
	// default MinWorkers).
	MaxWorkers int
	// QueueDepth is the buffer size of the shared async task channel.
	QueueDepth int
	// Notifier optionally fans out wake signals to other enginehostd
	// processes sharing this scheduler's source-queue namespace. Nil is
	// valid and means single-process operation (queue.NoopNotifier
	// semantics without the indirection).
	Notifier queue.Notifier
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 2
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers * 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// Scheduler is the in-process reference implementation of the scheduler
// FFI. The zero value is not usable; construct with New.
type Scheduler struct {
	cfg Config

	mu     sync.RWMutex
	queues map[QueueID]*taskQueue
	nextID atomic.Uint64
	closed atomic.Bool

	asyncCh     chan Task
	activeAsync atomic.Int32
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a scheduler and starts its baseline async worker pool.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		queues:  make(map[QueueID]*taskQueue),
		asyncCh: make(chan Task, cfg.QueueDepth),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		s.spawnAsyncWorker()
	}
	return s
}

func (s *Scheduler) spawnAsyncWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case t, ok := <-s.asyncCh:
				if !ok {
					return
				}
				s.activeAsync.Add(1)
				if t.Run != nil {
					t.Run()
				}
				s.activeAsync.Add(-1)
			}
		}
	}()
}

// CreateQueue creates a new sync task queue bound to priority and
// preemption policy, matching `create_js_task_queue`. The queue starts
// locked: posted tasks accumulate but its runner will not drain any of
// them until UnlockQueue is called at least once.
func (s *Scheduler) CreateQueue(priority int, preempt bool) QueueID {
	id := QueueID(s.nextID.Add(1))
	q := newTaskQueue(id, priority, preempt)

	s.mu.Lock()
	s.queues[id] = q
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		q.run()
	}()
	return id
}

// RemoveQueue deletes a queue, matching `remove_js_task_queue`. Returns
// false if the queue did not exist.
func (s *Scheduler) RemoveQueue(id QueueID) bool {
	s.mu.Lock()
	q, ok := s.queues[id]
	if ok {
		delete(s.queues, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	q.closeQueue()
	return true
}

// UnlockQueue wakes a queue's runner so it drains any pending tasks,
// matching `unlock_js_task_queue`. Returns false if the queue is unknown;
// failures here are diagnostic-only per spec §7 and never propagate.
func (s *Scheduler) UnlockQueue(id QueueID) bool {
	s.mu.RLock()
	q, ok := s.queues[id]
	s.mu.RUnlock()
	if !ok {
		logging.Op().Warn("scheduler: unlock of unknown queue", "queue_id", id)
		return false
	}
	q.unlock()
	if s.cfg.Notifier != nil {
		_ = s.cfg.Notifier.Notify(context.Background(), queue.QueueSourceReady)
	}
	return true
}

// Cast submits a task, matching `cast_js_task`. Async tasks with no queue
// affinity run on the shared pool; sync tasks bound to a queue are
// appended to that queue in arrival order.
func (s *Scheduler) Cast(t Task) error {
	if s.closed.Load() {
		return fmt.Errorf("scheduler: closed")
	}
	if t.Kind == KindSync && t.Queue != nil {
		s.mu.RLock()
		q, ok := s.queues[*t.Queue]
		s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("scheduler: cast to unknown queue %d", *t.Queue)
		}
		q.post(t)
		return nil
	}

	select {
	case s.asyncCh <- t:
	default:
		if int(s.activeAsync.Load()) < s.cfg.MaxWorkers {
			s.spawnAsyncWorker()
		}
		s.asyncCh <- t
	}
	if s.cfg.Notifier != nil {
		_ = s.cfg.Notifier.Notify(context.Background(), queue.QueueAsyncWork)
	}
	return nil
}

// Shutdown stops all queue runners and the async pool. Pending tasks are
// dropped; Shutdown does not wait for in-flight tasks beyond their natural
// completion.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	close(s.stopCh)

	s.mu.Lock()
	for id, q := range s.queues {
		q.closeQueue()
		delete(s.queues, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
