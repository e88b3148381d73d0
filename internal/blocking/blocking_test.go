package blocking

import (
	"sync"
	"testing"
	"time"

	"github.com/oriys/enginehost/internal/engine"
	"github.com/oriys/enginehost/internal/engine/refengine"
	"github.com/oriys/enginehost/internal/scheduler"
)

// inlineScheduler is a minimal scheduler FFI stub: Cast queues a task
// against its bound queue id, UnlockQueue drains whatever is queued. Each
// drained task runs on its own goroutine rather than inline, so a task
// that reposts itself (as blocking's dispatch retry loop does while
// waiting for MultiTask) yields between attempts instead of recursing
// synchronously on the caller's stack.
type inlineScheduler struct {
	mu      sync.Mutex
	pending map[scheduler.QueueID][]scheduler.Task
}

func newInlineScheduler() *inlineScheduler {
	return &inlineScheduler{pending: make(map[scheduler.QueueID][]scheduler.Task)}
}

func (s *inlineScheduler) Cast(t scheduler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Queue != nil {
		s.pending[*t.Queue] = append(s.pending[*t.Queue], t)
	}
	return nil
}

func (s *inlineScheduler) UnlockQueue(id scheduler.QueueID) bool {
	s.mu.Lock()
	tasks := s.pending[id]
	s.pending[id] = nil
	s.mu.Unlock()
	for _, t := range tasks {
		if t.Run != nil {
			go t.Run()
		}
	}
	return true
}

func newTestEngineAtMultiTask(t *testing.T) engine.Handle {
	t.Helper()
	h, err := refengine.New(1, "owner", 1<<20, nil, nil)
	if err != nil {
		t.Fatalf("refengine.New: %v", err)
	}
	h.SetQueue(engine.QueueID(1))
	h.StatusSwitch(engine.StatusNoTask, engine.StatusSingleTask)
	h.StatusSwitch(engine.StatusSingleTask, engine.StatusMultiTask)
	return h
}

func waitOrFail(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("continuation was never invoked")
	}
}

func TestBlockSetGlobalVarSucceeds(t *testing.T) {
	sched := newInlineScheduler()
	c := New(sched)
	h := newTestEngineAtMultiTask(t)

	done := make(chan struct{})
	var gotErr error
	c.BlockSetGlobalVar(h, "result", func(h engine.Handle) (engine.Value, error) {
		return h.FromBytes([]byte("v")), nil
	}, func(err error) {
		gotErr = err
		close(done)
	}, "test")

	waitOrFail(t, done)
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
}

func TestBlockSetGlobalVarBuilderError(t *testing.T) {
	sched := newInlineScheduler()
	c := New(sched)
	h := newTestEngineAtMultiTask(t)

	done := make(chan struct{})
	var gotErr error
	c.BlockSetGlobalVar(h, "result", func(h engine.Handle) (engine.Value, error) {
		return nil, errBoom
	}, func(err error) {
		gotErr = err
		close(done)
	}, "test")

	waitOrFail(t, done)
	if gotErr == nil {
		t.Fatal("expected a NewGlobalVar error to propagate")
	}
	be, ok := gotErr.(*BlockError)
	if !ok || be.Kind != "NewGlobalVar" {
		t.Fatalf("expected BlockError{Kind: NewGlobalVar}, got %#v", gotErr)
	}
}

func TestBlockReplySwitchesToSingleTask(t *testing.T) {
	sched := newInlineScheduler()
	c := New(sched)
	h := newTestEngineAtMultiTask(t)

	done := make(chan struct{})
	var gotErr error
	c.BlockReply(h, func(h engine.Handle) (engine.Value, error) {
		return h.FromBytes([]byte("reply")), nil
	}, func(err error) {
		gotErr = err
		close(done)
	}, "test")

	waitOrFail(t, done)
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if !h.StatusCheck(engine.StatusSingleTask) {
		t.Fatal("BlockReply should leave the engine in StatusSingleTask on success")
	}
}

func TestBlockThrowSwitchesToSingleTask(t *testing.T) {
	sched := newInlineScheduler()
	c := New(sched)
	h := newTestEngineAtMultiTask(t)

	done := make(chan struct{})
	var gotErr error
	c.BlockThrow(h, "boom", func(err error) {
		gotErr = err
		close(done)
	}, "test")

	waitOrFail(t, done)
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if !h.StatusCheck(engine.StatusSingleTask) {
		t.Fatal("BlockThrow should leave the engine in StatusSingleTask on success")
	}
}

func TestDispatchRepostsUntilMultiTask(t *testing.T) {
	sched := newInlineScheduler()
	c := New(sched)

	h, err := refengine.New(1, "owner", 1<<20, nil, nil)
	if err != nil {
		t.Fatalf("refengine.New: %v", err)
	}
	h.SetQueue(engine.QueueID(1))

	// Engine starts in StatusNoTask, not StatusMultiTask: dispatch must
	// re-post rather than run attempt immediately.
	done := make(chan struct{})
	c.BlockReply(h, func(h engine.Handle) (engine.Value, error) {
		return h.FromBytes(nil), nil
	}, func(error) { close(done) }, "test")

	select {
	case <-done:
		t.Fatal("dispatch completed before the engine ever reached MultiTask")
	case <-time.After(50 * time.Millisecond):
	}

	h.StatusSwitch(engine.StatusNoTask, engine.StatusSingleTask)
	h.StatusSwitch(engine.StatusSingleTask, engine.StatusMultiTask)

	waitOrFail(t, done)
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
