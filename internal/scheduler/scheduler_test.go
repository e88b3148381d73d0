package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/enginehost/internal/queue"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(Config{MinWorkers: 1, MaxWorkers: 2, QueueDepth: 4})
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestCastAsyncRuns(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	if err := s.Cast(Task{Kind: KindAsync, Run: func() { close(done) }}); err != nil {
		t.Fatalf("Cast: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async task did not run")
	}
}

func TestSyncQueueFIFOOrder(t *testing.T) {
	s := newTestScheduler(t)
	qid := s.CreateQueue(0, false)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		id := qid
		if err := s.Cast(Task{Kind: KindSync, Queue: &id, Run: func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}}); err != nil {
			t.Fatalf("Cast: %v", err)
		}
	}
	s.UnlockQueue(qid)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync tasks did not all complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("ran %d tasks, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestQueueStartsLockedUntilUnlock(t *testing.T) {
	s := newTestScheduler(t)
	qid := s.CreateQueue(0, false)

	ran := make(chan struct{}, 1)
	if err := s.Cast(Task{Kind: KindSync, Queue: &qid, Run: func() { ran <- struct{}{} }}); err != nil {
		t.Fatalf("Cast: %v", err)
	}

	select {
	case <-ran:
		t.Fatal("locked queue drained a task before UnlockQueue")
	case <-time.After(100 * time.Millisecond):
	}

	s.UnlockQueue(qid)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain after UnlockQueue")
	}
}

func TestCastToUnknownQueueErrors(t *testing.T) {
	s := newTestScheduler(t)
	bogus := QueueID(9999)
	if err := s.Cast(Task{Kind: KindSync, Queue: &bogus, Run: func() {}}); err == nil {
		t.Fatal("expected error casting to an unknown queue")
	}
}

func TestUnlockUnknownQueueReturnsFalse(t *testing.T) {
	s := newTestScheduler(t)
	if s.UnlockQueue(QueueID(9999)) {
		t.Fatal("UnlockQueue on unknown id should return false")
	}
}

func TestRemoveQueue(t *testing.T) {
	s := newTestScheduler(t)
	qid := s.CreateQueue(0, false)
	if !s.RemoveQueue(qid) {
		t.Fatal("RemoveQueue should succeed for a known queue")
	}
	if s.RemoveQueue(qid) {
		t.Fatal("RemoveQueue should return false the second time")
	}
}

func TestCastAfterShutdownErrors(t *testing.T) {
	s := New(Config{MinWorkers: 1})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Cast(Task{Kind: KindAsync, Run: func() {}}); err == nil {
		t.Fatal("Cast after Shutdown should error")
	}
}

func TestCastNotifiesAsyncWork(t *testing.T) {
	notifier := queue.NewChannelNotifier()
	defer notifier.Close()
	s := New(Config{MinWorkers: 1, Notifier: notifier})
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := notifier.Subscribe(ctx, queue.QueueAsyncWork)

	if err := s.Cast(Task{Kind: KindAsync, Run: func() {}}); err != nil {
		t.Fatalf("Cast: %v", err)
	}

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("Cast of an async task should fire the configured Notifier")
	}
}

func TestUnlockQueueNotifiesSourceReady(t *testing.T) {
	notifier := queue.NewChannelNotifier()
	defer notifier.Close()
	s := New(Config{MinWorkers: 1, Notifier: notifier})
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := notifier.Subscribe(ctx, queue.QueueSourceReady)

	qid := s.CreateQueue(0, false)
	s.UnlockQueue(qid)

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("UnlockQueue should fire the configured Notifier")
	}
}

func TestAsyncPoolGrowsUnderBacklog(t *testing.T) {
	// Every task below blocks until all n have been cast, so each one needs
	// its own worker or the single buffer slot: MaxWorkers must cover n-1.
	s := New(Config{MinWorkers: 1, MaxWorkers: 10, QueueDepth: 1})
	defer s.Shutdown(context.Background())

	var completed atomic.Int32
	var wg sync.WaitGroup
	const n = 10
	wg.Add(n)
	block := make(chan struct{})
	for i := 0; i < n; i++ {
		if err := s.Cast(Task{Kind: KindAsync, Run: func() {
			<-block
			completed.Add(1)
			wg.Done()
		}}); err != nil {
			t.Fatalf("Cast: %v", err)
		}
	}
	close(block)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("only %d/%d async tasks completed", completed.Load(), n)
	}
}
