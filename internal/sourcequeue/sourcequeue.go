// Package sourcequeue implements the source-queue table (spec §3, §4.6):
// a process-wide mapping from a logical source id to the scheduler queue
// that serializes every call issued on behalf of that source. Entries are
// created lazily on first use and removed explicitly; the table is not
// bounded, so long-lived sources accumulate entries until a caller removes
// them.
//
// Grounded on the teacher's queue.Notifier registry shape (a single
// readers-writer lock protecting a map), generalized from channel
// notification to queue-id bookkeeping.
package sourcequeue

import (
	"sync"

	"github.com/oriys/enginehost/internal/scheduler"
)

// Scheduler is the subset of the scheduler FFI the source-queue table
// needs: the ability to create and remove queues.
type Scheduler interface {
	CreateQueue(priority int, preempt bool) scheduler.QueueID
	RemoveQueue(id scheduler.QueueID) bool
}

// Table maps source ids to scheduler queue ids.
type Table struct {
	schedIface Scheduler

	mu      sync.RWMutex
	entries map[string]scheduler.QueueID
}

// New constructs an empty source-queue table bound to the given scheduler.
func New(sched Scheduler) *Table {
	return &Table{
		schedIface: sched,
		entries:    make(map[string]scheduler.QueueID),
	}
}

// NewQueue returns the existing queue id for sourceID if present;
// otherwise it creates a fresh scheduler queue at sync priority 0 and
// records it. Idempotent: repeated calls with the same sourceID return the
// same queue id (spec §8 property 8).
func (t *Table) NewQueue(sourceID string) scheduler.QueueID {
	t.mu.RLock()
	if id, ok := t.entries[sourceID]; ok {
		t.mu.RUnlock()
		return id
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.entries[sourceID]; ok {
		return id
	}
	id := t.schedIface.CreateQueue(0, false)
	t.entries[sourceID] = id
	return id
}

// RemoveQueue removes the mapping for sourceID and attempts to delete the
// underlying scheduler queue. It returns the queue id and true only if
// both the table removal and the scheduler-side deletion succeeded.
func (t *Table) RemoveQueue(sourceID string) (scheduler.QueueID, bool) {
	t.mu.Lock()
	id, ok := t.entries[sourceID]
	if ok {
		delete(t.entries, sourceID)
	}
	t.mu.Unlock()

	if !ok {
		return 0, false
	}
	if !t.schedIface.RemoveQueue(id) {
		return id, false
	}
	return id, true
}

// Len reports the number of live source-queue mappings, chiefly for
// observability/testing.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
