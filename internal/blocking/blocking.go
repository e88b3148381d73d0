// Package blocking implements the blocking coordinator (component D, spec
// §4.4): the set-global/reply/throw primitives that rendezvous with a
// paused interpreter. Grounded on the Rust reference's
// block_set_global_var/block_reply/block_throw (pi_vm_impl.rs), reworked
// as explicit continuation-passing over the scheduler rather than
// recursion in the host language, per spec §9's design note.
package blocking

import (
	"fmt"

	"github.com/oriys/enginehost/internal/engine"
	"github.com/oriys/enginehost/internal/scheduler"
)

// BlockError is the tagged error delivered to continuations, mirroring
// the Rust BlockError enum: Unknown | NewGlobalVar | SetGlobalVar.
type BlockError struct {
	Kind   string
	Reason string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("blocking: %s: %s", e.Kind, e.Reason)
}

func newUnknown(reason string) *BlockError      { return &BlockError{Kind: "Unknown", Reason: reason} }
func newGlobalVarErr(reason string) *BlockError { return &BlockError{Kind: "NewGlobalVar", Reason: reason} }
func newSetGlobalErr(reason string) *BlockError { return &BlockError{Kind: "SetGlobalVar", Reason: reason} }

// ValueBuilder produces the value to install as a global variable. It
// must leave exactly one logical value produced (or none, on error — the
// builder itself is responsible for any cleanup of partial pushes).
type ValueBuilder func(h engine.Handle) (engine.Value, error)

// ResultBuilder produces the single value used to resolve a paused
// call's reply.
type ResultBuilder func(h engine.Handle) (engine.Value, error)

// Scheduler is the subset of the scheduler FFI the coordinator needs.
type Scheduler interface {
	Cast(t scheduler.Task) error
	UnlockQueue(id scheduler.QueueID) bool
}

// Coordinator is the blocking coordinator.
type Coordinator struct {
	sched Scheduler
}

// New constructs a coordinator bound to a scheduler.
func New(sched Scheduler) *Coordinator {
	return &Coordinator{sched: sched}
}

// post submits a sync task at priority 0 to the engine's currently bound
// queue, increments its queue-length counter, then unlocks the queue —
// the two-part protocol of spec §4.4 step 1.
func (c *Coordinator) post(h engine.Handle, tag string, run func()) {
	qid := scheduler.QueueID(h.GetQueue())
	task := scheduler.Task{
		Kind:     scheduler.KindSync,
		Priority: 0,
		Queue:    &qid,
		Info:     tag,
		Run:      run,
	}
	_ = c.sched.Cast(task)
	h.AddQueueLen()
	c.sched.UnlockQueue(qid)
}

// dispatch implements spec §4.4 step 2: when the posted task runs,
// inspect status. WaitBlock/SingleTask means the interpreter has not yet
// reached the paused state — re-post (tail-call style, no spin). Any
// other non-MultiTask status also re-posts (covers transient states).
// Once MultiTask is observed, attempt runs; if attempt reports it needs a
// retry (e.g. a losing CAS), dispatch reposts again.
func (c *Coordinator) dispatch(h engine.Handle, tag string, attempt func() (done bool)) {
	c.post(h, tag, func() {
		if !h.StatusCheck(engine.StatusMultiTask) {
			c.dispatch(h, tag, attempt)
			return
		}
		if !attempt() {
			c.dispatch(h, tag, attempt)
		}
	})
}

// BlockSetGlobalVar runs builder once the engine reaches MultiTask and
// writes its result into the engine's globals under name. It does not
// resume the interpreter; callers typically chain a following
// BlockReply/BlockThrow. cont is invoked with nil on success, or a
// NewGlobalVar/SetGlobalVar BlockError on failure.
func (c *Coordinator) BlockSetGlobalVar(h engine.Handle, name string, builder ValueBuilder, cont func(error), tag string) {
	c.dispatch(h, tag, func() bool {
		val, err := builder(h)
		if err != nil {
			cont(newGlobalVarErr(err.Error()))
			return true
		}
		if !h.SetGlobalVar(name, val) {
			cont(newSetGlobalErr("set_global_var rejected by engine"))
			return true
		}
		cont(nil)
		return true
	})
}

// BlockReply CAS-switches MultiTask -> SingleTask; on success it wakes the
// interpreter with result code 0, runs result to obtain the single
// reply value, and continues the interpreter via the reply-callback
// trampoline. On a losing CAS it re-posts (spec §4.4 step 3 "reply").
func (c *Coordinator) BlockReply(h engine.Handle, result ResultBuilder, cont func(error), tag string) {
	c.dispatch(h, tag, func() bool {
		prev := h.StatusSwitch(engine.StatusMultiTask, engine.StatusSingleTask)
		if prev != engine.StatusMultiTask {
			return false
		}
		h.Wakeup(0)
		if _, err := result(h); err != nil {
			cont(newUnknown(err.Error()))
			return true
		}
		h.Continue(func(eng engine.Handle) {
			cont(nil)
		})
		return true
	})
}

// BlockThrow CAS-switches MultiTask -> SingleTask; on success it wakes the
// interpreter with result code 1, installs a fresh error object carrying
// reason, and continues via the reply-callback trampoline. On a losing
// CAS it re-posts.
func (c *Coordinator) BlockThrow(h engine.Handle, reason string, cont func(error), tag string) {
	c.dispatch(h, tag, func() bool {
		prev := h.StatusSwitch(engine.StatusMultiTask, engine.StatusSingleTask)
		if prev != engine.StatusMultiTask {
			return false
		}
		h.Wakeup(1)
		h.NewError(reason)
		h.Continue(func(eng engine.Handle) {
			cont(nil)
		})
		return true
	})
}
