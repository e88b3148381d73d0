// Package engine describes the external interpreter FFI that the rest of
// this module treats as a black box. It defines no interpreter itself:
// Handle is implemented by whatever embedded, single-threaded, stack-based
// script engine the host embeds. A reference, in-memory implementation
// sufficient for testing the factory, loader, blocking coordinator, and
// channel registry lives in the sibling refengine package.
package engine

import "fmt"

// Status mirrors the interpreter's status enum as seen by the host. The
// core never inspects its internals; it only compares, switches, and waits
// on these values.
//
//	NoTask  ->  SingleTask  <->  MultiTask  ->  WaitCallBack  ->  SingleTask -> NoTask
//	                 |                                               ^
//	                 +----------- WaitBlock (transient) --------------+
type Status int32

const (
	StatusNoTask Status = iota
	StatusSingleTask
	StatusMultiTask
	StatusWaitBlock
	StatusWaitCallBack
)

func (s Status) String() string {
	switch s {
	case StatusNoTask:
		return "no_task"
	case StatusSingleTask:
		return "single_task"
	case StatusMultiTask:
		return "multi_task"
	case StatusWaitBlock:
		return "wait_block"
	case StatusWaitCallBack:
		return "wait_callback"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// QueueID identifies a task queue bound to an engine by the scheduler.
type QueueID uint64

// Function is an opaque handle to a resolved script-level function,
// returned by GetLinkFunction and consumed by Call.
type Function interface{}

// Value is an opaque handle to a value living on the engine's stack or
// globals, e.g. the result of NewUint8Array/FromBytes.
type Value interface{}

// Auth is the native-object authorization reference passed through to New.
// Its shape is owned by the embedder; the core only threads it through.
type Auth interface{}

// ArgsBuilder pushes arguments onto the engine's value stack and returns
// the number of arguments pushed. It runs on whichever worker goroutine the
// scheduler selects to execute the bound task, never concurrently with any
// other operation on the same Handle.
type ArgsBuilder func(h Handle) (int, error)

// ReplyCallback is invoked by Continue once the interpreter has resumed
// from a suspension, conventionally used to drain queued async callbacks.
type ReplyCallback func(h Handle)

// Handle is one instance of the embedded interpreter. It is not safe for
// concurrent use except where individually documented (StatusCheck,
// StatusSwitch, and the queue-length counter are designed to be called
// from a racing poster while a task may be executing).
type Handle interface {
	AllocID() uint64
	Owner() string
	MaxHeap() uint64

	// Load submits one bytecode blob for execution and reports whether the
	// interpreter acknowledged it. IsRan reports whether the engine has
	// finished running the most recently loaded chunk.
	Load(code []byte) bool
	IsRan() bool

	GetLinkFunction(name string) (Function, bool)
	Call(fn Function, arity int) error

	NewGlobalTemplate() bool
	AllocGlobal() bool
	UnlockCollection()
	SetGlobalVar(name string, value Value) bool

	NewUint8Array(length int) Value
	FromBytes(b []byte) Value

	GetQueue() QueueID
	SetQueue(id QueueID)
	AddQueueLen()

	// StatusCheck reports whether the engine is currently in the given
	// status. StatusSwitch atomically transitions from -> to, returning the
	// status observed prior to the attempt; the switch only took effect if
	// the returned value equals from.
	StatusCheck(want Status) bool
	StatusSwitch(from, to Status) Status

	Wakeup(code int)
	NewError(reason string)
	Continue(cb ReplyCallback)

	// Push appends a synchronous task carrying cbID to the engine's
	// async-callback queue and returns the new queue length, or 0 on
	// failure. It does not itself run the task; callers combine it with a
	// StatusSwitch to decide whether to drain immediately.
	Push(cbID uint64, args ArgsBuilder, info string) int
	HandleAsyncCallback()
	Pause()

	// TryDestroy releases the engine's interpreter-side resources. It is a
	// no-op (and returns false) if the engine is still mid-suspension.
	TryDestroy() bool
}

// Constructor is the FFI construction entry point: it builds a fresh
// Handle bound to alloc_id, owner, max heap size, and auth, with an
// optional reuse-slot producer endpoint supplied by the factory for pooled
// engines.
type Constructor func(allocID uint64, owner string, maxHeap uint64, auth Auth, returnFn func(Handle)) (Handle, error)
