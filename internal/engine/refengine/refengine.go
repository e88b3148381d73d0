// Package refengine is a reference, in-memory implementation of the
// engine.Handle FFI surface. It stands in for the real embedded
// interpreter so that the factory, loader, blocking coordinator, and
// channel registry can be built and tested without one: it is a test and
// reference collaborator, not a redefinition of the external engine
// component itself.
package refengine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oriys/enginehost/internal/engine"
)

// callbackTask is one entry in an engine's async-callback queue, posted by
// Push and drained by HandleAsyncCallback.
type callbackTask struct {
	cbID uint64
	args engine.ArgsBuilder
	info string
}

// Engine is a single instance of the reference interpreter. Field access
// outside the documented thread-safe accessors assumes the caller holds
// exclusive access to the engine, matching the real FFI's single-threaded
// contract.
type Engine struct {
	allocID  uint64
	owner    string
	maxHeap  uint64
	auth     engine.Auth
	returnFn func(engine.Handle)

	status atomic.Int32

	mu          sync.Mutex
	globals     map[string]engine.Value
	loaded      [][]byte
	running     bool
	lastReply   engine.ReplyCallback
	queueID     engine.QueueID
	queueLen    atomic.Uint64
	callbacks   []callbackTask
	destroyed   bool
	pendingErr  string
	lastCode    int
	stack       []engine.Value
	lastDelivered *DeliveredCallback
}

// DeliveredCallback records one async callback HandleAsyncCallback has
// actually drained: the callback id it was pushed under and the byte
// payload a script-visible callback argument would see. Test/reference
// only — it lets callers assert delivery (spec §8 scenario S3) instead of
// just the fact that Push/HandleAsyncCallback were called.
type DeliveredCallback struct {
	CallbackID uint64
	Payload    []byte
}

// New constructs a reference engine. It satisfies engine.Constructor.
func New(allocID uint64, owner string, maxHeap uint64, auth engine.Auth, returnFn func(engine.Handle)) (engine.Handle, error) {
	e := &Engine{
		allocID:  allocID,
		owner:    owner,
		maxHeap:  maxHeap,
		auth:     auth,
		returnFn: returnFn,
		globals:  make(map[string]engine.Value),
	}
	e.status.Store(int32(engine.StatusNoTask))
	return e, nil
}

func (e *Engine) AllocID() uint64 { return e.allocID }
func (e *Engine) Owner() string   { return e.owner }
func (e *Engine) MaxHeap() uint64 { return e.maxHeap }

// Load appends the bytecode blob and marks the engine as briefly running;
// a real interpreter would execute the chunk here. IsRan reports
// completion so factory loader's load_next can advance.
func (e *Engine) Load(code []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	e.loaded = append(e.loaded, code)
	e.running = true
	// The reference engine has no real execution cost; it finishes the
	// chunk synchronously, so IsRan is immediately true for callers that
	// poll after Load returns.
	e.running = false
	return true
}

func (e *Engine) IsRan() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loaded) > 0 && !e.running
}

type refFunction struct {
	name string
}

func (e *Engine) GetLinkFunction(name string) (engine.Function, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, false
	}
	return &refFunction{name: name}, true
}

// Call invokes the resolved function with the given arity. The reference
// engine has no script semantics of its own; it simply records that a call
// happened and returns nil, leaving behavioral hooks to handlers that test
// code wires in via globals.
func (e *Engine) Call(fn engine.Function, arity int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return fmt.Errorf("refengine: call on destroyed engine")
	}
	f, ok := fn.(*refFunction)
	if !ok || f == nil {
		return fmt.Errorf("refengine: call with invalid function handle")
	}
	if arity < 0 {
		return fmt.Errorf("refengine: negative arity")
	}
	return nil
}

func (e *Engine) NewGlobalTemplate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	e.globals = make(map[string]engine.Value)
	return true
}

func (e *Engine) AllocGlobal() bool {
	return !e.destroyed
}

func (e *Engine) UnlockCollection() {
	// The reference engine holds no collector lock; present for interface
	// parity with the real FFI, which requires the collector stay locked
	// through init/load/run.
}

func (e *Engine) SetGlobalVar(name string, value engine.Value) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	e.globals[name] = value
	return true
}

type byteArray struct {
	data []byte
}

// NewUint8Array and FromBytes push their resulting value onto the
// engine's stack, mirroring the real FFI's "on resulting value" push
// semantics (spec §6), so that HandleAsyncCallback can observe what a
// pushed async-callback argument actually contains.
func (e *Engine) NewUint8Array(length int) engine.Value {
	v := &byteArray{data: make([]byte, length)}
	e.mu.Lock()
	e.stack = append(e.stack, v)
	e.mu.Unlock()
	return v
}

func (e *Engine) FromBytes(b []byte) engine.Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	v := &byteArray{data: cp}
	e.mu.Lock()
	e.stack = append(e.stack, v)
	e.mu.Unlock()
	return v
}

func (e *Engine) GetQueue() engine.QueueID { return e.queueID }

func (e *Engine) SetQueue(id engine.QueueID) { e.queueID = id }

func (e *Engine) AddQueueLen() { e.queueLen.Add(1) }

func (e *Engine) StatusCheck(want engine.Status) bool {
	return engine.Status(e.status.Load()) == want
}

func (e *Engine) StatusSwitch(from, to engine.Status) engine.Status {
	if e.status.CompareAndSwap(int32(from), int32(to)) {
		return from
	}
	return engine.Status(e.status.Load())
}

// SetStatus is a test/reference-only helper (not part of engine.Handle)
// that lets callers drive the engine into MultiTask etc. without going
// through the full load/run pipeline.
func (e *Engine) SetStatus(s engine.Status) {
	e.status.Store(int32(s))
}

func (e *Engine) Status() engine.Status {
	return engine.Status(e.status.Load())
}

func (e *Engine) Wakeup(code int) {
	e.mu.Lock()
	e.lastCode = code
	e.mu.Unlock()
}

func (e *Engine) NewError(reason string) {
	e.mu.Lock()
	e.pendingErr = reason
	e.mu.Unlock()
}

func (e *Engine) Continue(cb engine.ReplyCallback) {
	e.mu.Lock()
	e.lastReply = cb
	e.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (e *Engine) Push(cbID uint64, args engine.ArgsBuilder, info string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return 0
	}
	e.callbacks = append(e.callbacks, callbackTask{cbID: cbID, args: args, info: info})
	e.queueLen.Add(1)
	return len(e.callbacks)
}

func (e *Engine) HandleAsyncCallback() {
	e.mu.Lock()
	if len(e.callbacks) == 0 {
		e.mu.Unlock()
		return
	}
	task := e.callbacks[0]
	e.callbacks = e.callbacks[1:]
	e.mu.Unlock()

	var arity int
	if task.args != nil {
		arity, _ = task.args(e)
	}

	e.mu.Lock()
	if arity > 0 && len(e.stack) >= arity {
		pushed := e.stack[len(e.stack)-arity:]
		e.stack = e.stack[:len(e.stack)-arity]
		if ba, ok := pushed[0].(*byteArray); ok {
			e.lastDelivered = &DeliveredCallback{CallbackID: task.cbID, Payload: ba.data}
		}
	}
	e.mu.Unlock()
}

// LastDeliveredCallback returns the most recent async callback
// HandleAsyncCallback actually drained, or nil if none has been delivered
// yet. Test/reference only.
func (e *Engine) LastDeliveredCallback() *DeliveredCallback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDelivered
}

func (e *Engine) Pause() {
	// Cooperative hint only; the reference engine never runs in the
	// background, so there is nothing to pause.
}

func (e *Engine) TryDestroy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Status() == engine.StatusMultiTask || e.Status() == engine.StatusWaitCallBack {
		return false
	}
	e.destroyed = true
	return true
}

// Return invokes the reuse-slot producer endpoint captured at
// construction, modeling the embedded engine's ability to re-enqueue
// itself onto its owning factory's free-queue.
func (e *Engine) Return() {
	if e.returnFn != nil {
		e.returnFn(e)
	}
}
