// Package factory implements the factory (component C, spec §3/§4.2): a
// fixed-capacity pool of engines that produces, reuses, and returns them,
// and dispatches calls onto the scheduler. Grounded on the teacher's
// internal/pool (pool.go, pool_acquisition.go): the admission-control
// shape (fast warm-path, capacity check, singleflight-deduped
// construction, re-check) and concurrency idiom (atomic counters, CAS
// loops, singleflight for cold-start dedup, errgroup for parallel
// prefetch) carry over from the VM pool to the engine factory, with the
// generic "VM" now meaning one instance of the embedded script engine
// rather than a Firecracker microVM.
//
// # Invariants
//
//   - Code immutability: once any engine has been constructed from a
//     Factory, its bytecode list must not grow; Append after the first
//     construction is ignored and logged as a warning.
//   - Size bound: size <= capacity whenever capacity > 0. Transitions of
//     size use compare-and-swap to avoid overshoot under concurrent
//     new_vm (spec §8 property 1).
package factory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/enginehost/internal/engine"
	"github.com/oriys/enginehost/internal/logging"
	"github.com/oriys/enginehost/internal/scheduler"
	"github.com/oriys/enginehost/internal/sourcequeue"
)

// Telemetry is the optional counters/timers sink (spec §6 "Telemetry
// (consumed)"). A nil Telemetry is valid; all calls become no-ops. The
// push-callback and async-request counters live on the channel package's
// own telemetry sink instead (internal/channel.Telemetry), since the
// factory never pushes callbacks or issues async requests itself.
type Telemetry interface {
	IncVMCount(delta int)
	ObserveNewTime(d time.Duration)
	ObserveLoadTime(d time.Duration)
	IncCallCount()
}

// Tracer is the optional span sink around Call dispatch. A nil Tracer is
// valid; StartCallSpan becomes a no-op.
type Tracer interface {
	StartCallSpan(ctx context.Context, factoryName, port string) (context.Context, func(err error))
}

// Scheduler is the subset of the scheduler FFI the factory needs to
// dispatch calls. UnlockQueue is required alongside Cast because a source
// queue starts locked (scheduler package doc): Call posts and unlocks in
// the same breath so a source-bound sync task actually runs instead of
// sitting behind a lock nothing else will ever release.
type Scheduler interface {
	Cast(t scheduler.Task) error
	UnlockQueue(id scheduler.QueueID) bool
}

// CallInfo carries diagnostic context for one Call dispatch, threaded
// through to the call log and tracer.
type CallInfo struct {
	RequestID string
	Tag       string
}

// Config controls a Factory's behavior at construction.
type Config struct {
	Name        string
	Capacity    int32
	MaxHeapSize uint64
	Auth        engine.Auth
	Constructor engine.Constructor
	Scheduler   Scheduler
	SourceQueue *sourcequeue.Table
	Telemetry   Telemetry
	Tracer      Tracer
	CallLog     *logging.CallLog
	// PanicOnOverflow selects the reference design's Call behavior on
	// capacity overflow at construction time (panic, spec §4.2/§7). When
	// false, Call returns a *ConstructionError instead — the production
	// escape hatch spec §9's Open Questions calls for.
	PanicOnOverflow bool
}

// Factory is a fixed-capacity pool of engines (component C). Immutable
// after construction except for size, allocID, and the codes list up to
// its first freeze.
type Factory struct {
	name        string
	capacity    int32
	maxHeapSize uint64
	auth        engine.Auth
	constructor engine.Constructor
	sched       Scheduler
	sq          *sourcequeue.Table
	telemetry   Telemetry
	tracer      Tracer
	callLog     *logging.CallLog
	panicOnOverflow bool

	size   atomic.Int32
	allocID atomic.Uint64

	codesMu sync.Mutex
	codes   [][]byte
	frozen  atomic.Bool

	freeQueue chan engine.Handle

	sf singleflight.Group
}

// New constructs a Factory. capacity == 0 means "unpooled": every Call
// gets a throwaway engine and nothing is ever returned to a free-queue.
func New(cfg Config) *Factory {
	qlen := cfg.Capacity
	if qlen < 1 {
		qlen = 1
	}
	return &Factory{
		name:            cfg.Name,
		capacity:        cfg.Capacity,
		maxHeapSize:     cfg.MaxHeapSize,
		auth:            cfg.Auth,
		constructor:     cfg.Constructor,
		sched:           cfg.Scheduler,
		sq:              cfg.SourceQueue,
		telemetry:       cfg.Telemetry,
		tracer:          cfg.Tracer,
		callLog:         cfg.CallLog,
		panicOnOverflow: cfg.PanicOnOverflow,
		freeQueue:       make(chan engine.Handle, qlen),
	}
}

func (f *Factory) Name() string     { return f.name }
func (f *Factory) Capacity() int32  { return f.capacity }
func (f *Factory) Size() int32      { return f.size.Load() }
func (f *Factory) FreeSize() int    { return len(f.freeQueue) }

// Append adds a bytecode blob to the factory's frozen-on-first-use code
// list and returns the same Factory for chaining
// (f.Append(a).Append(b)), mirroring the Rust reference's by-value
// consuming append. Once any engine has been constructed from this
// factory, codes are frozen; further Append calls are ignored and logged
// diagnostically rather than propagated, since Go's reference semantics
// cannot express the by-value "returns a new view" structure the original
// uses to make further appends structurally impossible.
func (f *Factory) Append(code []byte) *Factory {
	if f.frozen.Load() {
		logging.Op().Warn("factory: append after freeze ignored", "factory", f.name)
		return f
	}
	f.codesMu.Lock()
	defer f.codesMu.Unlock()
	if f.frozen.Load() {
		logging.Op().Warn("factory: append after freeze ignored", "factory", f.name)
		return f
	}
	f.codes = append(f.codes, code)
	return f
}

// freeze locks the code list against further Append calls and returns a
// stable snapshot slice safe to share across loaders. Must be called
// before the first engine construction (spec "code immutability"
// invariant).
func (f *Factory) freeze() [][]byte {
	f.codesMu.Lock()
	defer f.codesMu.Unlock()
	f.frozen.Store(true)
	return f.codes
}

// Loader returns a fresh factory loader over the frozen code list (spec
// §4.1). Calling Loader freezes the code list if it has not been frozen
// already.
func (f *Factory) Loader() *Loader {
	return newLoader(f.freeze())
}

// reserveSlot implements the CAS loop described in spec §4.2/§9's
// resolved Open Question: loop until the CAS succeeds (the returned prior
// value equals the expected curr_size) or size has reached capacity. Pure
// unpooled factories (capacity == 0) never reserve a slot.
func (f *Factory) reserveSlot() bool {
	if f.capacity <= 0 {
		return true
	}
	for {
		cur := f.size.Load()
		if cur >= f.capacity {
			return false
		}
		if f.size.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (f *Factory) releaseSlot() {
	if f.capacity <= 0 {
		return
	}
	f.size.Add(-1)
}

// newVM is the only construction path (spec §4.2 "new_vm"). It reserves a
// size slot via CAS, constructs the engine (with a reuse slot iff
// capacity > 0), loads every bytecode blob using the loader protocol, and
// for pooled engines only allocates a fresh global template and unlocks
// the collector. On any failure it leaks no size slot.
func (f *Factory) newVM(pooled bool) (engine.Handle, error) {
	if !f.reserveSlot() {
		logging.Op().Warn("factory: at capacity, engine not constructed", "factory", f.name)
		return nil, &ConstructionError{Factory: f.name, Full: true}
	}

	start := time.Now()
	allocID := f.allocID.Add(1)

	var returnFn func(engine.Handle)
	if pooled {
		returnFn = func(h engine.Handle) {
			select {
			case f.freeQueue <- h:
			default:
				// Free-queue is full; drop the engine rather than block the
				// caller. This should not happen when size <= capacity, but
				// guards against a misconfigured queue length.
				f.releaseSlot()
				h.TryDestroy()
			}
		}
	}

	h, err := f.constructor(allocID, f.name, f.maxHeapSize, f.auth, returnFn)
	if err != nil {
		f.releaseSlot()
		logging.Op().Warn("factory: engine construction failed", "factory", f.name, "error", err)
		return nil, &ConstructionError{Factory: f.name, Reason: err.Error()}
	}
	if f.telemetry != nil {
		f.telemetry.ObserveNewTime(time.Since(start))
	}

	loadStart := time.Now()
	loader := f.Loader()
	for loader.LoadNext(h) {
	}
	if f.telemetry != nil {
		f.telemetry.ObserveLoadTime(time.Since(loadStart))
	}

	if pooled {
		if !h.NewGlobalTemplate() || !h.AllocGlobal() {
			f.releaseSlot()
			h.TryDestroy()
			logging.Op().Warn("factory: global template allocation failed", "factory", f.name)
			return nil, &ConstructionError{Factory: f.name, Reason: "global template allocation failed"}
		}
		h.UnlockCollection()
	}

	if f.telemetry != nil {
		f.telemetry.IncVMCount(1)
	}
	return h, nil
}

// Produce pre-fills the pool with up to n engines, failing fast if the
// resulting size would exceed capacity. On per-engine failure it aborts
// and returns an error naming the factory. On success it returns the
// pre-call size (spec §4.2 "produce").
func (f *Factory) Produce(ctx context.Context, n int) (int32, error) {
	preSize := f.size.Load()
	if n == 0 {
		return preSize, nil
	}
	if f.capacity > 0 && preSize+int32(n) > f.capacity {
		return preSize, &CapacityError{
			Factory:   f.name,
			Capacity:  f.capacity,
			Size:      preSize,
			Requested: n,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	_ = gctx
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := f.newVM(f.capacity > 0)
			if err != nil {
				return err
			}
			select {
			case f.freeQueue <- h:
			default:
				h.TryDestroy()
				f.releaseSlot()
				return fmt.Errorf("factory %q: free-queue full during produce", f.name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return preSize, err
	}
	return preSize, nil
}

// Take returns a fresh, unpooled engine (capacity-0 semantics even in a
// pooled factory) with no bytecode loaded, for ad-hoc clients that manage
// the engine themselves (spec §4.2 "take"). Like every other construction,
// it freezes the code list against further Append calls.
func (f *Factory) Take() (engine.Handle, error) {
	f.freeze()
	allocID := f.allocID.Add(1)
	h, err := f.constructor(allocID, f.name, f.maxHeapSize, f.auth, nil)
	if err != nil {
		return nil, &ConstructionError{Factory: f.name, Reason: err.Error()}
	}
	return h, nil
}

// acquire returns a free engine from the pool, or constructs a fresh one
// subject to capacity, matching Call step 1. Concurrent cold-start
// construction against an empty free-queue is deduplicated with
// singleflight, grounded on the teacher's pool.go use of the same
// pattern to avoid a construction storm when many callers race on an
// empty pool.
func (f *Factory) acquire() (engine.Handle, bool, error) {
	select {
	case h := <-f.freeQueue:
		return h, false, nil
	default:
	}

	if f.capacity <= 0 {
		h, err := f.newVM(false)
		if err != nil {
			return nil, true, err
		}
		return h, true, nil
	}

	v, err, _ := f.sf.Do(f.name+":new_vm", func() (any, error) {
		return f.newVM(true)
	})
	if err != nil {
		if ce, ok := err.(*ConstructionError); ok && ce.Full && f.panicOnOverflow {
			panic(OverflowPanic{Factory: f.name})
		}
		return nil, true, err
	}
	return v.(engine.Handle), true, nil
}

// Call is the central dispatch primitive (spec §4.2 "call"). src == nil
// dispatches an asynchronous task at default priority with no queue
// affinity; src != nil dispatches a synchronous task at priority 0 bound
// to that source's scheduler queue (create-if-absent), so that all calls
// sharing a source serialize in arrival order.
func (f *Factory) Call(ctx context.Context, src *string, port string, argsBuilder engine.ArgsBuilder, info CallInfo) error {
	if info.RequestID == "" {
		info.RequestID = uuid.NewString()
	}
	start := time.Now()
	ctx, endSpan := f.startSpan(ctx, port)

	h, isNew, err := f.acquire()
	if err != nil {
		endSpan(err)
		f.logCall(info, port, src, start, isNew, false, err)
		return err
	}

	pooled := f.capacity > 0

	var queueID *scheduler.QueueID
	kind := scheduler.KindAsync
	priority := 0
	if src != nil {
		kind = scheduler.KindSync
		if f.sq != nil {
			id := f.sq.NewQueue(*src)
			queueID = &id
		}
	}

	run := func() {
		if queueID != nil {
			h.SetQueue(toEngineQueue(*queueID))
		}

		fn, ok := h.GetLinkFunction(port)
		if !ok {
			f.finishCall(h, pooled)
			return
		}
		arity, aerr := argsBuilder(h)
		if aerr != nil {
			f.finishCall(h, pooled)
			return
		}
		_ = h.Call(fn, arity)
		if f.telemetry != nil {
			f.telemetry.IncCallCount()
		}
		f.finishCall(h, pooled)
	}

	task := scheduler.Task{Kind: kind, Priority: priority, Queue: queueID, Run: run, Info: info.Tag}
	if cerr := f.sched.Cast(task); cerr != nil {
		endSpan(cerr)
		f.logCall(info, port, src, start, isNew, false, cerr)
		return cerr
	}
	// Source-bound queues start locked (scheduler package doc); unlock
	// immediately after posting so this task actually drains instead of
	// sitting behind a lock only Call itself is in a position to release.
	if queueID != nil {
		f.sched.UnlockQueue(*queueID)
	}

	endSpan(nil)
	f.logCall(info, port, src, start, isNew, true, nil)
	return nil
}

// finishCall returns the engine to the free-queue if it was constructed
// in pooled mode and is not mid-suspension; otherwise it is destroyed
// (spec §4.2 step 2d).
func (f *Factory) finishCall(h engine.Handle, pooled bool) {
	if pooled && !h.StatusCheck(engine.StatusMultiTask) && !h.StatusCheck(engine.StatusWaitCallBack) {
		select {
		case f.freeQueue <- h:
			return
		default:
		}
	}
	h.TryDestroy()
	if pooled {
		f.releaseSlot()
	}
}

func (f *Factory) startSpan(ctx context.Context, port string) (context.Context, func(error)) {
	if f.tracer == nil {
		return ctx, func(error) {}
	}
	return f.tracer.StartCallSpan(ctx, f.name, port)
}

func (f *Factory) logCall(info CallInfo, port string, src *string, start time.Time, isNew, success bool, err error) {
	if f.callLog == nil {
		return
	}
	entry := &logging.CallEntry{
		RequestID:  info.RequestID,
		Factory:    f.name,
		Port:       port,
		DurationMs: time.Since(start).Milliseconds(),
		NewEngine:  isNew,
		Success:    success,
	}
	if src != nil {
		entry.SourceID = *src
	}
	if err != nil {
		entry.Error = err.Error()
	}
	f.callLog.Log(entry)
}

func toEngineQueue(id scheduler.QueueID) engine.QueueID {
	return engine.QueueID(id)
}
