// Package channel implements the channel registry: a process-wide
// name-to-handler table through which script code issues asynchronous
// requests to the host and receives replies addressed back to a specific
// engine.
package channel

import (
	"fmt"
	"sync"

	"github.com/oriys/enginehost/internal/engine"
)

// GrayAttr is the reserved attribute key carrying the registry's gray
// value into every constructed channel.
const GrayAttr = "_$gray"

// Telemetry is the optional counters/gauge sink for the channel registry
// (spec §6 "Telemetry (consumed)"): the push-callback and async-request
// counters and the registry's gray-value gauge. A nil Telemetry is valid;
// all calls become no-ops. These live here rather than on
// factory.Telemetry since the factory never pushes callbacks or issues
// async requests itself — only the registry and its channels do.
type Telemetry interface {
	IncPushCallbackCount()
	IncAsyncRequestCount()
	SetChannelRegistryGray(v uint64)
}

// Peer is tagged Any | Vm(E).
type Peer struct {
	engine engine.Handle // nil means Any
}

// Any is the wildcard peer.
var Any = Peer{}

// Vm wraps an engine handle as a channel peer.
func Vm(h engine.Handle) Peer { return Peer{engine: h} }

// IsAny reports whether the peer is the wildcard.
func (p Peer) IsAny() bool { return p.engine == nil }

// Engine returns the peer's engine handle and whether it is a Vm peer.
func (p Peer) Engine() (engine.Handle, bool) { return p.engine, p.engine != nil }

// Channel is an ephemeral per-request context: constructed on each
// request, given to the handler, dropped when the handler returns or
// replies.
type Channel struct {
	Src   Peer
	Dst   Peer
	mu    sync.RWMutex
	attrs map[string]any

	telemetry Telemetry
}

func newChannel(src, dst Peer, telemetry Telemetry) *Channel {
	return &Channel{Src: src, Dst: dst, attrs: make(map[string]any), telemetry: telemetry}
}

// SetAttr writes an attribute under exclusive access.
func (c *Channel) SetAttr(name string, value any) {
	c.mu.Lock()
	c.attrs[name] = value
	c.mu.Unlock()
}

// Attr reads an attribute.
func (c *Channel) Attr(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[name]
	return v, ok
}

// Send is left unimplemented: its intended semantics (fire-and-forget to
// dst, or queued) are still an open design question. Treat as a future
// extension; callers must not rely on delivery.
func (c *Channel) Send(payload []byte) error {
	return fmt.Errorf("channel: send is not implemented")
}

// Response implements the reply path: a handler replies by calling
// channel.Response(callbackID, bytes). If the channel's Src is a Vm peer,
// the reply is posted as an async callback onto that engine; if Src is
// Any, Response is a no-op returning false.
func (c *Channel) Response(callbackID uint64, payload []byte) bool {
	h, ok := c.Src.Engine()
	if !ok {
		return false
	}
	builder := func(eng engine.Handle) (int, error) {
		arr := eng.FromBytes(payload)
		_ = arr
		return 1, nil
	}
	h.Push(callbackID, builder, "channel-response")
	if c.telemetry != nil {
		c.telemetry.IncPushCallbackCount()
	}
	if h.StatusSwitch(engine.StatusWaitCallBack, engine.StatusSingleTask) == engine.StatusWaitCallBack {
		h.HandleAsyncCallback()
	}
	return true
}

// Handler is the uniform callable signature invoked by Request: it
// receives the channel, the registered name, and the three-argument
// payload (bytes, native objects, callback id).
type Handler func(ch *Channel, name string, msg []byte, nativeObjs []any, callbackID uint64)

// Registry is the process-wide channel registry.
type Registry struct {
	mu       sync.RWMutex
	gray     uint64
	handlers map[string]Handler
	// asyncRequests tracks in-flight async requests registered via
	// RegisterAsyncRequest, a separate counter from the handler table
	// itself.
	asyncRequests map[uint64]struct{}

	telemetry Telemetry
}

// New constructs an empty registry with gray value 0.
func New() *Registry {
	return &Registry{
		handlers:      make(map[string]Handler),
		asyncRequests: make(map[uint64]struct{}),
	}
}

// SetTelemetry wires an optional counters/gauge sink into the registry,
// returning the registry for chaining. Must be called before Request/
// SetGray are used from other goroutines to avoid a data race on the
// field; daemon wiring calls it once at startup, before the registry is
// shared.
func (r *Registry) SetTelemetry(t Telemetry) *Registry {
	r.telemetry = t
	return r
}

// GetGray returns the current gray value.
func (r *Registry) GetGray() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gray
}

// SetGray sets the gray value and returns the previous one.
func (r *Registry) SetGray(v uint64) uint64 {
	r.mu.Lock()
	old := r.gray
	r.gray = v
	telemetry := r.telemetry
	r.mu.Unlock()
	if telemetry != nil {
		telemetry.SetChannelRegistryGray(v)
	}
	return old
}

// Size returns the number of registered handler names.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Register installs a handler under name, returning any handler it
// replaced.
func (r *Registry) Register(name string, h Handler) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.handlers[name]
	r.handlers[name] = h
	return prev, had
}

// Unregister removes the handler for name, returning it if present.
func (r *Registry) Unregister(name string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	if ok {
		delete(r.handlers, name)
	}
	return h, ok
}

// Request looks up name; if absent, returns false. Otherwise it
// constructs a channel {src: Vm(engine), dst: Any}, writes
// _$gray = current gray into its attrs, and invokes the handler with the
// channel, the name, and the three-argument payload. Returns true.
func (r *Registry) Request(eng engine.Handle, name string, msg []byte, nativeObjs []any, callbackID uint64) bool {
	r.mu.RLock()
	h, ok := r.handlers[name]
	gray := r.gray
	telemetry := r.telemetry
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if telemetry != nil {
		telemetry.IncAsyncRequestCount()
	}

	ch := newChannel(Vm(eng), Any, telemetry)
	ch.SetAttr(GrayAttr, gray)

	h(ch, name, msg, nativeObjs, callbackID)
	return true
}

// RegisterAsyncRequest records an in-flight async request id.
func (r *Registry) RegisterAsyncRequest(id uint64) {
	r.mu.Lock()
	r.asyncRequests[id] = struct{}{}
	r.mu.Unlock()
}

// UnregisterAsyncRequest removes an in-flight async request id. Returns
// true if it was present.
func (r *Registry) UnregisterAsyncRequest(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.asyncRequests[id]
	if ok {
		delete(r.asyncRequests, id)
	}
	return ok
}

// AsyncRequestSize returns the number of in-flight async requests.
func (r *Registry) AsyncRequestSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.asyncRequests)
}
