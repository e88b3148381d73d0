package channel

import (
	"bytes"
	"testing"

	"github.com/oriys/enginehost/internal/engine"
	"github.com/oriys/enginehost/internal/engine/refengine"
)

func newTestEngine(t *testing.T) *refengine.Engine {
	t.Helper()
	h, err := refengine.New(1, "owner", 1<<20, nil, nil)
	if err != nil {
		t.Fatalf("refengine.New: %v", err)
	}
	return h.(*refengine.Engine)
}

func TestRegistryGrayDefaultsToZero(t *testing.T) {
	r := New()
	if r.GetGray() != 0 {
		t.Fatalf("GetGray() = %d, want 0 on a fresh registry", r.GetGray())
	}
	old := r.SetGray(7)
	if old != 0 {
		t.Fatalf("SetGray should return the previous value, got %d", old)
	}
	if r.GetGray() != 7 {
		t.Fatalf("GetGray() = %d, want 7", r.GetGray())
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	r := New()
	if r.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", r.Size())
	}

	called := false
	h := func(ch *Channel, name string, msg []byte, nativeObjs []any, callbackID uint64) { called = true }
	prev, had := r.Register("greet", h)
	if had {
		t.Fatal("Register should report no prior handler on first install")
	}
	_ = prev
	if r.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", r.Size())
	}

	ok := r.Request(newTestEngine(t), "greet", nil, nil, 0)
	if !ok {
		t.Fatal("Request should return true for a registered name")
	}
	if !called {
		t.Fatal("Request should invoke the registered handler")
	}

	removed, ok := r.Unregister("greet")
	if !ok {
		t.Fatal("Unregister should find the handler that was registered")
	}
	if removed == nil {
		t.Fatal("Unregister should return the removed handler")
	}
	if r.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 after Unregister", r.Size())
	}
}

func TestRequestUnknownNameReturnsFalse(t *testing.T) {
	r := New()
	ok := r.Request(newTestEngine(t), "nope", nil, nil, 0)
	if ok {
		t.Fatal("Request for an unregistered name should return false")
	}
}

func TestRequestPropagatesGrayIntoChannelAttrs(t *testing.T) {
	r := New()
	r.SetGray(42)

	var seenGray any
	var sawIt bool
	r.Register("inspect", func(ch *Channel, name string, msg []byte, nativeObjs []any, callbackID uint64) {
		seenGray, sawIt = ch.Attr(GrayAttr)
	})

	r.Request(newTestEngine(t), "inspect", nil, nil, 0)
	if !sawIt {
		t.Fatal("channel passed to handler should carry the gray attribute")
	}
	if seenGray.(uint64) != 42 {
		t.Fatalf("gray attribute = %v, want 42", seenGray)
	}
}

func TestChannelSendIsUnimplemented(t *testing.T) {
	ch := newChannel(Vm(newTestEngine(t)), Any, nil)
	if err := ch.Send([]byte("x")); err == nil {
		t.Fatal("Send is an open question left unimplemented; expected an error")
	}
}

func TestResponseNoopWhenSrcIsAny(t *testing.T) {
	ch := newChannel(Any, Any, nil)
	if ch.Response(1, []byte("x")) {
		t.Fatal("Response should return false when Src is the Any peer")
	}
}

// fakeResponseTelemetry records push-callback increments so
// TestResponseDeliversToVmPeer can assert on scenario S3's accounting
// without pulling in the real prometheus-backed sink.
type fakeResponseTelemetry struct {
	pushCallbacks int
	asyncRequests int
	lastGray      uint64
	grayWasSet    bool
}

func (f *fakeResponseTelemetry) IncPushCallbackCount() { f.pushCallbacks++ }
func (f *fakeResponseTelemetry) IncAsyncRequestCount() { f.asyncRequests++ }
func (f *fakeResponseTelemetry) SetChannelRegistryGray(v uint64) {
	f.lastGray = v
	f.grayWasSet = true
}

// TestResponseDeliversToVmPeer exercises spec scenario S3 end to end: an
// engine parked in WaitCallBack drains the pushed reply the moment
// Response posts it, and the registered callback sees the [1, 2] byte
// array.
func TestResponseDeliversToVmPeer(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetStatus(engine.StatusWaitCallBack)
	telemetry := &fakeResponseTelemetry{}
	ch := newChannel(Vm(eng), Any, telemetry)

	if ok := ch.Response(77, []byte{0x01, 0x02}); !ok {
		t.Fatal("Response should return true for a Vm peer")
	}
	if telemetry.pushCallbacks != 1 {
		t.Fatalf("IncPushCallbackCount should fire once, got %d", telemetry.pushCallbacks)
	}

	delivered := eng.LastDeliveredCallback()
	if delivered == nil {
		t.Fatal("engine waiting on a callback should have drained the pushed reply")
	}
	if delivered.CallbackID != 77 {
		t.Fatalf("delivered callback id = %d, want 77", delivered.CallbackID)
	}
	if !bytes.Equal(delivered.Payload, []byte{0x01, 0x02}) {
		t.Fatalf("delivered payload = %v, want [1 2] (spec scenario S3)", delivered.Payload)
	}
}

func TestAsyncRequestBookkeeping(t *testing.T) {
	r := New()
	if r.AsyncRequestSize() != 0 {
		t.Fatalf("AsyncRequestSize() = %d, want 0", r.AsyncRequestSize())
	}
	r.RegisterAsyncRequest(100)
	r.RegisterAsyncRequest(101)
	if r.AsyncRequestSize() != 2 {
		t.Fatalf("AsyncRequestSize() = %d, want 2", r.AsyncRequestSize())
	}
	if !r.UnregisterAsyncRequest(100) {
		t.Fatal("UnregisterAsyncRequest should find a previously registered id")
	}
	if r.UnregisterAsyncRequest(999) {
		t.Fatal("UnregisterAsyncRequest should return false for an unknown id")
	}
	if r.AsyncRequestSize() != 1 {
		t.Fatalf("AsyncRequestSize() = %d, want 1", r.AsyncRequestSize())
	}
}
