package factory

import (
	"runtime"
	"sync/atomic"

	"github.com/oriys/enginehost/internal/engine"
)

// Loader is the factory loader (component B, spec §4.1): a restartable
// cursor over a frozen bytecode list. Loader is cheap to clone — it
// shares the underlying code slice by reference — and exposes no other
// mutating operation; callers that want to rewind must obtain a fresh
// loader via Factory.Loader.
type Loader struct {
	codes  [][]byte // shared, frozen; never mutated after Factory.freeze
	offset atomic.Uint64
	top    int
}

func newLoader(codes [][]byte) *Loader {
	l := &Loader{codes: codes, top: len(codes)}
	return l
}

// Clone returns a loader over the same frozen code list, reset to offset
// zero, matching the Rust reference's Clone semantics and spec §4.1's
// "cheap to clone" note.
func (l *Loader) Clone() *Loader {
	return newLoader(l.codes)
}

// LoadNext performs the two-phase rendezvous with the engine described in
// spec §4.1: submit codes[offset]; if acknowledged, busy-wait (yielding
// with runtime.Gosched between checks, not sleeping) until the engine
// reports it is no longer running that chunk; then advance offset. Returns
// false if offset == top on entry, or if the engine does not acknowledge
// the blob, in which case offset is not advanced.
func (l *Loader) LoadNext(h engine.Handle) bool {
	off := l.offset.Load()
	if int(off) >= l.top {
		return false
	}

	if !h.Load(l.codes[off]) {
		return false
	}
	for !h.IsRan() {
		runtime.Gosched()
	}
	l.offset.Add(1)
	return true
}

// Remaining reports how many blobs are left to load, chiefly for tests.
func (l *Loader) Remaining() int {
	return l.top - int(l.offset.Load())
}
