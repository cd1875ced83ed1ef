package jit

import (
	"math"
	"sync"
	"sync/atomic"
)

// Treadmill defers destruction of code until no execution context that
// could still be running it remains. Each entry into the translation cache
// is a request stamped with the generation current at its start; work
// enqueued at generation g runs once every in-flight request started at g
// or later.
type Treadmill struct {
	mu       sync.Mutex
	gen      uint64
	inflight map[uint64]*treadmillReq
	pending  []pendingFree

	ran atomic.Uint64
}

type treadmillReq struct {
	start uint64
	depth int
}

type pendingFree struct {
	gen uint64
	fn  func()
}

// NewTreadmill creates an idle treadmill.
func NewTreadmill() *Treadmill {
	return &Treadmill{inflight: make(map[uint64]*treadmillReq)}
}

// StartRequest marks ec as running. Nested starts for the same context
// keep the outermost generation.
func (t *Treadmill) StartRequest(ec uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.inflight[ec]; ok {
		r.depth++
		return
	}
	t.inflight[ec] = &treadmillReq{start: t.gen, depth: 1}
}

// FinishRequest ends the request started by ec and runs any work that is
// now safe.
func (t *Treadmill) FinishRequest(ec uint64) {
	t.mu.Lock()
	r, ok := t.inflight[ec]
	assertf(ok, "treadmill: finish without start for context %d", ec)
	r.depth--
	if r.depth == 0 {
		delete(t.inflight, ec)
	}
	ready := t.collectLocked()
	t.mu.Unlock()
	t.run(ready)
}

// Enqueue schedules fn to run once every current request has finished.
func (t *Treadmill) Enqueue(fn func()) {
	t.mu.Lock()
	t.gen++
	t.pending = append(t.pending, pendingFree{gen: t.gen, fn: fn})
	ready := t.collectLocked()
	t.mu.Unlock()
	t.run(ready)
}

// Pending returns the number of queued callbacks.
func (t *Treadmill) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Ran returns the number of callbacks executed.
func (t *Treadmill) Ran() uint64 { return t.ran.Load() }

// Drain runs every pending callback. It must only be called when no
// request is in flight.
func (t *Treadmill) Drain() {
	t.mu.Lock()
	assertf(len(t.inflight) == 0, "treadmill: drain with %d requests in flight", len(t.inflight))
	ready := t.pending
	t.pending = nil
	t.mu.Unlock()
	t.run(ready)
}

func (t *Treadmill) collectLocked() []pendingFree {
	oldest := uint64(math.MaxUint64)
	for _, r := range t.inflight {
		if r.start < oldest {
			oldest = r.start
		}
	}
	var ready []pendingFree
	keep := t.pending[:0]
	for _, p := range t.pending {
		if p.gen <= oldest {
			ready = append(ready, p)
		} else {
			keep = append(keep, p)
		}
	}
	t.pending = keep
	return ready
}

func (t *Treadmill) run(ready []pendingFree) {
	for _, p := range ready {
		p.fn()
		t.ran.Add(1)
	}
}
