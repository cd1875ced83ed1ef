package jit

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/tcjit/vm"
)

var log = commonlog.GetLogger("tcjit.jit")

// Runtime owns the translation cache and everything that transfers control
// into or out of it. All operations take the runtime explicitly.
type Runtime struct {
	id   uuid.UUID
	opts Options

	funcs   *vm.FuncTable
	backend Backend
	interp  Interpreter
	decoder Decoder
	hooks   EventHook

	code      *CodeCache
	srcDB     *SrcDB
	leases    *LeaseTable
	prof      *Profiler
	stubs     *UniqueStubs
	treadmill *Treadmill
	ring      *RingBuffer

	funcMeta sync.Map // vm.FuncID -> *funcMeta
	nextEC   atomic.Uint64

	cacheFullLogged atomic.Bool
	closed          atomic.Bool

	stats runtimeCounters
}

type runtimeCounters struct {
	translations  atomic.Uint64
	failures      atomic.Uint64
	optFailures   atomic.Uint64
	requests      [numReqKinds]atomic.Uint64
	smashes       atomic.Uint64
	stubsFreed    atomic.Uint64
	interpBBs     atomic.Uint64
	unwinds       atomic.Uint64
	catches       atomic.Uint64
	nativeResumes atomic.Uint64
}

// New creates a runtime translating the functions in funcs with backend and
// falling back to interp.
func New(funcs *vm.FuncTable, backend Backend, interp Interpreter, options ...Option) (*Runtime, error) {
	if funcs == nil || backend == nil || interp == nil {
		return nil, errors.New("jit: function table, backend and interpreter are required")
	}
	cfg := runtimeConfig{opts: DefaultOptions(), decoder: fixedDecoder{}}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.opts.CodeCapacity == 0 {
		return nil, errors.New("jit: code cache capacity must be positive")
	}

	rt := &Runtime{
		id:        uuid.New(),
		opts:      cfg.opts,
		funcs:     funcs,
		backend:   backend,
		interp:    interp,
		decoder:   cfg.decoder,
		hooks:     cfg.hooks,
		code:      NewCodeCache(cfg.opts.CodeBase, cfg.opts.CodeCapacity),
		srcDB:     NewSrcDB(),
		leases:    NewLeaseTable(),
		prof:      NewProfiler(),
		treadmill: NewTreadmill(),
		ring:      NewRingBuffer(cfg.opts.RingBufferSize),
	}
	rt.prof.Enabled = cfg.opts.Profiling
	rt.prof.ProfileThreshold = cfg.opts.ProfileThreshold
	rt.prof.HotThreshold = cfg.opts.HotThreshold
	rt.prof.OnHot = func(fn vm.FuncID, _ *FuncProfile) {
		log.Debugf("function %d is hot", fn)
	}
	rt.stubs = rt.emitUniqueStubs()

	log.Infof("runtime %s: code cache %s+%d, %d stubs", rt.id, rt.code.Base(), rt.code.Capacity(), NumStubs)
	return rt, nil
}

// ID identifies the runtime instance in logs and snapshots.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Options returns the options the runtime was built with.
func (rt *Runtime) Options() Options { return rt.opts }

func (rt *Runtime) Funcs() *vm.FuncTable    { return rt.funcs }
func (rt *Runtime) CodeCache() *CodeCache   { return rt.code }
func (rt *Runtime) SrcDB() *SrcDB           { return rt.srcDB }
func (rt *Runtime) Leases() *LeaseTable     { return rt.leases }
func (rt *Runtime) Profiler() *Profiler     { return rt.prof }
func (rt *Runtime) Stubs() *UniqueStubs     { return rt.stubs }
func (rt *Runtime) Treadmill() *Treadmill   { return rt.treadmill }
func (rt *Runtime) RingBuffer() *RingBuffer { return rt.ring }

// Describe renders a code address for diagnostics.
func (rt *Runtime) Describe(addr TCA) string {
	if _, ok := rt.stubs.Lookup(addr); ok {
		return rt.stubs.Describe(addr)
	}
	if r := rt.code.Lookup(addr); r != nil {
		if addr == r.Start {
			return r.Name
		}
		return r.Name + "+" + TCA(addr-r.Start).String()
	}
	return addr.String()
}

// Close runs all deferred frees. No context may be executing.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return errors.New("jit: runtime already closed")
	}
	rt.treadmill.Drain()
	log.Infof("runtime %s closed: %d translations", rt.id, rt.stats.translations.Load())
	return nil
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats is a snapshot of runtime counters.
type Stats struct {
	Translations   uint64
	Failures       uint64
	OptFailures    uint64
	Requests       map[string]uint64
	Smashes        uint64
	StubsFreed     uint64
	InterpBBs      uint64
	Unwinds        uint64
	Catches        uint64
	NativeResumes  uint64
	LeaseAcquired  uint64
	LeaseContended uint64
	SrcRecs        int
	Regions        int
	CodeUsed       uint64
	CodeCapacity   uint64
	CodeReclaimed  uint64
	PendingFrees   int
	Profiler       ProfilerStats
}

// Stats returns a snapshot of the runtime's counters.
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Translations:   rt.stats.translations.Load(),
		Failures:       rt.stats.failures.Load(),
		OptFailures:    rt.stats.optFailures.Load(),
		Requests:       make(map[string]uint64, numReqKinds),
		Smashes:        rt.stats.smashes.Load(),
		StubsFreed:     rt.stats.stubsFreed.Load(),
		InterpBBs:      rt.stats.interpBBs.Load(),
		Unwinds:        rt.stats.unwinds.Load(),
		Catches:        rt.stats.catches.Load(),
		NativeResumes:  rt.stats.nativeResumes.Load(),
		LeaseAcquired:  rt.leases.Acquired(),
		LeaseContended: rt.leases.Contended(),
		SrcRecs:        rt.srcDB.Len(),
		Regions:        rt.code.Len(),
		CodeUsed:       rt.code.Used(),
		CodeCapacity:   rt.code.Capacity(),
		CodeReclaimed:  rt.code.Reclaimed(),
		PendingFrees:   rt.treadmill.Pending(),
		Profiler:       rt.prof.Stats(),
	}
	for k := ReqKind(0); k < numReqKinds; k++ {
		s.Requests[k.String()] = rt.stats.requests[k].Load()
	}
	return s
}
