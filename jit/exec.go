package jit

import (
	"context"
	"sync/atomic"

	"github.com/chazu/tcjit/vm"
)

// RegState tracks whether the VM registers in an ExecContext reflect the
// live state (clean) or may be stale because compiled code is running.
type RegState uint8

const (
	RegsDirty RegState = iota
	RegsClean
)

func (s RegState) String() string {
	if s == RegsClean {
		return "CLEAN"
	}
	return "DIRTY"
}

// Surprise flags interrupt compiled code at function entry.
const (
	SurpriseTimeout uint32 = 1 << iota
	SurpriseSignal
	SurpriseHook
)

// ExecContext is the per-thread execution state. It is owned by exactly one
// goroutine at a time.
type ExecContext struct {
	rt  *Runtime
	id  uint64
	ctx context.Context

	regs     vm.Regs
	regState RegState

	jitOn           bool
	jittingDisabled bool

	unwind UnwindState

	// Argument registers for stubs.
	pending   ServiceRequest
	stubRets  []TCA
	retAR     *vm.ActRec
	callSite  TCA
	interpPC  vm.Offset
	decrefArg vm.TypedValue

	// exitFrame is the caller of the frame entered by Call; once it is
	// live again the interpreter leaves the translation cache.
	exitFrame *vm.ActRec
	surprise  atomic.Uint32
	depth     int

	Asio *vm.AsioContext
}

// NewExecContext creates a context bound to rt. ctx bounds blocking waits
// performed on the context's behalf.
func (rt *Runtime) NewExecContext(ctx context.Context) *ExecContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ExecContext{
		rt:    rt,
		id:    rt.nextEC.Add(1),
		ctx:   ctx,
		jitOn: true,
		Asio:  &vm.AsioContext{},
	}
}

// ID returns the context's identifier; it is never zero.
func (ec *ExecContext) ID() uint64 { return ec.id }

// Runtime returns the runtime the context belongs to.
func (ec *ExecContext) Runtime() *Runtime { return ec.rt }

// Context returns the context.Context bounding blocking operations.
func (ec *ExecContext) Context() context.Context { return ec.ctx }

// Regs returns the VM registers.
func (ec *ExecContext) Regs() *vm.Regs { return &ec.regs }

// RegState reports whether the registers are synced.
func (ec *ExecContext) RegState() RegState { return ec.regState }

// SetJIT enables or disables translation lookups for this context.
func (ec *ExecContext) SetJIT(on bool) { ec.jitOn = on }

// DisableJitting suppresses new translations for this context while still
// allowing existing ones to run.
func (ec *ExecContext) DisableJitting() { ec.jittingDisabled = true }

// EnableJitting reverses DisableJitting.
func (ec *ExecContext) EnableJitting() { ec.jittingDisabled = false }

// Unwind returns the in-flight unwind state.
func (ec *ExecContext) Unwind() *UnwindState { return &ec.unwind }

// SetSurprise raises surprise flags, checked at function entry.
func (ec *ExecContext) SetSurprise(flags uint32) { ec.surprise.Or(flags) }

// LiveSrcKey returns the location the registers point at.
func (ec *ExecContext) LiveSrcKey() vm.SrcKey { return ec.regs.SrcKey() }

// ---------------------------------------------------------------------------
// Helpers for generated code
// ---------------------------------------------------------------------------

// Jump transfers control through the smash site at site.
func (ec *ExecContext) Jump(site TCA) TCA {
	s := ec.rt.code.Site(site)
	assertf(s != nil, "jump through unknown smash site %s", site)
	return s.Target()
}

// Request raises a service request. The returned address is the request
// handling stub, which generated code jumps to.
func (ec *ExecContext) Request(req ServiceRequest) TCA {
	assertf(ec.pending == nil, "service request %s raised while %s is pending", req.Kind(), ec.pending)
	ec.pending = req
	return ec.rt.stubs.Addr(StubHandleSRHelper)
}

func (ec *ExecContext) takeRequest() ServiceRequest {
	req := ec.pending
	ec.pending = nil
	return req
}

// CallStub calls a stub-convention stub; it returns to ret.
func (ec *ExecContext) CallStub(id StubID, ret TCA) TCA {
	ec.stubRets = append(ec.stubRets, ret)
	return ec.rt.stubs.Addr(id)
}

// stubReturn pops the stub return address pushed by CallStub.
func (ec *ExecContext) stubReturn() TCA {
	n := len(ec.stubRets)
	assertf(n > 0, "stub return without a return address")
	ret := ec.stubRets[n-1]
	ec.stubRets = ec.stubRets[:n-1]
	return ret
}

// Call enters callee through the call smash site. The callee frame becomes
// current; it returns to ret.
func (ec *ExecContext) Call(site TCA, callee *vm.ActRec, ret TCA) TCA {
	s := ec.rt.code.Site(site)
	assertf(s != nil && s.Kind == SiteCall, "call through %s which is not a call site", site)
	callee.SavedRIP = uint64(ret)
	ec.regs.PushFrame(callee)
	ec.callSite = site
	return s.Target()
}

// EnterFunc runs the function-entry checks for the current frame and
// continues at body.
func (ec *ExecContext) EnterFunc(body TCA) TCA {
	if ec.surprise.Load() != 0 || ec.regs.FP.Depth() > ec.rt.opts.MaxStackDepth {
		return ec.CallStub(StubFunctionSurprisedOrStackOverflow, body)
	}
	if ec.rt.hooks != nil {
		return ec.CallStub(StubFunctionEnterHelper, body)
	}
	return body
}

// Return returns from the current frame: the return value moves to the
// caller's eval stack and control goes to the frame's saved return address.
func (ec *ExecContext) Return(v vm.TypedValue) TCA {
	ar := ec.regs.FP
	assertf(ar != nil, "return without a frame")
	ar.RetSlot = v
	ec.regs.Stack = ec.regs.Stack[:ar.StackBase]
	ec.regs.FP = ar.Prev
	ec.regs.Push(v)
	ec.retAR = ar
	if ar.SavedRIP == 0 {
		return ec.rt.stubs.Addr(StubCallToExit)
	}
	return TCA(ar.SavedRIP)
}

// Interp leaves compiled code to interpret from off.
func (ec *ExecContext) Interp(off vm.Offset) TCA {
	ec.interpPC = off
	return ec.rt.stubs.Addr(StubInterpHelper)
}

// DecRef releases tv through the generic decref stub and continues at ret.
func (ec *ExecContext) DecRef(tv vm.TypedValue, ret TCA) TCA {
	ec.decrefArg = tv
	return ec.CallStub(StubDecRefGeneric, ret)
}

// FreeLocals releases the current frame's locals and continues at ret.
func (ec *ExecContext) FreeLocals(ret TCA) TCA {
	n := len(ec.regs.FP.Locals)
	if n == 0 {
		return ret
	}
	if n <= MaxUnrolledFreeLocals {
		return ec.CallStub(StubFreeLocalsHelper1+StubID(n-1), ret)
	}
	return ec.CallStub(StubFreeManyLocalsHelper, ret)
}

// Exit leaves the translation cache.
func (ec *ExecContext) Exit() TCA {
	return ec.rt.stubs.Addr(StubCallToExit)
}

// SideExit ends the running catch trace by resuming at target. When tv is
// non-nil it is pushed on the eval stack first.
func (ec *ExecContext) SideExit(target TCA, tv *vm.TypedValue) TCA {
	st := &ec.unwind
	assertf(st.Phase == PhaseCatchFound, "side exit outside of a catch trace")
	st.DoSideExit = true
	st.SideExit = target
	if tv != nil {
		st.TV, st.HasTV = *tv, true
	}
	return ec.rt.stubs.Addr(StubEndCatchHelper)
}

// EndCatch ends the running catch trace and continues unwinding.
func (ec *ExecContext) EndCatch() TCA {
	return ec.rt.stubs.Addr(StubEndCatchHelper)
}

// Throw raises a guest exception at the live location.
func (ec *ExecContext) Throw(class, format string, args ...any) {
	var at vm.SrcKey
	if ec.regs.FP != nil {
		at = ec.regs.SrcKey()
	}
	vm.Throwf(at, class, format, args...)
}

// ProfileCall counts a call to fn from a Profile translation. It returns a
// RetranslateOptimized request address once the function is hot, else 0.
func (ec *ExecContext) ProfileCall(fn *vm.Func) TCA {
	if !ec.rt.prof.RecordCall(fn.ID) {
		return 0
	}
	return ec.Request(&RetranslateOptReq{Target: vm.SrcKey{Func: fn.ID, Offset: fn.Base}})
}
