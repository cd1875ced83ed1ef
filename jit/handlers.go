package jit

import (
	"github.com/chazu/tcjit/vm"
)

// HandleServiceRequest services a request raised by generated code and
// returns where execution continues. It never fails: when no translation
// can be produced, the PC is synced to the request's location and control
// goes to the interpreter.
func (rt *Runtime) HandleServiceRequest(ec *ExecContext, req ServiceRequest) TCA {
	kind := req.Kind()
	rt.stats.requests[kind].Add(1)
	ec.regState = RegsClean

	var (
		start   TCA
		sk      vm.SrcKey
		smashed bool
		stub    TCA
	)
	switch r := req.(type) {
	case *BindJmpReq:
		rt.ring.Record(RingServiceReq, uint64(kind), uint64(r.ToSmash))
		sk, stub = r.Target, r.Stub
		start, smashed = rt.bindJmp(ec, r.ToSmash, r.Target, r.Flags, SiteJmp)

	case *BindAddrReq:
		rt.ring.Record(RingServiceReq, uint64(kind), uint64(r.ToSmash))
		sk, stub = r.Target, r.Stub
		start, smashed = rt.bindJmp(ec, r.ToSmash, r.Target, r.Flags, SiteAddr)

	case *RetranslateReq:
		sk = ec.regs.SrcKey().WithOffset(r.Offset)
		rt.ring.Record(RingServiceReq, uint64(kind), sk.Pack())
		start = rt.retranslate(ec, TransArgs{SrcKey: sk, Flags: r.Flags})

	case *RetranslateOptReq:
		sk = r.Target
		rt.ring.Record(RingServiceReq, uint64(kind), sk.Pack())
		if rt.retranslateOpt(ec, sk) {
			// Resume at the target so the new translation is picked up.
			ec.regs.PC = sk.Offset
			start = rt.stubs.Addr(StubResumeHelper)
		} else {
			// Interpret this block; the next profiled call asks again.
			rt.prof.ClearHot(sk.Func)
		}

	case *PostInterpRetReq:
		rt.ring.Record(RingServiceReq, uint64(kind), uint64(r.Caller.SavedRIP))
		sk = rt.postInterpRet(ec, r)
		start = rt.GetTranslation(ec, TransArgs{SrcKey: sk})

	default:
		fatalf("unknown service request %T", req)
	}

	if smashed && stub != 0 {
		rt.treadmill.Enqueue(func() {
			if rt.code.Free(stub) {
				rt.stats.stubsFreed.Add(1)
			}
		})
	}

	if start == 0 {
		// Interpret at least one basic block at the request's location.
		ec.regs.PC = sk.Offset
		start = rt.stubs.Addr(StubInterpHelperSyncedPC)
	}
	rt.ring.Record(RingResumeTC, uint64(kind), uint64(start))
	log.Debugf("%s for %s -> %s", kind, sk, rt.stubs.Describe(start))
	ec.regState = RegsDirty
	return start
}

// postInterpRet restores the interpreter state after compiled code returned
// into an interpreted frame and returns the location execution continues
// at.
func (rt *Runtime) postInterpRet(ec *ExecContext, r *PostInterpRetReq) vm.SrcKey {
	ar, caller := r.AR, r.Caller
	assertf(caller != nil && caller == ec.regs.FP,
		"post-interp return into %p but the live frame is %p", caller, ec.regs.FP)

	// A resumed generator that delegates to an inner generator receives the
	// inner generator's return; the call offset to skip belongs to the
	// frame of the delegate.
	if caller.Resumed && caller.Func.IsNonAsyncGenerator() && caller.Gen != nil &&
		caller.Gen.Delegate.Type == vm.KindObject {
		inner, ok := caller.Gen.Delegate.Data.(*vm.Generator)
		assertf(ok, "generator delegate of %s is %T, not a generator", caller.Func, caller.Gen.Delegate.Data)
		ar = inner.AR
	}

	ec.regs.PC = rt.decoder.SkipCall(caller.Func, caller.Func.Base+ar.CallOffset)

	if ar.AsyncEagerReturn {
		top := ec.regs.Top()
		assertf(top != nil, "eager async return from %s with an empty stack", ar.Func)
		assertf(top.Aux <= 1, "eager return flag of %s is %d", ar.Func, top.Aux)
		if top.Aux == 1 {
			// The callee finished eagerly but the caller expects a wait handle.
			*top = vm.Object(vm.NewSucceededWaitHandle(vm.TypedValue{Type: top.Type, Data: top.Data}))
		}
	}
	return ec.regs.SrcKey()
}

// HandleResume continues execution at the live location: in a translation
// if one exists (unless interpFirst is set), otherwise by interpreting basic
// blocks until one does or the outermost frame returns.
func (rt *Runtime) HandleResume(ec *ExecContext, interpFirst bool) TCA {
	if ec.regs.FP == nil || ec.regs.FP == ec.exitFrame {
		return rt.stubs.Addr(StubCallToExit)
	}
	ec.regState = RegsClean

	var start TCA
	if !interpFirst {
		start = rt.GetTranslation(ec, TransArgs{SrcKey: ec.regs.SrcKey()})
	}
	ec.regs.JitReturnAddr = 0

	for start == 0 {
		rt.stats.interpBBs.Add(1)
		if tca := rt.interp.DispatchBB(ec); tca != 0 {
			start = tca
			break
		}
		if ec.regs.FP == nil || ec.regs.FP == ec.exitFrame {
			start = rt.stubs.Addr(StubCallToExit)
			break
		}
		start = rt.GetTranslation(ec, TransArgs{SrcKey: ec.regs.SrcKey()})
	}

	rt.ring.Record(RingResumeTC, uint64(ec.regs.PC), uint64(start))
	ec.regState = RegsDirty
	return start
}

// HandleBindCall resolves the prologue for a call through site and binds
// the site to it. Unresolved calls go through FCallHelperThunk.
func (rt *Runtime) HandleBindCall(ec *ExecContext, site *SmashSite, fn *vm.Func, nargs int) TCA {
	fp := ec.regs.FP
	assertf(fp != nil && fp.Func == fn, "bind call to %s without its frame", fn)
	rt.syncFuncBodyRegs(ec, fp)

	start := rt.GetFuncPrologue(ec, fn, nargs)
	if start == 0 {
		ec.regState = RegsDirty
		return rt.stubs.Addr(StubFCallHelperThunk)
	}
	rt.bindCall(site, start)
	ec.regState = RegsDirty
	return start
}
