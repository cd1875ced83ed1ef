package jit

import (
	"github.com/chazu/tcjit/vm"
)

const stubSize = 64

// emitUniqueStubs builds the stub table for rt.
func (rt *Runtime) emitUniqueStubs() *UniqueStubs {
	b := NewStubBuilder(rt.code)
	add := func(id StubID, conv Convention, ctx StubContext, body Code, reached ...string) {
		b.Add(StubInfo{ID: id, Convention: conv, Context: ctx, ReachedFrom: reached}, stubSize, body)
	}

	// Function entry.
	add(StubFuncPrologueRedispatch, ConvGuest, CtxFuncPrologue, rt.stubPrologueRedispatch,
		"call sites of functions whose prologue table changed")
	add(StubFCallHelperThunk, ConvGuest, CtxFuncPrologue, rt.stubFCallHelper,
		"unresolved prologue table entries")
	add(StubFuncBodyHelperThunk, ConvGuest, CtxFuncBody, rt.FuncBodyHelper,
		"unresolved function bodies")
	add(StubFunctionEnterHelper, ConvStub, CtxFuncBody, rt.stubFunctionEnter,
		"function entry with an event hook installed")
	add(StubFunctionSurprisedOrStackOverflow, ConvStub, CtxFuncBody, rt.stubSurprisedOrOverflow,
		"function entry with surprise flags set or stack exhausted")

	// Returns.
	add(StubRetHelper, ConvGuest, CtxTranslation, rt.stubRetHelper,
		"return into a frame pushed by the interpreter")
	add(StubGenRetHelper, ConvGuest, CtxTranslation, rt.stubGenRetHelper(vm.FuncGenerator, "generator"),
		"generator return into an interpreted caller")
	add(StubAsyncGenRetHelper, ConvGuest, CtxTranslation, rt.stubGenRetHelper(vm.FuncAsyncGenerator, "async generator"),
		"async generator return into an interpreted caller")
	// Inlined frames are materialized as ordinary frames before they
	// return, so they share the plain return helper.
	add(StubRetInlHelper, ConvGuest, CtxTranslation, rt.stubRetHelper,
		"return from an inlined frame that was materialized")
	add(StubAsyncFuncRet, ConvGuest, CtxTranslation, rt.stubAsyncFuncRet,
		"return from a resumed async function")
	add(StubAsyncFuncRetSlow, ConvGuest, CtxTranslation, rt.stubAsyncFuncRetSlow,
		"async return with parents in other contexts")
	add(StubAsyncSwitchCtrl, ConvNative, CtxTranslation, rt.stubAsyncSwitchCtrl,
		"await on a blocked wait handle", "asyncFuncRet")

	// Binding and interpretation.
	add(StubImmutableBindCallStub, ConvGuest, CtxTranslation, rt.stubBindCall,
		"unbound call sites")
	add(StubResumeHelper, ConvNative, CtxNone, func(ec *ExecContext) TCA {
		return rt.HandleResume(ec, false)
	}, "retranslateOpt", "funcBodyHelperThunk")
	add(StubInterpHelper, ConvNative, CtxTranslation, func(ec *ExecContext) TCA {
		ec.regs.PC = ec.interpPC
		return rt.HandleResume(ec, true)
	}, "translations that punt an instruction")
	add(StubInterpHelperSyncedPC, ConvNative, CtxNone, func(ec *ExecContext) TCA {
		return rt.HandleResume(ec, true)
	}, "service requests that found no translation")

	// Reference counting.
	add(StubDecRefGeneric, ConvStub, CtxTranslation, func(ec *ExecContext) TCA {
		ec.decrefArg.DecRef()
		ec.decrefArg = vm.TypedValue{}
		return ec.stubReturn()
	}, "decref of a value of unknown type")
	for n := 1; n <= MaxUnrolledFreeLocals; n++ {
		count := n
		add(StubFreeLocalsHelper1+StubID(n-1), ConvStub, CtxTranslation, func(ec *ExecContext) TCA {
			freeLocals(ec.regs.FP, count)
			return ec.stubReturn()
		}, "function return")
	}
	add(StubFreeManyLocalsHelper, ConvStub, CtxTranslation, func(ec *ExecContext) TCA {
		freeLocals(ec.regs.FP, len(ec.regs.FP.Locals))
		return ec.stubReturn()
	}, "function return")

	// Leaving the translation cache.
	add(StubEnterTCExit, ConvNative, CtxNone, func(*ExecContext) TCA {
		fatalf("executed the enterTCExit sentinel")
		return 0
	}, "callToExit")
	add(StubCallToExit, ConvNative, CtxNone, func(*ExecContext) TCA {
		return rt.stubs.Addr(StubEnterTCExit)
	}, "returns from the outermost frame", "resume loops without a frame")
	add(StubResumeCPPUnwind, ConvNative, CtxCatch, rt.stubResumeNativeUnwind,
		"unwinding that found no catch trace")
	add(StubEndCatchHelper, ConvNative, CtxCatch, rt.endCatch,
		"end of every catch trace")
	add(StubHandleSRHelper, ConvNative, CtxTranslation, func(ec *ExecContext) TCA {
		req := ec.takeRequest()
		assertf(req != nil, "service request stub entered without a request")
		return rt.HandleServiceRequest(ec, req)
	}, "bind trampolines", "retranslate requests")

	return b.Build()
}

func freeLocals(fp *vm.ActRec, n int) {
	assertf(n <= len(fp.Locals), "freeing %d locals of %s which has %d", n, fp.Func, len(fp.Locals))
	for i := 0; i < n; i++ {
		fp.Locals[i].DecRef()
		fp.Locals[i] = vm.TypedValue{}
	}
}

func (rt *Runtime) stubPrologueRedispatch(ec *ExecContext) TCA {
	fp := ec.regs.FP
	return rt.prologueEntry(fp.Func, fp.NumArgs)
}

func (rt *Runtime) stubFCallHelper(ec *ExecContext) TCA {
	fp := ec.regs.FP
	if tca := rt.GetFuncPrologue(ec, fp.Func, fp.NumArgs); tca != 0 {
		return tca
	}
	rt.syncFuncBodyRegs(ec, fp)
	return rt.HandleResume(ec, false)
}

func (rt *Runtime) stubFunctionEnter(ec *ExecContext) TCA {
	ar := ec.regs.FP
	if rt.hooks == nil || rt.hooks.OnFunctionEnter(ec, ar) {
		return ec.stubReturn()
	}
	// The hook skipped the call: drop the stub frame and return null.
	ec.stubReturn()
	return ec.Return(vm.Null())
}

func (rt *Runtime) stubSurprisedOrOverflow(ec *ExecContext) TCA {
	ar := ec.regs.FP
	if ar.Depth() > rt.opts.MaxStackDepth {
		ec.Throw("StackOverflow", "maximum function nesting level of %d reached", rt.opts.MaxStackDepth)
	}
	ec.surprise.Store(0)
	if rt.hooks != nil && !rt.hooks.OnFunctionEnter(ec, ar) {
		ec.stubReturn()
		return ec.Return(vm.Null())
	}
	return ec.stubReturn()
}

func (rt *Runtime) stubRetHelper(ec *ExecContext) TCA {
	ar := ec.retAR
	assertf(ar != nil, "return helper entered without a returning frame")
	ec.retAR = nil
	return rt.HandleServiceRequest(ec, &PostInterpRetReq{AR: ar, Caller: ec.regs.FP})
}

// stubGenRetHelper returns from a generator frame of the given kind. The
// frame belongs to its generator object, so only the generator is marked
// finished; its caller is found through Prev like any other frame.
func (rt *Runtime) stubGenRetHelper(kind vm.FuncKind, name string) Code {
	return func(ec *ExecContext) TCA {
		ar := ec.retAR
		assertf(ar != nil, "%s return helper entered without a returning frame", name)
		assertf(ar.Func.Kind == kind && ar.Gen != nil,
			"%s return helper entered from %s", name, ar.Func)
		ar.Gen.Done = true
		return rt.stubRetHelper(ec)
	}
}

func (rt *Runtime) stubBindCall(ec *ExecContext) TCA {
	site := rt.code.Site(ec.callSite)
	assertf(site != nil, "bind call stub entered without a call site")
	ec.callSite = 0
	fp := ec.regs.FP
	return rt.HandleBindCall(ec, site, fp.Func, fp.NumArgs)
}

// stubAsyncFuncRet finishes the wait handle of the current async frame and
// resumes its first parent directly when it is eligible.
func (rt *Runtime) stubAsyncFuncRet(ec *ExecContext) TCA {
	ar := ec.regs.FP
	wh := ar.Wait
	assertf(wh != nil, "async return from %s without a wait handle", ar.Func)
	result := ec.regs.Pop()
	ec.regs.Stack = ec.regs.Stack[:ar.StackBase]
	ec.regs.FP = nil

	parents := wh.Succeed(result)
	if len(parents) == 0 {
		return rt.stubs.Addr(StubAsyncSwitchCtrl)
	}
	first := parents[0]
	for _, p := range parents[1:] {
		ec.Asio.Schedule(p)
	}
	if first.ContextIdx != wh.ContextIdx || first.ResumeAddr == 0 || first.AR == nil {
		ec.Asio.Schedule(first)
		return rt.stubs.Addr(StubAsyncSwitchCtrl)
	}
	first.Awaited = nil
	ec.regs.FP = first.AR
	first.AR.StackBase = len(ec.regs.Stack)
	ec.regs.Push(result)
	return TCA(first.ResumeAddr)
}

// stubAsyncFuncRetSlow finishes the wait handle and schedules every parent.
func (rt *Runtime) stubAsyncFuncRetSlow(ec *ExecContext) TCA {
	ar := ec.regs.FP
	wh := ar.Wait
	assertf(wh != nil, "async return from %s without a wait handle", ar.Func)
	result := ec.regs.Pop()
	ec.regs.Stack = ec.regs.Stack[:ar.StackBase]
	ec.regs.FP = nil
	for _, p := range wh.Succeed(result) {
		ec.Asio.Schedule(p)
	}
	return rt.stubs.Addr(StubAsyncSwitchCtrl)
}

// stubAsyncSwitchCtrl resumes the next runnable wait handle, or leaves the
// translation cache when none can be resumed natively. The resumed frame
// receives the result of the child it awaited; a failed child rethrows in
// that frame.
func (rt *Runtime) stubAsyncSwitchCtrl(ec *ExecContext) TCA {
	wh := ec.Asio.Next()
	for wh != nil && wh.AR == nil {
		// Static handles have no frame to continue.
		wh = ec.Asio.Next()
	}
	if wh == nil {
		return rt.stubs.Addr(StubCallToExit)
	}
	ec.regs.FP = wh.AR
	wh.AR.StackBase = len(ec.regs.Stack)
	if child := wh.Awaited; child != nil {
		assertf(child.Finished(), "resumed %s while its child is still blocked", wh.AR.Func)
		wh.Awaited = nil
		if child.State == vm.WaitFailed {
			ec.regs.PC = wh.ResumeOffset
			panic(child.Exn)
		}
		ec.regs.Push(child.Result)
	}
	if wh.ResumeAddr == 0 {
		ec.regs.PC = wh.ResumeOffset
		return rt.HandleResume(ec, false)
	}
	return TCA(wh.ResumeAddr)
}
