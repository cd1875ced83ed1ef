package jit

import (
	"errors"

	"github.com/chazu/tcjit/vm"
)

// EnterTC runs generated code starting at start until control reaches
// enterTCExit. A guest exception that no catch trace handles escapes as a
// panic with the *vm.Exception value.
func (rt *Runtime) EnterTC(ec *ExecContext, start TCA) {
	assertf(start != 0, "entering the translation cache at the null address")
	rt.treadmill.StartRequest(ec.id)
	defer rt.treadmill.FinishRequest(ec.id)

	stubDepth := len(ec.stubRets)
	ec.depth++
	defer func() {
		ec.depth--
		ec.stubRets = ec.stubRets[:stubDepth]
	}()

	exit := rt.stubs.Addr(StubEnterTCExit)
	rt.ring.Record(RingResumeTC, uint64(start), 0)
	ec.regState = RegsDirty
	for addr := start; addr != exit; {
		addr = rt.step(ec, addr)
	}
	ec.regState = RegsClean
}

// step executes the code at addr and returns the next address.
func (rt *Runtime) step(ec *ExecContext, addr TCA) (next TCA) {
	r := rt.code.Entry(addr)
	if r == nil {
		if dead := rt.code.Lookup(addr); dead != nil {
			fatalf("jump into the middle of %s at %s", dead, addr)
		}
		fatalf("jump to unmapped address %s", addr)
	}
	assertf(r.Executable(), "jump to non-executable %s", r)

	defer func() {
		v := recover()
		if v == nil {
			return
		}
		switch x := v.(type) {
		case *vm.Exception:
			next = rt.raise(ec, r, x)
		case *nativeResume:
			panic(x.exn)
		default:
			panic(v)
		}
	}()
	return r.code(ec)
}

// Run enters the translation cache at start and converts an escaping guest
// exception into an error.
func (rt *Runtime) Run(ec *ExecContext, start TCA) (err error) {
	defer func() {
		if v := recover(); v != nil {
			exn, ok := vm.AsException(v)
			if !ok {
				panic(v)
			}
			err = exn
		}
	}()
	rt.EnterTC(ec, start)
	return nil
}

// Call runs fn with args from the interpreter's point of view: it pushes a
// frame whose return goes to callToExit and enters the function through its
// prologue. The return value is popped from the eval stack.
func (rt *Runtime) Call(ec *ExecContext, fn *vm.Func, args ...vm.TypedValue) (vm.TypedValue, error) {
	ar := vm.NewActRec(fn, nil, len(args))
	copy(ar.Locals, args)
	ar.SavedRIP = uint64(rt.stubs.Addr(StubCallToExit))
	caller := ec.regs.FP
	base := len(ec.regs.Stack)
	savedExit := ec.exitFrame
	ec.exitFrame = caller
	defer func() { ec.exitFrame = savedExit }()
	ec.regs.PushFrame(ar)
	rt.syncFuncBodyRegs(ec, ar)

	start := rt.prologueEntry(fn, len(args))
	if err := rt.Run(ec, start); err != nil {
		ec.regs.FP = caller
		ec.regs.Stack = ec.regs.Stack[:min(base, len(ec.regs.Stack))]
		return vm.TypedValue{}, err
	}
	if ec.regs.FP != caller {
		return vm.TypedValue{}, errors.New("jit: call returned with an unbalanced frame chain")
	}
	if len(ec.regs.Stack) <= base {
		return vm.Null(), nil
	}
	return ec.regs.Pop(), nil
}
