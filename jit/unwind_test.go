package jit_test

import (
	"errors"
	"testing"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/jit/jittest"
	"github.com/chazu/tcjit/vm"
)

// throwAt makes translations of fn throw class at off.
func throwAt(fn *vm.Func, off vm.Offset, class string) jittest.BodyFunc {
	return func(_ *jit.Emitter, ctx *jit.RegionContext, _ jit.TransKind) (jit.Code, error) {
		if ctx.SrcKey.Func != fn.ID {
			return nil, nil
		}
		return func(ec *jit.ExecContext) jit.TCA {
			ec.Regs().PC = off
			ec.Throw(class, "thrown at %d", off)
			return 0
		}, nil
	}
}

func TestCatchTraceSideExit(t *testing.T) {
	fx := jittest.New(t)
	f := fx.Func("f", 0)
	fx.Backend.Body = throwAt(f, 3, "Err")
	fx.Backend.Catch = func(em *jit.Emitter, ctx *jit.RegionContext, start jit.TCA) error {
		resume, err := em.Block(jittest.SrcKey(f, 4), 64, func(ec *jit.ExecContext) jit.TCA {
			return ec.Return(ec.Regs().Pop())
		})
		if err != nil {
			return err
		}
		_, err = em.CatchTrace(start, jittest.SrcKey(f, 3), func(ec *jit.ExecContext) jit.TCA {
			if ec.Unwind().Exn.Class != "Err" {
				t.Errorf("catch trace saw %v", ec.Unwind().Exn)
			}
			v := vm.Int(42)
			return ec.SideExit(resume, &v)
		})
		return err
	}

	ec := fx.Context()
	v, err := fx.RT.Call(ec, f)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if v.Data != int64(42) {
		t.Errorf("result = %v, want 42", v)
	}
	if ec.Unwind().Phase != jit.PhaseResuming || ec.Unwind().Exn != nil {
		t.Errorf("unwind state after side exit = %+v", *ec.Unwind())
	}
	if s := fx.RT.Stats(); s.Unwinds != 1 || s.Catches != 1 || s.NativeResumes != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestUncaughtExceptionLeavesTC(t *testing.T) {
	fx := jittest.New(t)
	f := fx.Func("f", 0)
	fx.Backend.Body = throwAt(f, 3, "Boom")

	ec := fx.Context()
	_, err := fx.RT.Call(ec, f)
	var exn *vm.Exception
	if !errors.As(err, &exn) || exn.Class != "Boom" {
		t.Fatalf("Call error = %v, want Boom", err)
	}
	if exn.At != jittest.SrcKey(f, 3) {
		t.Errorf("exception location = %s", exn.At)
	}
	if ec.Regs().FP != nil {
		t.Error("frame left behind after the exception")
	}
	if ec.Unwind().Phase != jit.PhaseNativeResume {
		t.Errorf("phase = %s", ec.Unwind().Phase)
	}
	if fx.RT.Stats().NativeResumes != 1 {
		t.Error("native resume not counted")
	}

	// The context is usable after the exception.
	fx.Backend.Body = nil
	g := fx.Func("g", 0)
	if _, err := fx.RT.Call(ec, g); err != nil {
		t.Errorf("Call after exception: %v", err)
	}
}

func TestEndCatchContinuesUnwinding(t *testing.T) {
	fx := jittest.New(t)
	f := fx.Func("f", 0)
	fx.Backend.Body = throwAt(f, 3, "Err")
	cleanups := 0
	fx.Backend.Catch = func(em *jit.Emitter, _ *jit.RegionContext, start jit.TCA) error {
		_, err := em.CatchTrace(start, jittest.SrcKey(f, 3), func(ec *jit.ExecContext) jit.TCA {
			cleanups++
			return ec.EndCatch()
		})
		return err
	}

	_, err := fx.RT.Call(fx.Context(), f)
	if err == nil {
		t.Fatal("exception swallowed by a cleanup-only catch trace")
	}
	if cleanups != 1 {
		t.Errorf("catch trace ran %d times", cleanups)
	}
}

func TestExceptionPropagatesToCompiledCaller(t *testing.T) {
	fx := jittest.New(t)
	g := fx.Func("g", 0)
	f := fx.Func("f", 0)

	const callOff = 7
	var ret jit.TCA
	fx.Backend.Body = func(em *jit.Emitter, ctx *jit.RegionContext, _ jit.TransKind) (jit.Code, error) {
		switch ctx.SrcKey.Func {
		case f.ID:
			return throwAt(f, 2, "Inner")(em, ctx, 0)
		case g.ID:
			site, err := em.SmashableCall(f, 0)
			if err != nil {
				return nil, err
			}
			return func(ec *jit.ExecContext) jit.TCA {
				callee := vm.NewActRec(f, nil, 0)
				callee.CallOffset = callOff
				ec.Regs().PC = callOff
				return ec.Call(site, callee, ret)
			}, nil
		}
		return nil, nil
	}
	fx.Backend.Catch = func(em *jit.Emitter, ctx *jit.RegionContext, _ jit.TCA) error {
		if ctx.SrcKey.Func != g.ID {
			return nil
		}
		var err error
		ret, err = em.Block(jittest.SrcKey(g, callOff+1), 64, func(ec *jit.ExecContext) jit.TCA {
			return ec.Return(ec.Regs().Pop())
		})
		if err != nil {
			return err
		}
		_, err = em.CatchTrace(ret, jittest.SrcKey(g, callOff), func(ec *jit.ExecContext) jit.TCA {
			v := vm.String("caught " + ec.Unwind().Exn.Class)
			return ec.SideExit(ret, &v)
		})
		return err
	}

	v, err := fx.RT.Call(fx.Context(), g)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if v.Data != "caught Inner" {
		t.Errorf("result = %v", v)
	}
	if fx.RT.Stats().Smashes != 1 {
		t.Error("call site to f was not bound")
	}
}

func TestExceptionInStubBelongsToCaller(t *testing.T) {
	fx := jittest.New(t, func(o *jit.Options) { o.MaxStackDepth = 0 })
	f := fx.Func("f", 0)
	var body jit.TCA
	fx.Backend.Body = func(em *jit.Emitter, ctx *jit.RegionContext, _ jit.TransKind) (jit.Code, error) {
		return func(ec *jit.ExecContext) jit.TCA {
			ec.Regs().PC = 1
			// Entry checks run in a stub; the stack limit makes it throw.
			return ec.EnterFunc(body)
		}, nil
	}
	fx.Backend.Catch = func(em *jit.Emitter, _ *jit.RegionContext, _ jit.TCA) error {
		var err error
		body, err = em.Block(jittest.SrcKey(f, 2), 64, jittest.ReturnNull)
		if err != nil {
			return err
		}
		// The stub returns into body, so body owns the catch trace.
		_, err = em.CatchTrace(body, jittest.SrcKey(f, 1), func(ec *jit.ExecContext) jit.TCA {
			v := vm.String(ec.Unwind().Exn.Class)
			return ec.SideExit(body, &v)
		})
		return err
	}

	ec := fx.Context()
	_, err := fx.RT.Call(ec, f)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if fx.RT.Stats().Catches != 1 {
		t.Error("stack overflow in the entry stub was not caught by the translation")
	}
}

func TestPersonality(t *testing.T) {
	fx := jittest.New(t)
	f := fx.Func("f", 0)
	var catch jit.TCA
	fx.Backend.Catch = func(em *jit.Emitter, _ *jit.RegionContext, start jit.TCA) error {
		var err error
		catch, err = em.CatchTrace(start, jittest.SrcKey(f, 5), func(ec *jit.ExecContext) jit.TCA {
			return ec.EndCatch()
		})
		return err
	}
	ec := fx.Context()
	fx.Enter(ec, f)
	start := fx.RT.GetTranslation(ec, jit.TransArgs{SrcKey: jittest.SrcKey(f, 0)})
	r := fx.RT.CodeCache().Entry(start)

	if res := fx.RT.Personality(ec, r, jittest.SrcKey(f, 5)); res.Action != jit.ResumeAt || res.Target != catch {
		t.Errorf("Personality at 5 = %s", res)
	}
	if res := fx.RT.Personality(ec, r, jittest.SrcKey(f, 6)); res.Action != jit.ContinuePropagation {
		t.Errorf("Personality at 6 = %s", res)
	}
	if res := fx.RT.Personality(ec, nil, jittest.SrcKey(f, 5)); res.Action != jit.ContinuePropagation {
		t.Errorf("Personality without a region = %s", res)
	}
}
