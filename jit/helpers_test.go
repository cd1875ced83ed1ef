package jit

import (
	"context"
	"testing"

	"github.com/chazu/tcjit/vm"
)

// nopBackend emits one block per request that returns null.
type nopBackend struct {
	translations int
}

func (b *nopBackend) Translate(em *Emitter, ctx *RegionContext, kind TransKind) (TCA, error) {
	b.translations++
	return em.Block(ctx.SrcKey, 64, func(ec *ExecContext) TCA { return ec.Return(vm.Null()) })
}

func (b *nopBackend) TranslateOptimized(em *Emitter, fn *vm.Func, _ ProfileSnapshot) ([]OptTranslation, error) {
	sk := vm.NewSrcKey(fn, fn.Base, vm.ResumeNone)
	start, err := em.Block(sk, 64, func(ec *ExecContext) TCA { return ec.Return(vm.Null()) })
	if err != nil {
		return nil, err
	}
	return []OptTranslation{{SrcKey: sk, Start: start}}, nil
}

func (b *nopBackend) EmitFuncBodyDispatch(em *Emitter, fn *vm.Func, _ []vm.DVFunclet, _ TransKind) (TCA, error) {
	return em.Dispatch(vm.NewSrcKey(fn, fn.Base, vm.ResumeNone), 64, func(ec *ExecContext) TCA {
		return ec.Return(vm.Null())
	})
}

type nopInterp struct{}

func (nopInterp) DispatchBB(ec *ExecContext) TCA {
	regs := ec.Regs()
	regs.FP = regs.FP.Prev
	return 0
}

func newTestRuntime(t *testing.T) (*Runtime, *vm.FuncTable) {
	t.Helper()
	funcs := vm.NewFuncTable()
	opts := DefaultOptions()
	opts.CodeCapacity = 1 << 20
	rt, err := New(funcs, &nopBackend{}, nopInterp{}, WithOptions(opts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt, funcs
}

func newTestContext(rt *Runtime) *ExecContext {
	return rt.NewExecContext(context.Background())
}

// testFunc registers a function with nlocals locals.
func testFunc(rt *Runtime, nlocals int) *vm.Func {
	fn := &vm.Func{Name: "f", Base: 0, Past: 100, NumLocals: nlocals}
	rt.Funcs().Add(fn)
	return fn
}

// pushTestFrame makes a fresh frame for fn current on ec.
func pushTestFrame(ec *ExecContext, fn *vm.Func) *vm.ActRec {
	ar := vm.NewActRec(fn, nil, 0)
	ec.Regs().PushFrame(ar)
	return ar
}

type countedObj struct{ refs int }

func (o *countedObj) IncRef() { o.refs++ }

func (o *countedObj) DecRef() bool {
	o.refs--
	return o.refs == 0
}

func objectValue(o vm.RefCounted) vm.TypedValue { return vm.Object(o) }
