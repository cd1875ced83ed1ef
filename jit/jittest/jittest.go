// Package jittest provides a scriptable code generator, interpreter and
// decoder for exercising the translation cache without a real backend.
package jittest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/vm"
)

// Call records one invocation of the Backend.
type Call struct {
	Op     string
	SrcKey vm.SrcKey
	Kind   jit.TransKind
}

// BodyFunc produces the code of a translation. It may emit additional
// code (smash sites, catch traces) through em.
type BodyFunc func(em *jit.Emitter, ctx *jit.RegionContext, kind jit.TransKind) (jit.Code, error)

// Backend is a fake code generator. Every translation is one block whose
// code comes from Body; by default it returns null from the current frame,
// counting the call first when it is a Profile translation of an entry.
type Backend struct {
	Body BodyFunc
	// Fail makes Translate fail for the keys it returns an error for.
	Fail func(sk vm.SrcKey, kind jit.TransKind) error
	// Catch runs after the block of a translation is emitted, so it may
	// attach catch traces owned by start.
	Catch func(em *jit.Emitter, ctx *jit.RegionContext, start jit.TCA) error
	// OnTranslate runs inside Translate, while the lease is held.
	OnTranslate func(sk vm.SrcKey, kind jit.TransKind)
	// OptBody is the code of optimized translations.
	OptBody       jit.Code
	FailOptimized error
	FailDispatch  error
	Size          uint32

	mu    sync.Mutex
	calls []Call
	n     atomic.Int64
}

// ReturnNull is the default translation body.
func ReturnNull(ec *jit.ExecContext) jit.TCA {
	return ec.Return(vm.Null())
}

// profiledEntry is the default body of Profile translations at a function
// entry: it counts the call and returns null.
func profiledEntry(fn *vm.Func) jit.Code {
	return func(ec *jit.ExecContext) jit.TCA {
		if req := ec.ProfileCall(fn); req != 0 {
			return req
		}
		return ReturnNull(ec)
	}
}

func (b *Backend) record(op string, sk vm.SrcKey, kind jit.TransKind) {
	b.n.Add(1)
	b.mu.Lock()
	b.calls = append(b.calls, Call{Op: op, SrcKey: sk, Kind: kind})
	b.mu.Unlock()
}

func (b *Backend) size() uint32 {
	if b.Size == 0 {
		return 128
	}
	return b.Size
}

// Translate implements jit.Backend.
func (b *Backend) Translate(em *jit.Emitter, ctx *jit.RegionContext, kind jit.TransKind) (jit.TCA, error) {
	sk := ctx.SrcKey
	b.record("translate", sk, kind)
	if b.OnTranslate != nil {
		b.OnTranslate(sk, kind)
	}
	if b.Fail != nil {
		if err := b.Fail(sk, kind); err != nil {
			return 0, err
		}
	}
	code := jit.Code(ReturnNull)
	if kind == jit.TransProfile && ctx.Func != nil && sk.Offset == ctx.Func.Base {
		code = profiledEntry(ctx.Func)
	}
	if b.Body != nil {
		c, err := b.Body(em, ctx, kind)
		if err != nil {
			return 0, err
		}
		if c != nil {
			code = c
		}
	}
	start, err := em.Block(sk, b.size(), code)
	if err != nil || b.Catch == nil {
		return start, err
	}
	if err := b.Catch(em, ctx, start); err != nil {
		return 0, err
	}
	return start, nil
}

// TranslateOptimized implements jit.Backend with a single entry at the
// function's base.
func (b *Backend) TranslateOptimized(em *jit.Emitter, fn *vm.Func, prof jit.ProfileSnapshot) ([]jit.OptTranslation, error) {
	sk := vm.NewSrcKey(fn, fn.Base, vm.ResumeNone)
	b.record("optimize", sk, jit.TransOptimized)
	if b.FailOptimized != nil {
		return nil, b.FailOptimized
	}
	code := b.OptBody
	if code == nil {
		code = ReturnNull
	}
	start, err := em.Block(sk, b.size(), code)
	if err != nil {
		return nil, err
	}
	return []jit.OptTranslation{{SrcKey: sk, Start: start}}, nil
}

// EmitFuncBodyDispatch implements jit.Backend: the dispatch code picks the
// entry for the live argument count and jumps through a bind site per
// entry.
func (b *Backend) EmitFuncBodyDispatch(em *jit.Emitter, fn *vm.Func, dvs []vm.DVFunclet, kind jit.TransKind) (jit.TCA, error) {
	base := vm.NewSrcKey(fn, fn.Base, vm.ResumeNone)
	b.record("dispatch", base, kind)
	if b.FailDispatch != nil {
		return 0, b.FailDispatch
	}
	sites := make(map[vm.Offset]jit.TCA, len(dvs)+1)
	for _, off := range append([]vm.Offset{fn.Base}, dvOffsets(dvs)...) {
		if _, ok := sites[off]; ok {
			continue
		}
		site, err := em.SmashableJmp(base.WithOffset(off), 0)
		if err != nil {
			return 0, err
		}
		sites[off] = site
	}
	return em.Dispatch(base, b.size(), func(ec *jit.ExecContext) jit.TCA {
		regs := ec.Regs()
		off := fn.EntryFor(regs.FP.NumArgs)
		regs.PC = off
		return ec.Jump(sites[off])
	})
}

func dvOffsets(dvs []vm.DVFunclet) []vm.Offset {
	out := make([]vm.Offset, len(dvs))
	for i, dv := range dvs {
		out[i] = dv.Offset
	}
	return out
}

// Calls returns the recorded invocations.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Count returns how many times op was invoked for sk.
func (b *Backend) Count(op string, sk vm.SrcKey) int {
	n := 0
	for _, c := range b.Calls() {
		if c.Op == op && c.SrcKey == sk {
			n++
		}
	}
	return n
}

// Total returns the number of backend invocations.
func (b *Backend) Total() int { return int(b.n.Load()) }

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter is a fake interpreter. Each basic block runs Step; by default
// a block returns null from the current frame.
type Interpreter struct {
	Step func(ec *jit.ExecContext) jit.TCA
	bbs  atomic.Int64
}

// DispatchBB implements jit.Interpreter.
func (i *Interpreter) DispatchBB(ec *jit.ExecContext) jit.TCA {
	i.bbs.Add(1)
	if i.Step != nil {
		return i.Step(ec)
	}
	return Return(ec, vm.Null())
}

// BasicBlocks returns the number of blocks interpreted.
func (i *Interpreter) BasicBlocks() int { return int(i.bbs.Load()) }

// Return performs an interpreted return of v from the current frame. When
// the frame's return address is compiled code it is returned so execution
// continues there.
func Return(ec *jit.ExecContext, v vm.TypedValue) jit.TCA {
	regs := ec.Regs()
	ar := regs.FP
	regs.Stack = regs.Stack[:ar.StackBase]
	regs.FP = ar.Prev
	regs.Push(v)
	ret := jit.TCA(ar.SavedRIP)
	if ret == 0 {
		return 0
	}
	if _, isStub := ec.Runtime().Stubs().Lookup(ret); isStub {
		return 0
	}
	return ret
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

// Decoder is a fake bytecode decoder with fixed-size calls.
type Decoder struct {
	CallLen   vm.Offset
	MemberOps map[vm.SrcKey]bool
}

// SkipCall implements jit.Decoder.
func (d *Decoder) SkipCall(_ *vm.Func, off vm.Offset) vm.Offset {
	if d.CallLen == 0 {
		return off + 1
	}
	return off + d.CallLen
}

// UsesMemberBase implements jit.Decoder.
func (d *Decoder) UsesMemberBase(fn *vm.Func, off vm.Offset) bool {
	return d.MemberOps[vm.SrcKey{Func: fn.ID, Offset: off}]
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

// Fixture bundles a runtime with its fakes.
type Fixture struct {
	Funcs   *vm.FuncTable
	Backend *Backend
	Interp  *Interpreter
	Decoder *Decoder
	RT      *jit.Runtime
}

// New builds a fixture. mod, if given, adjusts the default options.
func New(tb testing.TB, mod ...func(*jit.Options)) *Fixture {
	tb.Helper()
	f, err := NewFixture(mod...)
	if err != nil {
		tb.Fatalf("jittest: %v", err)
	}
	return f
}

// NewFixture builds a fixture outside of a test.
func NewFixture(mod ...func(*jit.Options)) (*Fixture, error) {
	opts := jit.DefaultOptions()
	opts.RingBufferSize = 64
	for _, m := range mod {
		m(&opts)
	}
	f := &Fixture{
		Funcs:   vm.NewFuncTable(),
		Backend: &Backend{},
		Interp:  &Interpreter{},
		Decoder: &Decoder{},
	}
	rt, err := jit.New(f.Funcs, f.Backend, f.Interp, jit.WithOptions(opts), jit.WithDecoder(f.Decoder))
	if err != nil {
		return nil, err
	}
	f.RT = rt
	return f, nil
}

// Func registers a function with nparams parameters and no defaults. Its
// body spans offsets [0, 100).
func (f *Fixture) Func(name string, nparams int) *vm.Func {
	fn := &vm.Func{Name: name, Base: 0, Past: 100, NumLocals: nparams}
	for i := 0; i < nparams; i++ {
		fn.Params = append(fn.Params, vm.Param{Name: fmt.Sprintf("p%d", i), FuncletOff: vm.InvalidOffset})
	}
	f.Funcs.Add(fn)
	return fn
}

// Context creates a fresh execution context.
func (f *Fixture) Context() *jit.ExecContext {
	return f.RT.NewExecContext(context.Background())
}

// Enter pushes an interpreter frame for fn called with args and points the
// PC at the entry for that argument count.
func (f *Fixture) Enter(ec *jit.ExecContext, fn *vm.Func, args ...vm.TypedValue) *vm.ActRec {
	regs := ec.Regs()
	ar := vm.NewActRec(fn, nil, len(args))
	copy(ar.Locals, args)
	ar.SavedRIP = uint64(f.RT.Stubs().Addr(jit.StubRetHelper))
	regs.PushFrame(ar)
	regs.PC = fn.EntryFor(len(args))
	return ar
}

// SrcKey returns the key of off in fn.
func SrcKey(fn *vm.Func, off vm.Offset) vm.SrcKey {
	return vm.NewSrcKey(fn, off, vm.ResumeNone)
}
