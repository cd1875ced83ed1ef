package jit

import "github.com/chazu/tcjit/vm"

// Backend is the native code generator. Implementations emit code through
// the Emitter they are handed; everything an Emitter allocated is released
// when the call returns an error.
type Backend interface {
	// Translate compiles the region described by ctx and returns the
	// entry address.
	Translate(em *Emitter, ctx *RegionContext, kind TransKind) (TCA, error)

	// TranslateOptimized compiles fn as a whole using its profile. The
	// result lists one entry per SrcKey that received a translation.
	TranslateOptimized(em *Emitter, fn *vm.Func, prof ProfileSnapshot) ([]OptTranslation, error)

	// EmitFuncBodyDispatch emits code that selects the entry point of fn
	// (a DV funclet or the body start) from the live argument count.
	EmitFuncBodyDispatch(em *Emitter, fn *vm.Func, dvs []vm.DVFunclet, kind TransKind) (TCA, error)
}

// OptTranslation is one entry point produced by an optimized retranslation.
type OptTranslation struct {
	SrcKey vm.SrcKey
	Start  TCA
}

// ProfileSnapshot is the profile data handed to TranslateOptimized.
type ProfileSnapshot struct {
	Func         vm.FuncID
	Calls        uint64
	Translations []TransRec // Profile translations of the function
}

// Interpreter executes bytecode when no translation is available.
type Interpreter interface {
	// DispatchBB interprets one basic block starting at the live PC. It
	// returns a translation address to continue at, or 0. It clears
	// ec.Regs().FP when the outermost frame returned.
	DispatchBB(ec *ExecContext) TCA
}

// Decoder answers the bytecode questions the core needs.
type Decoder interface {
	// SkipCall returns the offset of the instruction after the call at off.
	SkipCall(fn *vm.Func, off vm.Offset) vm.Offset
	// UsesMemberBase reports whether the instruction at off (skipping
	// type assertions) reads the member base register.
	UsesMemberBase(fn *vm.Func, off vm.Offset) bool
}

// EventHook receives function-entry events from FunctionEnterHelper.
type EventHook interface {
	// OnFunctionEnter returns false if the call should be skipped; the
	// frame then returns null immediately.
	OnFunctionEnter(ec *ExecContext, ar *vm.ActRec) bool
}

// fixedDecoder treats every instruction as one offset unit long and never
// reports member base use.
type fixedDecoder struct{}

func (fixedDecoder) SkipCall(_ *vm.Func, off vm.Offset) vm.Offset { return off + 1 }

func (fixedDecoder) UsesMemberBase(*vm.Func, vm.Offset) bool { return false }
