package jit

import (
	"fmt"

	"github.com/chazu/tcjit/vm"
)

// UnwindPhase is the state of exception propagation through compiled frames.
type UnwindPhase uint8

const (
	PhaseNone UnwindPhase = iota
	PhasePropagating
	PhaseCatchFound
	PhaseResuming
	PhaseNativeResume
)

func (p UnwindPhase) String() string {
	switch p {
	case PhasePropagating:
		return "propagating"
	case PhaseCatchFound:
		return "catch-found"
	case PhaseResuming:
		return "resuming"
	case PhaseNativeResume:
		return "native-resume"
	}
	return "none"
}

// UnwindState is the per-context record of an in-flight exception.
type UnwindState struct {
	Exn   *vm.Exception
	TV    vm.TypedValue
	HasTV bool

	DoSideExit bool
	SideExit   TCA

	Phase UnwindPhase

	fp *vm.ActRec // frame whose catch trace is running
}

func (st *UnwindState) clear() {
	phase := st.Phase
	*st = UnwindState{Phase: phase}
}

// UnwindAction is the decision the personality routine makes for a frame.
type UnwindAction uint8

const (
	ContinuePropagation UnwindAction = iota
	ResumeAt
)

// PersonalityResult tells the unwinder whether to keep unwinding or to
// continue at Target.
type PersonalityResult struct {
	Action UnwindAction
	Target TCA
}

func (r PersonalityResult) String() string {
	if r.Action == ResumeAt {
		return fmt.Sprintf("resume at %s", r.Target)
	}
	return "continue"
}

// Personality decides what happens to an exception thrown at sk inside
// region r: resume at the region's catch trace for sk, or keep unwinding.
func (rt *Runtime) Personality(ec *ExecContext, r *Region, sk vm.SrcKey) PersonalityResult {
	if r == nil {
		return PersonalityResult{Action: ContinuePropagation}
	}
	if t, ok := r.CatchTrace(sk); ok {
		return PersonalityResult{Action: ResumeAt, Target: t}
	}
	return PersonalityResult{Action: ContinuePropagation}
}

// nativeResume carries a guest exception out of the translation cache.
type nativeResume struct {
	exn *vm.Exception
}

// raise starts propagation of exn thrown while executing r.
func (rt *Runtime) raise(ec *ExecContext, r *Region, exn *vm.Exception) TCA {
	rt.stats.unwinds.Add(1)
	st := &ec.unwind
	*st = UnwindState{Exn: exn, Phase: PhasePropagating}
	rt.ring.Record(RingUnwind, uint64(r.Start), 0)

	// A throw inside a stub belongs to the translation that called it.
	site := r
	if r.Kind == RegionStub {
		site = nil
		if len(ec.stubRets) > 0 {
			site = rt.code.Lookup(ec.stubReturn())
		}
	}
	fp := ec.regs.FP
	if fp == nil {
		return rt.leaveForNative(ec)
	}
	if site != nil && site.compiledFor(fp.Func.ID) {
		res := rt.Personality(ec, site, ec.regs.SrcKey())
		if res.Action == ResumeAt {
			return rt.catchFound(ec, fp, res.Target)
		}
	}
	return rt.propagate(ec, fp)
}

// propagate pops fp and looks for a catch trace in its callers, walking
// through return addresses that point into compiled code.
func (rt *Runtime) propagate(ec *ExecContext, fp *vm.ActRec) TCA {
	for fp != nil {
		caller := fp.Prev
		ret := rt.code.Lookup(TCA(fp.SavedRIP))
		ec.regs.Stack = ec.regs.Stack[:min(fp.StackBase, len(ec.regs.Stack))]
		ec.regs.FP = caller
		if caller == nil || ret == nil || !ret.compiledFor(caller.Func.ID) {
			break
		}
		ec.regs.PC = caller.Func.Base + fp.CallOffset
		res := rt.Personality(ec, ret, ec.regs.SrcKey())
		if res.Action == ResumeAt {
			return rt.catchFound(ec, caller, res.Target)
		}
		fp = caller
	}
	return rt.leaveForNative(ec)
}

func (rt *Runtime) catchFound(ec *ExecContext, fp *vm.ActRec, target TCA) TCA {
	st := &ec.unwind
	st.Phase = PhaseCatchFound
	st.fp = fp
	ec.regs.FP = fp
	rt.stats.catches.Add(1)
	log.Debugf("exception %v caught in %s at %s", st.Exn, fp.Func, target)
	return target
}

func (rt *Runtime) leaveForNative(ec *ExecContext) TCA {
	ec.unwind.Phase = PhaseNativeResume
	return rt.stubs.Addr(StubResumeCPPUnwind)
}

// endCatch runs at the end of every catch trace.
func (rt *Runtime) endCatch(ec *ExecContext) TCA {
	st := &ec.unwind
	assertf(st.Phase == PhaseCatchFound, "end of catch trace in phase %s", st.Phase)
	if st.DoSideExit {
		target := st.SideExit
		if st.HasTV {
			ec.regs.Push(st.TV)
		}
		st.Phase = PhaseResuming
		st.clear()
		return target
	}
	fp := st.fp
	st.fp = nil
	st.Phase = PhasePropagating
	return rt.propagate(ec, fp)
}

// stubResumeNativeUnwind hands the exception back to Go unwinding.
func (rt *Runtime) stubResumeNativeUnwind(ec *ExecContext) TCA {
	st := &ec.unwind
	assertf(st.Exn != nil, "native unwind resumed without an exception")
	exn := st.Exn
	st.clear()
	rt.stats.nativeResumes.Add(1)
	panic(&nativeResume{exn: exn})
}
