package jit

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/chazu/tcjit/vm"
)

// TransArgs describes a translation request.
type TransArgs struct {
	SrcKey vm.SrcKey
	Flags  TransFlags
}

// minTranslationSize is the smallest budget a translation attempt needs.
const minTranslationSize = 64

// GetTranslation returns an address that executes args.SrcKey, creating a
// translation if allowed. It returns 0 when the caller must interpret.
func (rt *Runtime) GetTranslation(ec *ExecContext, args TransArgs) TCA {
	sk := args.SrcKey
	if fp := ec.regs.FP; fp != nil && fp.Func.IsPseudoMain() && !rt.opts.JitPseudomain {
		return 0
	}
	if !rt.opts.Enabled || !ec.jitOn {
		return 0
	}

	force := args.Flags&FlagForce != 0
	if !force {
		if sr := rt.srcDB.Find(sk); sr != nil {
			if top := sr.Top(); top != 0 {
				return top
			}
		}
	}
	return rt.createTranslation(ec, args)
}

// retranslate creates a new translation even if one exists.
func (rt *Runtime) retranslate(ec *ExecContext, args TransArgs) TCA {
	args.Flags |= FlagForce
	return rt.GetTranslation(ec, args)
}

// transKindFor picks Profile or Live for a new translation of fn.
func (rt *Runtime) transKindFor(fn vm.FuncID, flags TransFlags) TransKind {
	if flags&FlagNoProfile == 0 && rt.prof.ProfileFunc(fn) {
		return TransProfile
	}
	return TransLive
}

func (rt *Runtime) createTranslation(ec *ExecContext, args TransArgs) TCA {
	sk := args.SrcKey
	force := args.Flags&FlagForce != 0
	if ec.jittingDisabled || !rt.shouldTranslate(ec, sk) {
		return 0
	}

	kind := rt.transKindFor(sk.Func, args.Flags)
	lease := rt.leases.Get(sk.Func, kind)
	if !lease.TryAcquire(ec.id) {
		log.Debugf("lease for %s (%s) held by context %d", sk, kind, lease.Holder())
		return 0
	}
	defer lease.Release(ec.id)

	// Another context may have installed a translation while we were
	// acquiring the lease.
	if !rt.shouldTranslate(ec, sk) {
		return 0
	}
	sr := rt.srcDB.FindOrCreate(sk, len(ec.regs.FrameStack()), rt.stubs.Addr(StubInterpHelperSyncedPC))
	if !force {
		if top := sr.Top(); top != 0 {
			return top
		}
	}
	return rt.translate(ec, sr, kind)
}

// translate runs the backend for sr and installs the result.
func (rt *Runtime) translate(ec *ExecContext, sr *SrcRec, kind TransKind) TCA {
	sk := sr.SrcKey()
	ctx := rt.regionContext(ec, sk, sr.SPOffset())
	em := rt.newEmitter(sk, kind)

	start, err := rt.backend.Translate(em, ctx, kind)
	if err != nil || start == 0 {
		em.abort()
		rt.translateFailed(sk, kind, err)
		return 0
	}
	em.commit()
	rt.install(sr, kind, start, em.sizeOf(start))
	return start
}

func (rt *Runtime) translateFailed(sk vm.SrcKey, kind TransKind, err error) {
	rt.stats.failures.Add(1)
	n := rt.meta(sk.Func).failures.Add(1)
	if errors.Is(err, ErrDeclined) {
		log.Debugf("%s translation of %s declined", kind, sk)
		return
	}
	log.Warningf("%s translation of %s failed (%d failures): %v", kind, sk, n, err)
}

func (rt *Runtime) install(sr *SrcRec, kind TransKind, start TCA, size uint64) {
	id := rt.stats.translations.Add(1)
	sr.install(TransRec{ID: id, SrcKey: sr.SrcKey(), Kind: kind, Start: start, Size: size})
	log.Debugf("installed %s translation #%d of %s at %s", kind, id, sr.SrcKey(), start)
}

// shouldTranslate reports whether a new translation of sk may be created.
func (rt *Runtime) shouldTranslate(ec *ExecContext, sk vm.SrcKey) bool {
	if !rt.code.HasRoom(minTranslationSize) {
		if rt.cacheFullLogged.CompareAndSwap(false, true) {
			log.Warningf("code cache full (%d of %d bytes used); no further translations",
				rt.code.Used(), rt.code.Capacity())
		}
		return false
	}
	if m := rt.opts.MaxTranslations; m > 0 {
		if sr := rt.srcDB.Find(sk); sr != nil && len(sr.Translations()) >= m {
			return false
		}
	}
	if int(rt.meta(sk.Func).failures.Load()) >= rt.opts.MaxFailures {
		return false
	}
	return true
}

// retranslateOpt replaces the profiled translations of the function at sk
// with an optimized whole-function translation. It reports success.
func (rt *Runtime) retranslateOpt(ec *ExecContext, sk vm.SrcKey) bool {
	if rt.prof.IsOptimized(sk.Func) {
		return true
	}
	fn := rt.funcs.Lookup(sk.Func)
	assertf(fn != nil, "optimized retranslation of unknown function %d", sk.Func)
	if ec.jittingDisabled || !rt.opts.Enabled || !rt.code.HasRoom(minTranslationSize) {
		return false
	}

	ctx, cancel := context.WithTimeout(ec.ctx, rt.opts.OptLeaseWait)
	defer cancel()
	lease := rt.leases.Get(fn.ID, TransOptimized)
	if err := lease.Acquire(ctx, ec.id); err != nil {
		log.Debugf("optimized lease for %s not acquired: %v", fn, err)
		return false
	}
	defer lease.Release(ec.id)
	if rt.prof.IsOptimized(fn.ID) {
		return true
	}

	em := rt.newEmitter(sk, TransOptimized)
	entries, err := rt.backend.TranslateOptimized(em, fn, rt.profileSnapshot(fn))
	if err != nil || len(entries) == 0 {
		em.abort()
		rt.stats.optFailures.Add(1)
		log.Warningf("optimized translation of %s failed: %v", fn, err)
		return false
	}
	em.commit()

	fallback := rt.stubs.Addr(StubInterpHelperSyncedPC)
	for _, e := range entries {
		assertf(e.SrcKey.Func == fn.ID, "optimized translation of %s produced entry %s", fn, e.SrcKey)
		sr := rt.srcDB.FindOrCreate(e.SrcKey, 0, fallback)
		rt.install(sr, TransOptimized, e.Start, em.sizeOf(e.Start))
		if e.SrcKey.Offset == fn.Base && e.SrcKey.Resume == vm.ResumeNone && len(fn.DVFunclets()) == 0 {
			rt.meta(fn.ID).publishBody(e.Start)
		}
	}
	rt.prof.MarkOptimized(fn.ID)
	log.Infof("optimized %s: %d entries", fn, len(entries))
	return true
}

func (rt *Runtime) profileSnapshot(fn *vm.Func) ProfileSnapshot {
	snap := ProfileSnapshot{Func: fn.ID, Calls: rt.prof.Calls(fn.ID)}
	for _, sr := range rt.srcDB.All() {
		if sr.SrcKey().Func != fn.ID {
			continue
		}
		for _, tr := range sr.Translations() {
			if tr.Kind == TransProfile {
				snap.Translations = append(snap.Translations, tr)
			}
		}
	}
	return snap
}

// ---------------------------------------------------------------------------
// Function entry points
// ---------------------------------------------------------------------------

type funcMeta struct {
	body      atomic.Uint64
	prologues []atomic.Uint64 // indexed by argument count, last entry for excess args
	failures  atomic.Int32
}

// setBody records body unless a body was already resolved. It returns the
// body in effect.
func (m *funcMeta) setBody(body, thunk TCA) TCA {
	if m.body.CompareAndSwap(uint64(thunk), uint64(body)) {
		return body
	}
	return TCA(m.body.Load())
}

// publishBody replaces the body unconditionally and repoints the prologue
// entries that led to the previous one.
func (m *funcMeta) publishBody(body TCA) {
	old := m.body.Swap(uint64(body))
	for i := range m.prologues {
		m.prologues[i].CompareAndSwap(old, uint64(body))
	}
}

func (rt *Runtime) meta(id vm.FuncID) *funcMeta {
	if v, ok := rt.funcMeta.Load(id); ok {
		return v.(*funcMeta)
	}
	m := &funcMeta{}
	m.body.Store(uint64(rt.stubs.Addr(StubFuncBodyHelperThunk)))
	nparams := 0
	if fn := rt.funcs.Lookup(id); fn != nil {
		nparams = fn.NumNonVariadicParams()
	}
	m.prologues = make([]atomic.Uint64, nparams+2)
	for i := range m.prologues {
		m.prologues[i].Store(uint64(rt.stubs.Addr(StubFCallHelperThunk)))
	}
	v, _ := rt.funcMeta.LoadOrStore(id, m)
	return v.(*funcMeta)
}

// FuncBody returns the recorded body of fn, which is FuncBodyHelperThunk
// until a body has been resolved.
func (rt *Runtime) FuncBody(fn *vm.Func) TCA {
	return TCA(rt.meta(fn.ID).body.Load())
}

// GetFuncBody resolves the body entry of fn, translating it if needed.
// It returns 0 when no body can be produced now.
func (rt *Runtime) GetFuncBody(ec *ExecContext, fn *vm.Func) TCA {
	m := rt.meta(fn.ID)
	thunk := rt.stubs.Addr(StubFuncBodyHelperThunk)
	if body := TCA(m.body.Load()); body != thunk {
		return body
	}

	lease := rt.leases.Get(fn.ID, TransProfile)
	if !lease.TryAcquire(ec.id) {
		return 0
	}
	defer lease.Release(ec.id)
	if body := TCA(m.body.Load()); body != thunk {
		return body
	}

	var tca TCA
	if dvs := fn.DVFunclets(); len(dvs) > 0 {
		if ec.jittingDisabled || !rt.opts.Enabled || !ec.jitOn {
			return 0
		}
		kind := rt.transKindFor(fn.ID, 0)
		em := rt.newEmitter(vm.NewSrcKey(fn, fn.Base, vm.ResumeNone), kind)
		var err error
		tca, err = rt.backend.EmitFuncBodyDispatch(em, fn, dvs, kind)
		if err != nil || tca == 0 {
			em.abort()
			log.Warningf("function body dispatch for %s failed: %v", fn, err)
			return 0
		}
		em.commit()
	} else {
		tca = rt.GetTranslation(ec, TransArgs{SrcKey: vm.NewSrcKey(fn, fn.Base, vm.ResumeNone)})
		if tca == 0 {
			return 0
		}
	}
	return m.setBody(tca, thunk)
}

// syncFuncBodyRegs points the registers at the entry of fp's function for
// its argument count.
func (rt *Runtime) syncFuncBodyRegs(ec *ExecContext, fp *vm.ActRec) {
	ec.regs.FP = fp
	ec.regs.PC = fp.Func.EntryFor(fp.NumArgs)
	ec.regs.JitReturnAddr = 0
	ec.regState = RegsClean
}

// FuncBodyHelper is entered when a call reaches a function whose body is not
// resolved. It syncs the registers, resolves the body and continues there,
// or in the interpreter.
func (rt *Runtime) FuncBodyHelper(ec *ExecContext) TCA {
	fp := ec.regs.FP
	assertf(fp != nil, "function body helper without a frame")
	rt.syncFuncBodyRegs(ec, fp)
	if tca := rt.GetFuncBody(ec, fp.Func); tca != 0 {
		ec.regState = RegsDirty
		return tca
	}
	return rt.stubs.Addr(StubResumeHelper)
}

func prologueIndex(nargs, n int) int {
	if nargs >= n-1 {
		return n - 1
	}
	if nargs < 0 {
		return 0
	}
	return nargs
}

// prologueEntry returns the prologue table entry for a call to fn with
// nargs arguments.
func (rt *Runtime) prologueEntry(fn *vm.Func, nargs int) TCA {
	m := rt.meta(fn.ID)
	return TCA(m.prologues[prologueIndex(nargs, len(m.prologues))].Load())
}

// GetFuncPrologue resolves the entry for calls to fn with nargs arguments.
// The registers must describe the callee frame.
func (rt *Runtime) GetFuncPrologue(ec *ExecContext, fn *vm.Func, nargs int) TCA {
	m := rt.meta(fn.ID)
	thunk := rt.stubs.Addr(StubFCallHelperThunk)
	slot := &m.prologues[prologueIndex(nargs, len(m.prologues))]
	if cur := TCA(slot.Load()); cur != thunk {
		return cur
	}
	body := rt.GetFuncBody(ec, fn)
	if body == 0 {
		return 0
	}
	if !slot.CompareAndSwap(uint64(thunk), uint64(body)) {
		return TCA(slot.Load())
	}
	return body
}
