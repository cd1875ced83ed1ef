package jit

import (
	"sync/atomic"

	"github.com/chazu/tcjit/vm"
)

// SiteKind is the flavour of a patchable slot in generated code.
type SiteKind uint8

const (
	SiteJmp  SiteKind = iota // direct jump
	SiteAddr                 // stored code address (e.g. a jump table entry)
	SiteCall                 // call to a function prologue
)

func (k SiteKind) String() string {
	switch k {
	case SiteJmp:
		return "jmp"
	case SiteAddr:
		return "addr"
	}
	return "call"
}

// SmashSite is a slot in generated code whose target is rewritten at run
// time. Rewrites are single atomic stores, so concurrent executors always
// see either the old or the new target.
type SmashSite struct {
	Addr  TCA
	Kind  SiteKind
	Dest  vm.SrcKey // destination for jmp and addr sites
	Flags TransFlags

	Func    *vm.Func // callee for call sites
	NumArgs int

	// stub is the initial target: a temporary bind trampoline for jmp and
	// addr sites, the immutable bind-call stub for call sites.
	stub   TCA
	target atomic.Uint64
}

// Target returns the address the site currently transfers to.
func (s *SmashSite) Target() TCA { return TCA(s.target.Load()) }

// Stub returns the site's initial target.
func (s *SmashSite) Stub() TCA { return s.stub }

// Bound reports whether the site has been smashed away from its stub.
func (s *SmashSite) Bound() bool { return s.Target() != s.stub }

func (s *SmashSite) smash(from, to TCA) bool {
	return s.target.CompareAndSwap(uint64(from), uint64(to))
}

// bindJmp resolves dest and points the site at it. It returns the resolved
// address (0 if none) and whether this call performed the smash.
func (rt *Runtime) bindJmp(ec *ExecContext, toSmash TCA, dest vm.SrcKey, flags TransFlags, kind SiteKind) (TCA, bool) {
	tca := rt.GetTranslation(ec, TransArgs{SrcKey: dest, Flags: flags})
	if tca == 0 {
		return 0, false
	}
	site := rt.code.Site(toSmash)
	assertf(site != nil, "bind request for unknown smash site %s", toSmash)
	assertf(site.Kind == kind, "bind %s request for %s site %s", kind, site.Kind, toSmash)

	// Re-bind an already smashed site to the same target without patching.
	cur := site.Target()
	if cur == tca || site.Bound() {
		return tca, false
	}
	if !site.smash(cur, tca) {
		return tca, false
	}
	rt.stats.smashes.Add(1)
	rt.ring.Record(RingSmash, uint64(toSmash), uint64(tca))
	if sr := rt.srcDB.Find(dest); sr != nil {
		sr.addIncoming(site)
	}
	log.Debugf("smashed %s site %s -> %s (%s)", kind, toSmash, tca, dest)
	return tca, true
}

// bindCall points a call site at a function prologue.
func (rt *Runtime) bindCall(site *SmashSite, prologue TCA) bool {
	if !site.smash(site.stub, prologue) {
		return false
	}
	rt.stats.smashes.Add(1)
	rt.ring.Record(RingSmash, uint64(site.Addr), uint64(prologue))
	return true
}
