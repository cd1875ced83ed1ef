package jit

import (
	"fmt"

	"github.com/chazu/tcjit/vm"
)

const (
	siteSize       = 8
	trampolineSize = 32
)

// Emitter allocates generated code on behalf of a Backend during one
// translation attempt. Allocations stay private to the attempt until the
// runtime installs the result; an aborted attempt frees all of them.
type Emitter struct {
	rt      *Runtime
	sk      vm.SrcKey
	kind    TransKind
	regions []*Region
	sites   []*SmashSite
	done    bool
}

func (rt *Runtime) newEmitter(sk vm.SrcKey, kind TransKind) *Emitter {
	return &Emitter{rt: rt, sk: sk, kind: kind}
}

// SrcKey returns the key the attempt was started for.
func (em *Emitter) SrcKey() vm.SrcKey { return em.sk }

// Kind returns the translation kind being emitted.
func (em *Emitter) Kind() TransKind { return em.kind }

// Stubs gives generated code access to the unique stub addresses.
func (em *Emitter) Stubs() *UniqueStubs { return em.rt.stubs }

// Block emits a block of code for sk and returns its start address.
func (em *Emitter) Block(sk vm.SrcKey, size uint32, code Code) (TCA, error) {
	return em.emit(RegionTranslation, sk, size, code)
}

// Dispatch emits function-body dispatch code for sk.
func (em *Emitter) Dispatch(sk vm.SrcKey, size uint32, code Code) (TCA, error) {
	return em.emit(RegionDispatch, sk, size, code)
}

func (em *Emitter) emit(kind RegionKind, sk vm.SrcKey, size uint32, code Code) (TCA, error) {
	if em.done {
		return 0, ErrEmitterClosed
	}
	if code == nil {
		return 0, fmt.Errorf("emitting %s for %s: nil code", kind, sk)
	}
	r, err := em.rt.code.alloc(&Region{
		Kind:      kind,
		Name:      fmt.Sprintf("%s.%s", em.kind, sk),
		SrcKey:    sk,
		TransKind: em.kind,
		code:      code,
	}, size)
	if err != nil {
		return 0, err
	}
	em.regions = append(em.regions, r)
	return r.Start, nil
}

// SmashableJmp emits a patchable jump to dest. Until it is bound the jump
// lands on a trampoline that raises a BindJmp service request.
func (em *Emitter) SmashableJmp(dest vm.SrcKey, flags TransFlags) (TCA, error) {
	return em.bindSite(SiteJmp, dest, flags)
}

// SmashableAddr emits a patchable code address for dest.
func (em *Emitter) SmashableAddr(dest vm.SrcKey, flags TransFlags) (TCA, error) {
	return em.bindSite(SiteAddr, dest, flags)
}

func (em *Emitter) bindSite(kind SiteKind, dest vm.SrcKey, flags TransFlags) (TCA, error) {
	site, err := em.newSite(kind, fmt.Sprintf("%s->%s", kind, dest))
	if err != nil {
		return 0, err
	}
	site.Dest = dest
	site.Flags = flags

	addr := site.Addr
	stubCode := func(ec *ExecContext) TCA {
		var req ServiceRequest
		if kind == SiteJmp {
			req = &BindJmpReq{ToSmash: addr, Target: dest, Flags: flags, Stub: site.stub}
		} else {
			req = &BindAddrReq{ToSmash: addr, Target: dest, Flags: flags, Stub: site.stub}
		}
		return ec.Request(req)
	}
	r, err := em.rt.code.alloc(&Region{
		Kind:      RegionTrampoline,
		Name:      fmt.Sprintf("bind%s.%s", kind, dest),
		SrcKey:    dest,
		TransKind: em.kind,
		code:      stubCode,
	}, trampolineSize)
	if err != nil {
		return 0, err
	}
	em.regions = append(em.regions, r)
	site.stub = r.Start
	site.target.Store(uint64(r.Start))
	return addr, nil
}

// SmashableCall emits a patchable call to fn's prologue for nargs
// arguments. Unbound calls go through the immutable bind-call stub.
func (em *Emitter) SmashableCall(fn *vm.Func, nargs int) (TCA, error) {
	site, err := em.newSite(SiteCall, fmt.Sprintf("call->%s/%d", fn.Name, nargs))
	if err != nil {
		return 0, err
	}
	site.Func = fn
	site.NumArgs = nargs
	site.stub = em.rt.stubs.Addr(StubImmutableBindCallStub)
	site.target.Store(uint64(site.stub))
	return site.Addr, nil
}

func (em *Emitter) newSite(kind SiteKind, name string) (*SmashSite, error) {
	if em.done {
		return nil, ErrEmitterClosed
	}
	r, err := em.rt.code.alloc(&Region{
		Kind:      RegionSmashSite,
		Name:      name,
		SrcKey:    em.sk,
		TransKind: em.kind,
	}, siteSize)
	if err != nil {
		return nil, err
	}
	em.regions = append(em.regions, r)
	site := &SmashSite{Addr: r.Start, Kind: kind}
	em.rt.code.sites.Store(r.Start, site)
	em.sites = append(em.sites, site)
	return site, nil
}

// CatchTrace emits a catch trace owned by the region starting at owner,
// entered when an exception is thrown at sk inside it.
func (em *Emitter) CatchTrace(owner TCA, sk vm.SrcKey, code Code) (TCA, error) {
	if em.done {
		return 0, ErrEmitterClosed
	}
	var or *Region
	for _, r := range em.regions {
		if r.Start == owner {
			or = r
			break
		}
	}
	if or == nil {
		return 0, fmt.Errorf("catch trace for %s: %s was not emitted by this attempt", sk, owner)
	}
	if _, dup := or.catches[sk]; dup {
		return 0, fmt.Errorf("catch trace for %s: already registered in %s", sk, owner)
	}
	r, err := em.rt.code.alloc(&Region{
		Kind:      RegionCatch,
		Name:      fmt.Sprintf("catch.%s", sk),
		SrcKey:    sk,
		TransKind: em.kind,
		code:      code,
	}, trampolineSize)
	if err != nil {
		return 0, err
	}
	em.regions = append(em.regions, r)
	if or.catches == nil {
		or.catches = make(map[vm.SrcKey]TCA)
	}
	or.catches[sk] = r.Start
	return r.Start, nil
}

// Size returns the bytes allocated by the attempt so far.
func (em *Emitter) Size() uint64 {
	var n uint64
	for _, r := range em.regions {
		n += r.Size()
	}
	return n
}

// sizeOf returns the size of the region emitted at start.
func (em *Emitter) sizeOf(start TCA) uint64 {
	for _, r := range em.regions {
		if r.Start == start {
			return r.Size()
		}
	}
	return 0
}

func (em *Emitter) commit() {
	em.done = true
}

// abort frees everything the attempt allocated. Nothing was published, so
// the memory is released immediately.
func (em *Emitter) abort() {
	if em.done {
		return
	}
	em.done = true
	for _, r := range em.regions {
		em.rt.code.Free(r.Start)
	}
	em.regions = nil
	em.sites = nil
}
