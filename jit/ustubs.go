package jit

import (
	"fmt"

	"github.com/google/btree"
)

// StubID names a unique stub.
type StubID uint16

const (
	StubFuncPrologueRedispatch StubID = iota
	StubFCallHelperThunk
	StubFuncBodyHelperThunk
	StubFunctionEnterHelper
	StubFunctionSurprisedOrStackOverflow
	StubRetHelper
	StubGenRetHelper
	StubAsyncGenRetHelper
	StubRetInlHelper
	StubAsyncFuncRet
	StubAsyncFuncRetSlow
	StubAsyncSwitchCtrl
	StubImmutableBindCallStub
	StubResumeHelper
	StubInterpHelper
	StubInterpHelperSyncedPC
	StubDecRefGeneric
	StubFreeLocalsHelper1
	StubFreeLocalsHelper2
	StubFreeLocalsHelper3
	StubFreeLocalsHelper4
	StubFreeLocalsHelper5
	StubFreeLocalsHelper6
	StubFreeLocalsHelper7
	StubFreeManyLocalsHelper
	StubEnterTCExit
	StubCallToExit
	StubResumeCPPUnwind
	StubEndCatchHelper
	StubHandleSRHelper
	NumStubs
)

// MaxUnrolledFreeLocals is the largest local count with a dedicated
// FreeLocalsHelper.
const MaxUnrolledFreeLocals = 7

var stubNames = [NumStubs]string{
	StubFuncPrologueRedispatch:           "funcPrologueRedispatch",
	StubFCallHelperThunk:                 "fcallHelperThunk",
	StubFuncBodyHelperThunk:              "funcBodyHelperThunk",
	StubFunctionEnterHelper:              "functionEnterHelper",
	StubFunctionSurprisedOrStackOverflow: "functionSurprisedOrStackOverflow",
	StubRetHelper:                        "retHelper",
	StubGenRetHelper:                     "genRetHelper",
	StubAsyncGenRetHelper:                "asyncGenRetHelper",
	StubRetInlHelper:                     "retInlHelper",
	StubAsyncFuncRet:                     "asyncFuncRet",
	StubAsyncFuncRetSlow:                 "asyncFuncRetSlow",
	StubAsyncSwitchCtrl:                  "asyncSwitchCtrl",
	StubImmutableBindCallStub:            "immutableBindCallStub",
	StubResumeHelper:                     "resumeHelper",
	StubInterpHelper:                     "interpHelper",
	StubInterpHelperSyncedPC:             "interpHelperSyncedPC",
	StubDecRefGeneric:                    "decRefGeneric",
	StubFreeLocalsHelper1:                "freeLocalsHelper1",
	StubFreeLocalsHelper2:                "freeLocalsHelper2",
	StubFreeLocalsHelper3:                "freeLocalsHelper3",
	StubFreeLocalsHelper4:                "freeLocalsHelper4",
	StubFreeLocalsHelper5:                "freeLocalsHelper5",
	StubFreeLocalsHelper6:                "freeLocalsHelper6",
	StubFreeLocalsHelper7:                "freeLocalsHelper7",
	StubFreeManyLocalsHelper:             "freeManyLocalsHelper",
	StubEnterTCExit:                      "enterTCExit",
	StubCallToExit:                       "callToExit",
	StubResumeCPPUnwind:                  "resumeCPPUnwind",
	StubEndCatchHelper:                   "endCatchHelper",
	StubHandleSRHelper:                   "handleSRHelper",
}

func (id StubID) String() string {
	if id < NumStubs {
		return stubNames[id]
	}
	return fmt.Sprintf("StubID(%d)", uint16(id))
}

// Convention is the calling convention a stub expects on entry.
type Convention uint8

const (
	// ConvNative: the return address is on the native stack and the stack
	// is aligned as for a native call.
	ConvNative Convention = iota
	// ConvGuest: the return address lives in the guest frame record; no
	// realignment; only the VM registers are preserved.
	ConvGuest
	// ConvStub: the caller pushed a stub return address; the stub
	// realigns and preserves callee-saved registers.
	ConvStub
)

// ConventionABI describes what a convention guarantees.
type ConventionABI struct {
	ReturnAddr           string
	Realigns             bool
	PreservesCalleeSaved bool
}

var conventionABIs = [...]ConventionABI{
	ConvNative: {ReturnAddr: "native stack", Realigns: false, PreservesCalleeSaved: true},
	ConvGuest:  {ReturnAddr: "frame record", Realigns: false, PreservesCalleeSaved: false},
	ConvStub:   {ReturnAddr: "stub return stack", Realigns: true, PreservesCalleeSaved: true},
}

// ABI returns the guarantees of the convention.
func (c Convention) ABI() ConventionABI { return conventionABIs[c] }

func (c Convention) String() string {
	switch c {
	case ConvNative:
		return "native"
	case ConvGuest:
		return "guest"
	}
	return "stub"
}

// StubContext is the translation context a stub is reached from.
type StubContext uint8

const (
	CtxNone StubContext = iota
	CtxFuncPrologue
	CtxFuncBody
	CtxTranslation
	CtxCatch
)

func (c StubContext) String() string {
	switch c {
	case CtxFuncPrologue:
		return "prologue"
	case CtxFuncBody:
		return "body"
	case CtxTranslation:
		return "translation"
	case CtxCatch:
		return "catch"
	}
	return "none"
}

// StubInfo documents one stub.
type StubInfo struct {
	ID          StubID
	Name        string
	Convention  Convention
	Context     StubContext
	ReachedFrom []string
	Start       TCA
	End         TCA
}

// Contains reports whether addr lies inside the stub.
func (si StubInfo) Contains(addr TCA) bool {
	return addr >= si.Start && addr < si.End
}

// ---------------------------------------------------------------------------
// UniqueStubs: the immutable stub table
// ---------------------------------------------------------------------------

// UniqueStubs is the table of shared stubs. It is built once per runtime and
// never modified afterwards.
type UniqueStubs struct {
	infos  [NumStubs]StubInfo
	ranges *btree.BTreeG[StubInfo]
}

// Addr returns the start of stub id.
func (u *UniqueStubs) Addr(id StubID) TCA {
	return u.infos[id].Start
}

// Info returns the documentation of stub id.
func (u *UniqueStubs) Info(id StubID) StubInfo {
	return u.infos[id]
}

// Is reports whether addr is the start of stub id.
func (u *UniqueStubs) Is(addr TCA, id StubID) bool {
	return addr == u.infos[id].Start
}

// Lookup returns the stub containing addr.
func (u *UniqueStubs) Lookup(addr TCA) (StubInfo, bool) {
	var found StubInfo
	ok := false
	u.ranges.DescendLessOrEqual(StubInfo{Start: addr}, func(si StubInfo) bool {
		found, ok = si, si.Contains(addr)
		return false
	})
	return found, ok
}

// Describe renders addr as "name+0xoff" if it lies in a stub, else as a
// plain address.
func (u *UniqueStubs) Describe(addr TCA) string {
	si, ok := u.Lookup(addr)
	if !ok {
		return addr.String()
	}
	if addr == si.Start {
		return si.Name
	}
	return fmt.Sprintf("%s+0x%x", si.Name, uint64(addr-si.Start))
}

// Ranges returns every stub in address order.
func (u *UniqueStubs) Ranges() []StubInfo {
	out := make([]StubInfo, 0, NumStubs)
	u.ranges.Ascend(func(si StubInfo) bool {
		out = append(out, si)
		return true
	})
	return out
}

// ---------------------------------------------------------------------------
// StubBuilder
// ---------------------------------------------------------------------------

// StubBuilder emits the unique stubs into a code cache.
type StubBuilder struct {
	code    *CodeCache
	stubs   *UniqueStubs
	emitted [NumStubs]bool
	built   bool
}

// NewStubBuilder starts a stub table backed by code.
func NewStubBuilder(code *CodeCache) *StubBuilder {
	return &StubBuilder{
		code: code,
		stubs: &UniqueStubs{
			ranges: btree.NewG(8, func(a, b StubInfo) bool { return a.Start < b.Start }),
		},
	}
}

// Add emits one stub. Convention checks wrap body.
func (b *StubBuilder) Add(info StubInfo, size uint32, body Code) {
	assertf(!b.built, "stub %s added after build", info.ID)
	assertf(info.ID < NumStubs, "unknown stub id %d", info.ID)
	assertf(!b.emitted[info.ID], "stub %s emitted twice", info.ID)

	info.Name = info.ID.String()
	r, err := b.code.alloc(&Region{
		Kind: RegionStub,
		Name: info.Name,
		code: checkConvention(info, body),
	}, size)
	if err != nil {
		fatalf("emitting stub %s: %v", info.Name, err)
	}
	info.Start, info.End = r.Start, r.End
	if prev, ok := b.stubs.Lookup(info.Start); ok {
		fatalf("stub %s overlaps %s", info.Name, prev.Name)
	}
	b.stubs.infos[info.ID] = info
	b.stubs.ranges.ReplaceOrInsert(info)
	b.emitted[info.ID] = true
}

// Build returns the finished table. Every stub must have been emitted.
func (b *StubBuilder) Build() *UniqueStubs {
	assertf(!b.built, "stub table built twice")
	for id := StubID(0); id < NumStubs; id++ {
		assertf(b.emitted[id], "stub %s was never emitted", id)
	}
	b.built = true
	return b.stubs
}

func checkConvention(info StubInfo, body Code) Code {
	switch info.Convention {
	case ConvStub:
		return func(ec *ExecContext) TCA {
			assertf(len(ec.stubRets) > 0, "%s entered without a stub return address", info.ID)
			return body(ec)
		}
	case ConvGuest:
		return func(ec *ExecContext) TCA {
			assertf(ec.regs.FP != nil, "%s entered without a guest frame", info.ID)
			return body(ec)
		}
	}
	return body
}
