package jit

import (
	"fmt"

	"github.com/chazu/tcjit/vm"
)

// LocationKind names where a live value sits.
type LocationKind uint8

const (
	LocLocal LocationKind = iota
	LocStack
	LocMBase
)

// Location identifies a slot: a local by index, a stack slot by distance
// from the frame's stack base, or the member base.
type Location struct {
	Kind  LocationKind
	Index int
}

func (l Location) String() string {
	switch l.Kind {
	case LocLocal:
		return fmt.Sprintf("L%d", l.Index)
	case LocStack:
		return fmt.Sprintf("S%d", l.Index)
	}
	return "MBase"
}

// LiveType is a location with the type observed there.
type LiveType struct {
	Loc  Location
	Type vm.Type
}

// RegionContext is the input to a translation attempt: where to start and
// the types of every live value at that point. It is built per attempt and
// never persisted.
type RegionContext struct {
	SrcKey    vm.SrcKey
	Func      *vm.Func
	SPOffset  int
	LiveTypes []LiveType
}

// TypeAt returns the observed type of loc, or TCell if unknown.
func (c *RegionContext) TypeAt(loc Location) vm.Type {
	for _, lt := range c.LiveTypes {
		if lt.Loc == loc {
			return lt.Type
		}
	}
	return vm.TCell
}

// regionContext builds the context for a translation of sk from the live
// registers of ec.
func (rt *Runtime) regionContext(ec *ExecContext, sk vm.SrcKey, spOff int) *RegionContext {
	regs := &ec.regs
	fp := regs.FP
	assertf(fp != nil, "region context for %s without a live frame", sk)
	assertf(fp.Func.ID == sk.Func, "region context for %s built from frame of %s", sk, fp.Func)

	ctx := &RegionContext{SrcKey: sk, Func: fp.Func, SPOffset: spOff}
	for i := range fp.Locals {
		ctx.LiveTypes = append(ctx.LiveTypes, LiveType{
			Loc:  Location{Kind: LocLocal, Index: i},
			Type: vm.TypeOf(fp.Locals[i]),
		})
	}
	for i, tv := range regs.FrameStack() {
		ctx.LiveTypes = append(ctx.LiveTypes, LiveType{
			Loc:  Location{Kind: LocStack, Index: i},
			Type: vm.TypeOf(tv),
		})
	}
	if regs.MBase != nil && rt.decoder.UsesMemberBase(fp.Func, sk.Offset) {
		ctx.LiveTypes = append(ctx.LiveTypes, LiveType{
			Loc:  Location{Kind: LocMBase},
			Type: vm.TypeOf(*regs.MBase),
		})
	}
	return ctx
}
