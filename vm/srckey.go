package vm

import "fmt"

// FuncID identifies a function in a FuncTable. IDs start at 1 and must stay
// below 1<<30 so that a SrcKey packs into 64 bits.
type FuncID uint32

// InvalidFuncID is never assigned to a function.
const InvalidFuncID FuncID = 0

// Offset is a bytecode offset within a function's unit.
type Offset int32

// InvalidOffset marks an absent offset (e.g. a parameter without a DV funclet).
const InvalidOffset Offset = -1

// ResumeMode distinguishes entry into a frame that was resumed from a
// suspended state.
type ResumeMode uint8

const (
	ResumeNone    ResumeMode = iota // ordinary call
	ResumeGenIter                   // resumed generator
	ResumeAsync                     // resumed async function
)

func (m ResumeMode) String() string {
	switch m {
	case ResumeNone:
		return "none"
	case ResumeGenIter:
		return "gen"
	case ResumeAsync:
		return "async"
	}
	return fmt.Sprintf("ResumeMode(%d)", uint8(m))
}

// SrcKey is a program location: function, bytecode offset and resume mode.
// It is the key of the translation cache. SrcKeys are comparable and
// totally ordered by Pack.
type SrcKey struct {
	Func   FuncID
	Offset Offset
	Resume ResumeMode
}

// NewSrcKey builds a SrcKey for fn.
func NewSrcKey(fn *Func, off Offset, mode ResumeMode) SrcKey {
	return SrcKey{Func: fn.ID, Offset: off, Resume: mode}
}

// Valid reports whether the key names a function and a non-negative offset.
func (sk SrcKey) Valid() bool {
	return sk.Func != InvalidFuncID && sk.Offset >= 0
}

// Pack encodes the key into a single ordered integer: function in the top
// 30 bits, offset in the next 32, resume mode in the low 2.
func (sk SrcKey) Pack() uint64 {
	return uint64(sk.Func)<<34 | uint64(uint32(sk.Offset))<<2 | uint64(sk.Resume&3)
}

// UnpackSrcKey is the inverse of Pack.
func UnpackSrcKey(v uint64) SrcKey {
	return SrcKey{
		Func:   FuncID(v >> 34),
		Offset: Offset(uint32(v >> 2)),
		Resume: ResumeMode(v & 3),
	}
}

// Less orders keys by function, then offset, then resume mode.
func (sk SrcKey) Less(o SrcKey) bool {
	return sk.Pack() < o.Pack()
}

// WithOffset returns the key for another offset in the same function and mode.
func (sk SrcKey) WithOffset(off Offset) SrcKey {
	sk.Offset = off
	return sk
}

func (sk SrcKey) String() string {
	if sk.Resume == ResumeNone {
		return fmt.Sprintf("f%d@%d", sk.Func, sk.Offset)
	}
	return fmt.Sprintf("f%d@%d(%s)", sk.Func, sk.Offset, sk.Resume)
}
