package jit

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// RingKind tags trace entries.
type RingKind uint8

const (
	RingServiceReq RingKind = iota
	RingResumeTC
	RingSmash
	RingUnwind
)

func (k RingKind) String() string {
	switch k {
	case RingServiceReq:
		return "svcreq"
	case RingResumeTC:
		return "resumetc"
	case RingSmash:
		return "smash"
	case RingUnwind:
		return "unwind"
	}
	return fmt.Sprintf("RingKind(%d)", uint8(k))
}

// RingEntry is one trace record.
type RingEntry struct {
	Seq  uint64
	Kind RingKind
	A, B uint64
}

func (e RingEntry) String() string {
	return fmt.Sprintf("#%d %s 0x%x 0x%x", e.Seq, e.Kind, e.A, e.B)
}

// RingBuffer keeps the most recent trace entries. A nil or zero-sized
// buffer records nothing.
type RingBuffer struct {
	slots []atomic.Pointer[RingEntry]
	seq   atomic.Uint64
}

// NewRingBuffer creates a buffer holding n entries.
func NewRingBuffer(n int) *RingBuffer {
	return &RingBuffer{slots: make([]atomic.Pointer[RingEntry], n)}
}

// Record appends an entry, overwriting the oldest.
func (b *RingBuffer) Record(kind RingKind, a, c uint64) {
	if b == nil || len(b.slots) == 0 {
		return
	}
	seq := b.seq.Add(1)
	b.slots[(seq-1)%uint64(len(b.slots))].Store(&RingEntry{Seq: seq, Kind: kind, A: a, B: c})
}

// Snapshot returns the retained entries, oldest first.
func (b *RingBuffer) Snapshot() []RingEntry {
	if b == nil {
		return nil
	}
	out := make([]RingEntry, 0, len(b.slots))
	for i := range b.slots {
		if e := b.slots[i].Load(); e != nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of entries recorded since creation.
func (b *RingBuffer) Len() uint64 {
	if b == nil {
		return 0
	}
	return b.seq.Load()
}
