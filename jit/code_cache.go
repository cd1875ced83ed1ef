package jit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/chazu/tcjit/vm"
)

// RegionKind classifies allocations in the code cache.
type RegionKind uint8

const (
	RegionStub        RegionKind = iota // unique stub
	RegionTranslation                   // translation of a SrcKey
	RegionDispatch                      // function-body DV dispatch
	RegionTrampoline                    // temporary bind stub
	RegionCatch                         // catch trace
	RegionSmashSite                     // patchable jump/address/call slot
)

var regionKindNames = [...]string{
	RegionStub:        "stub",
	RegionTranslation: "translation",
	RegionDispatch:    "dispatch",
	RegionTrampoline:  "trampoline",
	RegionCatch:       "catch",
	RegionSmashSite:   "site",
}

func (k RegionKind) String() string {
	if int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return fmt.Sprintf("RegionKind(%d)", uint8(k))
}

// Region is one contiguous allocation in the code cache.
type Region struct {
	Start TCA
	End   TCA // exclusive
	Kind  RegionKind
	Name  string

	// SrcKey and TransKind describe the source of translations, catch
	// traces and dispatch code.
	SrcKey    vm.SrcKey
	TransKind TransKind

	code    Code
	catches map[vm.SrcKey]TCA // written before the region is published
	freed   atomic.Bool
}

// Size returns the region length in bytes.
func (r *Region) Size() uint64 { return uint64(r.End - r.Start) }

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr TCA) bool {
	return addr >= r.Start && addr < r.End
}

// Freed reports whether the region has been returned to the cache.
func (r *Region) Freed() bool { return r.freed.Load() }

// CatchTrace returns the catch trace registered for a throw at sk.
func (r *Region) CatchTrace(sk vm.SrcKey) (TCA, bool) {
	t, ok := r.catches[sk]
	return t, ok
}

// NumCatchTraces returns the number of catch traces owned by the region.
func (r *Region) NumCatchTraces() int { return len(r.catches) }

// Executable reports whether control may transfer to the region's start.
func (r *Region) Executable() bool { return r.code != nil }

// compiledFor reports whether the region is compiled code belonging to fn.
func (r *Region) compiledFor(fn vm.FuncID) bool {
	switch r.Kind {
	case RegionTranslation, RegionDispatch, RegionCatch:
		return r.SrcKey.Func == fn
	}
	return false
}

func (r *Region) String() string {
	return fmt.Sprintf("%s %s [%s, %s)", r.Kind, r.Name, r.Start, r.End)
}

// ---------------------------------------------------------------------------
// CodeCache
// ---------------------------------------------------------------------------

const codeAlign = 16

// CodeCache owns the synthetic address space that generated code lives in.
// Allocation is a bump pointer; freed ranges are accounted but not reused.
type CodeCache struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Region]
	next TCA

	entries sync.Map // TCA -> *Region, keyed by start address
	sites   sync.Map // TCA -> *SmashSite

	base     TCA
	capacity uint64
	used     atomic.Uint64
	freed    atomic.Uint64
	count    atomic.Int64
}

// NewCodeCache creates a cache covering [base, base+capacity).
func NewCodeCache(base TCA, capacity uint64) *CodeCache {
	if base == 0 {
		base = codeAlign
	}
	return &CodeCache{
		tree: btree.NewG(16, func(a, b *Region) bool {
			return a.Start < b.Start
		}),
		next:     base,
		base:     base,
		capacity: capacity,
	}
}

// Base returns the first address of the cache.
func (c *CodeCache) Base() TCA { return c.base }

// Capacity returns the configured size in bytes.
func (c *CodeCache) Capacity() uint64 { return c.capacity }

// Used returns the bytes held by live regions.
func (c *CodeCache) Used() uint64 { return c.used.Load() }

// Reclaimed returns the bytes returned through Free.
func (c *CodeCache) Reclaimed() uint64 { return c.freed.Load() }

// Len returns the number of live regions.
func (c *CodeCache) Len() int { return int(c.count.Load()) }

// HasRoom reports whether size more bytes fit in the budget.
func (c *CodeCache) HasRoom(size uint64) bool {
	return c.used.Load()+size <= c.capacity
}

func alignUp(n uint64) uint64 {
	return (n + codeAlign - 1) &^ (codeAlign - 1)
}

// alloc reserves a region. The region becomes visible to Lookup
// immediately; it is reachable only once someone publishes its address.
func (c *CodeCache) alloc(r *Region, size uint32) (*Region, error) {
	if size == 0 {
		size = 1
	}
	n := alignUp(uint64(size))
	c.mu.Lock()
	if c.used.Load()+n > c.capacity {
		c.mu.Unlock()
		return nil, fmt.Errorf("allocating %d bytes for %s: %w", n, r.Name, ErrCodeCacheFull)
	}
	r.Start = c.next
	r.End = c.next + TCA(size)
	c.next += TCA(n)
	c.tree.ReplaceOrInsert(r)
	c.used.Add(n)
	c.count.Add(1)
	c.mu.Unlock()

	c.entries.Store(r.Start, r)
	return r, nil
}

// Free returns the region starting at start. It reports whether a live
// region was found.
func (c *CodeCache) Free(start TCA) bool {
	v, ok := c.entries.LoadAndDelete(start)
	if !ok {
		return false
	}
	r := v.(*Region)
	r.freed.Store(true)

	c.mu.Lock()
	c.tree.Delete(r)
	c.mu.Unlock()

	n := alignUp(r.Size())
	c.used.Add(^(n - 1))
	c.freed.Add(n)
	c.count.Add(-1)
	if r.Kind == RegionSmashSite {
		c.sites.Delete(start)
	}
	return true
}

// Entry returns the live region starting exactly at addr, or nil.
func (c *CodeCache) Entry(addr TCA) *Region {
	if v, ok := c.entries.Load(addr); ok {
		return v.(*Region)
	}
	return nil
}

// Lookup returns the live region containing addr, or nil.
func (c *CodeCache) Lookup(addr TCA) *Region {
	var found *Region
	c.mu.RLock()
	c.tree.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		found = r
		return false
	})
	c.mu.RUnlock()
	if found != nil && found.Contains(addr) {
		return found
	}
	return nil
}

// Site returns the smash site at addr, or nil.
func (c *CodeCache) Site(addr TCA) *SmashSite {
	if v, ok := c.sites.Load(addr); ok {
		return v.(*SmashSite)
	}
	return nil
}

// Regions returns a snapshot of live regions in address order.
func (c *CodeCache) Regions() []*Region {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Region, 0, c.tree.Len())
	c.tree.Ascend(func(r *Region) bool {
		out = append(out, r)
		return true
	})
	return out
}
