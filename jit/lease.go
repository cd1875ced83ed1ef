package jit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/chazu/tcjit/vm"
)

// Lease grants its holder the exclusive right to translate one function in
// one TransKind. It is re-entrant for the holding execution context.
type Lease struct {
	sem   *semaphore.Weighted
	owner atomic.Uint64 // ExecContext ID of the holder, 0 when free
	depth int32         // re-entry count, touched only by the owner

	acquired  atomic.Uint64
	contended atomic.Uint64
}

func newLease() *Lease {
	return &Lease{sem: semaphore.NewWeighted(1)}
}

// TryAcquire takes the lease for owner without blocking.
func (l *Lease) TryAcquire(owner uint64) bool {
	if l.owner.Load() == owner {
		l.depth++
		return true
	}
	if !l.sem.TryAcquire(1) {
		l.contended.Add(1)
		return false
	}
	l.owner.Store(owner)
	l.depth = 1
	l.acquired.Add(1)
	return true
}

// Acquire waits for the lease until ctx is done.
func (l *Lease) Acquire(ctx context.Context, owner uint64) error {
	if l.owner.Load() == owner {
		l.depth++
		return nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.contended.Add(1)
		return err
	}
	l.owner.Store(owner)
	l.depth = 1
	l.acquired.Add(1)
	return nil
}

// Release drops one level of ownership held by owner.
func (l *Lease) Release(owner uint64) {
	assertf(l.owner.Load() == owner, "lease released by %d, held by %d", owner, l.owner.Load())
	l.depth--
	if l.depth > 0 {
		return
	}
	l.owner.Store(0)
	l.sem.Release(1)
}

// Holder returns the ID of the holding context, or 0.
func (l *Lease) Holder() uint64 { return l.owner.Load() }

type leaseKey struct {
	fn   vm.FuncID
	kind TransKind
}

// LeaseTable holds the leases of every (function, kind) pair.
type LeaseTable struct {
	leases sync.Map // leaseKey -> *Lease
}

// NewLeaseTable creates an empty table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{}
}

// Get returns the lease for fn and kind, creating it on first use.
func (t *LeaseTable) Get(fn vm.FuncID, kind TransKind) *Lease {
	key := leaseKey{fn, kind}
	if v, ok := t.leases.Load(key); ok {
		return v.(*Lease)
	}
	v, _ := t.leases.LoadOrStore(key, newLease())
	return v.(*Lease)
}

// Contended returns the total number of failed acquisitions.
func (t *LeaseTable) Contended() uint64 {
	var n uint64
	t.leases.Range(func(_, v any) bool {
		n += v.(*Lease).contended.Load()
		return true
	})
	return n
}

// Acquired returns the total number of successful first acquisitions.
func (t *LeaseTable) Acquired() uint64 {
	var n uint64
	t.leases.Range(func(_, v any) bool {
		n += v.(*Lease).acquired.Load()
		return true
	})
	return n
}
