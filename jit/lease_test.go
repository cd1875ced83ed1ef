package jit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLeaseExclusive(t *testing.T) {
	tbl := NewLeaseTable()
	l := tbl.Get(1, TransLive)

	if !l.TryAcquire(1) {
		t.Fatal("first TryAcquire failed")
	}
	if l.TryAcquire(2) {
		t.Fatal("second owner acquired a held lease")
	}
	if l.Holder() != 1 {
		t.Errorf("Holder = %d, want 1", l.Holder())
	}
	l.Release(1)
	if !l.TryAcquire(2) {
		t.Fatal("TryAcquire after release failed")
	}
	l.Release(2)
	if tbl.Contended() != 1 {
		t.Errorf("Contended = %d, want 1", tbl.Contended())
	}
}

func TestLeaseReentrant(t *testing.T) {
	l := newLease()
	if !l.TryAcquire(7) || !l.TryAcquire(7) {
		t.Fatal("re-entrant acquisition failed")
	}
	l.Release(7)
	if l.Holder() != 7 {
		t.Fatal("lease dropped after inner release")
	}
	l.Release(7)
	if l.Holder() != 0 {
		t.Errorf("Holder after final release = %d", l.Holder())
	}
}

func TestLeasePerKind(t *testing.T) {
	tbl := NewLeaseTable()
	if tbl.Get(1, TransProfile) == tbl.Get(1, TransLive) {
		t.Error("kinds share a lease")
	}
	if tbl.Get(1, TransLive) != tbl.Get(1, TransLive) {
		t.Error("Get is not stable")
	}
	if tbl.Get(1, TransLive) == tbl.Get(2, TransLive) {
		t.Error("functions share a lease")
	}
}

func TestLeaseAcquireTimeout(t *testing.T) {
	l := newLease()
	l.TryAcquire(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, 2)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire = %v, want deadline exceeded", err)
	}
}

func TestLeaseAcquireWaits(t *testing.T) {
	l := newLease()
	l.TryAcquire(1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		l.Release(1)
	}()
	if err := l.Acquire(context.Background(), 2); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Holder() != 2 {
		t.Errorf("Holder = %d, want 2", l.Holder())
	}
}

func TestLeaseAtMostOneHolder(t *testing.T) {
	l := newLease()
	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for g := uint64(1); g <= 16; g++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if !l.TryAcquire(id) {
					continue
				}
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				holders.Add(-1)
				l.Release(id)
			}
		}(g)
	}
	wg.Wait()
	if maxHolders.Load() != 1 {
		t.Errorf("observed %d simultaneous holders", maxHolders.Load())
	}
}
