package jit

import (
	"errors"
	"testing"
)

func TestCodeCacheAllocAndLookup(t *testing.T) {
	c := NewCodeCache(0x1000, 4096)

	a, err := c.alloc(&Region{Kind: RegionTranslation, Name: "a"}, 40)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := c.alloc(&Region{Kind: RegionTranslation, Name: "b"}, 10)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}

	if a.Start != 0x1000 {
		t.Errorf("first region at %s, want 0x1000", a.Start)
	}
	if b.Start%codeAlign != 0 || b.Start < a.End {
		t.Errorf("second region at %s overlaps or is unaligned (first ends %s)", b.Start, a.End)
	}
	if got := c.Lookup(a.Start + 39); got != a {
		t.Errorf("Lookup inside a = %v", got)
	}
	if got := c.Lookup(a.End); got != nil && got != b {
		t.Errorf("Lookup past a = %v", got)
	}
	if got := c.Entry(b.Start); got != b {
		t.Errorf("Entry(b) = %v", got)
	}
	if got := c.Entry(a.Start + 1); got != nil {
		t.Errorf("Entry in the middle of a = %v, want nil", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCodeCacheFree(t *testing.T) {
	c := NewCodeCache(0x1000, 4096)
	r, _ := c.alloc(&Region{Kind: RegionTrampoline, Name: "t"}, 32)
	used := c.Used()

	if !c.Free(r.Start) {
		t.Fatal("Free returned false for a live region")
	}
	if c.Free(r.Start) {
		t.Error("second Free should return false")
	}
	if !r.Freed() {
		t.Error("region not marked freed")
	}
	if c.Lookup(r.Start) != nil || c.Entry(r.Start) != nil {
		t.Error("freed region still visible")
	}
	if c.Used() != used-32 {
		t.Errorf("Used = %d, want %d", c.Used(), used-32)
	}
	if c.Reclaimed() != 32 {
		t.Errorf("Reclaimed = %d, want 32", c.Reclaimed())
	}
}

func TestCodeCacheFull(t *testing.T) {
	c := NewCodeCache(0x1000, 64)
	if _, err := c.alloc(&Region{Name: "fits"}, 48); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	_, err := c.alloc(&Region{Name: "too big"}, 48)
	if !errors.Is(err, ErrCodeCacheFull) {
		t.Fatalf("err = %v, want ErrCodeCacheFull", err)
	}
	if !c.HasRoom(16) {
		t.Error("HasRoom(16) with 16 bytes left should be true")
	}
	if c.HasRoom(17) {
		t.Error("HasRoom(17) with 16 bytes left should be false")
	}
}

func TestCodeCacheRegionsOrdered(t *testing.T) {
	c := NewCodeCache(0x1000, 4096)
	for i := 0; i < 5; i++ {
		c.alloc(&Region{Name: "r"}, 20)
	}
	regions := c.Regions()
	if len(regions) != 5 {
		t.Fatalf("got %d regions, want 5", len(regions))
	}
	for i := 1; i < len(regions); i++ {
		if regions[i].Start <= regions[i-1].Start {
			t.Errorf("regions out of order at %d", i)
		}
	}
}
