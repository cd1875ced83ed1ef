package jit

import "testing"

func TestTreadmillRunsImmediatelyWhenIdle(t *testing.T) {
	tm := NewTreadmill()
	ran := false
	tm.Enqueue(func() { ran = true })
	if !ran {
		t.Error("work enqueued with no requests in flight did not run")
	}
}

func TestTreadmillWaitsForOlderRequests(t *testing.T) {
	tm := NewTreadmill()
	tm.StartRequest(1)

	ran := false
	tm.Enqueue(func() { ran = true })
	if ran {
		t.Fatal("work ran while an older request was in flight")
	}

	// A request that starts after the enqueue does not hold the work back.
	tm.StartRequest(2)
	tm.FinishRequest(1)
	if !ran {
		t.Fatal("work did not run after the older request finished")
	}
	tm.FinishRequest(2)
	if tm.Pending() != 0 {
		t.Errorf("Pending = %d", tm.Pending())
	}
	if tm.Ran() != 1 {
		t.Errorf("Ran = %d, want 1", tm.Ran())
	}
}

func TestTreadmillNestedRequests(t *testing.T) {
	tm := NewTreadmill()
	tm.StartRequest(1)
	tm.StartRequest(1)

	ran := false
	tm.Enqueue(func() { ran = true })
	tm.FinishRequest(1)
	if ran {
		t.Fatal("work ran while the outer request was still in flight")
	}
	tm.FinishRequest(1)
	if !ran {
		t.Fatal("work did not run after the outer request finished")
	}
}

func TestTreadmillDrain(t *testing.T) {
	tm := NewTreadmill()
	tm.StartRequest(1)
	n := 0
	tm.Enqueue(func() { n++ })
	tm.Enqueue(func() { n++ })
	tm.FinishRequest(1)
	tm.Drain()
	if n != 2 {
		t.Errorf("ran %d callbacks, want 2", n)
	}
}
