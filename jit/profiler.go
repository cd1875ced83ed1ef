package jit

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/tcjit/vm"
)

// Profiler tracks per-function call counts to decide which translation kind
// a function gets:
// - Profile translations while the function is below ProfileThreshold
// - Live translations afterwards
// - an optimized retranslation once the function crosses HotThreshold

// FuncProfile holds profiling data for a single function.
type FuncProfile struct {
	Calls     atomic.Uint64
	hot       atomic.Bool
	optimized atomic.Bool
}

// Hot reports whether the function crossed the hot threshold.
func (fp *FuncProfile) Hot() bool { return fp.hot.Load() }

// Optimized reports whether an optimized translation was installed.
func (fp *FuncProfile) Optimized() bool { return fp.optimized.Load() }

// Profiler manages profiling for every function seen by a runtime.
type Profiler struct {
	profiles sync.Map // vm.FuncID -> *FuncProfile

	Enabled          bool
	ProfileThreshold uint64
	HotThreshold     uint64

	// OnHot is called when a function becomes hot. That happens again after
	// ClearHot.
	OnHot func(fn vm.FuncID, profile *FuncProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{
		Enabled:          true,
		ProfileThreshold: 100,
		HotThreshold:     1000,
	}
}

func (p *Profiler) profile(fn vm.FuncID) *FuncProfile {
	if v, ok := p.profiles.Load(fn); ok {
		return v.(*FuncProfile)
	}
	v, _ := p.profiles.LoadOrStore(fn, &FuncProfile{})
	return v.(*FuncProfile)
}

// RecordCall increments the call count for fn. Returns true if this call
// made the function hot.
func (p *Profiler) RecordCall(fn vm.FuncID) bool {
	profile := p.profile(fn)
	count := profile.Calls.Add(1)

	if count >= p.HotThreshold && profile.hot.CompareAndSwap(false, true) {
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(fn, profile)
		}
		return true
	}
	return false
}

// ClearHot drops the hot mark of fn so its next call reports it hot again.
// Used when an optimized retranslation could not be produced.
func (p *Profiler) ClearHot(fn vm.FuncID) {
	if profile := p.Get(fn); profile != nil && profile.hot.CompareAndSwap(true, false) {
		p.hotCount.Add(^uint64(0))
	}
}

// Seed sets the call count of fn, used when restoring persisted profiles.
// A seeded function above the hot threshold becomes hot on its next call,
// so OnHot still fires once in the new process.
func (p *Profiler) Seed(fn vm.FuncID, calls uint64) {
	p.profile(fn).Calls.Store(calls)
}

// ProfileFunc reports whether new translations of fn should be Profile
// translations.
func (p *Profiler) ProfileFunc(fn vm.FuncID) bool {
	if !p.Enabled {
		return false
	}
	profile := p.Get(fn)
	if profile == nil {
		return true
	}
	return !profile.Optimized() && profile.Calls.Load() < p.ProfileThreshold
}

// MarkOptimized records that fn has an optimized translation.
func (p *Profiler) MarkOptimized(fn vm.FuncID) {
	p.profile(fn).optimized.Store(true)
}

// IsOptimized reports whether fn has an optimized translation.
func (p *Profiler) IsOptimized(fn vm.FuncID) bool {
	profile := p.Get(fn)
	return profile != nil && profile.Optimized()
}

// Get returns the profile for fn, or nil if not tracked.
func (p *Profiler) Get(fn vm.FuncID) *FuncProfile {
	if v, ok := p.profiles.Load(fn); ok {
		return v.(*FuncProfile)
	}
	return nil
}

// Calls returns the recorded call count of fn.
func (p *Profiler) Calls(fn vm.FuncID) uint64 {
	if profile := p.Get(fn); profile != nil {
		return profile.Calls.Load()
	}
	return 0
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Funcs      int
	HotFuncs   int
	Optimized  int
	TotalCalls uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		profile := value.(*FuncProfile)
		stats.Funcs++
		stats.TotalCalls += profile.Calls.Load()
		if profile.Hot() {
			stats.HotFuncs++
		}
		if profile.Optimized() {
			stats.Optimized++
		}
		return true
	})
	return stats
}

// FuncCount pairs a function with its call count.
type FuncCount struct {
	Func  vm.FuncID
	Calls uint64
}

// Counts returns the call counts of every profiled function, by ID.
func (p *Profiler) Counts() []FuncCount {
	var out []FuncCount
	p.profiles.Range(func(key, value any) bool {
		out = append(out, FuncCount{key.(vm.FuncID), value.(*FuncProfile).Calls.Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Func < out[j].Func })
	return out
}

// Top returns the n most frequently called functions.
func (p *Profiler) Top(n int) []FuncCount {
	counts := p.Counts()
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Calls > counts[j].Calls
	})
	if n < len(counts) {
		counts = counts[:n]
	}
	return counts
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, _ any) bool {
		p.profiles.Delete(key)
		return true
	})
	p.hotCount.Store(0)
}
