package vm

import (
	"fmt"
	"sort"
	"sync"
)

// FuncKind distinguishes ordinary functions from resumables.
type FuncKind uint8

const (
	FuncNormal FuncKind = iota
	FuncGenerator
	FuncAsync
	FuncAsyncGenerator
)

// Attr is a bit set of function attributes.
type Attr uint32

const (
	AttrNone Attr = 0
	// AttrPseudoMain marks the top-level body of a file, which runs in the
	// global variable scope.
	AttrPseudoMain Attr = 1 << iota
	// AttrMayUseVV marks functions that may access variables dynamically.
	AttrMayUseVV
)

// Param describes one declared parameter.
type Param struct {
	Name string
	// FuncletOff is the offset of the default-value initializer for this
	// parameter, or InvalidOffset if the parameter has no default.
	FuncletOff Offset
}

// DVFunclet is a default-value entry point: calls passing exactly NumArgs
// arguments start at Offset.
type DVFunclet struct {
	NumArgs int
	Offset  Offset
}

// Func is the static description of a guest function.
type Func struct {
	ID        FuncID
	Name      string
	Kind      FuncKind
	Attrs     Attr
	Base      Offset // offset of the first instruction of the body
	Past      Offset // one past the last instruction
	NumLocals int
	Params    []Param
	Variadic  bool
}

func (f *Func) String() string {
	return fmt.Sprintf("%s#%d", f.Name, f.ID)
}

// NumNonVariadicParams returns the number of ordinary declared parameters.
func (f *Func) NumNonVariadicParams() int {
	if f.Variadic && len(f.Params) > 0 {
		return len(f.Params) - 1
	}
	return len(f.Params)
}

// DVFunclets lists the default-value entry points, ordered by argument count.
func (f *Func) DVFunclets() []DVFunclet {
	var dvs []DVFunclet
	n := f.NumNonVariadicParams()
	for i := 0; i < n; i++ {
		if off := f.Params[i].FuncletOff; off != InvalidOffset {
			dvs = append(dvs, DVFunclet{NumArgs: i, Offset: off})
		}
	}
	return dvs
}

// EntryFor returns the offset where a call passing nargs arguments begins:
// the first default-value funclet covering a missing argument, else Base.
func (f *Func) EntryFor(nargs int) Offset {
	n := f.NumNonVariadicParams()
	for i := nargs; i < n; i++ {
		if off := f.Params[i].FuncletOff; off != InvalidOffset {
			return off
		}
	}
	return f.Base
}

func (f *Func) IsPseudoMain() bool { return f.Attrs&AttrPseudoMain != 0 }

func (f *Func) IsGenerator() bool {
	return f.Kind == FuncGenerator || f.Kind == FuncAsyncGenerator
}

func (f *Func) IsNonAsyncGenerator() bool { return f.Kind == FuncGenerator }

func (f *Func) IsAsync() bool {
	return f.Kind == FuncAsync || f.Kind == FuncAsyncGenerator
}

func (f *Func) IsResumable() bool { return f.Kind != FuncNormal }

// ---------------------------------------------------------------------------
// FuncTable
// ---------------------------------------------------------------------------

// FuncTable assigns IDs to functions and resolves them.
type FuncTable struct {
	mu    sync.RWMutex
	funcs map[FuncID]*Func
	next  FuncID
}

// NewFuncTable creates an empty table.
func NewFuncTable() *FuncTable {
	return &FuncTable{
		funcs: make(map[FuncID]*Func),
		next:  1,
	}
}

// Add registers fn, assigning it the next free ID.
func (t *FuncTable) Add(fn *Func) FuncID {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn.ID = t.next
	t.next++
	t.funcs[fn.ID] = fn
	return fn.ID
}

// Lookup returns the function with the given ID, or nil.
func (t *FuncTable) Lookup(id FuncID) *Func {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.funcs[id]
}

// All returns every registered function ordered by ID.
func (t *FuncTable) All() []*Func {
	t.mu.RLock()
	out := make([]*Func, 0, len(t.funcs))
	for _, fn := range t.funcs {
		out = append(out, fn)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered functions.
func (t *FuncTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.funcs)
}
