package vm

// ---------------------------------------------------------------------------
// ActRec: an activation record
// ---------------------------------------------------------------------------

// ActRec is the activation record of one guest call. Frames form a chain
// through Prev toward the outermost caller.
type ActRec struct {
	Func *Func
	Prev *ActRec // caller, nil for the outermost frame

	// SavedRIP is the return address into the caller's code. Frames pushed
	// by the interpreter point at a return helper stub; frames pushed by
	// compiled code point into the caller's translation.
	SavedRIP uint64
	// CallOffset is the offset of the call instruction in the caller,
	// relative to Prev.Func.Base.
	CallOffset Offset

	NumArgs   int
	Locals    []TypedValue
	StackBase int // index in Regs.Stack where this frame's eval stack starts
	RetSlot   TypedValue

	Resumed bool       // running from a resumable (generator or async) state
	Gen     *Generator // owning generator for resumed generator frames
	Wait    *WaitHandle

	// AsyncEagerReturn is set on calls whose caller accepts an eagerly
	// returned value in place of a wait handle.
	AsyncEagerReturn bool
}

// NewActRec creates a frame for fn called with nargs arguments from prev.
func NewActRec(fn *Func, prev *ActRec, nargs int) *ActRec {
	n := fn.NumLocals
	if n < nargs {
		n = nargs
	}
	return &ActRec{
		Func:    fn,
		Prev:    prev,
		NumArgs: nargs,
		Locals:  make([]TypedValue, n),
	}
}

// ResumeMode reports how the frame was entered.
func (ar *ActRec) ResumeMode() ResumeMode {
	if !ar.Resumed {
		return ResumeNone
	}
	if ar.Func.IsAsync() && !ar.Func.IsGenerator() {
		return ResumeAsync
	}
	return ResumeGenIter
}

// Local returns a pointer to local slot i.
func (ar *ActRec) Local(i int) *TypedValue {
	return &ar.Locals[i]
}

// Depth returns the number of frames in the chain starting at ar.
func (ar *ActRec) Depth() int {
	n := 0
	for f := ar; f != nil; f = f.Prev {
		n++
	}
	return n
}

// ---------------------------------------------------------------------------
// Regs: the virtual machine registers of one execution context
// ---------------------------------------------------------------------------

// Regs holds the live VM registers: frame pointer, eval stack, program
// counter and the member base.
type Regs struct {
	FP    *ActRec
	Stack []TypedValue // eval stack; the last element is the top
	PC    Offset       // absolute offset within FP.Func

	// MBase is the member base register, live between a member base
	// instruction and the final member operation.
	MBase *TypedValue
	// JitReturnAddr is the native return address of the frame being entered
	// from the interpreter, zero when none.
	JitReturnAddr uint64
}

// Push pushes tv on the eval stack.
func (r *Regs) Push(tv TypedValue) {
	r.Stack = append(r.Stack, tv)
}

// Pop removes and returns the top of the eval stack.
func (r *Regs) Pop() TypedValue {
	n := len(r.Stack)
	if n == 0 {
		panic("vm: pop from empty eval stack")
	}
	tv := r.Stack[n-1]
	r.Stack = r.Stack[:n-1]
	return tv
}

// Top returns a pointer to the top of the eval stack, or nil when empty.
func (r *Regs) Top() *TypedValue {
	if len(r.Stack) == 0 {
		return nil
	}
	return &r.Stack[len(r.Stack)-1]
}

// FrameStack returns the eval stack slots belonging to the current frame.
func (r *Regs) FrameStack() []TypedValue {
	if r.FP == nil {
		return r.Stack
	}
	base := r.FP.StackBase
	if base > len(r.Stack) {
		base = len(r.Stack)
	}
	return r.Stack[base:]
}

// PushFrame makes ar the current frame. Its eval stack starts at the current
// stack top.
func (r *Regs) PushFrame(ar *ActRec) {
	ar.Prev = r.FP
	ar.StackBase = len(r.Stack)
	r.FP = ar
}

// SrcKey returns the live program location: the current function, PC and
// resume mode.
func (r *Regs) SrcKey() SrcKey {
	return SrcKey{Func: r.FP.Func.ID, Offset: r.PC, Resume: r.FP.ResumeMode()}
}
