package vm

import "sync/atomic"

// Generator is the heap object backing a suspended generator frame.
type Generator struct {
	AR *ActRec
	// Delegate is the inner generator this one currently forwards to
	// ("yield from"), or an uninit slot.
	Delegate TypedValue
	Done     bool
}

// NewGenerator wraps ar in a generator and marks the frame resumable.
func NewGenerator(ar *ActRec) *Generator {
	g := &Generator{AR: ar}
	ar.Gen = g
	ar.Resumed = true
	return g
}

// ---------------------------------------------------------------------------
// Wait handles
// ---------------------------------------------------------------------------

// WaitState is the state of a wait handle.
type WaitState uint8

const (
	WaitBlocked WaitState = iota
	WaitSucceeded
	WaitFailed
)

// WaitHandle represents the eventual result of an async computation.
type WaitHandle struct {
	AR         *ActRec // suspended async frame, nil for static handles
	State      WaitState
	Result     TypedValue
	Exn        *Exception
	Parents    []*WaitHandle // handles blocked on this one
	ContextIdx int           // asio context the handle belongs to
	// ResumeAddr is the native address to continue the suspended frame at;
	// zero when the frame must resume through the interpreter at
	// ResumeOffset.
	ResumeAddr   uint64
	ResumeOffset Offset
	// Awaited is the child this handle is blocked on. Its result is what the
	// suspended frame receives when it resumes.
	Awaited *WaitHandle

	refs atomic.Int32
}

// NewSucceededWaitHandle returns a finished handle holding v.
func NewSucceededWaitHandle(v TypedValue) *WaitHandle {
	wh := &WaitHandle{State: WaitSucceeded, Result: v}
	wh.refs.Store(1)
	return wh
}

// NewBlockedWaitHandle returns a handle for the suspended frame ar.
func NewBlockedWaitHandle(ar *ActRec, ctxIdx int) *WaitHandle {
	wh := &WaitHandle{AR: ar, ContextIdx: ctxIdx}
	wh.refs.Store(1)
	ar.Wait = wh
	ar.Resumed = true
	return wh
}

func (wh *WaitHandle) IncRef() { wh.refs.Add(1) }

func (wh *WaitHandle) DecRef() bool { return wh.refs.Add(-1) == 0 }

// Finished reports whether the handle has a result or an exception.
func (wh *WaitHandle) Finished() bool { return wh.State != WaitBlocked }

// BlockOn registers wh as waiting on child.
func (wh *WaitHandle) BlockOn(child *WaitHandle) {
	child.Parents = append(child.Parents, wh)
	wh.Awaited = child
}

// Succeed finishes the handle with v and returns the parents that were
// waiting on it.
func (wh *WaitHandle) Succeed(v TypedValue) []*WaitHandle {
	wh.State = WaitSucceeded
	wh.Result = v
	parents := wh.Parents
	wh.Parents = nil
	return parents
}

// Fail finishes the handle with exn and returns the waiting parents.
func (wh *WaitHandle) Fail(exn *Exception) []*WaitHandle {
	wh.State = WaitFailed
	wh.Exn = exn
	parents := wh.Parents
	wh.Parents = nil
	return parents
}

// AsioContext is a scheduling context for runnable wait handles.
type AsioContext struct {
	Index    int
	runnable []*WaitHandle
}

// Schedule queues wh to be resumed.
func (c *AsioContext) Schedule(wh *WaitHandle) {
	c.runnable = append(c.runnable, wh)
}

// Next dequeues the next runnable handle, or nil.
func (c *AsioContext) Next() *WaitHandle {
	if len(c.runnable) == 0 {
		return nil
	}
	wh := c.runnable[0]
	c.runnable = c.runnable[1:]
	return wh
}

// Len returns the number of queued handles.
func (c *AsioContext) Len() int { return len(c.runnable) }
