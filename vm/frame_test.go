package vm

import "testing"

func TestRegsFrames(t *testing.T) {
	var r Regs
	outer := &Func{ID: 1, NumLocals: 1}
	inner := &Func{ID: 2, Kind: FuncAsync}

	a := NewActRec(outer, nil, 0)
	r.PushFrame(a)
	r.Push(Int(1))
	r.Push(Int(2))

	b := NewActRec(inner, nil, 3)
	r.PushFrame(b)
	r.Push(Int(3))
	r.PC = 7

	if b.Prev != a || b.StackBase != 2 || b.Depth() != 2 {
		t.Errorf("frame link: prev=%p base=%d depth=%d", b.Prev, b.StackBase, b.Depth())
	}
	if len(b.Locals) != 3 {
		t.Errorf("locals sized %d, want the argument count 3", len(b.Locals))
	}
	if fs := r.FrameStack(); len(fs) != 1 || fs[0].Data != int64(3) {
		t.Errorf("FrameStack = %v", fs)
	}
	if sk := r.SrcKey(); sk != (SrcKey{Func: 2, Offset: 7}) {
		t.Errorf("SrcKey = %s", sk)
	}

	b.Resumed = true
	if r.SrcKey().Resume != ResumeAsync {
		t.Error("resumed async frame not reflected in SrcKey")
	}
	if r.Top().Data != int64(3) || r.Pop().Data != int64(3) {
		t.Error("Top/Pop mismatch")
	}
}

func TestRegsPopEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Pop on an empty stack did not panic")
		}
	}()
	var r Regs
	r.Pop()
}

func TestWaitHandles(t *testing.T) {
	parent := NewBlockedWaitHandle(NewActRec(&Func{Kind: FuncAsync}, nil, 0), 0)
	child := NewBlockedWaitHandle(NewActRec(&Func{Kind: FuncAsync}, nil, 0), 0)
	parent.BlockOn(child)

	if child.Finished() {
		t.Fatal("new handle finished")
	}
	parents := child.Succeed(Int(9))
	if len(parents) != 1 || parents[0] != parent || len(child.Parents) != 0 {
		t.Errorf("Succeed returned %v", parents)
	}
	if !child.Finished() || child.Result.Data != int64(9) {
		t.Errorf("child = %+v", child)
	}

	var ctx AsioContext
	ctx.Schedule(parent)
	if ctx.Len() != 1 || ctx.Next() != parent || ctx.Next() != nil {
		t.Error("asio context queue is wrong")
	}
}
