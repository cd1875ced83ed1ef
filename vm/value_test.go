package vm

import "testing"

type counted struct{ refs int }

func (c *counted) IncRef() { c.refs++ }

func (c *counted) DecRef() bool {
	c.refs--
	return c.refs == 0
}

func TestTypedValueDecRef(t *testing.T) {
	c := &counted{refs: 2}
	tv := Object(c)
	if tv.DecRef() {
		t.Error("released with a reference left")
	}
	if !tv.DecRef() {
		t.Error("last reference not released")
	}

	// Scalars carry no count even when the payload implements RefCounted.
	if (TypedValue{Type: KindInt, Data: c}).DecRef() || c.refs != 0 {
		t.Error("DecRef touched a scalar")
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		tv   TypedValue
		want Type
	}{
		{Uninit(), TUninit},
		{Null(), TNull},
		{Bool(true), TBool},
		{Int(1), TInt},
		{Double(1.5), TDbl},
		{String("s"), TStr},
		{Object(nil), TObj},
		{TypedValue{Type: 200}, TCell},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.tv); got != tt.want {
			t.Errorf("TypeOf(%v) = %s, want %s", tt.tv, got, tt.want)
		}
	}
}

func TestTypeLattice(t *testing.T) {
	if !TInt.SubtypeOf(TNum) || TStr.SubtypeOf(TNum) {
		t.Error("SubtypeOf is wrong for TNum")
	}
	if TInt.Union(TDbl) != TNum {
		t.Error("Int|Dbl != Num")
	}
	if !TBottom.SubtypeOf(TInt) {
		t.Error("Bottom must be a subtype of everything")
	}
	if got := TNum.String(); got != "Int|Dbl" {
		t.Errorf("TNum.String() = %q", got)
	}
	if TCell.String() != "Cell" {
		t.Errorf("TCell.String() = %q", TCell.String())
	}
}
