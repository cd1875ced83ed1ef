package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// TypedValue: a tagged guest value as seen by frames and the eval stack
// ---------------------------------------------------------------------------

// DataType tags the contents of a TypedValue.
type DataType uint8

const (
	KindUninit DataType = iota
	KindNull
	KindBool
	KindInt
	KindDouble
	KindString
	KindArray
	KindObject
	numKinds
)

var kindNames = [numKinds]string{
	KindUninit: "Uninit",
	KindNull:   "Null",
	KindBool:   "Bool",
	KindInt:    "Int",
	KindDouble: "Dbl",
	KindString: "Str",
	KindArray:  "Arr",
	KindObject: "Obj",
}

func (t DataType) String() string {
	if t < numKinds {
		return kindNames[t]
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// IsRefCounted reports whether values of this type may carry a reference count.
func (t DataType) IsRefCounted() bool {
	return t >= KindString && t < numKinds
}

// TypedValue is a single guest value slot.
type TypedValue struct {
	Type DataType
	Data any
	// Aux holds per-slot auxiliary bits. Return slots use it for the
	// async eager-return flag (0 or 1).
	Aux uint32
}

// Uninit returns an uninitialized slot.
func Uninit() TypedValue { return TypedValue{} }

// Null returns a null value.
func Null() TypedValue { return TypedValue{Type: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) TypedValue { return TypedValue{Type: KindBool, Data: b} }

// Int returns an integer value.
func Int(i int64) TypedValue { return TypedValue{Type: KindInt, Data: i} }

// Double returns a floating point value.
func Double(f float64) TypedValue { return TypedValue{Type: KindDouble, Data: f} }

// String returns a string value.
func String(s string) TypedValue { return TypedValue{Type: KindString, Data: s} }

// Object wraps a heap object.
func Object(o any) TypedValue { return TypedValue{Type: KindObject, Data: o} }

func (tv TypedValue) String() string {
	switch tv.Type {
	case KindUninit, KindNull:
		return tv.Type.String()
	default:
		return fmt.Sprintf("%s(%v)", tv.Type, tv.Data)
	}
}

// RefCounted is implemented by heap data that tracks its own references.
type RefCounted interface {
	IncRef()
	// DecRef drops one reference and reports whether the object was released.
	DecRef() bool
}

// DecRef releases one reference held by the slot, if its data is reference
// counted. It reports whether the underlying object was released.
func (tv TypedValue) DecRef() bool {
	if !tv.Type.IsRefCounted() {
		return false
	}
	if rc, ok := tv.Data.(RefCounted); ok {
		return rc.DecRef()
	}
	return false
}

// ---------------------------------------------------------------------------
// Type: inferred types used to build region contexts
// ---------------------------------------------------------------------------

// Type is a set of DataTypes a slot may hold.
type Type uint16

const (
	TBottom Type = 0
	TUninit Type = 1 << KindUninit
	TNull   Type = 1 << KindNull
	TBool   Type = 1 << KindBool
	TInt    Type = 1 << KindInt
	TDbl    Type = 1 << KindDouble
	TStr    Type = 1 << KindString
	TArr    Type = 1 << KindArray
	TObj    Type = 1 << KindObject

	TInitNull = TNull
	TNum      = TInt | TDbl
	TCell     = TUninit | TNull | TBool | TInt | TDbl | TStr | TArr | TObj
)

// TypeOf is the inference hook used when building region contexts: it
// returns the most specific Type describing tv.
func TypeOf(tv TypedValue) Type {
	if tv.Type >= numKinds {
		return TCell
	}
	return Type(1) << tv.Type
}

// Union returns the smallest type containing both t and o.
func (t Type) Union(o Type) Type { return t | o }

// SubtypeOf reports whether every value of t is also a value of o.
func (t Type) SubtypeOf(o Type) bool { return t&^o == 0 }

func (t Type) String() string {
	switch t {
	case TBottom:
		return "Bottom"
	case TCell:
		return "Cell"
	}
	var parts []string
	for k := KindUninit; k < numKinds; k++ {
		if t&(1<<k) != 0 {
			parts = append(parts, k.String())
		}
	}
	return strings.Join(parts, "|")
}
