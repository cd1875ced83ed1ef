package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Guest exceptions (propagated with Go panic/recover)
// ---------------------------------------------------------------------------

// Exception is a guest-language exception. Compiled code and helpers raise
// one by panicking with a *Exception; the unwind bridge recovers it.
type Exception struct {
	Class   string
	Message string
	Value   TypedValue // the thrown object, if any
	At      SrcKey     // location the exception was raised at
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// NewException creates an exception of the given class.
func NewException(class, format string, args ...any) *Exception {
	return &Exception{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Throw raises exn.
func Throw(exn *Exception) {
	panic(exn)
}

// Throwf raises a new exception of the given class at sk.
func Throwf(at SrcKey, class, format string, args ...any) {
	exn := NewException(class, format, args...)
	exn.At = at
	panic(exn)
}

// AsException extracts a guest exception from a recovered panic value.
func AsException(v any) (*Exception, bool) {
	exn, ok := v.(*Exception)
	return exn, ok
}
