package jit

import (
	"errors"
	"fmt"
)

var (
	// ErrDeclined is returned by a Backend that chooses not to translate a
	// region. It is treated like any other generator failure.
	ErrDeclined = errors.New("jit: translation declined")

	// ErrCodeCacheFull is returned when an allocation does not fit.
	ErrCodeCacheFull = errors.New("jit: code cache full")

	// ErrEmitterClosed is returned by Emitter methods after commit or abort.
	ErrEmitterClosed = errors.New("jit: emitter already finished")
)

// InvariantError reports a broken runtime invariant. It is raised as a panic
// value and is not meant to be recovered outside of tests.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "jit: invariant violated: " + e.Msg
}

// fatalf logs the violation at critical level and panics.
func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Criticalf("invariant violated: %s", msg)
	panic(&InvariantError{Msg: msg})
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		fatalf(format, args...)
	}
}
