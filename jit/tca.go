package jit

import "fmt"

// TCA is an address in the translation cache. Zero is the null address and
// means "no translation available".
type TCA uint64

func (a TCA) String() string {
	if a == 0 {
		return "null"
	}
	return fmt.Sprintf("0x%x", uint64(a))
}

// Code is the body of a piece of generated code. It runs with the execution
// context's registers and returns the address control transfers to next.
type Code func(ec *ExecContext) TCA

// TransKind selects the compilation mode of a translation.
type TransKind uint8

const (
	TransProfile   TransKind = iota + 1 // instrumented, gathers profile data
	TransLive                           // ordinary translation of live state
	TransOptimized                      // whole-function, profile-guided
)

func (k TransKind) String() string {
	switch k {
	case TransProfile:
		return "Profile"
	case TransLive:
		return "Live"
	case TransOptimized:
		return "Optimized"
	}
	return fmt.Sprintf("TransKind(%d)", uint8(k))
}

// TransFlags carry per-request translation hints.
type TransFlags uint32

const (
	// FlagForce requests a new translation even when one already exists.
	FlagForce TransFlags = 1 << iota
	// FlagNoProfile suppresses profiling for the new translation.
	FlagNoProfile
)
