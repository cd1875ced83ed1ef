package jit

import "time"

// Options configures a Runtime.
type Options struct {
	// Enabled turns the JIT on globally. When false every lookup misses
	// and execution stays in the interpreter.
	Enabled bool
	// JitPseudomain allows translating top-level file bodies.
	JitPseudomain bool

	// CodeBase is the address of the first byte of the code cache.
	CodeBase TCA
	// CodeCapacity is the size of the code cache in bytes.
	CodeCapacity uint64

	// MaxTranslations bounds the number of translations per SrcKey.
	// Zero means unlimited.
	MaxTranslations int
	// MaxFailures is the number of failed translations after which a
	// function is no longer considered for compilation.
	MaxFailures int

	// Profiling enables Profile translations and profile-guided
	// retranslation.
	Profiling bool
	// ProfileThreshold is the number of calls a function spends in
	// profiling translations.
	ProfileThreshold uint64
	// HotThreshold is the call count at which profiled code requests an
	// optimized retranslation.
	HotThreshold uint64
	// OptLeaseWait bounds how long RetranslateOptimized waits for the
	// function's optimized lease.
	OptLeaseWait time.Duration

	// MaxStackDepth is the frame depth at which entering a function
	// raises a stack overflow.
	MaxStackDepth int

	// RingBufferSize is the number of trace entries kept; zero disables
	// tracing.
	RingBufferSize int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Enabled:          true,
		JitPseudomain:    false,
		CodeBase:         0x10000,
		CodeCapacity:     64 << 20,
		MaxTranslations:  12,
		MaxFailures:      8,
		Profiling:        true,
		ProfileThreshold: 100,
		HotThreshold:     1000,
		OptLeaseWait:     50 * time.Millisecond,
		MaxStackDepth:    10000,
		RingBufferSize:   1024,
	}
}

// Option modifies a Runtime under construction.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	opts    Options
	decoder Decoder
	hooks   EventHook
}

// WithOptions replaces the runtime options.
func WithOptions(o Options) Option {
	return func(c *runtimeConfig) {
		c.opts = o
	}
}

// WithDecoder sets the bytecode decoder used for call-skipping and member
// base detection.
func WithDecoder(d Decoder) Option {
	return func(c *runtimeConfig) {
		c.decoder = d
	}
}

// WithEventHook installs the function-entry event hook.
func WithEventHook(h EventHook) Option {
	return func(c *runtimeConfig) {
		c.hooks = h
	}
}
