// Package manifest handles tcjit.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"github.com/chazu/tcjit/jit"
)

// FileName is the name of the configuration file.
const FileName = "tcjit.toml"

// Manifest represents a tcjit.toml configuration.
type Manifest struct {
	JIT     JITConfig     `toml:"jit"`
	Profile ProfileConfig `toml:"profile"`
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`

	// Dir is the directory containing the tcjit.toml file (set at load time).
	Dir string `toml:"-"`
}

// JITConfig configures translation and the code cache.
type JITConfig struct {
	Enabled         *bool  `toml:"enabled"`
	JitPseudomain   bool   `toml:"jit-pseudomain"`
	CodeBase        uint64 `toml:"code-base"`
	CodeSize        string `toml:"code-size"` // e.g. "64MiB"
	MaxTranslations int    `toml:"max-translations"`
	MaxFailures     int    `toml:"max-failures"`
	MaxStackDepth   int    `toml:"max-stack-depth"`
	RingBuffer      int    `toml:"ring-buffer"`
}

// ProfileConfig configures profiling and profile-guided retranslation.
type ProfileConfig struct {
	Enabled          *bool  `toml:"enabled"`
	ProfileThreshold uint64 `toml:"profile-threshold"`
	HotThreshold     uint64 `toml:"hot-threshold"`
	OptLeaseWait     string `toml:"opt-lease-wait"` // e.g. "50ms"
	// Store is the sqlite database holding call counts across runs,
	// relative to Dir. Empty disables persistence.
	Store string `toml:"store"`
}

// ServerConfig configures the introspection server.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Load parses a tcjit.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes a configuration document and applies defaults. Sizes and
// durations are validated here so later conversions cannot fail.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	// Defaults
	if m.JIT.CodeSize == "" {
		m.JIT.CodeSize = "64MiB"
	}
	if m.Profile.OptLeaseWait == "" {
		m.Profile.OptLeaseWait = "50ms"
	}
	if m.Server.Listen == "" {
		m.Server.Listen = "127.0.0.1:7411"
	}

	if _, err := m.codeCapacity(); err != nil {
		return nil, err
	}
	if _, err := m.optLeaseWait(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a tcjit.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) codeCapacity() (uint64, error) {
	n, err := units.RAMInBytes(m.JIT.CodeSize)
	if err != nil {
		return 0, fmt.Errorf("jit.code-size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("jit.code-size: must be positive, got %q", m.JIT.CodeSize)
	}
	return uint64(n), nil
}

func (m *Manifest) optLeaseWait() (time.Duration, error) {
	d, err := time.ParseDuration(m.Profile.OptLeaseWait)
	if err != nil {
		return 0, fmt.Errorf("profile.opt-lease-wait: %w", err)
	}
	return d, nil
}

// RuntimeOptions converts the configuration into runtime options. Unset
// values keep their jit.DefaultOptions value.
func (m *Manifest) RuntimeOptions() jit.Options {
	o := jit.DefaultOptions()
	if m.JIT.Enabled != nil {
		o.Enabled = *m.JIT.Enabled
	}
	o.JitPseudomain = m.JIT.JitPseudomain
	if m.JIT.CodeBase != 0 {
		o.CodeBase = jit.TCA(m.JIT.CodeBase)
	}
	if n, err := m.codeCapacity(); err == nil {
		o.CodeCapacity = n
	}
	if m.JIT.MaxTranslations > 0 {
		o.MaxTranslations = m.JIT.MaxTranslations
	}
	if m.JIT.MaxFailures > 0 {
		o.MaxFailures = m.JIT.MaxFailures
	}
	if m.JIT.MaxStackDepth > 0 {
		o.MaxStackDepth = m.JIT.MaxStackDepth
	}
	if m.JIT.RingBuffer > 0 {
		o.RingBufferSize = m.JIT.RingBuffer
	}

	if m.Profile.Enabled != nil {
		o.Profiling = *m.Profile.Enabled
	}
	if m.Profile.ProfileThreshold > 0 {
		o.ProfileThreshold = m.Profile.ProfileThreshold
	}
	if m.Profile.HotThreshold > 0 {
		o.HotThreshold = m.Profile.HotThreshold
	}
	if d, err := m.optLeaseWait(); err == nil {
		o.OptLeaseWait = d
	}
	return o
}

// StorePath returns the absolute path of the profile store, or "" when
// persistence is disabled.
func (m *Manifest) StorePath() string {
	if m.Profile.Store == "" {
		return ""
	}
	if filepath.IsAbs(m.Profile.Store) {
		return m.Profile.Store
	}
	return filepath.Join(m.Dir, m.Profile.Store)
}

// Default returns the configuration used when no tcjit.toml is found.
func Default() *Manifest {
	m, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("manifest: default configuration: %v", err))
	}
	return m
}
