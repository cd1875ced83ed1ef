package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/tcjit/jit"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a tcjit.toml
	dir := t.TempDir()
	tomlContent := `
[jit]
enabled = true
jit-pseudomain = true
code-size = "8MiB"
max-translations = 4
max-stack-depth = 500

[profile]
enabled = false
hot-threshold = 50
opt-lease-wait = "1s"
store = "profile.db"

[server]
listen = ":9000"

[log]
verbosity = 2
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	o := m.RuntimeOptions()
	if !o.Enabled || !o.JitPseudomain {
		t.Errorf("enabled = %v, jit-pseudomain = %v, want both true", o.Enabled, o.JitPseudomain)
	}
	if o.CodeCapacity != 8<<20 {
		t.Errorf("code capacity = %d, want %d", o.CodeCapacity, 8<<20)
	}
	if o.MaxTranslations != 4 {
		t.Errorf("max translations = %d, want 4", o.MaxTranslations)
	}
	if o.MaxStackDepth != 500 {
		t.Errorf("max stack depth = %d, want 500", o.MaxStackDepth)
	}
	if o.Profiling {
		t.Error("profiling = true, want false")
	}
	if o.HotThreshold != 50 {
		t.Errorf("hot threshold = %d, want 50", o.HotThreshold)
	}
	if o.OptLeaseWait != time.Second {
		t.Errorf("opt lease wait = %v, want 1s", o.OptLeaseWait)
	}
	if m.Server.Listen != ":9000" {
		t.Errorf("listen = %q, want :9000", m.Server.Listen)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", m.Log.Verbosity)
	}
	if got, want := m.StorePath(), filepath.Join(m.Dir, "profile.db"); got != want {
		t.Errorf("store path = %q, want %q", got, want)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[jit]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := jit.DefaultOptions()
	o := m.RuntimeOptions()
	if o != def {
		t.Errorf("options = %+v, want defaults %+v", o, def)
	}
	if m.StorePath() != "" {
		t.Errorf("store path = %q, want empty", m.StorePath())
	}
	if m.Server.Listen == "" {
		t.Error("listen address not defaulted")
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want string
	}{
		{"bad size", "[jit]\ncode-size = \"lots\"\n", "code-size"},
		{"zero size", "[jit]\ncode-size = \"0\"\n", "code-size"},
		{"bad duration", "[profile]\nopt-lease-wait = \"soon\"\n", "opt-lease-wait"},
		{"unknown key", "[jit]\nturbo = true\n", "jit.turbo"},
		{"syntax", "[jit\n", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.toml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[log]\nverbosity = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("manifest not found from nested directory")
	}
	if m.Log.Verbosity != 1 {
		t.Errorf("verbosity = %d, want 1", m.Log.Verbosity)
	}
}

func TestFindAndLoadMissing(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m != nil {
		t.Errorf("found manifest in %s, want none", m.Dir)
	}
}

func TestDefault(t *testing.T) {
	if o := Default().RuntimeOptions(); o != jit.DefaultOptions() {
		t.Errorf("Default().RuntimeOptions() = %+v", o)
	}
}
