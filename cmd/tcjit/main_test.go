package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/tcjit/jit/jittest"
	"github.com/chazu/tcjit/jit/tcdump"
	"github.com/chazu/tcjit/manifest"
	"github.com/chazu/tcjit/profstore"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte("[jit]\nmax-translations = 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{dir, filepath.Join(dir, manifest.FileName)} {
		m, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig(%s): %v", path, err)
		}
		if m.JIT.MaxTranslations != 3 {
			t.Errorf("loadConfig(%s): max-translations = %d, want 3", path, m.JIT.MaxTranslations)
		}
	}

	if _, err := loadConfig(filepath.Join(dir, "other.toml")); err == nil {
		t.Error("expected error for a differently named config file")
	}
	if _, err := loadConfig(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for a missing config directory")
	}
}

func TestWorkload(t *testing.T) {
	fx := jittest.New(t)
	w := newWorkload(fx)

	res, err := w.run(context.Background(), 4, 40)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Calls+res.Thrown != 4*40 {
		t.Errorf("calls %d + thrown %d, want 160", res.Calls, res.Thrown)
	}
	if res.Thrown == 0 || res.Thrown > 4*5 {
		t.Errorf("thrown = %d, want between 1 and 20", res.Thrown)
	}
	for _, fn := range w.funcs {
		if n := fx.Backend.Count("translate", jittest.SrcKey(fn, 0)); n != 1 {
			t.Errorf("%s entry translated %d times, want 1", fn.Name, n)
		}
	}
	if st := fx.RT.Stats(); st.NativeResumes != res.Thrown {
		t.Errorf("native resumes = %d, want %d", st.NativeResumes, res.Thrown)
	}
}

func TestWorkloadCancelled(t *testing.T) {
	fx := jittest.New(t)
	w := newWorkload(fx)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.run(ctx, 2, 10); err == nil {
		t.Error("expected error from a cancelled run")
	}
}

func TestRunWithStoreAndDump(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "profiles.db")
	dumpPath := filepath.Join(dir, "tc.cbor")
	cfg, err := manifest.Parse([]byte(fmt.Sprintf("[profile]\nstore = %q\n", dbPath)))
	if err != nil {
		t.Fatal(err)
	}

	if err := run(cfg, 2, 16, dumpPath, false, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap, err := tcdump.ReadFile(dumpPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(snap.Funcs) != 4 {
		t.Errorf("snapshot has %d funcs, want 4", len(snap.Funcs))
	}

	store, err := profstore.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	p, err := store.Get(context.Background(), "tick")
	if err != nil {
		t.Fatalf("Get(tick): %v", err)
	}
	if p.Calls == 0 {
		t.Error("tick has no stored calls")
	}

	// A second run starts from the stored counts.
	if err := run(cfg, 1, 8, "", false, false); err != nil {
		t.Fatalf("second run: %v", err)
	}
	p2, err := store.Get(context.Background(), "tick")
	if err != nil {
		t.Fatal(err)
	}
	if p2.Calls <= p.Calls {
		t.Errorf("tick calls after second run = %d, want more than %d", p2.Calls, p.Calls)
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	if err := run(manifest.Default(), 0, 10, "", false, false); err == nil {
		t.Error("expected error for zero workers")
	}
}
