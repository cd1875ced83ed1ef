// tcjit CLI - runs a synthetic concurrent workload through the translation
// cache and reports, dumps or serves the resulting state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/jit/jittest"
	"github.com/chazu/tcjit/jit/tcdump"
	"github.com/chazu/tcjit/manifest"
	"github.com/chazu/tcjit/profstore"
	"github.com/chazu/tcjit/server"
)

var log = commonlog.GetLogger("tcjit")

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configPath := flag.String("config", "", "Path to tcjit.toml (default: search upwards from the working directory)")
	workers := flag.Int("workers", 4, "Number of concurrent execution contexts")
	iterations := flag.Int("iterations", 1000, "Calls per execution context")
	dumpPath := flag.String("dump", "", "Write a CBOR snapshot of the translation cache to this file")
	serveMode := flag.Bool("serve", false, "Serve introspection (Connect + gRPC health) after the workload")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tcjit [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a synthetic workload through the JIT translation cache.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tcjit -workers 8 -iterations 5000   # Larger run\n")
		fmt.Fprintf(os.Stderr, "  tcjit -dump tc.cbor                 # Snapshot the cache\n")
		fmt.Fprintf(os.Stderr, "  tcjit -serve -config ./tcjit.toml   # Run, then serve on [server] listen\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	verbosity := cfg.Log.Verbosity
	if *verbose && verbosity < 3 {
		verbosity = 3
	}
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(verbosity, logFile)

	if err := run(cfg, *workers, *iterations, *dumpPath, *serveMode, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration at path, which may name a tcjit.toml
// file or its directory. Without a path it searches upwards from the
// working directory and falls back to the defaults.
func loadConfig(path string) (*manifest.Manifest, error) {
	if path == "" {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			return nil, err
		}
		if m == nil {
			return manifest.Default(), nil
		}
		return m, nil
	}
	if strings.HasSuffix(path, ".toml") {
		if filepath.Base(path) != manifest.FileName {
			return nil, fmt.Errorf("config file must be named %s, got %s", manifest.FileName, path)
		}
		path = filepath.Dir(path)
	}
	return manifest.Load(path)
}

func run(cfg *manifest.Manifest, workers, iterations int, dumpPath string, serve, verbose bool) error {
	if workers <= 0 || iterations < 0 {
		return errors.New("workers must be positive and iterations non-negative")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.RuntimeOptions()
	fx, err := jittest.NewFixture(func(o *jit.Options) { *o = opts })
	if err != nil {
		return err
	}
	rt := fx.RT
	w := newWorkload(fx)

	var store *profstore.Store
	if path := cfg.StorePath(); path != "" {
		store, err = profstore.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := store.Seed(ctx, rt)
		if err != nil {
			return err
		}
		log.Infof("seeded %d profiles from %s", n, path)
	}

	start := time.Now()
	res, err := w.run(ctx, workers, iterations)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	st := rt.Stats()
	fmt.Printf("runtime %s: %d calls (%d thrown) on %d contexts in %s\n",
		rt.ID(), res.Calls, res.Thrown, workers, elapsed.Round(time.Millisecond))
	fmt.Printf("  translations %d, failures %d, smashes %d, interpreted blocks %d\n",
		st.Translations, st.Failures, st.Smashes, st.InterpBBs)
	fmt.Printf("  code cache %s of %s in %d regions\n",
		units.BytesSize(float64(st.CodeUsed)), units.BytesSize(float64(st.CodeCapacity)), st.Regions)
	if verbose {
		for _, k := range []string{"BIND_JMP", "BIND_ADDR", "RETRANSLATE", "RETRANSLATE_OPT", "POST_INTERP_RET"} {
			fmt.Printf("  %-16s %d\n", k, st.Requests[k])
		}
		for _, c := range rt.Profiler().Top(5) {
			fmt.Printf("  %-8s %d calls\n", rt.Funcs().Lookup(c.Func).Name, c.Calls)
		}
	}

	if store != nil {
		n, err := store.Save(ctx, rt)
		if err != nil {
			return err
		}
		log.Infof("saved %d profiles to %s", n, store.Path())
	}

	if dumpPath != "" {
		if err := tcdump.WriteFile(dumpPath, rt); err != nil {
			return err
		}
		fmt.Printf("Wrote snapshot to %s\n", dumpPath)
	}

	if serve {
		var srvOpts []server.ServerOption
		if store != nil {
			srvOpts = append(srvOpts, server.WithProfileStore(store))
		}
		srv := server.New(rt, srvOpts...)
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe(cfg.Server.Listen) }()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return err
		}
		<-errc
	}

	return rt.Close()
}
