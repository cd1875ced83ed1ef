package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/jit/jittest"
	"github.com/chazu/tcjit/vm"
)

// workload is a synthetic program run through the translation cache by
// several execution contexts at once.
type workload struct {
	fx    *jittest.Fixture
	funcs []*vm.Func
	raise *vm.Func
}

type workloadResult struct {
	Calls  uint64
	Thrown uint64
}

// newWorkload registers the workload functions on fx:
//
//	add(a, b = <funclet at 50>)  called with one or two arguments
//	id(a)
//	tick()
//	raise()                      throws from its translation
func newWorkload(fx *jittest.Fixture) *workload {
	w := &workload{fx: fx}
	add := fx.Func("add", 2)
	add.Params[1].FuncletOff = 50
	w.funcs = append(w.funcs, add, fx.Func("id", 1), fx.Func("tick", 0))
	w.raise = fx.Func("raise", 0)

	fx.Backend.Body = func(_ *jit.Emitter, ctx *jit.RegionContext, _ jit.TransKind) (jit.Code, error) {
		if ctx.Func != w.raise {
			return nil, nil
		}
		return func(ec *jit.ExecContext) jit.TCA {
			ec.Regs().PC = 1
			ec.Throw("Error", "raised by the workload")
			return 0
		}, nil
	}
	return w
}

// run calls the workload functions iterations times on each of workers
// contexts. Every eighth call goes to raise, whose exception reaches the
// caller whenever the call ran compiled code.
func (w *workload) run(ctx context.Context, workers, iterations int) (workloadResult, error) {
	var calls, thrown atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			ec := w.fx.RT.NewExecContext(gctx)
			for n := 0; n < iterations; n++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if n%8 == 7 {
					_, err := w.fx.RT.Call(ec, w.raise)
					var exn *vm.Exception
					switch {
					case errors.As(err, &exn):
						thrown.Add(1)
					case err != nil:
						return fmt.Errorf("raise: %w", err)
					default:
						// Interpreted while another context held the lease.
						calls.Add(1)
					}
					continue
				}
				fn := w.funcs[n%len(w.funcs)]
				args := []vm.TypedValue{vm.Int(int64(n))}
				if fn.Name == "add" && n%2 == 0 {
					args = append(args, vm.Int(1))
				}
				args = args[:min(len(args), len(fn.Params))]
				if _, err := w.fx.RT.Call(ec, fn, args...); err != nil {
					return fmt.Errorf("%s: %w", fn.Name, err)
				}
				calls.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return workloadResult{Calls: calls.Load(), Thrown: thrown.Load()}, err
}
