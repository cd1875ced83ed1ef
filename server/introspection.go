package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"connectrpc.com/connect"
	"github.com/docker/go-units"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/profstore"
	"github.com/chazu/tcjit/vm"
)

// Procedure names of the introspection service.
const (
	IntrospectionServiceName = "tcjit.v1.IntrospectionService"

	StatsProcedure        = "/" + IntrospectionServiceName + "/Stats"
	DescribeProcedure     = "/" + IntrospectionServiceName + "/Describe"
	SrcRecsProcedure      = "/" + IntrospectionServiceName + "/SrcRecs"
	TopFuncsProcedure     = "/" + IntrospectionServiceName + "/TopFuncs"
	SaveProfilesProcedure = "/" + IntrospectionServiceName + "/SaveProfiles"
)

// IntrospectionService answers read-only queries about a running JIT.
// Messages are google.protobuf.Struct documents.
type IntrospectionService struct {
	rt    *jit.Runtime
	store *profstore.Store
}

// NewIntrospectionService creates an IntrospectionService. store may be nil.
func NewIntrospectionService(rt *jit.Runtime, store *profstore.Store) *IntrospectionService {
	return &IntrospectionService{rt: rt, store: store}
}

// Stats returns the runtime counters.
func (s *IntrospectionService) Stats(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	st := s.rt.Stats()
	requests := make(map[string]any, len(st.Requests))
	for k, v := range st.Requests {
		requests[k] = v
	}
	return structResponse(map[string]any{
		"runtime":        s.rt.ID().String(),
		"translations":   st.Translations,
		"failures":       st.Failures,
		"optFailures":    st.OptFailures,
		"requests":       requests,
		"smashes":        st.Smashes,
		"stubsFreed":     st.StubsFreed,
		"interpBBs":      st.InterpBBs,
		"unwinds":        st.Unwinds,
		"catches":        st.Catches,
		"nativeResumes":  st.NativeResumes,
		"leaseAcquired":  st.LeaseAcquired,
		"leaseContended": st.LeaseContended,
		"srcRecs":        st.SrcRecs,
		"regions":        st.Regions,
		"codeUsed":       st.CodeUsed,
		"codeCapacity":   st.CodeCapacity,
		"codeReclaimed":  st.CodeReclaimed,
		"codeUsedHuman":  units.BytesSize(float64(st.CodeUsed)),
		"pendingFrees":   st.PendingFrees,
		"profiledFuncs":  st.Profiler.Funcs,
		"hotFuncs":       st.Profiler.HotFuncs,
		"optimizedFuncs": st.Profiler.Optimized,
	})
}

// Describe names the code at an address. The request carries "addr" as a
// number or as a string in any base strconv accepts ("0x10040").
func (s *IntrospectionService) Describe(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	v, ok := req.Msg.GetFields()["addr"]
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("addr is required"))
	}
	addr, err := parseAddr(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	out := map[string]any{
		"addr": addr.String(),
		"name": s.rt.Describe(addr),
	}
	if info, ok := s.rt.Stubs().Lookup(addr); ok {
		out["kind"] = "Stub"
		out["convention"] = info.Convention.String()
		out["context"] = info.Context.String()
		reached := make([]any, len(info.ReachedFrom))
		for i, r := range info.ReachedFrom {
			reached[i] = r
		}
		out["reachedFrom"] = reached
	} else if r := s.rt.CodeCache().Lookup(addr); r != nil {
		out["kind"] = r.Kind.String()
		out["start"] = r.Start.String()
		out["srcKey"] = r.SrcKey.String()
	} else {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no code at %s", addr))
	}
	return structResponse(out)
}

// SrcRecs lists translations. An optional "func" field restricts the
// listing to one function by name.
func (s *IntrospectionService) SrcRecs(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	var only *vm.Func
	if name := req.Msg.GetFields()["func"].GetStringValue(); name != "" {
		for _, fn := range s.rt.Funcs().All() {
			if fn.Name == name {
				only = fn
				break
			}
		}
		if only == nil {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("function %q not found", name))
		}
	}

	var recs []any
	for _, sr := range s.rt.SrcDB().All() {
		sk := sr.SrcKey()
		if only != nil && sk.Func != only.ID {
			continue
		}
		var trs []any
		for _, tr := range sr.Translations() {
			trs = append(trs, map[string]any{
				"id":    tr.ID,
				"kind":  tr.Kind.String(),
				"start": tr.Start.String(),
				"size":  tr.Size,
			})
		}
		recs = append(recs, map[string]any{
			"srcKey":       sk.String(),
			"func":         s.funcName(sk.Func),
			"incoming":     sr.IncomingBranches(),
			"translations": trs,
		})
	}
	return structResponse(map[string]any{"srcRecs": recs})
}

// TopFuncs returns the most frequently called functions. "n" defaults to 10.
func (s *IntrospectionService) TopFuncs(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	n := 10
	if v, ok := req.Msg.GetFields()["n"]; ok {
		n = int(v.GetNumberValue())
		if n <= 0 {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("n must be positive"))
		}
	}
	var funcs []any
	for _, c := range s.rt.Profiler().Top(n) {
		funcs = append(funcs, map[string]any{
			"func":      s.funcName(c.Func),
			"calls":     c.Calls,
			"optimized": s.rt.Profiler().IsOptimized(c.Func),
		})
	}
	return structResponse(map[string]any{"funcs": funcs})
}

// SaveProfiles writes the profile counters to the configured store.
func (s *IntrospectionService) SaveProfiles(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if s.store == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no profile store configured"))
	}
	n, err := s.store.Save(ctx, s.rt)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return structResponse(map[string]any{"saved": n, "path": s.store.Path()})
}

func (s *IntrospectionService) funcName(id vm.FuncID) string {
	if fn := s.rt.Funcs().Lookup(id); fn != nil && fn.Name != "" {
		return fn.Name
	}
	return fmt.Sprintf("f%d", id)
}

func parseAddr(v *structpb.Value) (jit.TCA, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 {
			return 0, fmt.Errorf("addr must not be negative")
		}
		return jit.TCA(k.NumberValue), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(strings.TrimSpace(k.StringValue), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad addr %q: %w", k.StringValue, err)
		}
		return jit.TCA(n), nil
	}
	return 0, fmt.Errorf("addr must be a number or a string")
}

func structResponse(m map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}
