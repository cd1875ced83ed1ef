package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/jit/jittest"
	"github.com/chazu/tcjit/jit/tcdump"
	"github.com/chazu/tcjit/profstore"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure
// ---------------------------------------------------------------------------

type testEnv struct {
	fx  *jittest.Fixture
	srv *Server
	url string
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	fx := jittest.New(t)
	f := fx.Func("f", 0)
	g := fx.Func("g", 0)
	ec := fx.Context()
	for i := 0; i < 3; i++ {
		if _, err := fx.RT.Call(ec, f); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := fx.RT.Call(ec, g); err != nil {
		t.Fatal(err)
	}

	srv := New(fx.RT, opts...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{fx: fx, srv: srv, url: hs.URL}
}

func (e *testEnv) call(procedure string, fields map[string]any) (*structpb.Struct, error) {
	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, e.url+procedure)
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) || cerr.Code() != code {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

// ---------------------------------------------------------------------------
// Introspection procedures
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.call(StatsProcedure, nil)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	fields := msg.GetFields()
	if got := fields["runtime"].GetStringValue(); got != env.fx.RT.ID().String() {
		t.Errorf("runtime = %q, want %q", got, env.fx.RT.ID())
	}
	if got := fields["translations"].GetNumberValue(); got < 2 {
		t.Errorf("translations = %v, want at least 2", got)
	}
	if fields["codeUsedHuman"].GetStringValue() == "" {
		t.Error("codeUsedHuman missing")
	}
	if _, ok := fields["requests"].GetStructValue().GetFields()["BIND_JMP"]; !ok {
		t.Error("requests missing BIND_JMP")
	}
}

func TestDescribe_Stub(t *testing.T) {
	env := newTestEnv(t)
	addr := env.fx.RT.Stubs().Addr(jit.StubRetHelper)

	msg, err := env.call(DescribeProcedure, map[string]any{"addr": addr.String()})
	if err != nil {
		t.Fatalf("Describe returned error: %v", err)
	}
	fields := msg.GetFields()
	if fields["name"].GetStringValue() != "retHelper" {
		t.Errorf("name = %q, want retHelper", fields["name"].GetStringValue())
	}
	if fields["kind"].GetStringValue() != "Stub" {
		t.Errorf("kind = %q, want Stub", fields["kind"].GetStringValue())
	}
	if fields["convention"].GetStringValue() == "" {
		t.Error("convention missing")
	}
}

func TestDescribe_Translation(t *testing.T) {
	env := newTestEnv(t)
	f := env.fx.RT.Funcs().All()[0]
	start := env.fx.RT.SrcDB().Find(jittest.SrcKey(f, 0)).Top()

	msg, err := env.call(DescribeProcedure, map[string]any{"addr": float64(start + 4)})
	if err != nil {
		t.Fatalf("Describe returned error: %v", err)
	}
	fields := msg.GetFields()
	if fields["start"].GetStringValue() != start.String() {
		t.Errorf("start = %q, want %s", fields["start"].GetStringValue(), start)
	}
	if fields["srcKey"].GetStringValue() != jittest.SrcKey(f, 0).String() {
		t.Errorf("srcKey = %q", fields["srcKey"].GetStringValue())
	}
}

func TestDescribe_Errors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.call(DescribeProcedure, nil)
	wantCode(t, err, connect.CodeInvalidArgument)

	_, err = env.call(DescribeProcedure, map[string]any{"addr": "zzz"})
	wantCode(t, err, connect.CodeInvalidArgument)

	_, err = env.call(DescribeProcedure, map[string]any{"addr": "0x1"})
	wantCode(t, err, connect.CodeNotFound)
}

func TestSrcRecs(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.call(SrcRecsProcedure, map[string]any{"func": "f"})
	if err != nil {
		t.Fatalf("SrcRecs returned error: %v", err)
	}
	recs := msg.GetFields()["srcRecs"].GetListValue().GetValues()
	if len(recs) == 0 {
		t.Fatal("no SrcRecs for f")
	}
	for _, r := range recs {
		if name := r.GetStructValue().GetFields()["func"].GetStringValue(); name != "f" {
			t.Errorf("SrcRec of %q in a listing for f", name)
		}
	}

	all, err := env.call(SrcRecsProcedure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(all.GetFields()["srcRecs"].GetListValue().GetValues()); n != env.fx.RT.SrcDB().Len() {
		t.Errorf("listed %d SrcRecs, want %d", n, env.fx.RT.SrcDB().Len())
	}

	_, err = env.call(SrcRecsProcedure, map[string]any{"func": "nope"})
	wantCode(t, err, connect.CodeNotFound)
}

func TestTopFuncs(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.call(TopFuncsProcedure, map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("TopFuncs returned error: %v", err)
	}
	funcs := msg.GetFields()["funcs"].GetListValue().GetValues()
	if len(funcs) != 1 {
		t.Fatalf("got %d funcs, want 1", len(funcs))
	}
	top := funcs[0].GetStructValue().GetFields()
	if top["func"].GetStringValue() != "f" || top["calls"].GetNumberValue() != 3 {
		t.Errorf("top = %v", top)
	}

	_, err = env.call(TopFuncsProcedure, map[string]any{"n": 0})
	wantCode(t, err, connect.CodeInvalidArgument)
}

func TestSaveProfiles(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.call(SaveProfilesProcedure, nil)
	wantCode(t, err, connect.CodeFailedPrecondition)

	store, err := profstore.Open(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	env = newTestEnv(t, WithProfileStore(store))
	msg, err := env.call(SaveProfilesProcedure, nil)
	if err != nil {
		t.Fatalf("SaveProfiles returned error: %v", err)
	}
	if n := msg.GetFields()["saved"].GetNumberValue(); n != 2 {
		t.Errorf("saved = %v, want 2", n)
	}
	if p, err := store.Get(context.Background(), "f"); err != nil || p.Calls != 3 {
		t.Errorf("stored f = %+v, %v", p, err)
	}
}

// ---------------------------------------------------------------------------
// Health and snapshot
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for _, svc := range []string{"", IntrospectionServiceName, CacheServiceName} {
		resp, err := env.srv.Health().Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("Check(%q): %v", svc, err)
		}
		if resp.Status != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("Check(%q) = %s, want SERVING", svc, resp.Status)
		}
	}

	full := New(env.fx.RT, WithMinFreeCode(env.fx.RT.CodeCache().Capacity()+1))
	resp, err := full.Health().Check(ctx, &healthpb.HealthCheckRequest{Service: CacheServiceName})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("cache without room = %s, want NOT_SERVING", resp.Status)
	}
}

func TestHealth_JITDisabled(t *testing.T) {
	fx := jittest.New(t, func(o *jit.Options) { o.Enabled = false })
	resp, err := New(fx.RT).Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: CacheServiceName})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %s, want NOT_SERVING", resp.Status)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + SnapshotPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/cbor" {
		t.Errorf("content type = %q", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := tcdump.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.RuntimeID != env.fx.RT.ID().String() {
		t.Errorf("snapshot of runtime %s", snap.RuntimeID)
	}

	post, err := http.Post(env.url+SnapshotPath, "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", post.StatusCode)
	}
}

func TestServeGRPCHealthAndStop(t *testing.T) {
	fx := jittest.New(t)
	srv := New(fx.RT, WithHealthInterval(10*time.Millisecond))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: CacheServiceName})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %s, want SERVING", resp.Status)
	}

	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
