// Package server exposes a running JIT over HTTP: Connect/gRPC
// introspection handlers, the gRPC health protocol and a CBOR snapshot
// download.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/jit/tcdump"
	"github.com/chazu/tcjit/profstore"
)

var log = commonlog.GetLogger("tcjit.server")

// CacheServiceName is the health service reporting whether the translation
// cache can accept new translations.
const CacheServiceName = "tcjit.v1.TranslationCache"

// SnapshotPath serves the CBOR snapshot of the runtime.
const SnapshotPath = "/debug/tcdump"

// Server wraps a running JIT. It serves both gRPC (binary protobuf) and
// Connect (HTTP/JSON) on the same port.
type Server struct {
	rt     *jit.Runtime
	mux    *http.ServeMux
	grpc   *grpc.Server
	health *health.Server
	cfg    *serverConfig

	mu   sync.Mutex
	http *http.Server
	stop chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	store          *profstore.Store
	healthInterval time.Duration
	minFreeCode    uint64
}

// WithProfileStore enables the SaveProfiles procedure.
func WithProfileStore(s *profstore.Store) ServerOption {
	return func(c *serverConfig) { c.store = s }
}

// WithHealthInterval sets how often the cache health status is refreshed
// while serving.
func WithHealthInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.healthInterval = d }
}

// WithMinFreeCode sets the free code cache space below which the cache
// service reports NOT_SERVING.
func WithMinFreeCode(n uint64) ServerOption {
	return func(c *serverConfig) { c.minFreeCode = n }
}

// New creates a Server for rt.
func New(rt *jit.Runtime, opts ...ServerOption) *Server {
	cfg := &serverConfig{
		healthInterval: 5 * time.Second,
		minFreeCode:    64 << 10,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		rt:     rt,
		mux:    http.NewServeMux(),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		cfg:    cfg,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(IntrospectionServiceName, healthpb.HealthCheckResponse_SERVING)
	s.RefreshHealth()

	// Register Connect/gRPC service handlers
	svc := NewIntrospectionService(rt, cfg.store)
	s.mux.Handle(StatsProcedure, connect.NewUnaryHandler(StatsProcedure, svc.Stats))
	s.mux.Handle(DescribeProcedure, connect.NewUnaryHandler(DescribeProcedure, svc.Describe))
	s.mux.Handle(SrcRecsProcedure, connect.NewUnaryHandler(SrcRecsProcedure, svc.SrcRecs))
	s.mux.Handle(TopFuncsProcedure, connect.NewUnaryHandler(TopFuncsProcedure, svc.TopFuncs))
	s.mux.Handle(SaveProfilesProcedure, connect.NewUnaryHandler(SaveProfilesProcedure, svc.SaveProfiles))
	s.mux.Handle("/"+healthpb.Health_ServiceDesc.ServiceName+"/", s.grpc)
	s.mux.HandleFunc(SnapshotPath, s.serveSnapshot)
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler { return s.mux }

// Health returns the gRPC health server.
func (s *Server) Health() *health.Server { return s.health }

// RefreshHealth recomputes the translation cache status.
func (s *Server) RefreshHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if !s.rt.Options().Enabled || !s.rt.CodeCache().HasRoom(s.cfg.minFreeCode) {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(CacheServiceName, status)
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := tcdump.Marshal(tcdump.Capture(s.rt))
	if err != nil {
		log.Errorf("snapshot: %s", err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(data)
}

// ListenAndServe starts the HTTP server on the given address. The address
// should be in the form "host:port" or ":port". It returns after Stop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. HTTP/2 without TLS is enabled so gRPC
// clients can connect directly.
func (s *Server) Serve(ln net.Listener) error {
	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	srv := &http.Server{Handler: s.mux, Protocols: protocols}

	s.mu.Lock()
	if s.http != nil {
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	s.http = srv
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	go s.refreshLoop(stop)

	addr := ln.Addr().String()
	log.Noticef("tcjit introspection listening on %s", addr)
	log.Infof("  Connect (HTTP/JSON): http://%s%s", addr, StatsProcedure)
	log.Infof("  gRPC health:         grpc://%s", addr)

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) refreshLoop(stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.healthInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.RefreshHealth()
		case <-stop:
			return
		}
	}
}

// Stop shuts down the server, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	s.mu.Lock()
	srv, stop := s.http, s.stop
	s.http, s.stop = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	close(stop)
	return srv.Shutdown(ctx)
}
