// Package server exposes a running code cache over the network: Connect
// diagnostics handlers (HTTP/JSON and gRPC on the same port), Prometheus
// metrics and a gRPC health service that follows the safepoint pump.
package server

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chazu/codecache/journal"
	"github.com/chazu/codecache/vm"
)

var log = commonlog.GetLogger("codecache.server")

// PumpService is the health service name tracking the safepoint pump.
const PumpService = "codecache.Pump"

// Server wraps a runtime with its diagnostics surfaces.
type Server struct {
	rt     *vm.Runtime
	mux    *http.ServeMux
	health *health.Server
	grpc   *grpc.Server

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	journal        *journal.Journal
	healthInterval time.Duration
}

// WithJournal enables the RecentSweeps handler.
func WithJournal(j *journal.Journal) ServerOption {
	return func(c *serverConfig) { c.journal = j }
}

// WithHealthInterval sets how often pump liveness is polled.
func WithHealthInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.healthInterval = d }
}

// New creates a Server for rt.
func New(rt *vm.Runtime, opts ...ServerOption) *Server {
	cfg := &serverConfig{healthInterval: time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		rt:     rt,
		mux:    http.NewServeMux(),
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
		stop:   make(chan struct{}),
	}

	diag := NewDiagnosticsService(rt, cfg.journal)
	for path, h := range diag.Handlers() {
		s.mux.Handle(path, h)
	}
	s.mux.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer(), promhttp.HandlerOpts{}))

	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.updateHealth()
	s.wg.Add(1)
	go s.watchPump(cfg.healthInterval)

	return s
}

// Handler returns the HTTP handler serving Connect and /metrics.
func (s *Server) Handler() http.Handler { return s.mux }

// Health returns the health service.
func (s *Server) Health() healthpb.HealthServer { return s.health }

// ListenAndServe serves Connect and metrics on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	log.Noticef("diagnostics listening on %s", addr)
	log.Infof("  Connect (HTTP/JSON): http://%s%s", addr, SnapshotProcedure)
	log.Infof("  metrics:             http://%s/metrics", addr)
	return http.ListenAndServe(addr, s.mux)
}

// ServeGRPC serves the health service on lis until Stop.
func (s *Server) ServeGRPC(lis net.Listener) error {
	log.Noticef("health service listening on %s", lis.Addr())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop shuts down the health watcher and the gRPC server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}

func (s *Server) watchPump(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.updateHealth()
		}
	}
}

// updateHealth maps pump liveness to serving status. The overall status
// follows the pump since nothing retires code without it.
func (s *Server) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.rt.Pump().Running() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(PumpService, status)
	s.health.SetServingStatus("", status)
}
