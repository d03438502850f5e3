// Package http exposes the pipeline's Prometheus collectors over an HTTP
// server, the way the teacher's metrics.go wires prometheus.MustRegister
// into a promhttp.Handler.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CollectorSource is implemented by every subsystem that exposes its own
// Prometheus collectors: buffer.Buffer, pipeline.Executor,
// peerforwarder.OutboundDispatcher, bulk.Sink, servicemap.ProcessorGroup.
type CollectorSource interface {
	Collectors() []prometheus.Collector
}

// Registry aggregates the Prometheus collectors of every running pipeline
// subsystem behind a single /metrics endpoint.
type Registry struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
	router     *mux.Router
}

// NewRegistry builds a Registry backed by a fresh prometheus.Registry
// rather than the global DefaultRegisterer, so repeated pipeline restarts
// within the same process (as in tests) never collide on duplicate
// collector registration.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registerer: reg,
		gatherer:   reg,
		logger:     log.With().Str("component", "metrics-registry").Logger(),
	}
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	r.router = router
	return r
}

// Register adds a subsystem's collectors to the registry. Called once per
// subsystem at pipeline startup; a collector that is already registered
// (e.g. two pipelines sharing one buffer implementation) is skipped rather
// than treated as fatal.
func (r *Registry) Register(source CollectorSource) {
	for _, c := range source.Collectors() {
		if err := r.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			r.logger.Warn().Err(err).Msg("failed to register collector")
		}
	}
}

func (r *Registry) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the combined /metrics and /health HTTP handler.
func (r *Registry) Handler() http.Handler {
	return r.router
}

// Server wraps an http.Server bound to the Registry's handler, started and
// stopped by the pipeline's main process alongside the executor.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer builds a metrics HTTP server listening on addr (e.g. ":9600").
func NewServer(addr string, registry *Registry) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      registry.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: log.With().Str("component", "metrics-server").Logger(),
	}
}

// Run starts serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("metrics server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
