// Package telemetry serves the debug HTTP endpoints: Prometheus metrics, a
// JSON snapshot of the running session, and the host's trust controls.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronologos/govr/internal/auth"
)

const shutdownTimeout = 5 * time.Second

// Options configures the debug server. Snapshot and Trust are optional.
type Options struct {
	Addr     string
	Gatherer prometheus.Gatherer
	Snapshot func() any
	Trust    *auth.TrustList // host only
	Log      *slog.Logger
}

// Server is the debug HTTP server.
type Server struct {
	opts Options
	log  *slog.Logger
	srv  *http.Server
}

// New builds the server without binding.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{opts: opts, log: log.With("component", "telemetry")}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.Snapshot != nil {
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.opts.Snapshot())
		})
	}
	if s.opts.Trust != nil {
		r.Get("/trust", s.listPending)
		r.Post("/trust/{hostname}", s.approve)
		r.Delete("/trust/{hostname}", s.revoke)
	}
	return r
}

func (s *Server) listPending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"pending": s.opts.Trust.Pending()})
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "hostname")
	s.opts.Trust.Approve(host)
	s.log.Info("headset approved", "hostname", host)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "hostname")
	s.opts.Trust.Revoke(host)
	s.log.Info("headset revoked", "hostname", host)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("telemetry listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("debug server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("telemetry: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	<-errCh
	return nil
}
