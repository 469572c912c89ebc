package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/dotsetgreg/priya/pkg/providers"
	"github.com/dotsetgreg/priya/pkg/scheduler"
)

// Fleet is the registry surface the endpoints report on.
type Fleet interface {
	Available() []providers.Candidate
	Snapshot() []providers.ProviderEntry
}

// Pinger reports whether the memory store is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router    *chi.Mux
	srv       *http.Server
	fleet     Fleet
	store     Pinger
	bus       *bus.MessageBus
	scheduler *scheduler.Scheduler
	started   time.Time
}

type Option func(*Server)

func WithFleet(f Fleet) Option { return func(s *Server) { s.fleet = f } }

func WithStore(p Pinger) Option { return func(s *Server) { s.store = p } }

func WithBus(mb *bus.MessageBus) Option { return func(s *Server) { s.bus = mb } }

func WithScheduler(sc *scheduler.Scheduler) Option {
	return func(s *Server) { s.scheduler = sc }
}

// NewServer builds the gateway's HTTP surface: /health, /ready,
// /providers and /jobs.
func NewServer(host string, port int, opts ...Option) *Server {
	r := chi.NewRouter()
	s := &Server{router: r, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}

	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/providers", s.handleProviders)
	r.Get("/jobs", s.handleJobs)

	s.srv = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Addr() string { return s.srv.Addr }

// Start blocks serving until Stop. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start() error {
	logger.InfoCF("health", "Health server listening", map[string]any{"addr": s.srv.Addr})
	return s.srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown health server: %w", err)
	}
	return nil
}

func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			logger.DebugCF("health", "access", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("health", "Response encode failed", map[string]any{"error": err})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.bus != nil {
		resp["bus"] = s.bus.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type readiness struct {
	Ready     bool   `json:"ready"`
	Providers int    `json:"available_providers"`
	Memory    string `json:"memory"`
	Reason    string `json:"reason,omitempty"`
}

// handleReady reports ready when the store answers and at least one
// provider is admissible.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rd := readiness{Ready: true, Memory: "ok"}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			rd.Ready = false
			rd.Memory = "unavailable"
			rd.Reason = err.Error()
		}
	}
	if s.fleet != nil {
		rd.Providers = len(s.fleet.Available())
		if rd.Providers == 0 {
			rd.Ready = false
			if rd.Reason == "" {
				rd.Reason = "no available providers"
			}
		}
	}
	status := http.StatusOK
	if !rd.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rd)
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	if s.fleet == nil {
		writeJSON(w, http.StatusOK, []providers.ProviderEntry{})
		return
	}
	writeJSON(w, http.StatusOK, s.fleet.Snapshot())
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, []scheduler.JobState{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.States())
}
