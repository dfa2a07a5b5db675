// Package admin serves an HTTP API for inspecting and driving a running
// module context.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/modhub"
	"github.com/GoCodeAlone/modhub/journal"
	"github.com/GoCodeAlone/modhub/metrics"
	"github.com/GoCodeAlone/modhub/scheduler"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultJournalLimit = 50
	maxEventBody        = 1 << 20
)

// Runtime is the part of *modhub.GlobalModuleContext the API drives.
type Runtime interface {
	Modules() []modhub.ModuleInfo
	Module(id string) (modhub.ModuleInfo, bool)
	ActivateModule(id string) error
	DeactivateModule(id string) error
	UnloadModule(ctx context.Context, id string) error
	Listeners(eventID string) []string
	TriggerEvent(ctx context.Context, event *modhub.Event) bool
	Stats() modhub.ContextStats
	GetObservers() []modhub.ObserverInfo
}

// Schedules is implemented by *scheduler.Scheduler.
type Schedules interface {
	Entries() []scheduler.Entry
	RunNow(id string) (bool, error)
}

// Journal is implemented by *journal.Journal.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Record, error)
}

// Server is the admin API. It implements http.Handler.
type Server struct {
	runtime   Runtime
	schedules Schedules
	journal   Journal
	logger    modhub.Logger
	namespace string
	registry  *prometheus.Registry
	router    chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger modhub.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedules exposes scheduled events under /schedules.
func WithSchedules(schedules Schedules) Option {
	return func(s *Server) {
		s.schedules = schedules
	}
}

// WithJournal exposes recorded notifications under /journal.
func WithJournal(j Journal) Option {
	return func(s *Server) {
		s.journal = j
	}
}

// WithMetricsNamespace sets the prefix of the metrics served on /metrics.
func WithMetricsNamespace(namespace string) Option {
	return func(s *Server) {
		s.namespace = namespace
	}
}

// NewServer builds the router. Metrics for rt are registered on a private
// registry together with the Go runtime collector.
func NewServer(rt Runtime, opts ...Option) (*Server, error) {
	s := &Server{
		runtime:   rt,
		logger:    nopLogger{},
		namespace: metrics.DefaultNamespace,
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.registry.Register(metrics.NewCollector(rt, s.namespace)); err != nil {
		return nil, fmt.Errorf("register runtime collector: %w", err)
	}
	if err := s.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", s.listModules)
		r.Get("/{id}", s.getModule)
		r.Post("/{id}/activate", s.activateModule)
		r.Post("/{id}/deactivate", s.deactivateModule)
		r.Delete("/{id}", s.unloadModule)
	})
	r.Get("/events/{event}/listeners", s.listeners)
	r.Post("/events", s.triggerEvent)
	r.Get("/observers", s.observers)
	r.Get("/stats", s.stats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if s.schedules != nil {
		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules/{id}/run", s.runSchedule)
	}
	if s.journal != nil {
		r.Get("/journal", s.recentJournal)
	}
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Modules())
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := s.runtime.Module(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", modhub.ErrUnknownModule, id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) activateModule(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.runtime.ActivateModule)
}

func (s *Server) deactivateModule(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.runtime.DeactivateModule)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply func(string) error) {
	id := chi.URLParam(r, "id")
	if err := apply(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	info, _ := s.runtime.Module(id)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) unloadModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runtime.UnloadModule(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listeners(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event")
	listeners := s.runtime.Listeners(eventID)
	if listeners == nil {
		listeners = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": eventID, "listeners": listeners})
}

// triggerEvent accepts a structured CloudEvent whose data is the JSON array
// payload. It answers 202 when the event reached a module and 200 otherwise.
func (s *Server) triggerEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ce := cloudevents.NewEvent()
	if err := json.Unmarshal(body, &ce); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode cloudevent: %w", err))
		return
	}
	event, err := modhub.EventFromCloudEvent(ce)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dispatched := s.runtime.TriggerEvent(r.Context(), event)
	status := http.StatusOK
	if dispatched {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"id":         event.ID(),
		"event":      event.Identifier(),
		"dispatched": dispatched,
	})
}

func (s *Server) observers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.GetObservers())
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Stats())
}

func (s *Server) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.schedules.Entries())
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dispatched, err := s.schedules.RunNow(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "dispatched": dispatched})
}

func (s *Server) recentJournal(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	records, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, modhub.ErrUnknownModule), errors.Is(err, scheduler.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, modhub.ErrContextClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, modhub.ErrShutdownTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
