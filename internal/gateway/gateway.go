// Package gateway exposes the scheduler, sessions, history and notification
// inbox over a bearer-authenticated HTTP surface: JSON-RPC on /ws and a
// small REST API under /api.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/basket/cordell/internal/bus"
	"github.com/basket/cordell/internal/cron"
	"github.com/basket/cordell/internal/history"
	"github.com/basket/cordell/internal/persistence"
	"github.com/basket/cordell/internal/session"
	"github.com/basket/cordell/internal/telemetry"
	"github.com/basket/cordell/internal/tools"
)

const (
	defaultAcquireTimeout = 5 * time.Second
	defaultHistoryLimit   = 100
	maxRequestBytes       = 1 << 20
)

// Scheduler is the part of the cron engine the gateway drives.
type Scheduler interface {
	Jobs() *cron.JobStore
	NextRuns() map[string]time.Time
	Status() []cron.JobStatus
	Trigger(ctx context.Context, name string) (cron.Outcome, error)
}

type Config struct {
	Scheduler Scheduler
	Sessions  *session.Manager
	History   *history.Reader
	Store     *persistence.Store
	Tools     *tools.Registry
	Bus       *bus.Bus
	Metrics   *telemetry.Metrics

	// AuthToken is required on every request except /healthz. An empty
	// token rejects everything.
	AuthToken string
	// AllowOrigins lists accepted Origin patterns for browser WebSockets.
	// Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint reports the hash of the active config.
	ConfigFingerprint func() string
	// AcquireTimeout bounds the session lock wait for sessions.send.
	AcquireTimeout time.Duration
	Version        string
	Logger         *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
		clients: map[*client]struct{}{},
	}
}

// Handler returns the gateway's router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Handle("/metrics", s.cfg.Metrics.Handler())
		r.Get("/ws", s.handleWS)

		r.Route("/api", func(r chi.Router) {
			r.Use(s.logRequests)
			r.Use(middleware.RequestSize(maxRequestBytes))

			r.Get("/status", s.handleStatus)

			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs", s.handleScheduleJob)
			r.Delete("/jobs/{name}", s.handleRemoveJob)
			r.Post("/jobs/{name}/run", s.handleRunJob)
			r.Get("/jobs/{name}/runs", s.handleJobRuns)

			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{name}/history", s.handleHistory)
			r.Get("/sessions/{name}/transcript", s.handleTranscript)
			r.Post("/sessions/{name}/send", s.handleSend)
			r.Post("/sessions/{name}/reinitialize", s.handleReinitialize)

			r.Get("/notifications", s.handleListNotifications)
			r.Post("/notifications/read", s.handleMarkAllRead)
			r.Post("/notifications/{id}/read", s.handleMarkRead)
			r.Delete("/notifications", s.handleClearNotifications)

			r.Get("/tools", s.handleListTools)
			r.Post("/tools/{name}", s.handleCallTool)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
			dbOK = false
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"version": s.cfg.Version,
	})
}

// Status is the daemon summary returned by system.status and /api/status.
type Status struct {
	Version           string        `json:"version"`
	Uptime            time.Duration `json:"uptime"`
	Jobs              int           `json:"jobs"`
	Sessions          int           `json:"sessions"`
	BusySessions      int           `json:"busy_sessions"`
	UnreadCount       int           `json:"unread_notifications"`
	ConfigFingerprint string        `json:"config_fingerprint,omitempty"`
	BusDropped        int64         `json:"bus_dropped"`
	Clients           int           `json:"clients"`
}

func (s *Server) status(ctx context.Context) Status {
	st := Status{
		Version:    s.cfg.Version,
		Uptime:     time.Since(s.started).Round(time.Second),
		BusDropped: s.cfg.Bus.Dropped(),
	}
	if s.cfg.Scheduler != nil {
		st.Jobs = len(s.cfg.Scheduler.Jobs().List())
	}
	if s.cfg.Sessions != nil {
		infos := s.cfg.Sessions.Sessions()
		st.Sessions = len(infos)
		for _, info := range infos {
			if info.Busy {
				st.BusySessions++
			}
		}
	}
	if s.cfg.Store != nil {
		if n, err := s.cfg.Store.UnreadCount(ctx); err == nil {
			st.UnreadCount = n
		}
	}
	if s.cfg.ConfigFingerprint != nil {
		st.ConfigFingerprint = s.cfg.ConfigFingerprint()
	}
	s.clientsMu.RLock()
	st.Clients = len(s.clients)
	s.clientsMu.RUnlock()
	return st
}

// errBadParams marks malformed request parameters.
var errBadParams = errors.New("invalid params")

// errUnavailable marks a dependency the gateway was started without.
var errUnavailable = errors.New("not configured")

// classify maps an error to an HTTP status and a JSON-RPC error code.
func classify(err error) (int, int) {
	switch {
	case errors.Is(err, tools.ErrUnknownTool), errors.Is(err, cron.ErrJobNotFound), errors.Is(err, errNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, errBadParams), errors.Is(err, tools.ErrInvalidInput), errors.Is(err, cron.ErrInvalidJob),
		errors.Is(err, history.ErrInvalidSession), errors.Is(err, history.ErrOffsetOutOfRange):
		return http.StatusBadRequest, ErrCodeInvalid
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict, ErrCodeBusy
	case errors.Is(err, session.ErrPromptTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, session.ErrSessionCreationFailed), errors.Is(err, session.ErrClosed),
		errors.Is(err, cron.ErrStopped), errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

var errNotFound = errors.New("not found")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api: request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
