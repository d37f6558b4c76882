package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/scheduler"
	"github.com/socialwatch/sentinel/internal/session"
)

const defaultRequestTimeout = 30 * time.Second

// Jobs is the scheduler surface the server drives.
type Jobs interface {
	Jobs() []scheduler.JobStatus
	Status(campaignID string) scheduler.JobStatus
	Sync(ctx context.Context, campaignID string) (scheduler.JobStatus, error)
	OnCampaignArchived(ctx context.Context, campaignID string) (scheduler.JobStatus, error)
}

// Sessions is the session manager surface the server drives.
type Sessions interface {
	Status() session.Status
	Retrigger(ctx context.Context) (monitor.Session, error)
}

// RuleIndex reloads the compiled rule index.
type RuleIndex interface {
	Reload(ctx context.Context) error
	Size() int
}

// AlertTriage moves alerts through their status lifecycle.
type AlertTriage interface {
	UpdateAlertStatus(ctx context.Context, alertID string, status monitor.AlertStatus, actor string) (monitor.Alert, error)
}

// Deps are the collaborators behind the routes. WebSocket is optional.
type Deps struct {
	Jobs      Jobs
	Sessions  Sessions
	Campaigns monitor.CampaignStore
	Rules     RuleIndex
	Alerts    AlertTriage
	WebSocket http.Handler
}

// Config tunes the server.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", deps.WebSocket)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{campaignID}", s.getJob)
		r.Get("/session", s.sessionStatus)
		r.Post("/session/retry", s.retrySession)
		r.Post("/campaigns/{campaignID}/sync", s.syncCampaign)
		r.Post("/campaigns/{campaignID}/archive", s.archiveCampaign)
		r.Post("/rules/reload", s.reloadRules)
		r.Post("/alerts/{alertID}/status", s.updateAlertStatus)
	})

	s.router = r
	return s
}

// Handler returns the router wrapped in an OpenTelemetry server span.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "ops")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz fails once login retries are exhausted; an operator retry is needed.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Sessions.Status()
	code := http.StatusOK
	if st.Exhausted {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  st.State,
		"session": st,
		"rules":   s.deps.Rules.Size(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.Any("request_id", r.Context().Value(requestIDKey{})),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
