package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/mfnews-scraper/internal/config"
	"github.com/JakeFAU/mfnews-scraper/internal/metrics"
	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

// NewsCache is the read side of the result cache.
type NewsCache interface {
	Read(ctx context.Context) news.Snapshot
	Peek() news.Snapshot
	Refresh(ctx context.Context) news.Snapshot
	Fresh(snap news.Snapshot, now time.Time) bool
}

// RefreshHistory lists recent refresh events, oldest first.
type RefreshHistory interface {
	RecentRefreshes() []news.RefreshEvent
}

// Service states reported by /api/status.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDisabled = "disabled"
	StatusCold     = "cold"
)

// Server wires HTTP handlers to the result cache.
type Server struct {
	router  chi.Router
	cache   NewsCache
	clock   news.Clock
	history RefreshHistory
	cfg     config.Config
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithHistory exposes recent refresh events on /api/status.
func WithHistory(h RefreshHistory) Option {
	return func(s *Server) {
		s.history = h
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cache NewsCache, clock news.Clock, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cache:  cache,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(deadlineMiddleware(timeout))

	r.Get("/", s.root)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/news", s.getNews)
		r.Get("/status", s.getStatus)
		r.Group(func(r chi.Router) {
			if cfg.Auth.APIKey != "" {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Post("/refresh", s.postRefresh)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/api/news", http.StatusTemporaryRedirect)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// getNews never fails on upstream trouble; the worst case is an empty array.
func (s *Server) getNews(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Read(r.Context())
	writeJSON(w, s.logger, http.StatusOK, recordsOf(snap))
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Refresh(r.Context())
	writeJSON(w, s.logger, http.StatusOK, refreshResponse{
		ProducedAt: snap.ProducedAt,
		Records:    len(snap.Data.Records),
		StopReason: snap.Data.StopReason,
		Pages:      pagesOf(snap),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.cache.Peek()
	now := s.clock.Now()

	resp := statusResponse{
		Status:          s.serviceStatus(snap, now),
		Transport:       s.cfg.Scraper.Transport,
		Records:         len(snap.Data.Records),
		StopReason:      snap.Data.StopReason,
		Pages:           pagesOf(snap),
		RecentRefreshes: []news.RefreshEvent{},
	}
	if !snap.ProducedAt.IsZero() {
		producedAt := snap.ProducedAt
		age := snap.Age(now).Seconds()
		resp.ProducedAt = &producedAt
		resp.AgeSeconds = &age
	}
	if s.history != nil {
		if events := s.history.RecentRefreshes(); len(events) > 0 {
			resp.RecentRefreshes = events
		}
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}

func (s *Server) serviceStatus(snap news.Snapshot, now time.Time) string {
	switch {
	case s.cfg.Scraper.Transport == config.TransportProxy && !s.cfg.ProxyEnabled():
		return StatusDisabled
	case snap.ProducedAt.IsZero():
		return StatusCold
	case !s.cache.Fresh(snap, now) || len(snap.Data.Records) == 0:
		return StatusDegraded
	default:
		return StatusOK
	}
}

type statusResponse struct {
	Status          string              `json:"status"`
	Transport       string              `json:"transport"`
	ProducedAt      *time.Time          `json:"produced_at"`
	AgeSeconds      *float64            `json:"age_seconds"`
	Records         int                 `json:"records"`
	StopReason      news.PageStatus     `json:"stop_reason,omitempty"`
	Pages           []news.PageSummary  `json:"pages"`
	RecentRefreshes []news.RefreshEvent `json:"recent_refreshes"`
}

type refreshResponse struct {
	ProducedAt time.Time          `json:"produced_at"`
	Records    int                `json:"records"`
	StopReason news.PageStatus    `json:"stop_reason"`
	Pages      []news.PageSummary `json:"pages"`
}

func recordsOf(snap news.Snapshot) []news.Record {
	if snap.Data.Records == nil {
		return []news.Record{}
	}
	return snap.Data.Records
}

func pagesOf(snap news.Snapshot) []news.PageSummary {
	if snap.Data.Pages == nil {
		return []news.PageSummary{}
	}
	return snap.Data.Pages
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, logger, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// deadlineMiddleware bounds the request context. Handlers still write their
// own response once it expires; the cache answers a done context with the
// current snapshot instead of waiting on the refresh.
func deadlineMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, nil, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
