// Package api exposes the HTTP interface for the fetch service.
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
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
	"github.com/JakeFAU/polite-fetch/internal/scheduler"
)

// Submitter accepts requests for fetching.
type Submitter interface {
	Submit(ctx context.Context, req *crawler.Request) error
}

// StatsSource reports scheduler counters.
type StatsSource interface {
	Stats() scheduler.Stats
}

// CacheChecker reports whether a URL has a cached response.
type CacheChecker interface {
	Exists(ctx context.Context, rawURL string) (bool, error)
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every request.
	APIKey string
	// Defaults apply to submitted requests.
	Defaults crawler.RequestDefaults
	// MaxURLs bounds a single submission. Zero means 1000.
	MaxURLs int
	// Ready reports readiness of downstream dependencies. Nil is always ready.
	Ready func(ctx context.Context) error
	// RequestTimeout bounds handler execution. Zero means 60s.
	RequestTimeout time.Duration
	// Cache backs GET /v1/cache. The route is absent when nil.
	Cache CacheChecker
}

// Server wires HTTP handlers to the dispatcher and tracker.
type Server struct {
	router    chi.Router
	submitter Submitter
	stats     StatsSource
	tracker   *Tracker
	idGen     crawler.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	stats StatsSource,
	tracker *Tracker,
	idGen crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 1000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		submitter: submitter,
		stats:     stats,
		tracker:   tracker,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/requests", s.submitRequests)
		r.Get("/requests/{request_id}", s.getRequest)
		r.Get("/stats", s.getStats)
		if cfg.Cache != nil {
			r.Get("/cache", s.getCache)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URLs       []string          `json:"urls"`
	Headers    map[string]string `json:"headers"`
	MaxRetries *int              `json:"max_retries"`
	TimeoutMS  *int              `json:"timeout_ms"`
}

type acceptedRequest struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	State string `json:"state"`
}

type rejectedURL struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type submitResponse struct {
	Requests []acceptedRequest `json:"requests"`
	Rejected []rejectedURL     `json:"rejected,omitempty"`
}

func (s *Server) submitRequests(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(body.URLs) > s.cfg.MaxURLs {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per submission", s.cfg.MaxURLs))
		return
	}
	defaults := s.cfg.Defaults
	if body.MaxRetries != nil {
		if *body.MaxRetries < 0 {
			s.writeError(w, http.StatusBadRequest, "max_retries must be >= 0")
			return
		}
		defaults.MaxRetries = *body.MaxRetries
	}
	if body.TimeoutMS != nil {
		if *body.TimeoutMS <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout_ms must be > 0")
			return
		}
		defaults.Timeout = time.Duration(*body.TimeoutMS) * time.Millisecond
	}

	resp := submitResponse{Requests: []acceptedRequest{}}
	for _, raw := range body.URLs {
		accepted, err := s.submitOne(r.Context(), raw, body.Headers, defaults)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedURL{URL: raw, Error: err.Error()})
			continue
		}
		resp.Requests = append(resp.Requests, accepted)
	}
	if len(resp.Requests) == 0 {
		s.writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) submitOne(
	ctx context.Context,
	raw string,
	headers map[string]string,
	defaults crawler.RequestDefaults,
) (acceptedRequest, error) {
	req, err := crawler.NewRequest(raw, nil, defaults)
	if err != nil {
		return acceptedRequest{}, err
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return acceptedRequest{}, fmt.Errorf("generate request id: %w", err)
	}
	req.ID = id
	if len(headers) > 0 {
		req.Headers = make(http.Header, len(headers))
		for k, v := range headers {
			req.Headers.Set(k, v)
		}
	}
	req.Handler = s.tracker.Track(req)
	if err := s.submitter.Submit(ctx, req); err != nil && !errors.Is(err, crawler.ErrDisallowed) {
		s.logger.Error("submit failed", zap.String("url", req.URL), zap.Error(err))
		return acceptedRequest{}, err
	}
	state := StateQueued
	if st, ok := s.tracker.Get(id); ok {
		state = st.State
	}
	return acceptedRequest{ID: id, URL: req.URL, State: state}, nil
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	st, ok := s.tracker.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type statsResponse struct {
	scheduler.Stats
	Remaining int64 `json:"remaining"`
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.stats.Stats()
	s.writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Remaining: stats.Remaining()})
}

type cacheResponse struct {
	URL    string `json:"url"`
	Cached bool   `json:"cached"`
}

func (s *Server) getCache(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if _, err := crawler.DomainKey(raw); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.cfg.Cache.Exists(r.Context(), raw)
	if err != nil {
		s.logger.Error("cache check failed", zap.String("url", raw), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cache check failed")
		return
	}
	s.writeJSON(w, http.StatusOK, cacheResponse{URL: raw, Cached: ok})
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

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.L(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
