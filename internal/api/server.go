package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/costguard"
	"github.com/JakeFAU/jobstream/internal/dispatcher"
	runid "github.com/JakeFAU/jobstream/internal/id/uuid"
	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/metrics"
	"github.com/JakeFAU/jobstream/internal/persist"
)

const (
	defaultRequestTimeout = 60 * time.Second
	storeTimeout          = 3 * time.Second
)

// Submitter queues query runs.
type Submitter interface {
	Submit(ctx context.Context, query listing.Query) (listing.Run, error)
}

// ProxyValidator filters a proxy pool down to healthy members.
type ProxyValidator interface {
	Validate(ctx context.Context, proxyURLs []string) []string
}

// ReadinessCheck reports whether one downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators the handlers read from. Nil members turn their routes into 503s.
type Deps struct {
	Submitter Submitter
	Runs      listing.RunStore
	Listings  listing.Store
	Guard     *costguard.Guard
	Persist   *persist.Queue
	Proxies   ProxyValidator
	ProxyURLs []string
	Ready     map[string]ReadinessCheck
}

// Options tune the HTTP surface.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/runs", s.submitRun)
		r.Get("/runs/{run_id}", s.getRun)
		r.Get("/listings", s.recentListings)
		r.Get("/budget/{provider}", s.budget)
		r.Get("/persist/stats", s.persistStats)
		r.Post("/proxies/validate", s.validateProxies)
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
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRunRequest struct {
	Keywords string `json:"keywords"`
	Location string `json:"location"`
	Limit    int    `json:"limit"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run submission unavailable")
		return
	}
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Keywords) == "" {
		s.writeError(w, http.StatusBadRequest, "keywords required")
		return
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	run, err := s.deps.Submitter.Submit(queueCtx, listing.Query{
		Keywords: req.Keywords,
		Location: req.Location,
		Limit:    req.Limit,
	})
	switch {
	case errors.Is(err, dispatcher.ErrInvalidQuery):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, listing.ErrQueueClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("submit run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": string(run.Status)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	id := chi.URLParam(r, "run_id")
	if err := runid.Validate(id); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	run, err := s.deps.Runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, listing.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) budget(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guard == nil {
		s.writeError(w, http.StatusServiceUnavailable, "budget ledger unavailable")
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	spend := s.deps.Guard.GetDailySpend(ctx, provider)
	verdict := s.deps.Guard.IsBudgetExceeded(ctx, provider)
	s.writeJSON(w, http.StatusOK, budgetDTO{
		Provider:       provider,
		Tokens:         spend.Tokens,
		SpendUSD:       spend.CostUSD,
		LimitUSD:       s.deps.Guard.LimitUSD(),
		RatePerMillion: s.deps.Guard.Pricing().RatePerMillion(provider),
		Exceeded:       verdict.Exceeded,
		Reason:         verdict.Reason,
	})
}

type budgetDTO struct {
	Provider       string  `json:"provider"`
	Tokens         int64   `json:"tokens"`
	SpendUSD       float64 `json:"spend_usd"`
	LimitUSD       float64 `json:"limit_usd"`
	RatePerMillion float64 `json:"rate_per_million_usd"`
	Exceeded       bool    `json:"exceeded"`
	Reason         string  `json:"reason,omitempty"`
}

func (s *Server) persistStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Persist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "persistence queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Persist.Stats())
}

type validateProxiesRequest struct {
	Proxies []string `json:"proxies"`
}

func (s *Server) validateProxies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proxies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "proxy validator unavailable")
		return
	}
	var req validateProxiesRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	pool := req.Proxies
	if len(pool) == 0 {
		pool = s.deps.ProxyURLs
	}
	healthy := s.deps.Proxies.Validate(r.Context(), pool)
	if healthy == nil {
		healthy = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checked": len(pool), "healthy": healthy})
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
