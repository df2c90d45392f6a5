package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/config"
	"github.com/JakeFAU/bookmeta/internal/cover"
	"github.com/JakeFAU/bookmeta/internal/dispatcher"
	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/metrics"
	"github.com/JakeFAU/bookmeta/internal/sink"
)

const maxTimeout = 2 * time.Minute

// Identifier runs one lookup pass. *dispatcher.Dispatcher satisfies it.
type Identifier interface {
	Identify(
		ctx context.Context,
		query lookup.Query,
		abort *lookup.AbortSignal,
		timeout time.Duration,
		sink lookup.Sink,
	) dispatcher.Report
}

// CoverDownloader fetches cover images. *cover.Service satisfies it.
type CoverDownloader interface {
	Download(
		ctx context.Context,
		query lookup.Query,
		abort *lookup.AbortSignal,
		timeout time.Duration,
	) (cover.Image, error)
}

// Server wires HTTP handlers to the dispatcher and cover service.
type Server struct {
	router   chi.Router
	identify Identifier
	covers   CoverDownloader
	cfg      config.Config
	logger   *zap.Logger
}

// IdentifyResponse is the body returned by GET /v1/identify.
type IdentifyResponse struct {
	LookupID   string             `json:"lookup_id"`
	Aborted    bool               `json:"aborted"`
	Candidates []lookup.Candidate `json:"candidates"`
	Records    []lookup.Record    `json:"records"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(identify Identifier, covers CoverDownloader, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		identify: identify,
		covers:   covers,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		if d := time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second; d > 0 {
			r.Use(timeoutMiddleware(d))
		}
		r.Get("/identify", s.identifyBook)
		r.Get("/covers/{isbn}", s.getCover)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.identify == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) identifyBook(w http.ResponseWriter, r *http.Request) {
	query := queryFromRequest(r)
	if query.ISBN() == "" && !query.HasText() {
		s.writeError(w, http.StatusBadRequest, "isbn, title or author required")
		return
	}
	timeout, err := s.timeoutFromRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	abort := lookup.NewAbortSignal()
	stop := abort.AbortOnDone(r.Context())
	defer stop()

	results := sink.New(sink.Config{
		Capacity:       s.cfg.Lookup.SinkCapacity,
		EnqueueTimeout: time.Duration(s.cfg.Lookup.SinkEnqueueTimeout) * time.Millisecond,
	})
	defer results.Close()

	report := s.identify.Identify(r.Context(), query, abort, timeout, results)
	if r.Context().Err() != nil {
		s.logger.Info("client went away, lookup abandoned",
			zap.String("lookup_id", report.LookupID.String()),
			zap.String("request_id", requestID(r.Context())),
		)
		return
	}

	records := results.Drain()
	sink.SortByRelevance(records)
	if records == nil {
		records = []lookup.Record{}
	}
	candidates := report.Candidates
	if candidates == nil {
		candidates = []lookup.Candidate{}
	}
	s.writeJSON(w, http.StatusOK, IdentifyResponse{
		LookupID:   report.LookupID.String(),
		Aborted:    report.Aborted,
		Candidates: candidates,
		Records:    records,
	})
}

func (s *Server) getCover(w http.ResponseWriter, r *http.Request) {
	if s.covers == nil {
		s.writeError(w, http.StatusNotImplemented, "cover downloads not configured")
		return
	}
	isbn := cover.NormalizeISBN(chi.URLParam(r, "isbn"))
	if isbn == "" {
		s.writeError(w, http.StatusBadRequest, "isbn required")
		return
	}
	timeout, err := s.timeoutFromRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	abort := lookup.NewAbortSignal()
	stop := abort.AbortOnDone(r.Context())
	defer stop()

	query := lookup.Query{Identifiers: map[string]string{lookup.IdentifierISBN: isbn}}
	img, err := s.covers.Download(r.Context(), query, abort, timeout)
	if err != nil {
		status := coverErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("cover download failed", zap.String("isbn", isbn), zap.Error(err))
		}
		s.writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Cover-Source", img.URL)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		s.logger.Debug("write cover failed", zap.Error(err))
	}
}

func coverErrorStatus(err error) int {
	switch {
	case errors.Is(err, cover.ErrNoCover), errors.Is(err, lookup.ErrNetworkNotFound):
		return http.StatusNotFound
	case errors.Is(err, cover.ErrAborted):
		return http.StatusServiceUnavailable
	case errors.Is(err, lookup.ErrNetworkTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func queryFromRequest(r *http.Request) lookup.Query {
	values := r.URL.Query()
	query := lookup.Query{Title: strings.TrimSpace(values.Get("title"))}
	if isbn := strings.TrimSpace(values.Get("isbn")); isbn != "" {
		query.Identifiers = map[string]string{lookup.IdentifierISBN: isbn}
	}
	for _, a := range values["author"] {
		if a = strings.TrimSpace(a); a != "" {
			query.Authors = append(query.Authors, a)
		}
	}
	return query
}

func (s *Server) timeoutFromRequest(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout_seconds")
	if raw == "" {
		if s.cfg.Lookup.TimeoutSeconds > 0 {
			return time.Duration(s.cfg.Lookup.TimeoutSeconds) * time.Second, nil
		}
		return 30 * time.Second, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("timeout_seconds must be a positive integer")
	}
	return min(time.Duration(secs)*time.Second, maxTimeout), nil
}

type requestIDKey struct{}

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

func requestID(ctx context.Context) string {
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
				zap.String("request_id", requestID(r.Context())),
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
						zap.Any("error", rec),
						zap.String("request_id", requestID(r.Context())),
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
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
