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

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/dispatcher"
	"github.com/JakeFAU/social-ingest/internal/metrics"
	"github.com/JakeFAU/social-ingest/internal/planner"
)

// Options tunes the server.
type Options struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
	// RequestTimeout bounds handler execution. Defaults to 30s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the cursor store and task queue.
type Server struct {
	router  chi.Router
	targets []crawler.Target
	cursors crawler.CursorStore
	queue   dispatcher.Enqueuer
	idGen   crawler.IDGenerator
	phases  planner.Config
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	targets []crawler.Target,
	cursors crawler.CursorStore,
	queue dispatcher.Enqueuer,
	idGen crawler.IDGenerator,
	phases planner.Config,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		targets: append([]crawler.Target(nil), targets...),
		cursors: cursors,
		queue:   queue,
		idGen:   idGen,
		phases:  phases.Normalize(),
		opts:    opts,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/targets", s.listTargets)
		r.Route("/targets/{platform}/{identifier}", func(r chi.Router) {
			r.Get("/", s.getTarget)
			r.Post("/crawl", s.crawlTarget)
			r.Delete("/cursor", s.resetCursor)
		})
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
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// targetView is the JSON shape of one target.
type targetView struct {
	TargetID   string               `json:"target_id"`
	Platform   crawler.Platform     `json:"platform"`
	Identifier string               `json:"identifier"`
	Phase      planner.Phase        `json:"phase"`
	Cursor     *crawler.CursorState `json:"cursor,omitempty"`
}

func (s *Server) view(ctx context.Context, target crawler.Target) (targetView, error) {
	state, found, err := s.cursors.Load(ctx, target.ID())
	if err != nil {
		return targetView{}, fmt.Errorf("load cursor: %w", err)
	}
	v := targetView{
		TargetID:   target.ID(),
		Platform:   target.Platform,
		Identifier: target.Identifier,
		Phase:      planner.PhaseOf(state, found, s.phases),
	}
	if found {
		v.Cursor = &state
	}
	return v, nil
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	views := make([]targetView, 0, len(s.targets))
	for _, target := range s.targets {
		v, err := s.view(r.Context(), target)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": views})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	target, ok := s.resolveTarget(w, r)
	if !ok {
		return
	}
	v, err := s.view(r.Context(), target)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) crawlTarget(w http.ResponseWriter, r *http.Request) {
	target, ok := s.resolveTarget(w, r)
	if !ok {
		return
	}
	task := crawler.TaskFor(target)
	if s.idGen != nil {
		id, err := s.idGen.NewID()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		task.EmissionID = id
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, task); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, fmt.Sprintf("enqueue task: %v", err))
		return
	}
	metrics.ObserveTaskEmitted(string(task.Kind))
	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) resetCursor(w http.ResponseWriter, r *http.Request) {
	target, ok := s.resolveTarget(w, r)
	if !ok {
		return
	}
	if err := s.cursors.Delete(r.Context(), target.ID()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("cursor reset", zap.String("target", target.ID()))
	s.writeJSON(w, http.StatusOK, map[string]string{"target_id": target.ID(), "status": "reset"})
}

// resolveTarget accepts only configured targets.
func (s *Server) resolveTarget(w http.ResponseWriter, r *http.Request) (crawler.Target, bool) {
	platform, err := crawler.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return crawler.Target{}, false
	}
	want := crawler.Target{Platform: platform, Identifier: chi.URLParam(r, "identifier")}
	for _, target := range s.targets {
		if target == want {
			return target, true
		}
	}
	s.writeError(w, http.StatusNotFound, "target not configured")
	return crawler.Target{}, false
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
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
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
