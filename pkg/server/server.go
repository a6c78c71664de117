// Package server exposes the generation pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dwellwise/dwellwise/pkg/analysis"
	"github.com/dwellwise/dwellwise/pkg/artifact"
	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/models"
	"github.com/dwellwise/dwellwise/pkg/recommend"
	"github.com/dwellwise/dwellwise/pkg/stream"
)

const maxRequestBody = 1 << 20

// Deps are the components the server routes to. Artifacts, Recommend and
// Gatherer are optional; their routes answer 404 when unset.
type Deps struct {
	Generator analysis.Generator
	Analysis  analysis.Options
	Artifacts *artifact.Store
	Recommend *recommend.Service
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Server is the dwellwise HTTP server.
type Server struct {
	listen string
	deps   Deps
	log    *zap.Logger
	mux    *http.ServeMux

	mu    sync.Mutex
	slots map[string]*slot
}

// slot is the orchestrator shared by in-flight requests for one subject and
// artifact kind. It is dropped when the last of them finishes.
type slot struct {
	o     *analysis.Orchestrator
	users int
}

// New creates a Server listening on listen.
func New(listen string, deps Deps) *Server {
	s := &Server{
		listen: listen,
		deps:   deps,
		log:    logging.OrNop(deps.Logger).Named("server"),
		mux:    http.NewServeMux(),
		slots:  make(map[string]*slot),
	}
	s.mux.HandleFunc("POST /v1/analyses", s.handleAnalysis)
	s.mux.HandleFunc("GET /v1/subjects/{subject}/artifacts/{kind}", s.handleLatestArtifact)
	s.mux.HandleFunc("GET /v1/subjects/{subject}/recommendations", s.handleRecommendations)
	s.mux.HandleFunc("DELETE /v1/subjects/{subject}/recommendations", s.handleInvalidate)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	s.mux.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// acquire returns the orchestrator for one subject and artifact kind and a
// func releasing it.
func (s *Server) acquire(subjectID string, kind models.ArtifactKind) (*analysis.Orchestrator, func()) {
	key := subjectID + "\x00" + string(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{o: analysis.New(s.deps.Generator, s.deps.Analysis)}
		s.slots[key] = sl
	}
	sl.users++
	return sl.o, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sl.users--; sl.users == 0 {
			delete(s.slots, key)
		}
	}
}

func (s *Server) activeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

type analysisRequest struct {
	SubjectID      string              `json:"subject_id"`
	Kind           models.ArtifactKind `json:"kind"`
	Brief          string              `json:"brief"`
	Comparables    string              `json:"comparables"`
	Model          string              `json:"model"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
}

// handleAnalysis runs a generation and relays it as server-sent events:
// "fragment" events while generating, then "complete" with the artifact or
// "error" with the failure. Failures before the first fragment are plain
// JSON errors with a matching status code.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubjectID == "" {
		writeJSONError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	if !req.Kind.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}

	sse, err := newEventWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	o, release := s.acquire(req.SubjectID, req.Kind)
	defer release()
	a, err := o.Run(r.Context(), analysis.Request{
		SubjectID:   req.SubjectID,
		Kind:        req.Kind,
		Brief:       req.Brief,
		Comparables: req.Comparables,
		Model:       req.Model,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		OnFragment: func(f string) {
			_ = sse.send("fragment", map[string]string{"text": f})
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if !sse.started {
			writeFailure(w, err)
			return
		}
		_ = sse.send("error", failureBody(err))
		return
	}
	_ = sse.send("complete", a)
}

func (s *Server) handleLatestArtifact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Artifacts == nil {
		writeJSONError(w, http.StatusNotFound, "artifact store not configured")
		return
	}
	kind := models.ArtifactKind(r.PathValue("kind"))
	if !kind.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind))
		return
	}
	a, err := s.deps.Artifacts.Latest(r.Context(), r.PathValue("subject"), kind)
	if errors.Is(err, artifact.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "no artifact")
		return
	}
	if err != nil {
		s.log.Error("latest artifact", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "artifact lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recommend == nil {
		writeJSONError(w, http.StatusNotFound, "recommendations not configured")
		return
	}
	subject := r.PathValue("subject")
	brief := r.URL.Query().Get("brief")

	var (
		res recommend.Result
		err error
	)
	if r.URL.Query().Get("refresh") == "true" {
		res, err = s.deps.Recommend.Refresh(r.Context(), subject, brief)
	} else {
		res, err = s.deps.Recommend.Actions(r.Context(), subject, brief)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logging.FromContext(r.Context(), s.log).Warn("recommendations failed", zap.String("subject_id", subject), zap.Error(err))
		writeFailure(w, err)
		return
	}
	w.Header().Set("X-Dwellwise-Cache", string(res.Source))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recommend == nil {
		writeJSONError(w, http.StatusNotFound, "recommendations not configured")
		return
	}
	s.deps.Recommend.Invalidate(r.Context(), r.PathValue("subject"))
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps a pipeline failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, analysis.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, stream.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, stream.ErrQuotaExhausted):
		return http.StatusPaymentRequired
	case errors.Is(err, stream.ErrStreamTransport), errors.Is(err, stream.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, recommend.ErrNoActions):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type failure struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func failureBody(err error) failure {
	f := failure{Kind: string(stream.KindOf(err)), Message: err.Error(), Retryable: stream.Retryable(err)}
	if f.Kind == "" {
		f.Kind = "internal"
	}
	var e *stream.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		f.RetryAfter = int(e.RetryAfter.Round(time.Second) / time.Second)
	}
	return f
}

func writeFailure(w http.ResponseWriter, err error) {
	body := failureBody(err)
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, statusFor(err), map[string]failure{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"dwellwise_error","code":%d}}`, message, code)
}
