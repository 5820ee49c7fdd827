package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/cliptile/internal/health"
	"github.com/MrWong99/cliptile/internal/observe"
	"github.com/MrWong99/cliptile/internal/resilience"
	"github.com/MrWong99/cliptile/pkg/clipstore"
	"github.com/MrWong99/cliptile/pkg/segment"
	"github.com/MrWong99/cliptile/pkg/transcript"
)

// maxBodyBytes caps request bodies. A multi-hour char-level JSON transcript
// fits comfortably.
const maxBodyBytes = 64 << 20

// Server exposes an [App] over HTTP.
//
// Routes:
//
//	POST   /v1/segment           segment a transcript synchronously
//	GET    /v1/segment/ws        segment over a WebSocket with progress events
//	POST   /v1/jobs              segment in the background
//	GET    /v1/jobs              list background jobs
//	GET    /v1/jobs/{id}         poll a background job
//	DELETE /v1/jobs/{id}         cancel a background job
//	GET    /v1/runs/{id}         load a stored run
//	GET    /v1/clips/search      semantic clip search (?q=&k=&source=&run_id=&min_duration=&max_duration=)
//	GET    /healthz, /readyz     health probes
type Server struct {
	app     *App
	jobs    *Jobs
	mux     *http.ServeMux
	metrics *observe.Metrics
}

// ServerOption configures a [Server].
type ServerOption func(*serverOptions)

type serverOptions struct {
	metricsPath    string
	metricsHandler http.Handler
	mcpHandler     http.Handler
	checkers       []health.Checker
	metrics        *observe.Metrics
}

// WithMetricsHandler serves h (typically the Prometheus scrape handler) at
// path.
func WithMetricsHandler(path string, h http.Handler) ServerOption {
	return func(o *serverOptions) {
		o.metricsPath = path
		o.metricsHandler = h
	}
}

// WithMCPHandler mounts an MCP endpoint at /mcp.
func WithMCPHandler(h http.Handler) ServerOption {
	return func(o *serverOptions) { o.mcpHandler = h }
}

// WithHealthCheckers adds readiness checks beyond the app's own.
func WithHealthCheckers(checkers ...health.Checker) ServerOption {
	return func(o *serverOptions) { o.checkers = append(o.checkers, checkers...) }
}

// WithServerMetrics sets the metrics used by the HTTP middleware.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(o *serverOptions) { o.metrics = m }
}

// NewServer builds the route table for a and jobs.
func NewServer(a *App, jobs *Jobs, opts ...ServerOption) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = a.metrics
	}

	s := &Server{app: a, jobs: jobs, mux: http.NewServeMux(), metrics: o.metrics}
	s.mux.HandleFunc("POST /v1/segment", s.handleSegment)
	s.mux.HandleFunc("GET /v1/segment/ws", s.handleSegmentWS)
	s.mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /v1/clips/search", s.handleSearch)

	checkers := append(a.HealthCheckers(), o.checkers...)
	health.New(checkers...).Register(s.mux)

	if o.metricsHandler != nil {
		s.mux.Handle("GET "+o.metricsPath, o.metricsHandler)
	}
	if o.mcpHandler != nil {
		s.mux.Handle("/mcp", o.mcpHandler)
	}
	return s
}

// Handler returns the route table wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

// segmentRequest is the body of POST /v1/segment, POST /v1/jobs and the first
// WebSocket message. Transcript is a JSON object for format "json" and a
// string holding the subtitle file for "srt" and "vtt".
type segmentRequest struct {
	Source     string            `json:"source"`
	Format     transcript.Format `json:"format"`
	Transcript json.RawMessage   `json:"transcript"`

	// Store defaults to true.
	Store *bool `json:"store,omitempty"`
}

func (r *segmentRequest) decode() (*transcript.Transcript, error) {
	if r.Format == "" {
		r.Format = transcript.FormatJSON
	}
	if !r.Format.IsValid() {
		return nil, fmt.Errorf("%w: %q", transcript.ErrUnsupportedFormat, r.Format)
	}
	if len(r.Transcript) == 0 {
		return nil, fmt.Errorf("%w: transcript is required", transcript.ErrInvalidTranscript)
	}
	if r.Source == "" {
		r.Source = "upload." + string(r.Format)
	}
	if r.Format == transcript.FormatJSON {
		return transcript.Decode(bytes.NewReader(r.Transcript), r.Format)
	}
	var text string
	if err := json.Unmarshal(r.Transcript, &text); err != nil {
		return nil, fmt.Errorf("%w: %s transcript must be a JSON string", transcript.ErrInvalidTranscript, r.Format)
	}
	return transcript.Decode(strings.NewReader(text), r.Format)
}

func (r *segmentRequest) runOptions() []RunOption {
	if r.Store != nil && !*r.Store {
		return []RunOption{WithoutStore()}
	}
	return nil
}

func readSegmentRequest(w http.ResponseWriter, r *http.Request) (*segmentRequest, *transcript.Transcript, error) {
	var req segmentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("%w: decode body: %w", errBadRequest, err)
	}
	tr, err := req.decode()
	if err != nil {
		return nil, nil, err
	}
	return &req, tr, nil
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	req, tr, err := readSegmentRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.app.Segment(r.Context(), req.Source, tr, req.runOptions()...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	req, tr, err := readSegmentRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.jobs.Submit(req.Source, tr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+info.ID)
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: run id: %w", errBadRequest, err))
		return
	}
	run, err := s.app.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := parseSearchQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hits, err := s.app.Search(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func parseSearchQuery(r *http.Request) (SearchQuery, error) {
	v := r.URL.Query()
	q := SearchQuery{Text: strings.TrimSpace(v.Get("q")), Source: v.Get("source")}
	if q.Text == "" {
		return q, fmt.Errorf("%w: q is required", errBadRequest)
	}
	var err error
	if s := v.Get("k"); s != "" {
		if q.TopK, err = strconv.Atoi(s); err != nil || q.TopK < 1 {
			return q, fmt.Errorf("%w: k must be a positive integer", errBadRequest)
		}
	}
	if s := v.Get("run_id"); s != "" {
		if q.RunID, err = uuid.Parse(s); err != nil {
			return q, fmt.Errorf("%w: run_id: %w", errBadRequest, err)
		}
	}
	if s := v.Get("min_duration"); s != "" {
		if q.MinDuration, err = strconv.ParseFloat(s, 64); err != nil {
			return q, fmt.Errorf("%w: min_duration: %w", errBadRequest, err)
		}
	}
	if s := v.Get("max_duration"); s != "" {
		if q.MaxDuration, err = strconv.ParseFloat(s, 64); err != nil {
			return q, fmt.Errorf("%w: max_duration: %w", errBadRequest, err)
		}
	}
	return q, nil
}

var errBadRequest = errors.New("bad request")

// statusFor maps an error to the HTTP status reported to the client.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, transcript.ErrInvalidTranscript),
		errors.Is(err, transcript.ErrUnsupportedFormat),
		errors.Is(err, segment.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, clipstore.ErrNotFound), errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, ErrJobsClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, resilience.ErrAllFailed), errors.Is(err, segment.ErrShapeMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
