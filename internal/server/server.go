// Package server exposes investigations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yairfalse/triage/internal/analysis"
	"github.com/yairfalse/triage/internal/investigate"
	"github.com/yairfalse/triage/pkg/report"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

// Investigator runs investigations. *investigate.Service implements it.
type Investigator interface {
	InvestigateTasks(ctx context.Context, identifiers []string, opts investigate.Options) (*report.Report, error)
	InvestigateDatabases(ctx context.Context, identifiers []string, opts investigate.Options) (*report.Report, error)
}

// InvestigationRequest is the body of both investigation endpoints.
type InvestigationRequest struct {
	Identifiers    []string `json:"identifiers"`
	IncludeMetrics *bool    `json:"include_metrics,omitempty"`
	IncludeEvents  *bool    `json:"include_events,omitempty"`
	// Start and End are RFC 3339 timestamps. Both or neither.
	Start         string `json:"start,omitempty"`
	End           string `json:"end,omitempty"`
	LookbackHours int    `json:"lookback_hours,omitempty"`
	Region        string `json:"region,omitempty"`
	// Context is passed to the analyst with the report.
	Context string `json:"context,omitempty"`
	Analyze bool   `json:"analyze,omitempty"`
}

// Options converts the request into investigation options.
func (r InvestigationRequest) Options() (investigate.Options, error) {
	window, err := investigate.ParseTimeRange(r.Start, r.End)
	if err != nil {
		return investigate.Options{}, err
	}
	return investigate.Options{
		IncludeMetrics: r.IncludeMetrics,
		IncludeEvents:  r.IncludeEvents,
		TimeRange:      window,
		LookbackHours:  r.LookbackHours,
		Region:         r.Region,
	}, nil
}

// InvestigationResponse carries the report and, when requested, the
// analyst's prose.
type InvestigationResponse struct {
	Report   *report.Report `json:"report"`
	Analysis string         `json:"analysis,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Config holds server dependencies.
type Config struct {
	Investigator Investigator
	Analyst      analysis.Analyst
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Timeout bounds one investigation.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Server routes investigation requests.
type Server struct {
	investigator Investigator
	analyst      analysis.Analyst
	gatherer     prometheus.Gatherer
	timeout      time.Duration
	logger       zerolog.Logger
	ready        atomic.Bool
}

// New creates a Server. It reports not ready until SetReady(true).
func New(cfg Config) *Server {
	if cfg.Analyst == nil {
		cfg.Analyst = analysis.TextAnalyst{}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Server{
		investigator: cfg.Investigator,
		analyst:      cfg.Analyst,
		gatherer:     cfg.Gatherer,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger.With().Str("component", "server").Logger(),
	}
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix("/v1/investigations").Subrouter()
	api.HandleFunc("/tasks", s.investigation(s.investigator.InvestigateTasks)).Methods(http.MethodPost)
	api.HandleFunc("/databases", s.investigation(s.investigator.InvestigateDatabases)).Methods(http.MethodPost)
	return router
}

// HTTPServer wraps the router. Writes may take as long as one
// investigation plus a margin for encoding.
func (s *Server) HTTPServer(addr string, readTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      s.timeout + 10*time.Second,
	}
}

// handleHealthz returns 200 if the server is running
func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz returns 200 once the service can take investigations
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type investigateFunc func(ctx context.Context, identifiers []string, opts investigate.Options) (*report.Report, error)

func (s *Server) investigation(run investigateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InvestigationRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}

		opts, err := req.Options()
		if err != nil {
			s.writeError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()

		rep, err := run(ctx, req.Identifiers, opts)
		if err != nil {
			s.writeError(w, err)
			return
		}

		resp := InvestigationResponse{Report: rep}
		if req.Analyze {
			text, err := s.analyst.Analyze(ctx, rep, req.Context)
			if err != nil {
				// The report stands on its own.
				s.logger.Warn().Err(err).Str("run_id", rep.RunID).Msg("analysis failed")
			}
			resp.Analysis = text
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var optErr *investigate.OptionsError
	if errors.As(err, &optErr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: optErr.Error(), Field: optErr.Field})
		return
	}
	if errors.Is(err, investigate.ErrInvalidOptions) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Error().Err(err).Msg("investigation failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Ctx(r.Context()).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
