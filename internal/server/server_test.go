package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/triage/internal/investigate"
	"github.com/yairfalse/triage/pkg/report"
)

type mockInvestigator struct {
	TasksFunc     func(ctx context.Context, ids []string, opts investigate.Options) (*report.Report, error)
	DatabasesFunc func(ctx context.Context, ids []string, opts investigate.Options) (*report.Report, error)
}

func (m *mockInvestigator) InvestigateTasks(ctx context.Context, ids []string, opts investigate.Options) (*report.Report, error) {
	return m.TasksFunc(ctx, ids, opts)
}

func (m *mockInvestigator) InvestigateDatabases(ctx context.Context, ids []string, opts investigate.Options) (*report.Report, error) {
	return m.DatabasesFunc(ctx, ids, opts)
}

type mockAnalyst struct {
	text string
	err  error
	got  string
}

func (m *mockAnalyst) Analyze(_ context.Context, _ *report.Report, userContext string) (string, error) {
	m.got = userContext
	return m.text, m.err
}

func emptyReport(kind report.Kind) *report.Report {
	return &report.Report{RunID: "run-1", Kind: kind, Results: []*report.Result{}}
}

func newTestServer(inv *mockInvestigator, analyst *mockAnalyst) *Server {
	cfg := Config{Investigator: inv, Timeout: time.Second, Logger: zerolog.Nop()}
	if analyst != nil {
		cfg.Analyst = analyst
	}
	return New(cfg)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ══════════════════════════════════════════════════════════════════════════════
// Probes
// ══════════════════════════════════════════════════════════════════════════════

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handleHealthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestHandleReadyz(t *testing.T) {
	s := newTestServer(&mockInvestigator{}, nil)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready", w.Body.String())

	s.SetReady(true)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := New(Config{Investigator: &mockInvestigator{}, Gatherer: reg, Logger: zerolog.Nop()})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "triage_test_total 1")
}

// ══════════════════════════════════════════════════════════════════════════════
// Investigations
// ══════════════════════════════════════════════════════════════════════════════

func TestInvestigateTasks_PassesOptions(t *testing.T) {
	var gotIDs []string
	var gotOpts investigate.Options
	inv := &mockInvestigator{
		TasksFunc: func(ctx context.Context, ids []string, opts investigate.Options) (*report.Report, error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			gotIDs, gotOpts = ids, opts
			return emptyReport(report.KindTask), nil
		},
	}
	s := newTestServer(inv, nil)

	w := post(t, s.Router(), "/v1/investigations/tasks", `{
		"identifiers": ["arn:aws:ecs:us-east-1:123456789012:task/prod/abc"],
		"include_metrics": false,
		"start": "2026-03-10T10:00:00Z",
		"end": "2026-03-10T11:00:00Z"
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, []string{"arn:aws:ecs:us-east-1:123456789012:task/prod/abc"}, gotIDs)
	require.NotNil(t, gotOpts.IncludeMetrics)
	assert.False(t, *gotOpts.IncludeMetrics)
	assert.Nil(t, gotOpts.IncludeEvents)
	require.NotNil(t, gotOpts.TimeRange)
	assert.Equal(t, time.Hour, gotOpts.TimeRange.Duration())

	var resp InvestigationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.Report.RunID)
	assert.Empty(t, resp.Analysis)
}

func TestInvestigateDatabases_WithAnalysis(t *testing.T) {
	inv := &mockInvestigator{
		DatabasesFunc: func(_ context.Context, ids []string, opts investigate.Options) (*report.Report, error) {
			assert.Equal(t, "eu-west-1", opts.Region)
			return emptyReport(report.KindDatabase), nil
		},
	}
	analyst := &mockAnalyst{text: "all quiet"}
	s := newTestServer(inv, analyst)

	w := post(t, s.Router(), "/v1/investigations/databases",
		`{"identifiers":["orders"],"region":"eu-west-1","analyze":true,"context":"slow checkout"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp InvestigationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "all quiet", resp.Analysis)
	assert.Equal(t, report.KindDatabase, resp.Report.Kind)
	assert.Equal(t, "slow checkout", analyst.got)
}

func TestInvestigate_AnalysisFailureKeepsReport(t *testing.T) {
	inv := &mockInvestigator{
		TasksFunc: func(context.Context, []string, investigate.Options) (*report.Report, error) {
			return emptyReport(report.KindTask), nil
		},
	}
	s := newTestServer(inv, &mockAnalyst{err: errors.New("model unavailable")})

	w := post(t, s.Router(), "/v1/investigations/tasks", `{"identifiers":[],"analyze":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp InvestigationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.Report.RunID)
	assert.Empty(t, resp.Analysis)
}

func TestInvestigate_BadRequests(t *testing.T) {
	called := false
	inv := &mockInvestigator{
		TasksFunc: func(_ context.Context, _ []string, opts investigate.Options) (*report.Report, error) {
			called = true
			if err := opts.Validate(0, 50); err != nil {
				return nil, err
			}
			return emptyReport(report.KindTask), nil
		},
	}
	s := newTestServer(inv, nil)

	tests := []struct {
		name      string
		body      string
		field     string
		reachesFn bool
	}{
		{name: "malformed json", body: `{"identifiers":`},
		{name: "unknown field", body: `{"ids":["x"]}`},
		{name: "half range", body: `{"start":"2026-03-10T10:00:00Z"}`, field: "time_range"},
		{name: "unparsable start", body: `{"start":"yesterday","end":"2026-03-10T10:00:00Z"}`, field: "time_range.start"},
		{name: "lookback", body: `{"lookback_hours":500}`, field: "lookback_hours", reachesFn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			w := post(t, s.Router(), "/v1/investigations/tasks", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.reachesFn, called)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestInvestigate_InternalError(t *testing.T) {
	inv := &mockInvestigator{
		TasksFunc: func(context.Context, []string, investigate.Options) (*report.Report, error) {
			return nil, errors.New("boom")
		},
	}
	s := newTestServer(inv, nil)

	w := post(t, s.Router(), "/v1/investigations/tasks", `{"identifiers":["x"]}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "boom")
}

func TestInvestigate_MethodNotAllowed(t *testing.T) {
	s := newTestServer(&mockInvestigator{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/investigations/tasks", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPServer_Timeouts(t *testing.T) {
	s := newTestServer(&mockInvestigator{}, nil)

	srv := s.HTTPServer(":0", 5*time.Second)

	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 5*time.Second, srv.ReadTimeout)
	assert.Equal(t, 11*time.Second, srv.WriteTimeout)
	assert.NotNil(t, srv.Handler)
}
