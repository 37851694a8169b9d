// Package investigate runs task and database investigations. Every source
// is read concurrently where no data dependency exists, failures are
// recorded on the entity they concern, and the run summary is folded from
// the final results.
package investigate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/config"
	"github.com/yairfalse/triage/internal/databases"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/internal/metrics"
	"github.com/yairfalse/triage/internal/tasks"
	"github.com/yairfalse/triage/pkg/report"
)

// maxEventsPerResult caps the merged timeline kept on one result.
const maxEventsPerResult = 100

// Settings are the process-wide limits of a Service.
type Settings struct {
	DefaultRegion  string
	MaxIdentifiers int
	CallTimeout    time.Duration
	StepTimeout    time.Duration
	Concurrency    int
	PollInterval   time.Duration
	QueryMaxWait   time.Duration
	TopQueries     int
	HistoryPages   int
	MetricPages    int
}

// SettingsFromConfig extracts the investigation settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		DefaultRegion:  cfg.AWS.DefaultRegion,
		MaxIdentifiers: cfg.Limits.MaxIdentifiers,
		CallTimeout:    cfg.Timeouts.Call,
		StepTimeout:    cfg.Timeouts.Step,
		Concurrency:    cfg.Limits.Concurrency,
		PollInterval:   cfg.Timeouts.PollInterval,
		QueryMaxWait:   cfg.Timeouts.QueryMaxWait,
		TopQueries:     cfg.Limits.TopQueries,
		HistoryPages:   cfg.Limits.HistoryPages,
		MetricPages:    cfg.Limits.MetricPages,
	}
}

// withDefaults fills zero fields from the configuration defaults.
func (s Settings) withDefaults() Settings {
	d := SettingsFromConfig(config.Default())
	if s.DefaultRegion == "" {
		s.DefaultRegion = d.DefaultRegion
	}
	if s.MaxIdentifiers == 0 {
		s.MaxIdentifiers = d.MaxIdentifiers
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = d.CallTimeout
	}
	if s.StepTimeout == 0 {
		s.StepTimeout = d.StepTimeout
	}
	if s.Concurrency == 0 {
		s.Concurrency = d.Concurrency
	}
	if s.PollInterval == 0 {
		s.PollInterval = d.PollInterval
	}
	if s.QueryMaxWait == 0 {
		s.QueryMaxWait = d.QueryMaxWait
	}
	if s.TopQueries == 0 {
		s.TopQueries = d.TopQueries
	}
	if s.HistoryPages == 0 {
		s.HistoryPages = d.HistoryPages
	}
	if s.MetricPages == 0 {
		s.MetricPages = d.MetricPages
	}
	return s
}

// Recorder receives investigation metrics. telemetry.Provider implements it.
type Recorder interface {
	RecordInvestigation(ctx context.Context, kind, outcome string, d time.Duration)
	RecordEntities(ctx context.Context, kind, status string, count int)
	RecordSourceError(ctx context.Context, source, region string)
}

type nopRecorder struct{}

func (nopRecorder) RecordInvestigation(context.Context, string, string, time.Duration) {}
func (nopRecorder) RecordEntities(context.Context, string, string, int)                {}
func (nopRecorder) RecordSourceError(context.Context, string, string)                  {}

// Service runs investigations against the regions served by its registry.
type Service struct {
	registry *awsapi.Registry
	settings Settings

	status    *tasks.StatusClient
	services  *tasks.ServiceClient
	history   *tasks.History
	resolver  *databases.Resolver
	dbEvents  *databases.Events
	extractor *metrics.Extractor
	insights  *metrics.InsightsRunner
	topSQL    *metrics.TopSQL

	// steps runs per-entity work. The status and service clients and the
	// resolver hold their own executors so nested fan-outs never wait on
	// slots held by their parent.
	steps *fanout.Executor

	tracer   trace.Tracer
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder sets where investigation metrics go.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides time.Now, which anchors default windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service.
func New(registry *awsapi.Registry, settings Settings, logger zerolog.Logger, opts ...Option) *Service {
	settings = settings.withDefaults()
	executor := func() *fanout.Executor {
		return fanout.New(settings.StepTimeout,
			fanout.WithLimit(int64(settings.Concurrency)),
			fanout.WithLogger(logger),
		)
	}

	s := &Service{
		registry:  registry,
		settings:  settings,
		status:    tasks.NewStatusClient(registry, executor(), settings.CallTimeout, logger),
		services:  tasks.NewServiceClient(registry, executor(), settings.CallTimeout, logger),
		history:   tasks.NewHistory(registry, settings.CallTimeout, settings.HistoryPages),
		resolver:  databases.NewResolver(registry, executor(), settings.CallTimeout, logger),
		dbEvents:  databases.NewEvents(registry, settings.CallTimeout),
		extractor: metrics.NewExtractor(settings.CallTimeout, settings.MetricPages),
		insights:  metrics.NewInsightsRunner(settings.PollInterval, settings.QueryMaxWait, settings.CallTimeout, logger),
		topSQL:    metrics.NewTopSQL(settings.CallTimeout),
		steps:     executor(),
		tracer:    otel.Tracer("github.com/yairfalse/triage/investigate"),
		recorder:  nopRecorder{},
		logger:    logger.With().Str("component", "investigate").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settings returns the effective settings.
func (s *Service) Settings() Settings {
	return s.settings
}

// Close releases every regional client.
func (s *Service) Close() error {
	return s.registry.Clear()
}

// entry is one result under construction. Only the goroutine merging
// outcomes writes to it.
type entry struct {
	result   *report.Result
	timeline *report.Timeline
}

func newEntry(kind report.Kind, entityID, region string) *entry {
	return &entry{
		result:   report.NewResult(kind, entityID, region),
		timeline: report.NewTimeline(),
	}
}

// patch applies one source's outcome to an entry.
type patch func(e *entry)

func addNote(msg string) patch {
	return func(e *entry) { e.result.AddNote(msg) }
}

func addError(msg string) patch {
	return func(e *entry) { e.result.AddError(msg) }
}

func (s *Service) newReport(kind report.Kind, started time.Time, window report.TimeRange) *report.Report {
	return &report.Report{
		RunID:     uuid.NewString(),
		Kind:      kind,
		StartedAt: started,
		Window:    window,
		Results:   []*report.Result{},
	}
}

// finish copies entries into rep, folds the summary and records the run.
func (s *Service) finish(ctx context.Context, span trace.Span, rep *report.Report, entries []*entry) *report.Report {
	for _, e := range entries {
		e.result.Events = e.timeline.Events(maxEventsPerResult)
		rep.Results = append(rep.Results, e.result)
	}
	rep.Summary = report.Summarize(rep.Results, rep.Errors)

	elapsed := s.now().Sub(rep.StartedAt)
	rep.Duration = elapsed.String()

	kind := string(rep.Kind)
	outcome := "ok"
	if rep.Summary.Failed > 0 || rep.Summary.TotalErrors > 0 {
		outcome = "partial"
	}
	s.recorder.RecordInvestigation(ctx, kind, outcome, elapsed)
	s.recorder.RecordEntities(ctx, kind, string(report.LookupFound), rep.Summary.Found)
	s.recorder.RecordEntities(ctx, kind, string(report.LookupNotFound), rep.Summary.NotFound)
	s.recorder.RecordEntities(ctx, kind, string(report.LookupFailed), rep.Summary.Failed)

	span.SetAttributes(
		attribute.String("run_id", rep.RunID),
		attribute.Int("found", rep.Summary.Found),
		attribute.Int("not_found", rep.Summary.NotFound),
		attribute.Int("failed", rep.Summary.Failed),
		attribute.Int("errors", rep.Summary.TotalErrors),
	)

	s.logger.Info().Ctx(ctx).
		Str("run_id", rep.RunID).
		Str("kind", kind).
		Int("requested", rep.Summary.TotalRequested).
		Int("found", rep.Summary.Found).
		Int("not_found", rep.Summary.NotFound).
		Int("failed", rep.Summary.Failed).
		Int("errors", rep.Summary.TotalErrors).
		Dur("duration", elapsed).
		Msg("investigation complete")

	return rep
}
