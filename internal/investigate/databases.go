package investigate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/databases"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/internal/metrics"
	"github.com/yairfalse/triage/pkg/report"
)

// Per-instance sources read after resolution.
const (
	sourceMetrics  = metrics.SourceRDSMetrics
	sourceEnhanced = metrics.SourceEnhanced
	sourceTopSQL   = "performance-insights"
	sourceEvents   = "rds-events"
)

// RDS instance and cluster identifiers: a letter, then letters, digits and
// hyphens, at most 63 characters.
var dbIdentifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{0,62}$`)

// InvestigateDatabases investigates the RDS instances and clusters named in
// identifiers. A cluster expands to its members. Only invalid options fail
// the call.
func (s *Service) InvestigateDatabases(ctx context.Context, identifiers []string, opts Options) (*report.Report, error) {
	region := opts.Region
	if region == "" {
		region = s.settings.DefaultRegion
	}
	refs, unparsed := parseDatabaseIdentifiers(identifiers, region)
	if err := opts.Validate(len(refs), s.settings.MaxIdentifiers); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "investigate.databases", trace.WithAttributes(
		attribute.Int("identifiers", len(refs)),
	))
	defer span.End()

	started := s.now()
	windows := metrics.ResolveWindows(started, opts.TimeRange, opts.LookbackHours)
	rep := s.newReport(report.KindDatabase, started, windows.History)
	rep.Unparsed = unparsed
	if len(refs) == 0 {
		return s.finish(ctx, span, rep, nil), nil
	}

	// 1. Resolve identifiers into a deduplicated instance set.
	resolveCtx, resolveSpan := s.tracer.Start(ctx, "investigate.databases.resolve")
	set := s.resolver.ResolveAll(resolveCtx, refs)
	resolveSpan.End()
	rep.Errors = append(rep.Errors, set.Errors...)

	targets := make([]*entry, 0, len(set.Targets))
	instances := make([]report.InstanceInfo, 0, len(set.Targets))
	for _, t := range set.Targets {
		inst := t.Instance
		e := newEntry(report.KindDatabase, inst.Identifier, inst.Region)
		e.result.Lookup = report.LookupFound
		e.result.Instance = &inst
		for _, msg := range t.Errors {
			e.result.AddError(msg)
		}
		targets = append(targets, e)
		instances = append(instances, inst)
	}

	entries := append([]*entry{}, targets...)
	for _, u := range set.Unresolved {
		e := newEntry(report.KindDatabase, u.Ref.Identifier, u.Ref.Region)
		if u.Err == nil {
			e.result.Lookup = report.LookupNotFound
		} else {
			e.result.Lookup = report.LookupFailed
			e.result.AddError(u.Reason())
			s.recorder.RecordSourceError(ctx, "rds", u.Ref.Region)
		}
		entries = append(entries, e)
	}

	// 2. Every source of every instance is independent.
	sourcesCtx, sourcesSpan := s.tracer.Start(ctx, "investigate.databases.sources")
	s.databaseSources(sourcesCtx, targets, instances, opts, windows.History)
	sourcesSpan.End()

	return s.finish(ctx, span, rep, entries), nil
}

// parseDatabaseIdentifiers pins every identifier to a region and drops
// duplicates. Inputs that cannot be RDS identifiers are returned as
// unparsed.
func parseDatabaseIdentifiers(identifiers []string, region string) ([]databases.Ref, []string) {
	var (
		refs     []databases.Ref
		unparsed []string
	)
	seen := make(map[databases.Ref]bool)
	for _, raw := range identifiers {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		ref := databases.ParseRef(id, region)
		if !dbIdentifier.MatchString(ref.Identifier) || ref.Region == "" {
			unparsed = append(unparsed, id)
			continue
		}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs, unparsed
}

type sourceKey struct {
	index  int
	source string
}

func (s *Service) databaseSources(ctx context.Context, targets []*entry, instances []report.InstanceInfo, opts Options, window report.TimeRange) {
	var keys []sourceKey
	for i := range targets {
		if opts.metrics() {
			keys = append(keys,
				sourceKey{index: i, source: sourceMetrics},
				sourceKey{index: i, source: sourceEnhanced},
				sourceKey{index: i, source: sourceTopSQL},
			)
		}
		if opts.events() {
			keys = append(keys, sourceKey{index: i, source: sourceEvents})
		}
	}
	if len(keys) == 0 {
		return
	}

	outcomes := fanout.Run(ctx, s.steps, keys, func(ctx context.Context, k sourceKey) (patch, error) {
		return s.readSource(ctx, instances[k.index], k.source, window)
	})

	for _, k := range keys {
		o := outcomes[k]
		e := targets[k.index]
		if !o.OK() {
			e.result.AddError(awsapi.Describe(k.source, o.Err))
			s.recorder.RecordSourceError(ctx, k.source, instances[k.index].Region)
			continue
		}
		o.Value(e)
	}
}

// readSource reads one source for inst. Sources that are not enabled on
// the instance produce a note.
func (s *Service) readSource(ctx context.Context, inst report.InstanceInfo, source string, window report.TimeRange) (patch, error) {
	h, err := s.registry.Get(inst.Region)
	if err != nil {
		return nil, err
	}

	switch source {
	case sourceMetrics:
		summary, err := s.extractor.DatabaseMetrics(ctx, h, inst.Identifier, window)
		if err != nil {
			return nil, err
		}
		return func(e *entry) { e.result.Metrics = summary }, nil

	case sourceEnhanced:
		if inst.MonitoringInterval == 0 || inst.ResourceID == "" {
			return addNote("enhanced monitoring not enabled"), nil
		}
		summary, err := s.insights.EnhancedMonitoring(ctx, h, inst.ResourceID, window)
		if errors.Is(err, metrics.ErrSourceUnavailable) {
			return addNote("enhanced monitoring log group not found"), nil
		}
		if err != nil {
			return nil, err
		}
		return func(e *entry) { e.result.EnhancedMetrics = summary }, nil

	case sourceTopSQL:
		if !inst.InsightsEnabled || inst.ResourceID == "" {
			return addNote("performance insights not enabled"), nil
		}
		queries, err := s.topSQL.TopQueries(ctx, h, inst.ResourceID, window, s.settings.TopQueries)
		if awsapi.IsNotFound(err) {
			return addNote("performance insights has no data for this instance"), nil
		}
		if err != nil {
			return nil, err
		}
		return func(e *entry) { e.result.TopQueries = queries }, nil

	case sourceEvents:
		events, err := s.dbEvents.ForInstance(ctx, inst, window)
		if err != nil {
			return nil, err
		}
		return func(e *entry) { e.timeline.Add(events...) }, nil
	}
	return nil, fmt.Errorf("unknown source %q", source)
}
