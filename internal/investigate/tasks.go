package investigate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/internal/metrics"
	"github.com/yairfalse/triage/internal/tasks"
	"github.com/yairfalse/triage/pkg/report"
)

// InvestigateTasks investigates the ECS tasks named in identifiers. Each
// identifier is a task ARN or free text containing task ARNs; inputs
// without one are listed in Report.Unparsed. Only invalid options fail the
// call.
func (s *Service) InvestigateTasks(ctx context.Context, identifiers []string, opts Options) (*report.Report, error) {
	arns, unparsed := parseTaskIdentifiers(identifiers)
	if err := opts.Validate(len(arns), s.settings.MaxIdentifiers); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "investigate.tasks", trace.WithAttributes(
		attribute.Int("tasks", len(arns)),
	))
	defer span.End()

	started := s.now()
	windows := metrics.ResolveWindows(started, opts.TimeRange, opts.LookbackHours)
	rep := s.newReport(report.KindTask, started, windows.History)
	rep.Unparsed = unparsed

	entries := make([]*entry, len(arns))
	byARN := make(map[report.TaskARN]*entry, len(arns))
	for i, arn := range arns {
		e := newEntry(report.KindTask, arn.String(), arn.Region)
		task := arn
		e.result.Task = &task
		entries[i] = e
		byARN[arn] = e
	}
	if len(arns) == 0 {
		return s.finish(ctx, span, rep, entries), nil
	}

	// 1. Status and task metrics are independent.
	var (
		status tasks.StatusResult
		usage  map[report.TaskARN]patch
		g      errgroup.Group
	)
	g.Go(func() error {
		ctx, span := s.tracer.Start(ctx, "investigate.tasks.status")
		defer span.End()
		status = s.status.Describe(ctx, arns)
		return nil
	})
	if opts.metrics() {
		g.Go(func() error {
			ctx, span := s.tracer.Start(ctx, "investigate.tasks.metrics")
			defer span.End()
			usage = s.taskMetrics(ctx, arns, windows.Health)
			return nil
		})
	}
	_ = g.Wait()

	for arn, e := range byARN {
		lookup, reason := status.Lookup(arn.String())
		e.result.Lookup = lookup
		switch lookup {
		case report.LookupFound:
			info := status.Found[arn.String()]
			e.result.TaskInfo = &info
		case report.LookupFailed:
			e.result.AddError(reason)
			s.recorder.RecordSourceError(ctx, "ecs-tasks", arn.Region)
		}
		if p, ok := usage[arn]; ok {
			p(e)
		}
	}

	// 2. Status selects the follow-up lookups.
	s.taskFollowUps(ctx, arns, byARN, opts, windows)

	return s.finish(ctx, span, rep, entries), nil
}

// parseTaskIdentifiers keeps the first occurrence of every task ARN.
func parseTaskIdentifiers(identifiers []string) ([]report.TaskARN, []string) {
	var (
		arns     []report.TaskARN
		unparsed []string
	)
	seen := make(map[report.TaskARN]bool)
	for _, raw := range identifiers {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		var found []report.TaskARN
		if arn, ok := report.ParseTaskARN(id); ok {
			found = []report.TaskARN{arn}
		} else {
			found = report.ExtractTaskARNs(id)
		}
		if len(found) == 0 {
			unparsed = append(unparsed, id)
			continue
		}
		for _, arn := range found {
			if !seen[arn] {
				seen[arn] = true
				arns = append(arns, arn)
			}
		}
	}
	return arns, unparsed
}

type clusterKey struct {
	Region  string
	Cluster string
}

// taskMetrics runs one Container Insights query per cluster.
func (s *Service) taskMetrics(ctx context.Context, arns []report.TaskARN, window report.TimeRange) map[report.TaskARN]patch {
	groups := make(map[clusterKey][]report.TaskARN)
	var keys []clusterKey
	for _, arn := range arns {
		k := clusterKey{Region: arn.Region, Cluster: arn.Cluster}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], arn)
	}

	outcomes := fanout.Run(ctx, s.steps, keys, func(ctx context.Context, k clusterKey) (map[string]*report.MetricsSummary, error) {
		h, err := s.registry.Get(k.Region)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(groups[k]))
		for i, arn := range groups[k] {
			ids[i] = arn.TaskID
		}
		return s.insights.TaskUtilization(ctx, h, k.Cluster, ids, window)
	})

	out := make(map[report.TaskARN]patch, len(arns))
	for k, o := range outcomes {
		var shared patch
		switch {
		case o.OK():
		case errors.Is(o.Err, metrics.ErrSourceUnavailable):
			shared = addNote(fmt.Sprintf("container insights not enabled for cluster %s", k.Cluster))
		default:
			shared = addError(awsapi.Describe("task metrics", o.Err))
			s.recorder.RecordSourceError(ctx, metrics.SourceContainerInsights, k.Region)
		}
		for _, arn := range groups[k] {
			if shared != nil {
				out[arn] = shared
				continue
			}
			summary := o.Value[arn.TaskID]
			out[arn] = func(e *entry) { e.result.Metrics = summary }
		}
	}
	return out
}

// taskFollowUps reads CloudTrail history for tasks the provider no longer
// knows, and service events and utilization for tasks that belong to a
// service.
func (s *Service) taskFollowUps(ctx context.Context, arns []report.TaskARN, byARN map[report.TaskARN]*entry, opts Options, windows metrics.Windows) {
	var missing []report.TaskARN
	members := make(map[tasks.ServiceRef][]report.TaskARN)
	var refs []tasks.ServiceRef
	for _, arn := range arns {
		r := byARN[arn].result
		switch {
		case r.Lookup == report.LookupNotFound:
			missing = append(missing, arn)
		case r.TaskInfo != nil && r.TaskInfo.Service != "":
			ref := tasks.ServiceRef{Region: arn.Region, Cluster: arn.Cluster, Service: r.TaskInfo.Service}
			if _, ok := members[ref]; !ok {
				refs = append(refs, ref)
			}
			members[ref] = append(members[ref], arn)
		}
	}

	var (
		history  map[report.TaskARN]fanout.Outcome[[]report.Event]
		services tasks.ServiceResult
		usage    map[tasks.ServiceRef]fanout.Outcome[*report.MetricsSummary]
		g        errgroup.Group
	)
	if opts.events() && len(missing) > 0 {
		g.Go(func() error {
			ctx, span := s.tracer.Start(ctx, "investigate.tasks.history")
			defer span.End()
			history = fanout.Run(ctx, s.steps, missing, func(ctx context.Context, arn report.TaskARN) ([]report.Event, error) {
				return s.history.Lookup(ctx, arn, windows.History)
			})
			return nil
		})
	}
	if opts.events() && len(refs) > 0 {
		g.Go(func() error {
			ctx, span := s.tracer.Start(ctx, "investigate.tasks.services")
			defer span.End()
			services = s.services.Describe(ctx, refs, windows.History)
			return nil
		})
	}
	if opts.metrics() && len(refs) > 0 {
		g.Go(func() error {
			ctx, span := s.tracer.Start(ctx, "investigate.tasks.service_metrics")
			defer span.End()
			usage = fanout.Run(ctx, s.steps, refs, func(ctx context.Context, ref tasks.ServiceRef) (*report.MetricsSummary, error) {
				h, err := s.registry.Get(ref.Region)
				if err != nil {
					return nil, err
				}
				return s.extractor.ServiceUtilization(ctx, h, ref.Cluster, ref.Service, windows.Health)
			})
			return nil
		})
	}
	_ = g.Wait()

	for _, arn := range missing {
		o, ok := history[arn]
		if !ok {
			continue
		}
		e := byARN[arn]
		if !o.OK() {
			e.result.AddError(awsapi.Describe("task history", o.Err))
			s.recorder.RecordSourceError(ctx, report.SourceCloudTrail, arn.Region)
			continue
		}
		if e.timeline.Add(o.Value...) == 0 {
			e.result.AddNote("task not found and no CloudTrail history in window")
		}
	}

	for _, ref := range refs {
		var p patch
		if info, ok := services.Found[ref]; ok {
			note := fmt.Sprintf("service %s: %s, running %d of %d desired, %d pending",
				ref.Service, info.Status, info.RunningCount, info.DesiredCount, info.PendingCount)
			events := info.Events
			p = func(e *entry) {
				e.result.AddNote(note)
				e.timeline.Add(events...)
			}
		} else if reason, ok := services.Failed[ref]; ok {
			p = addError(reason)
			s.recorder.RecordSourceError(ctx, report.SourceECSService, ref.Region)
		}

		var m patch
		if o, ok := usage[ref]; ok {
			if o.OK() {
				summary := o.Value
				m = func(e *entry) { e.result.ServiceMetrics = summary }
			} else {
				m = addError(awsapi.Describe("service metrics", o.Err))
				s.recorder.RecordSourceError(ctx, metrics.SourceServiceMetrics, ref.Region)
			}
		}

		for _, arn := range members[ref] {
			e := byARN[arn]
			if p != nil {
				p(e)
			}
			if m != nil {
				m(e)
			}
		}
	}
}
