package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yairfalse/triage/pkg/report"
)

// Analyst turns a report and free-text context from the requester into
// prose.
type Analyst interface {
	Analyze(ctx context.Context, rep *report.Report, userContext string) (string, error)
}

// ErrNoReport is returned when Analyze is given a nil report.
var ErrNoReport = errors.New("no report to analyze")

// TextAnalyst renders a report deterministically without any external
// service. It is the default Analyst.
type TextAnalyst struct {
	// MaxEvents limits the events listed per entity. Zero means 5.
	MaxEvents int
}

// Analyze implements Analyst.
func (a TextAnalyst) Analyze(ctx context.Context, rep *report.Report, userContext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rep == nil {
		return "", ErrNoReport
	}
	maxEvents := a.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 5
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Investigation %s (%s)\n", rep.RunID, rep.Kind)
	fmt.Fprintf(&b, "Window: %s to %s\n",
		rep.Window.Start.UTC().Format(time.RFC3339), rep.Window.End.UTC().Format(time.RFC3339))
	if c := strings.TrimSpace(userContext); c != "" {
		fmt.Fprintf(&b, "Context: %s\n", c)
	}

	s := rep.Summary
	fmt.Fprintf(&b, "\n%d requested: %d found, %d not found, %d failed; %d with metrics, %d with events, %d errors\n",
		s.TotalRequested, s.Found, s.NotFound, s.Failed, s.WithMetrics, s.WithEvents, s.TotalErrors)
	if len(rep.Unparsed) > 0 {
		fmt.Fprintf(&b, "Unrecognized input: %s\n", strings.Join(rep.Unparsed, ", "))
	}

	if findings := Detect(rep); len(findings) > 0 {
		b.WriteString("\nFindings:\n")
		for _, f := range findings {
			if f.EntityID == "" {
				fmt.Fprintf(&b, "  [%s] %s\n", f.Severity, f.Message)
				continue
			}
			fmt.Fprintf(&b, "  [%s] %s: %s\n", f.Severity, f.EntityID, f.Message)
		}
	}

	for _, r := range rep.Results {
		b.WriteString("\n")
		writeResult(&b, r, maxEvents)
	}
	return b.String(), nil
}

func writeResult(b *strings.Builder, r *report.Result, maxEvents int) {
	fmt.Fprintf(b, "%s [%s, %s]\n", r.EntityID, r.Lookup, r.Region)

	switch {
	case r.TaskInfo != nil:
		t := r.TaskInfo
		fmt.Fprintf(b, "  status: %s (desired %s)", t.LastStatus, t.DesiredStatus)
		if t.Service != "" {
			fmt.Fprintf(b, ", service %s", t.Service)
		}
		b.WriteString("\n")
		if t.StoppedReason != "" {
			fmt.Fprintf(b, "  stopped: %s\n", t.StoppedReason)
		}
	case r.Instance != nil:
		i := r.Instance
		fmt.Fprintf(b, "  %s %s %s, %s", i.Engine, i.EngineVersion, i.Class, i.Status)
		if i.Role != "" {
			fmt.Fprintf(b, ", %s", i.Role)
		}
		if i.ClusterID != "" {
			fmt.Fprintf(b, " of %s", i.ClusterID)
		}
		b.WriteString("\n")
	}

	for _, m := range []*report.MetricsSummary{r.Metrics, r.ServiceMetrics, r.EnhancedMetrics} {
		writeMetrics(b, m)
	}
	for i, q := range r.TopQueries {
		fmt.Fprintf(b, "  top sql #%d load %.2f: %s\n", i+1, q.DBLoad, oneLine(q.Statement, 120))
	}
	for i, ev := range r.Events {
		if i == maxEvents {
			fmt.Fprintf(b, "  ... %d more events\n", len(r.Events)-maxEvents)
			break
		}
		fmt.Fprintf(b, "  %s %s: %s\n", ev.Timestamp.UTC().Format(time.RFC3339), ev.Source, oneLine(ev.Message, 160))
	}
	for _, n := range r.Notes {
		fmt.Fprintf(b, "  note: %s\n", n)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(b, "  error: %s\n", e)
	}
}

func writeMetrics(b *strings.Builder, m *report.MetricsSummary) {
	if m == nil {
		return
	}
	if m.SampleCount == 0 {
		fmt.Fprintf(b, "  %s: no samples\n", m.Source)
		return
	}
	names := make([]string, 0, len(m.Measures))
	for name := range m.Measures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		ms := m.Measures[name]
		if ms.Samples == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s min %.1f avg %.1f max %.1f", name, *ms.Min, *ms.Avg, *ms.Max))
	}
	fmt.Fprintf(b, "  %s (%d samples): %s\n", m.Source, m.SampleCount, strings.Join(parts, "; "))
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
