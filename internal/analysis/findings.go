// Package analysis turns an investigation report into findings and prose.
package analysis

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/yairfalse/triage/internal/metrics"
	"github.com/yairfalse/triage/pkg/report"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Finding is one notable condition on an entity.
type Finding struct {
	Severity Severity `json:"severity"`
	EntityID string   `json:"entity_id"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
}

// Thresholds for utilization findings, in percent.
const (
	HighUtilization     = 90.0
	ElevatedUtilization = 75.0
)

// Detect runs every rule over rep. Findings are ordered by severity, then
// by entity, then by rule.
func Detect(rep *report.Report) []Finding {
	if rep == nil {
		return nil
	}
	var findings []Finding
	for _, r := range rep.Results {
		if r == nil {
			continue
		}
		findings = append(findings, detectLookup(r)...)
		if r.TaskInfo != nil {
			findings = append(findings, detectTask(r.EntityID, r.TaskInfo)...)
		}
		if r.Instance != nil {
			findings = append(findings, detectInstance(r.EntityID, r.Instance)...)
		}
		for _, m := range []*report.MetricsSummary{r.Metrics, r.ServiceMetrics, r.EnhancedMetrics} {
			findings = append(findings, detectUtilization(r.EntityID, m)...)
		}
		if len(r.Errors) > 0 {
			findings = append(findings, Finding{
				Severity: SeverityInfo,
				EntityID: r.EntityID,
				Rule:     "incomplete",
				Message:  fmt.Sprintf("%d source(s) failed, data is incomplete", len(r.Errors)),
			})
		}
	}
	for _, msg := range rep.Errors {
		findings = append(findings, Finding{Severity: SeverityWarning, Rule: "run-error", Message: msg})
	}

	slices.SortStableFunc(findings, func(a, b Finding) int {
		return cmp.Or(
			cmp.Compare(a.Severity.rank(), b.Severity.rank()),
			cmp.Compare(a.EntityID, b.EntityID),
			cmp.Compare(a.Rule, b.Rule),
		)
	})
	return findings
}

func detectLookup(r *report.Result) []Finding {
	switch r.Lookup {
	case report.LookupNotFound:
		msg := "no longer reported by the provider"
		if len(r.Events) > 0 {
			msg += fmt.Sprintf("; last event: %s", r.Events[0].Message)
		}
		return []Finding{{Severity: SeverityWarning, EntityID: r.EntityID, Rule: "not-found", Message: msg}}
	case report.LookupFailed:
		return []Finding{{Severity: SeverityWarning, EntityID: r.EntityID, Rule: "status-unavailable", Message: "current status could not be read"}}
	}
	return nil
}

func detectTask(id string, task *report.TaskInfo) []Finding {
	var out []Finding
	if task.LastStatus == "STOPPED" {
		reason := task.StoppedReason
		if reason == "" {
			reason = "no reason given"
		}
		if task.StopCode != "" {
			reason = task.StopCode + ": " + reason
		}
		out = append(out, Finding{Severity: SeverityCritical, EntityID: id, Rule: "task-stopped", Message: "task stopped (" + reason + ")"})
	}
	if task.Health == "UNHEALTHY" {
		out = append(out, Finding{Severity: SeverityWarning, EntityID: id, Rule: "task-unhealthy", Message: "task health check failing"})
	}
	for _, c := range task.Containers {
		if c.ExitCode != nil && *c.ExitCode != 0 {
			msg := fmt.Sprintf("container %s exited with code %d", c.Name, *c.ExitCode)
			if c.Reason != "" {
				msg += " (" + c.Reason + ")"
			}
			out = append(out, Finding{Severity: SeverityCritical, EntityID: id, Rule: "container-exit", Message: msg})
		}
	}
	return out
}

func detectInstance(id string, inst *report.InstanceInfo) []Finding {
	if inst.Status == "" || strings.EqualFold(inst.Status, "available") {
		return nil
	}
	return []Finding{{
		Severity: SeverityWarning,
		EntityID: id,
		Rule:     "instance-status",
		Message:  "instance status is " + inst.Status,
	}}
}

func detectUtilization(id string, m *report.MetricsSummary) []Finding {
	if m == nil || m.SampleCount == 0 {
		return nil
	}
	var out []Finding
	for _, name := range []string{metrics.MeasureCPU, metrics.MeasureMemory} {
		measure, ok := m.Measures[name]
		if !ok || measure.Max == nil {
			continue
		}
		peak := *measure.Max
		var sev Severity
		switch {
		case peak >= HighUtilization:
			sev = SeverityCritical
		case peak >= ElevatedUtilization:
			sev = SeverityWarning
		default:
			continue
		}
		out = append(out, Finding{
			Severity: sev,
			EntityID: id,
			Rule:     "utilization:" + m.Source + ":" + name,
			Message:  fmt.Sprintf("%s peak %.1f%% (avg %.1f%%) from %s", name, peak, *measure.Avg, m.Source),
		})
	}
	return out
}
