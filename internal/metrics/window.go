// Package metrics condenses provider time series into report measures.
//
// Two paths exist. The client-side path pulls raw series with
// GetMetricData and summarizes locally. The server-side path runs a Logs
// Insights query that derives each ratio per row and lets the store
// aggregate. In both, a measure with no samples carries no statistics.
package metrics

import (
	"time"

	"github.com/yairfalse/triage/pkg/report"
)

const (
	// HealthLookback is the default window for near-real-time checks:
	// task and service utilization.
	HealthLookback = time.Hour
	// HistoryLookback is the default window for diagnosis: events,
	// database metrics, top SQL and CloudTrail.
	HistoryLookback = 24 * time.Hour

	MinLookbackHours = 1
	MaxLookbackHours = 168
)

// Windows holds the resolved window per query type.
type Windows struct {
	Health  report.TimeRange
	History report.TimeRange
}

// ResolveWindows picks the query windows. An explicit range is used
// verbatim for both; otherwise lookbackHours, when set, replaces both
// default lookbacks. Callers validate the inputs first.
func ResolveWindows(now time.Time, explicit *report.TimeRange, lookbackHours int) Windows {
	if explicit != nil {
		return Windows{Health: *explicit, History: *explicit}
	}
	health, history := HealthLookback, HistoryLookback
	if lookbackHours > 0 {
		health = time.Duration(lookbackHours) * time.Hour
		history = health
	}
	return Windows{
		Health:  report.TimeRange{Start: now.Add(-health), End: now},
		History: report.TimeRange{Start: now.Add(-history), End: now},
	}
}

// PeriodFor returns the sampling period used for window.
func PeriodFor(window report.TimeRange) time.Duration {
	switch d := window.Duration(); {
	case d <= 3*time.Hour:
		return time.Minute
	case d <= 48*time.Hour:
		return 5 * time.Minute
	default:
		return time.Hour
	}
}
