package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/pkg/report"
)

// EnhancedMonitoringLogGroup receives RDS Enhanced Monitoring records, one
// log stream per instance resource id.
const EnhancedMonitoringLogGroup = "RDSOSMetrics"

// insightsTimeLayout is how Logs Insights renders @timestamp aggregates.
const insightsTimeLayout = "2006-01-02 15:04:05.000"

// TaskLogGroup returns the Container Insights performance log group of a
// cluster.
func TaskLogGroup(cluster string) string {
	return "/aws/ecs/containerinsights/" + cluster + "/performance"
}

// statsClause aggregates per-row cpu_pct and mem_pct columns.
const statsClause = "stats count(*) as samples" +
	", min(cpu_pct) as cpu_min, avg(cpu_pct) as cpu_avg, max(cpu_pct) as cpu_max" +
	", min(mem_pct) as mem_min, avg(mem_pct) as mem_avg, max(mem_pct) as mem_max" +
	", min(@timestamp) as first_seen, max(@timestamp) as last_seen"

// TaskUtilizationQuery builds the per-task utilization query. Each
// performance record is turned into a percentage of its own reservation
// before any aggregation, so peaks reflect real samples.
func TaskUtilizationQuery(taskIDs []string) string {
	quoted := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		quoted[i] = strconv.Quote(id)
	}
	return strings.Join([]string{
		"fields @timestamp, TaskId, CpuUtilized, CpuReserved, MemoryUtilized, MemoryReserved",
		fmt.Sprintf(`filter Type = "Task" and TaskId in [%s] and CpuReserved > 0 and MemoryReserved > 0`, strings.Join(quoted, ", ")),
		"fields CpuUtilized * 100 / CpuReserved as cpu_pct, MemoryUtilized * 100 / MemoryReserved as mem_pct",
		statsClause + " by TaskId",
	}, "\n| ")
}

// EnhancedMonitoringQuery builds the OS-level query for one instance.
// Memory use is derived per record before aggregation.
func EnhancedMonitoringQuery(resourceID string) string {
	return strings.Join([]string{
		"fields @timestamp",
		fmt.Sprintf("filter @logStream = %s and `memory.total` > 0", strconv.Quote(resourceID)),
		"fields (`memory.total` - `memory.free`) * 100 / `memory.total` as mem_pct, `cpuUtilization.total` as cpu_pct",
		statsClause,
	}, "\n| ")
}

// ParseStatsRow turns a statsClause row into a summary. A row with no
// samples produces measures without statistics.
func ParseStatsRow(row Row, entityID, source string) *report.MetricsSummary {
	s := &report.MetricsSummary{
		EntityID: entityID,
		Source:   source,
		Measures: map[string]report.Measure{
			MeasureCPU:    {},
			MeasureMemory: {},
		},
	}
	if row == nil {
		return s
	}
	n, err := strconv.Atoi(row["samples"])
	if err != nil || n <= 0 {
		return s
	}

	s.SampleCount = n
	s.Measures[MeasureCPU] = statsMeasure(row, "cpu", n)
	s.Measures[MeasureMemory] = statsMeasure(row, "mem", n)
	s.FirstObserved = parseInsightsTime(row["first_seen"])
	s.LastObserved = parseInsightsTime(row["last_seen"])
	return s
}

func statsMeasure(row Row, prefix string, samples int) report.Measure {
	lo, okMin := parseFloat(row[prefix+"_min"])
	avg, okAvg := parseFloat(row[prefix+"_avg"])
	hi, okMax := parseFloat(row[prefix+"_max"])
	if !okMin || !okAvg || !okMax {
		return report.Measure{}
	}
	avg = clamp(avg, lo, hi)
	return report.Measure{Samples: samples, Min: &lo, Avg: &avg, Max: &hi}
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func parseInsightsTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(insightsTimeLayout, s); err == nil {
		return &t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	return nil
}

// TaskUtilization runs TaskUtilizationQuery against one cluster. Every
// requested task gets a summary; tasks without records get one with no
// samples.
func (r *InsightsRunner) TaskUtilization(ctx context.Context, h *awsapi.Handle, cluster string, taskIDs []string, window report.TimeRange) (map[string]*report.MetricsSummary, error) {
	rows, err := r.Run(ctx, h, Query{
		LogGroups: []string{TaskLogGroup(cluster)},
		Window:    window,
		Statement: TaskUtilizationQuery(taskIDs),
		Limit:     int32(len(taskIDs)),
	})
	if err != nil {
		return nil, err
	}

	byTask := make(map[string]Row, len(rows))
	for _, row := range rows {
		byTask[row["TaskId"]] = row
	}
	out := make(map[string]*report.MetricsSummary, len(taskIDs))
	for _, id := range taskIDs {
		out[id] = ParseStatsRow(byTask[id], id, SourceContainerInsights)
	}
	return out, nil
}

// EnhancedMonitoring summarizes OS metrics for the instance with the given
// resource id.
func (r *InsightsRunner) EnhancedMonitoring(ctx context.Context, h *awsapi.Handle, resourceID string, window report.TimeRange) (*report.MetricsSummary, error) {
	rows, err := r.Run(ctx, h, Query{
		LogGroups: []string{EnhancedMonitoringLogGroup},
		Window:    window,
		Statement: EnhancedMonitoringQuery(resourceID),
	})
	if err != nil {
		return nil, err
	}
	var row Row
	if len(rows) > 0 {
		row = rows[0]
	}
	return ParseStatsRow(row, resourceID, SourceEnhanced), nil
}
