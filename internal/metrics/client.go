package metrics

import (
	"context"
	"time"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/pkg/report"
)

// Measure names used in summaries.
const (
	MeasureCPU         = "cpu_pct"
	MeasureMemory      = "memory_pct"
	MeasureConnections = "connections"
	MeasureFreeMemory  = "freeable_memory_bytes"
	MeasureReadIOPS    = "read_iops"
	MeasureWriteIOPS   = "write_iops"
	MeasureReadLat     = "read_latency_s"
	MeasureWriteLat    = "write_latency_s"
)

// Summary sources.
const (
	SourceContainerInsights = "container-insights"
	SourceServiceMetrics    = "ecs-service-metrics"
	SourceRDSMetrics        = "rds-metrics"
	SourceEnhanced          = "enhanced-monitoring"
)

const containerInsightsNamespace = "ECS/ContainerInsights"

// ServiceUtilization summarizes CPU and memory use of an ECS service as a
// percentage of its reserved capacity. The ratio is taken per timestamp
// before summarizing.
func (e *Extractor) ServiceUtilization(ctx context.Context, h *awsapi.Handle, cluster, service string, window report.TimeRange) (*report.MetricsSummary, error) {
	dims := map[string]string{"ClusterName": cluster, "ServiceName": service}
	series, err := e.Fetch(ctx, h, []MetricQuery{
		{ID: "cpu_utilized", Namespace: containerInsightsNamespace, Name: "CpuUtilized", Stat: "Sum", Dimensions: dims},
		{ID: "cpu_reserved", Namespace: containerInsightsNamespace, Name: "CpuReserved", Stat: "Sum", Dimensions: dims},
		{ID: "mem_utilized", Namespace: containerInsightsNamespace, Name: "MemoryUtilized", Stat: "Sum", Dimensions: dims},
		{ID: "mem_reserved", Namespace: containerInsightsNamespace, Name: "MemoryReserved", Stat: "Sum", Dimensions: dims},
	}, window)
	if err != nil {
		return nil, err
	}

	cpu := Align(series["cpu_utilized"], series["cpu_reserved"])
	mem := Align(series["mem_utilized"], series["mem_reserved"])

	summary := &report.MetricsSummary{
		EntityID: cluster + "/" + service,
		Source:   SourceServiceMetrics,
		Measures: map[string]report.Measure{
			MeasureCPU:    Summarize(Utilization(cpu)),
			MeasureMemory: Summarize(Utilization(mem)),
		},
	}
	finish(summary, PairTimes(cpu), PairTimes(mem))
	return summary, nil
}

// DatabaseMetrics summarizes the standard RDS instance metrics.
func (e *Extractor) DatabaseMetrics(ctx context.Context, h *awsapi.Handle, instanceID string, window report.TimeRange) (*report.MetricsSummary, error) {
	dims := map[string]string{"DBInstanceIdentifier": instanceID}
	queries := []MetricQuery{
		{ID: "cpu", Name: "CPUUtilization"},
		{ID: "connections", Name: "DatabaseConnections"},
		{ID: "freeable_memory", Name: "FreeableMemory"},
		{ID: "read_iops", Name: "ReadIOPS"},
		{ID: "write_iops", Name: "WriteIOPS"},
		{ID: "read_latency", Name: "ReadLatency"},
		{ID: "write_latency", Name: "WriteLatency"},
	}
	for i := range queries {
		queries[i].Namespace = "AWS/RDS"
		queries[i].Stat = "Average"
		queries[i].Dimensions = dims
	}

	series, err := e.Fetch(ctx, h, queries, window)
	if err != nil {
		return nil, err
	}

	names := map[string]string{
		"cpu":             MeasureCPU,
		"connections":     MeasureConnections,
		"freeable_memory": MeasureFreeMemory,
		"read_iops":       MeasureReadIOPS,
		"write_iops":      MeasureWriteIOPS,
		"read_latency":    MeasureReadLat,
		"write_latency":   MeasureWriteLat,
	}
	summary := &report.MetricsSummary{
		EntityID: instanceID,
		Source:   SourceRDSMetrics,
		Measures: make(map[string]report.Measure, len(names)),
	}
	var times [][]time.Time
	for id, measure := range names {
		summary.Measures[measure] = Summarize(Values(series[id]))
		times = append(times, SampleTimes(series[id]))
	}
	finish(summary, times...)
	return summary, nil
}

// finish sets the observed range and the sample count, which is the
// largest per-measure count.
func finish(s *report.MetricsSummary, times ...[]time.Time) {
	s.FirstObserved, s.LastObserved = Observed(times...)
	for _, m := range s.Measures {
		s.SampleCount = max(s.SampleCount, m.Samples)
	}
}
