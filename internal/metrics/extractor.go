package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/pkg/report"
)

// maxQueriesPerCall is the GetMetricData per-call query limit.
const maxQueriesPerCall = 500

// MetricQuery names one series to fetch.
type MetricQuery struct {
	// ID must start with a lower-case letter.
	ID         string
	Namespace  string
	Name       string
	Stat       string
	Dimensions map[string]string
}

// Extractor pulls raw series with GetMetricData.
type Extractor struct {
	callTimeout time.Duration
	maxPages    int
}

// NewExtractor creates an Extractor. maxPages bounds pagination per call.
func NewExtractor(callTimeout time.Duration, maxPages int) *Extractor {
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Extractor{callTimeout: callTimeout, maxPages: maxPages}
}

// Fetch returns the samples of every query over window, keyed by query
// id. Pages are merged by id in arrival order; a query with no data maps
// to an empty slice.
func (e *Extractor) Fetch(ctx context.Context, h *awsapi.Handle, queries []MetricQuery, window report.TimeRange) (map[string][]Sample, error) {
	if len(queries) > maxQueriesPerCall {
		return nil, fmt.Errorf("get metric data: %d queries exceeds %d", len(queries), maxQueriesPerCall)
	}

	period := int32(PeriodFor(window) / time.Second)
	series := make(map[string][]Sample, len(queries))
	dataQueries := make([]cwtypes.MetricDataQuery, 0, len(queries))
	for _, q := range queries {
		series[q.ID] = []Sample{}
		dims := make([]cwtypes.Dimension, 0, len(q.Dimensions))
		for name, value := range q.Dimensions {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)})
		}
		dataQueries = append(dataQueries, cwtypes.MetricDataQuery{
			Id: aws.String(q.ID),
			MetricStat: &cwtypes.MetricStat{
				Metric: &cwtypes.Metric{
					Namespace:  aws.String(q.Namespace),
					MetricName: aws.String(q.Name),
					Dimensions: dims,
				},
				Period: aws.Int32(period),
				Stat:   aws.String(q.Stat),
			},
			ReturnData: aws.Bool(true),
		})
	}

	start, end := window.Start, window.End
	input := &cloudwatch.GetMetricDataInput{
		MetricDataQueries: dataQueries,
		StartTime:         &start,
		EndTime:           &end,
		ScanBy:            cwtypes.ScanByTimestampAscending,
	}

	for page := 0; page < e.maxPages; page++ {
		out, err := e.fetchPage(ctx, h, input)
		if err != nil {
			return nil, err
		}
		MergePage(series, out.MetricDataResults)
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}
	return series, nil
}

func (e *Extractor) fetchPage(ctx context.Context, h *awsapi.Handle, input *cloudwatch.GetMetricDataInput) (*cloudwatch.GetMetricDataOutput, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	out, err := h.CloudWatch.GetMetricData(callCtx, input)
	if err != nil {
		return nil, fmt.Errorf("get metric data: %w", err)
	}
	return out, nil
}

// MergePage appends one page of results onto series by query id. Values
// and timestamps stay paired; a ragged result is cut to the shorter side.
func MergePage(series map[string][]Sample, results []cwtypes.MetricDataResult) {
	for _, r := range results {
		id := aws.ToString(r.Id)
		n := min(len(r.Timestamps), len(r.Values))
		for i := 0; i < n; i++ {
			series[id] = append(series[id], Sample{Timestamp: r.Timestamps[i], Value: r.Values[i]})
		}
	}
}
