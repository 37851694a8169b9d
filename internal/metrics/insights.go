package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/rs/zerolog"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/pkg/report"
)

// ErrSourceUnavailable means the log group behind a query does not exist,
// which usually means the feature producing it is not enabled.
var ErrSourceUnavailable = errors.New("metrics source unavailable")

// ErrQueryBudget is returned when a query does not finish within MaxWait.
var ErrQueryBudget = errors.New("query exceeded wait budget")

const (
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 30 * time.Second
)

// Query is one Logs Insights query.
type Query struct {
	LogGroups []string
	Window    report.TimeRange
	Statement string
	Limit     int32
}

// Row is one result row keyed by field name.
type Row map[string]string

// InsightsRunner submits Logs Insights queries and polls for results.
type InsightsRunner struct {
	pollInterval time.Duration
	maxWait      time.Duration
	callTimeout  time.Duration
	logger       zerolog.Logger
}

// NewInsightsRunner creates a runner. Zero durations fall back to the
// defaults.
func NewInsightsRunner(pollInterval, maxWait, callTimeout time.Duration, logger zerolog.Logger) *InsightsRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &InsightsRunner{
		pollInterval: pollInterval,
		maxWait:      maxWait,
		callTimeout:  callTimeout,
		logger:       logger.With().Str("component", "logs-insights").Logger(),
	}
}

// Run executes q and returns its rows. A missing log group yields
// ErrSourceUnavailable. Failed, cancelled or timed out queries and
// queries running past MaxWait yield a terminal error.
func (r *InsightsRunner) Run(ctx context.Context, h *awsapi.Handle, q Query) ([]Row, error) {
	queryID, err := r.start(ctx, h, q)
	if err != nil {
		if awsapi.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, err
	}

	deadline := time.NewTimer(r.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		out, err := r.results(ctx, h, queryID)
		if err != nil {
			r.stop(h, queryID)
			return nil, err
		}

		switch out.Status {
		case cwltypes.QueryStatusComplete:
			return convertRows(out.Results), nil
		case cwltypes.QueryStatusFailed, cwltypes.QueryStatusCancelled, cwltypes.QueryStatusTimeout:
			return nil, fmt.Errorf("logs insights query %s: status %s", queryID, out.Status)
		}

		select {
		case <-ctx.Done():
			r.stop(h, queryID)
			return nil, ctx.Err()
		case <-deadline.C:
			r.stop(h, queryID)
			return nil, fmt.Errorf("logs insights query %s: %w after %s", queryID, ErrQueryBudget, r.maxWait)
		case <-ticker.C:
		}
	}
}

func (r *InsightsRunner) start(ctx context.Context, h *awsapi.Handle, q Query) (string, error) {
	if err := h.Wait(ctx); err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	input := &cloudwatchlogs.StartQueryInput{
		LogGroupNames: q.LogGroups,
		StartTime:     aws.Int64(q.Window.Start.Unix()),
		EndTime:       aws.Int64(q.Window.End.Unix()),
		QueryString:   aws.String(q.Statement),
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(q.Limit)
	}

	out, err := h.Logs.StartQuery(callCtx, input)
	if err != nil {
		return "", fmt.Errorf("start query: %w", err)
	}
	return aws.ToString(out.QueryId), nil
}

func (r *InsightsRunner) results(ctx context.Context, h *awsapi.Handle, queryID string) (*cloudwatchlogs.GetQueryResultsOutput, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	out, err := h.Logs.GetQueryResults(callCtx, &cloudwatchlogs.GetQueryResultsInput{QueryId: aws.String(queryID)})
	if err != nil {
		return nil, fmt.Errorf("get query results: %w", err)
	}
	return out, nil
}

// stop is best effort; the query is abandoned either way.
func (r *InsightsRunner) stop(h *awsapi.Handle, queryID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	if _, err := h.Logs.StopQuery(ctx, &cloudwatchlogs.StopQueryInput{QueryId: aws.String(queryID)}); err != nil {
		r.logger.Debug().Err(err).Str("query_id", queryID).Msg("stop query failed")
	}
}

func convertRows(results [][]cwltypes.ResultField) []Row {
	rows := make([]Row, 0, len(results))
	for _, fields := range results {
		row := make(Row, len(fields))
		for _, f := range fields {
			row[aws.ToString(f.Field)] = aws.ToString(f.Value)
		}
		rows = append(rows, row)
	}
	return rows
}
