package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pi"
	pitypes "github.com/aws/aws-sdk-go-v2/service/pi/types"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/pkg/report"
)

// DefaultTopQueries is how many statements are returned when no limit is
// given.
const DefaultTopQueries = 10

const (
	dimSQLTokenized = "db.sql_tokenized"
	dimSQLID        = "db.sql_tokenized.id"
	dimSQLStatement = "db.sql_tokenized.statement"
)

// TopSQL reads the statements with the highest database load from
// Performance Insights.
type TopSQL struct {
	callTimeout time.Duration
}

// NewTopSQL creates a TopSQL reader.
func NewTopSQL(callTimeout time.Duration) *TopSQL {
	return &TopSQL{callTimeout: callTimeout}
}

// TopQueries returns up to limit statements ranked by db.load.avg for the
// instance with resourceID.
func (t *TopSQL) TopQueries(ctx context.Context, h *awsapi.Handle, resourceID string, window report.TimeRange, limit int) ([]report.TopQuery, error) {
	if limit <= 0 {
		limit = DefaultTopQueries
	}
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	start, end := window.Start, window.End
	out, err := h.PI.DescribeDimensionKeys(callCtx, &pi.DescribeDimensionKeysInput{
		ServiceType: pitypes.ServiceTypeRds,
		Identifier:  aws.String(resourceID),
		StartTime:   &start,
		EndTime:     &end,
		Metric:      aws.String("db.load.avg"),
		GroupBy: &pitypes.DimensionGroup{
			Group: aws.String(dimSQLTokenized),
			Limit: aws.Int32(int32(limit)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe dimension keys: %w", err)
	}

	queries := make([]report.TopQuery, 0, len(out.Keys))
	for _, k := range out.Keys {
		queries = append(queries, report.TopQuery{
			ID:        k.Dimensions[dimSQLID],
			Statement: k.Dimensions[dimSQLStatement],
			DBLoad:    aws.ToFloat64(k.Total),
		})
		if len(queries) == limit {
			break
		}
	}
	return queries, nil
}
