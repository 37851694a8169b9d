package databases

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/pkg/report"
)

// eventPageSize is the DescribeEvents per-call maximum.
const eventPageSize = 100

// maxEventPages bounds how far back event pagination goes.
const maxEventPages = 5

// Events reads the RDS event stream for one instance.
type Events struct {
	registry    *awsapi.Registry
	callTimeout time.Duration
}

// NewEvents creates an Events reader.
func NewEvents(registry *awsapi.Registry, callTimeout time.Duration) *Events {
	return &Events{registry: registry, callTimeout: callTimeout}
}

// ForInstance returns events for inst within window.
func (e *Events) ForInstance(ctx context.Context, inst report.InstanceInfo, window report.TimeRange) ([]report.Event, error) {
	h, err := e.registry.Get(inst.Region)
	if err != nil {
		return nil, err
	}

	start, end := window.Start, window.End
	input := &rds.DescribeEventsInput{
		SourceIdentifier: aws.String(inst.Identifier),
		SourceType:       rdstypes.SourceTypeDbInstance,
		StartTime:        &start,
		EndTime:          &end,
		MaxRecords:       aws.Int32(eventPageSize),
	}

	var events []report.Event
	for page := 0; page < maxEventPages; page++ {
		out, err := e.describePage(ctx, h, input)
		if err != nil {
			return events, err
		}
		for _, ev := range out.Events {
			events = append(events, convertEvent(ev))
		}
		if out.Marker == nil {
			break
		}
		input.Marker = out.Marker
	}
	return events, nil
}

func (e *Events) describePage(ctx context.Context, h *awsapi.Handle, input *rds.DescribeEventsInput) (*rds.DescribeEventsOutput, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	out, err := h.RDS.DescribeEvents(callCtx, input)
	if err != nil {
		return nil, fmt.Errorf("describe db events: %w", err)
	}
	return out, nil
}

// RDS events carry no id; one is derived from source, time and message so
// repeated reads dedup in a timeline.
func convertEvent(ev rdstypes.Event) report.Event {
	at := aws.ToTime(ev.Date)
	msg := aws.ToString(ev.Message)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", aws.ToString(ev.SourceIdentifier), at.UnixNano(), msg)

	return report.Event{
		ID:        fmt.Sprintf("%x", h.Sum64()),
		Source:    report.SourceRDS,
		Timestamp: at,
		Type:      strings.Join(ev.EventCategories, ","),
		Message:   msg,
	}
}
