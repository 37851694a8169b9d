package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/pkg/report"
)

// lookupPageSize is the LookupEvents per-call maximum.
const lookupPageSize = 50

// History queries CloudTrail for API calls that touched a task. It is used
// for tasks ECS no longer reports, which leave no other trace.
type History struct {
	registry    *awsapi.Registry
	callTimeout time.Duration
	maxPages    int
	tracer      trace.Tracer
}

// NewHistory creates a History reading at most maxPages pages per task.
func NewHistory(registry *awsapi.Registry, callTimeout time.Duration, maxPages int) *History {
	if maxPages <= 0 {
		maxPages = 1
	}
	return &History{
		registry:    registry,
		callTimeout: callTimeout,
		maxPages:    maxPages,
		tracer:      otel.Tracer("task-history"),
	}
}

// Lookup returns CloudTrail events naming task within window.
func (h *History) Lookup(ctx context.Context, task report.TaskARN, window report.TimeRange) ([]report.Event, error) {
	ctx, span := h.tracer.Start(ctx, "History.Lookup", trace.WithAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("aws.region", task.Region),
	))
	defer span.End()

	handle, err := h.registry.Get(task.Region)
	if err != nil {
		return nil, err
	}

	start, end := window.Start, window.End
	input := &cloudtrail.LookupEventsInput{
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyResourceName,
			AttributeValue: aws.String(task.String()),
		}},
		StartTime:  &start,
		EndTime:    &end,
		MaxResults: aws.Int32(lookupPageSize),
	}

	var events []report.Event
	for page := 0; page < h.maxPages; page++ {
		out, err := h.lookupPage(ctx, handle, input)
		if err != nil {
			return events, err
		}
		for _, ev := range out.Events {
			events = append(events, convertTrailEvent(ev))
		}
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

func (h *History) lookupPage(ctx context.Context, handle *awsapi.Handle, input *cloudtrail.LookupEventsInput) (*cloudtrail.LookupEventsOutput, error) {
	if err := handle.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	out, err := handle.CloudTrail.LookupEvents(callCtx, input)
	if err != nil {
		return nil, fmt.Errorf("lookup cloudtrail events: %w", err)
	}
	return out, nil
}

func convertTrailEvent(ev cttypes.Event) report.Event {
	name := aws.ToString(ev.EventName)
	msg := name
	if user := aws.ToString(ev.Username); user != "" {
		msg += " by " + user
	}
	return report.Event{
		ID:        aws.ToString(ev.EventId),
		Source:    report.SourceCloudTrail,
		Timestamp: aws.ToTime(ev.EventTime),
		Type:      name,
		Message:   msg,
	}
}
