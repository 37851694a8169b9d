package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/rs/zerolog"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/pkg/report"
)

// ServiceBatchSize is the DescribeServices per-call maximum.
const ServiceBatchSize = 10

// MaxServiceEvents caps the events kept per service.
const MaxServiceEvents = 25

// ServiceRef identifies an ECS service.
type ServiceRef struct {
	Region  string
	Cluster string
	Service string
}

// ServiceInfo is the part of a service record used by an investigation.
type ServiceInfo struct {
	Ref          ServiceRef
	Status       string
	DesiredCount int32
	RunningCount int32
	PendingCount int32
	Events       []report.Event
}

// ServiceResult holds the services found and the reason each other one
// could not be described.
type ServiceResult struct {
	Found  map[ServiceRef]ServiceInfo
	Failed map[ServiceRef]string
}

// ServiceClient batches DescribeServices calls.
type ServiceClient struct {
	registry    *awsapi.Registry
	exec        *fanout.Executor
	callTimeout time.Duration
	logger      zerolog.Logger
}

// NewServiceClient creates a ServiceClient.
func NewServiceClient(registry *awsapi.Registry, exec *fanout.Executor, callTimeout time.Duration, logger zerolog.Logger) *ServiceClient {
	return &ServiceClient{
		registry:    registry,
		exec:        exec,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "ecs-services").Logger(),
	}
}

// Describe fetches every service in refs and keeps its events that fall
// inside window.
func (c *ServiceClient) Describe(ctx context.Context, refs []ServiceRef, window report.TimeRange) ServiceResult {
	result := ServiceResult{
		Found:  make(map[ServiceRef]ServiceInfo),
		Failed: make(map[ServiceRef]string),
	}

	groups := make(map[partition][]string)
	var keys []partition
	seen := make(map[ServiceRef]bool)
	for _, ref := range refs {
		if seen[ref] || ref.Service == "" {
			continue
		}
		seen[ref] = true
		p := partition{Region: ref.Region, Cluster: ref.Cluster}
		if _, ok := groups[p]; !ok {
			keys = append(keys, p)
		}
		groups[p] = append(groups[p], ref.Service)
	}

	outcomes := fanout.Run(ctx, c.exec, keys, func(ctx context.Context, p partition) (ServiceResult, error) {
		return c.describePartition(ctx, p, groups[p], window), nil
	})

	for p, out := range outcomes {
		if !out.OK() {
			for _, svc := range groups[p] {
				result.Failed[ServiceRef{Region: p.Region, Cluster: p.Cluster, Service: svc}] = awsapi.Describe("describe services", out.Err)
			}
			continue
		}
		for k, v := range out.Value.Found {
			result.Found[k] = v
		}
		for k, v := range out.Value.Failed {
			result.Failed[k] = v
		}
	}
	return result
}

func (c *ServiceClient) describePartition(ctx context.Context, p partition, services []string, window report.TimeRange) ServiceResult {
	result := ServiceResult{
		Found:  make(map[ServiceRef]ServiceInfo),
		Failed: make(map[ServiceRef]string),
	}
	ref := func(name string) ServiceRef {
		return ServiceRef{Region: p.Region, Cluster: p.Cluster, Service: name}
	}

	h, err := c.registry.Get(p.Region)
	if err != nil {
		for _, svc := range services {
			result.Failed[ref(svc)] = awsapi.Describe("describe services", err)
		}
		return result
	}

	for i := 0; i < len(services); i += ServiceBatchSize {
		end := i + ServiceBatchSize
		if end > len(services) {
			end = len(services)
		}
		batch := services[i:end]

		out, err := c.describeBatch(ctx, h, p.Cluster, batch)
		if err != nil {
			c.logger.Warn().Err(err).Str("region", p.Region).Str("cluster", p.Cluster).Msg("describe services failed")
			for _, svc := range batch {
				result.Failed[ref(svc)] = awsapi.Describe("describe services", err)
			}
			continue
		}

		for _, svc := range out.Services {
			name := aws.ToString(svc.ServiceName)
			result.Found[ref(name)] = convertService(ref(name), svc, window)
		}
		for _, f := range out.Failures {
			name := lastSegment(aws.ToString(f.Arn))
			if _, ok := result.Found[ref(name)]; ok {
				continue
			}
			result.Failed[ref(name)] = "describe services: " + aws.ToString(f.Reason)
		}
		for _, svc := range batch {
			if _, ok := result.Found[ref(svc)]; ok {
				continue
			}
			if _, ok := result.Failed[ref(svc)]; !ok {
				result.Failed[ref(svc)] = "describe services: " + failureMissing
			}
		}
	}
	return result
}

func (c *ServiceClient) describeBatch(ctx context.Context, h *awsapi.Handle, cluster string, batch []string) (*ecs.DescribeServicesOutput, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := h.ECS.DescribeServices(callCtx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: batch,
	})
	if err != nil {
		return nil, fmt.Errorf("describe services in %s: %w", cluster, err)
	}
	return out, nil
}

func convertService(ref ServiceRef, svc ecstypes.Service, window report.TimeRange) ServiceInfo {
	info := ServiceInfo{
		Ref:          ref,
		Status:       aws.ToString(svc.Status),
		DesiredCount: svc.DesiredCount,
		RunningCount: svc.RunningCount,
		PendingCount: svc.PendingCount,
	}
	// DescribeServices returns events newest first.
	for _, ev := range svc.Events {
		if len(info.Events) >= MaxServiceEvents {
			break
		}
		at := aws.ToTime(ev.CreatedAt)
		if at.Before(window.Start) || at.After(window.End) {
			continue
		}
		info.Events = append(info.Events, report.Event{
			ID:        aws.ToString(ev.Id),
			Source:    report.SourceECSService,
			Timestamp: at,
			Type:      "service-event",
			Message:   aws.ToString(ev.Message),
		})
	}
	return info
}
