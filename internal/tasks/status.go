// Package tasks looks up ECS task status, service events and CloudTrail
// history for investigated tasks.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/rs/zerolog"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/pkg/report"
)

// DescribeBatchSize caps the tasks sent in one DescribeTasks call. It sits
// below the provider ceiling of 100 to keep responses small.
const DescribeBatchSize = 50

// failureMissing is the DescribeTasks failure reason for unknown tasks.
const failureMissing = "MISSING"

// StatusResult classifies every requested task ARN into exactly one of
// Found, NotFound or Failed.
type StatusResult struct {
	Found    map[string]report.TaskInfo
	NotFound map[string]bool
	Failed   map[string]string
}

func newStatusResult() StatusResult {
	return StatusResult{
		Found:    make(map[string]report.TaskInfo),
		NotFound: make(map[string]bool),
		Failed:   make(map[string]string),
	}
}

// Lookup returns the classification for arn and, for failures, the reason.
func (r StatusResult) Lookup(arn string) (report.Lookup, string) {
	if _, ok := r.Found[arn]; ok {
		return report.LookupFound, ""
	}
	if r.NotFound[arn] {
		return report.LookupNotFound, ""
	}
	if reason, ok := r.Failed[arn]; ok {
		return report.LookupFailed, reason
	}
	return report.LookupNotFound, ""
}

func (r StatusResult) classified(arn string) bool {
	if _, ok := r.Found[arn]; ok {
		return true
	}
	if r.NotFound[arn] {
		return true
	}
	_, ok := r.Failed[arn]
	return ok
}

func (r StatusResult) merge(other StatusResult) {
	for k, v := range other.Found {
		r.Found[k] = v
	}
	for k := range other.NotFound {
		r.NotFound[k] = true
	}
	for k, v := range other.Failed {
		r.Failed[k] = v
	}
}

// partition is the natural grouping of DescribeTasks calls.
type partition struct {
	Region  string
	Cluster string
}

// StatusClient batches DescribeTasks calls.
type StatusClient struct {
	registry    *awsapi.Registry
	exec        *fanout.Executor
	callTimeout time.Duration
	logger      zerolog.Logger
}

// NewStatusClient creates a StatusClient. exec bounds each cluster's whole
// sequence of batches; callTimeout bounds each individual call.
func NewStatusClient(registry *awsapi.Registry, exec *fanout.Executor, callTimeout time.Duration, logger zerolog.Logger) *StatusClient {
	return &StatusClient{
		registry:    registry,
		exec:        exec,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "task-status").Logger(),
	}
}

// Describe looks up every task in arns. Regions and clusters are queried
// concurrently; batches within one cluster run in order.
func (c *StatusClient) Describe(ctx context.Context, arns []report.TaskARN) StatusResult {
	result := newStatusResult()

	groups := make(map[partition][]string)
	var keys []partition
	seen := make(map[string]bool)
	for _, a := range arns {
		s := a.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		p := partition{Region: a.Region, Cluster: a.Cluster}
		if _, ok := groups[p]; !ok {
			keys = append(keys, p)
		}
		groups[p] = append(groups[p], s)
	}

	outcomes := fanout.Run(ctx, c.exec, keys, func(ctx context.Context, p partition) (StatusResult, error) {
		return c.describePartition(ctx, p, groups[p]), nil
	})

	for p, out := range outcomes {
		if out.OK() {
			result.merge(out.Value)
			continue
		}
		c.logger.Warn().Str("region", p.Region).Str("cluster", p.Cluster).Str("reason", out.Reason()).Msg("describe tasks partition failed")
		for _, arn := range groups[p] {
			result.Failed[arn] = awsapi.Describe("describe tasks", out.Err)
		}
	}

	// Anything the provider silently left out counts as missing.
	for arn := range seen {
		if !result.classified(arn) {
			result.NotFound[arn] = true
		}
	}
	return result
}

func (c *StatusClient) describePartition(ctx context.Context, p partition, arns []string) StatusResult {
	result := newStatusResult()

	h, err := c.registry.Get(p.Region)
	if err != nil {
		for _, arn := range arns {
			result.Failed[arn] = awsapi.Describe("describe tasks", err)
		}
		return result
	}

	for i := 0; i < len(arns); i += DescribeBatchSize {
		end := i + DescribeBatchSize
		if end > len(arns) {
			end = len(arns)
		}
		batch := arns[i:end]

		out, err := c.describeBatch(ctx, h, p.Cluster, batch)
		if err != nil {
			c.logger.Warn().Err(err).Str("region", p.Region).Str("cluster", p.Cluster).Int("batch", len(batch)).Msg("describe tasks failed")
			for _, arn := range batch {
				result.Failed[arn] = awsapi.Describe("describe tasks", err)
			}
			continue
		}

		for _, task := range out.Tasks {
			arn := aws.ToString(task.TaskArn)
			result.Found[arn] = ConvertTask(task)
		}
		for _, f := range out.Failures {
			arn := aws.ToString(f.Arn)
			if _, ok := result.Found[arn]; ok {
				continue
			}
			reason := aws.ToString(f.Reason)
			if reason == failureMissing {
				result.NotFound[arn] = true
				continue
			}
			msg := "describe tasks: " + reason
			if detail := aws.ToString(f.Detail); detail != "" {
				msg += ": " + detail
			}
			result.Failed[arn] = msg
		}
	}
	return result
}

func (c *StatusClient) describeBatch(ctx context.Context, h *awsapi.Handle, cluster string, batch []string) (*ecs.DescribeTasksOutput, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := h.ECS.DescribeTasks(callCtx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   batch,
	})
	if err != nil {
		return nil, fmt.Errorf("describe tasks in %s: %w", cluster, err)
	}
	return out, nil
}

// ConvertTask maps an ECS task record into the report model.
func ConvertTask(task ecstypes.Task) report.TaskInfo {
	info := report.TaskInfo{
		ARN:            aws.ToString(task.TaskArn),
		Cluster:        lastSegment(aws.ToString(task.ClusterArn)),
		LastStatus:     aws.ToString(task.LastStatus),
		DesiredStatus:  aws.ToString(task.DesiredStatus),
		Health:         string(task.HealthStatus),
		LaunchType:     string(task.LaunchType),
		CPU:            aws.ToString(task.Cpu),
		Memory:         aws.ToString(task.Memory),
		Group:          aws.ToString(task.Group),
		TaskDefinition: aws.ToString(task.TaskDefinitionArn),
		StopCode:       string(task.StopCode),
		StoppedReason:  aws.ToString(task.StoppedReason),
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		StoppedAt:      task.StoppedAt,
		Containers:     make([]report.Container, 0, len(task.Containers)),
	}
	info.Service = ServiceName(info.Group)

	for _, ct := range task.Containers {
		info.Containers = append(info.Containers, report.Container{
			Name:       aws.ToString(ct.Name),
			Image:      aws.ToString(ct.Image),
			LastStatus: aws.ToString(ct.LastStatus),
			Health:     string(ct.HealthStatus),
			ExitCode:   ct.ExitCode,
			Reason:     aws.ToString(ct.Reason),
		})
	}
	return info
}

// ServiceName returns the service a task group belongs to, or "" when the
// task was not started by a service.
func ServiceName(group string) string {
	name, ok := strings.CutPrefix(group, "service:")
	if !ok {
		return ""
	}
	return name
}

func lastSegment(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
