package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/triage/internal/awsapi/awsapitest"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/pkg/report"
)

func taskARN(t *testing.T, region, cluster string, n int) report.TaskARN {
	t.Helper()
	a, ok := report.ParseTaskARN(fmt.Sprintf("arn:aws:ecs:%s:123456789012:task/%s/%032x", region, cluster, n))
	require.True(t, ok)
	return a
}

func newStatusClient(clients *awsapitest.Clients) *StatusClient {
	return NewStatusClient(clients.Registry(), fanout.New(time.Second), time.Second, zerolog.Nop())
}

// ══════════════════════════════════════════════════════════════════════════════
// StatusClient
// ══════════════════════════════════════════════════════════════════════════════

func TestDescribe_BatchesSequentiallyWithinCluster(t *testing.T) {
	var calls, inFlight, peak atomic.Int32
	var mu sync.Mutex
	var sizes []int

	clients := &awsapitest.Clients{ECS: &awsapitest.ECS{
		DescribeTasksFunc: func(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
			calls.Add(1)
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Lock()
			sizes = append(sizes, len(in.Tasks))
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)

			out := &ecs.DescribeTasksOutput{}
			for _, arn := range in.Tasks {
				out.Tasks = append(out.Tasks, ecstypes.Task{TaskArn: aws.String(arn), LastStatus: aws.String("RUNNING")})
			}
			return out, nil
		},
	}}

	var arns []report.TaskARN
	for i := 0; i < 120; i++ {
		arns = append(arns, taskARN(t, "us-east-1", "web", i))
	}

	result := newStatusClient(clients).Describe(context.Background(), arns)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), peak.Load())
	assert.ElementsMatch(t, []int{50, 50, 20}, sizes)
	assert.Len(t, result.Found, 120)
	assert.Empty(t, result.NotFound)
	assert.Empty(t, result.Failed)
}

func TestDescribe_ClassifiesEveryARN(t *testing.T) {
	found := taskARN(t, "us-east-1", "web", 1)
	missing := taskARN(t, "us-east-1", "web", 2)
	broken := taskARN(t, "us-east-1", "web", 3)
	absent := taskARN(t, "us-east-1", "web", 4)

	clients := &awsapitest.Clients{ECS: &awsapitest.ECS{
		DescribeTasksFunc: func(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
			assert.Equal(t, "web", aws.ToString(in.Cluster))
			return &ecs.DescribeTasksOutput{
				Tasks: []ecstypes.Task{{TaskArn: aws.String(found.String()), LastStatus: aws.String("RUNNING")}},
				Failures: []ecstypes.Failure{
					{Arn: aws.String(missing.String()), Reason: aws.String("MISSING")},
					{Arn: aws.String(broken.String()), Reason: aws.String("ACCESS_DENIED"), Detail: aws.String("not allowed")},
				},
			}, nil
		},
	}}

	result := newStatusClient(clients).Describe(context.Background(), []report.TaskARN{found, missing, broken, absent})

	lookup, _ := result.Lookup(found.String())
	assert.Equal(t, report.LookupFound, lookup)
	lookup, _ = result.Lookup(missing.String())
	assert.Equal(t, report.LookupNotFound, lookup)
	lookup, reason := result.Lookup(broken.String())
	assert.Equal(t, report.LookupFailed, lookup)
	assert.Contains(t, reason, "ACCESS_DENIED")
	assert.Contains(t, reason, "not allowed")
	lookup, _ = result.Lookup(absent.String())
	assert.Equal(t, report.LookupNotFound, lookup)

	assert.Equal(t, 4, len(result.Found)+len(result.NotFound)+len(result.Failed))
}

func TestDescribe_ClusterFailureIsolated(t *testing.T) {
	good := taskARN(t, "us-east-1", "web", 1)
	bad := taskARN(t, "us-east-1", "batch", 2)

	clients := &awsapitest.Clients{ECS: &awsapitest.ECS{
		DescribeTasksFunc: func(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
			if aws.ToString(in.Cluster) == "batch" {
				return nil, errors.New("connection reset")
			}
			return &ecs.DescribeTasksOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String(good.String())}}}, nil
		},
	}}

	result := newStatusClient(clients).Describe(context.Background(), []report.TaskARN{good, bad})

	assert.Contains(t, result.Found, good.String())
	require.Contains(t, result.Failed, bad.String())
	assert.Contains(t, result.Failed[bad.String()], "connection reset")
}

func TestDescribe_TimeoutMarksPartitionFailed(t *testing.T) {
	slow := taskARN(t, "us-east-1", "slow", 1)
	fast := taskARN(t, "us-east-1", "fast", 2)

	clients := &awsapitest.Clients{ECS: &awsapitest.ECS{
		DescribeTasksFunc: func(ctx context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
			if aws.ToString(in.Cluster) == "slow" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &ecs.DescribeTasksOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String(fast.String())}}}, nil
		},
	}}

	c := NewStatusClient(clients.Registry(), fanout.New(50*time.Millisecond), time.Second, zerolog.Nop())
	result := c.Describe(context.Background(), []report.TaskARN{slow, fast})

	assert.Contains(t, result.Found, fast.String())
	require.Contains(t, result.Failed, slow.String())
	assert.Contains(t, result.Failed[slow.String()], "timed out")
}

func TestDescribe_GroupsByRegion(t *testing.T) {
	var mu sync.Mutex
	regions := map[string]int{}
	clients := &awsapitest.Clients{ECS: &awsapitest.ECS{
		DescribeTasksFunc: func(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
			out := &ecs.DescribeTasksOutput{}
			for _, arn := range in.Tasks {
				a, _ := report.ParseTaskARN(arn)
				mu.Lock()
				regions[a.Region]++
				mu.Unlock()
				out.Tasks = append(out.Tasks, ecstypes.Task{TaskArn: aws.String(arn)})
			}
			return out, nil
		},
	}}
	reg := clients.Registry()
	c := NewStatusClient(reg, fanout.New(time.Second), time.Second, zerolog.Nop())

	result := c.Describe(context.Background(), []report.TaskARN{
		taskARN(t, "us-east-1", "web", 1),
		taskARN(t, "eu-west-1", "web", 2),
		taskARN(t, "eu-west-1", "web", 2),
	})

	assert.Len(t, result.Found, 2)
	assert.Equal(t, map[string]int{"us-east-1": 1, "eu-west-1": 1}, regions)
	assert.ElementsMatch(t, []string{"us-east-1", "eu-west-1"}, reg.Regions())
}

func TestDescribe_Empty(t *testing.T) {
	result := newStatusClient(&awsapitest.Clients{}).Describe(context.Background(), nil)
	assert.Empty(t, result.Found)
	assert.Empty(t, result.NotFound)
	assert.Empty(t, result.Failed)
}

func TestConvertTask(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	task := ecstypes.Task{
		TaskArn:           aws.String("arn:aws:ecs:us-east-1:123456789012:task/web/abc"),
		ClusterArn:        aws.String("arn:aws:ecs:us-east-1:123456789012:cluster/web"),
		LastStatus:        aws.String("STOPPED"),
		DesiredStatus:     aws.String("STOPPED"),
		HealthStatus:      ecstypes.HealthStatusUnhealthy,
		LaunchType:        ecstypes.LaunchTypeFargate,
		Cpu:               aws.String("256"),
		Memory:            aws.String("512"),
		Group:             aws.String("service:api"),
		StopCode:          ecstypes.TaskStopCodeEssentialContainerExited,
		StoppedReason:     aws.String("Essential container in task exited"),
		TaskDefinitionArn: aws.String("arn:aws:ecs:us-east-1:123456789012:task-definition/api:7"),
		CreatedAt:         &created,
		Containers: []ecstypes.Container{{
			Name:       aws.String("app"),
			Image:      aws.String("repo/app:1.2"),
			LastStatus: aws.String("STOPPED"),
			ExitCode:   aws.Int32(137),
			Reason:     aws.String("OutOfMemoryError"),
		}},
	}

	info := ConvertTask(task)

	assert.Equal(t, "web", info.Cluster)
	assert.Equal(t, "api", info.Service)
	assert.Equal(t, "UNHEALTHY", info.Health)
	assert.Equal(t, "FARGATE", info.LaunchType)
	assert.Equal(t, "EssentialContainerExited", info.StopCode)
	assert.Equal(t, &created, info.CreatedAt)
	require.Len(t, info.Containers, 1)
	assert.Equal(t, int32(137), *info.Containers[0].ExitCode)
	assert.Equal(t, "OutOfMemoryError", info.Containers[0].Reason)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "api", ServiceName("service:api"))
	assert.Equal(t, "", ServiceName("family:api"))
	assert.Equal(t, "", ServiceName(""))
}

// ══════════════════════════════════════════════════════════════════════════════
// ServiceClient
// ══════════════════════════════════════════════════════════════════════════════

func TestServiceDescribe_BatchesAndFiltersEvents(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	window := report.TimeRange{Start: now.Add(-time.Hour), End: now}
	inside := now.Add(-10 * time.Minute)
	outside := now.Add(-3 * time.Hour)

	var calls atomic.Int32
	clients := &awsapitest.Clients{ECS: &awsapitest.ECS{
		DescribeServicesFunc: func(_ context.Context, in *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
			calls.Add(1)
			assert.LessOrEqual(t, len(in.Services), ServiceBatchSize)
			out := &ecs.DescribeServicesOutput{}
			for _, name := range in.Services {
				if name == "svc-gone" {
					out.Failures = append(out.Failures, ecstypes.Failure{
						Arn:    aws.String("arn:aws:ecs:us-east-1:123456789012:service/web/svc-gone"),
						Reason: aws.String("MISSING"),
					})
					continue
				}
				out.Services = append(out.Services, ecstypes.Service{
					ServiceName:  aws.String(name),
					Status:       aws.String("ACTIVE"),
					DesiredCount: 2,
					RunningCount: 1,
					Events: []ecstypes.ServiceEvent{
						{Id: aws.String(name + "-1"), CreatedAt: &inside, Message: aws.String("has reached a steady state")},
						{Id: aws.String(name + "-2"), CreatedAt: &outside, Message: aws.String("old")},
					},
				})
			}
			return out, nil
		},
	}}

	var refs []ServiceRef
	for i := 0; i < 11; i++ {
		refs = append(refs, ServiceRef{Region: "us-east-1", Cluster: "web", Service: fmt.Sprintf("svc-%d", i)})
	}
	refs = append(refs, ServiceRef{Region: "us-east-1", Cluster: "web", Service: "svc-gone"})

	c := NewServiceClient(clients.Registry(), fanout.New(time.Second), time.Second, zerolog.Nop())
	result := c.Describe(context.Background(), refs, window)

	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, result.Found, 11)
	info := result.Found[refs[0]]
	require.Len(t, info.Events, 1)
	assert.Equal(t, report.SourceECSService, info.Events[0].Source)
	assert.Equal(t, "svc-0-1", info.Events[0].ID)
	assert.Contains(t, result.Failed[refs[11]], "MISSING")
}

func TestServiceDescribe_CallError(t *testing.T) {
	clients := &awsapitest.Clients{ECS: &awsapitest.ECS{
		DescribeServicesFunc: func(_ context.Context, _ *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
			return nil, errors.New("access denied")
		},
	}}
	ref := ServiceRef{Region: "us-east-1", Cluster: "web", Service: "api"}

	c := NewServiceClient(clients.Registry(), fanout.New(time.Second), time.Second, zerolog.Nop())
	result := c.Describe(context.Background(), []ServiceRef{ref}, report.TimeRange{})

	assert.Empty(t, result.Found)
	assert.Contains(t, result.Failed[ref], "access denied")
}

// ══════════════════════════════════════════════════════════════════════════════
// History
// ══════════════════════════════════════════════════════════════════════════════

func TestHistoryLookup_Paginates(t *testing.T) {
	task := taskARN(t, "us-east-1", "web", 9)
	at := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	var calls atomic.Int32

	clients := &awsapitest.Clients{CloudTrail: &awsapitest.CloudTrail{
		LookupEventsFunc: func(_ context.Context, in *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			n := calls.Add(1)
			require.Len(t, in.LookupAttributes, 1)
			assert.Equal(t, task.String(), aws.ToString(in.LookupAttributes[0].AttributeValue))
			assert.Equal(t, int32(lookupPageSize), aws.ToInt32(in.MaxResults))
			return &cloudtrail.LookupEventsOutput{
				Events: []cttypes.Event{{
					EventId:   aws.String(fmt.Sprintf("ev-%d", n)),
					EventName: aws.String("StopTask"),
					EventTime: &at,
					Username:  aws.String("deployer"),
				}},
				NextToken: aws.String("more"),
			}, nil
		},
	}}

	h := NewHistory(clients.Registry(), time.Second, 2)
	events, err := h.Lookup(context.Background(), task, report.TimeRange{Start: at.Add(-time.Hour), End: at.Add(time.Hour)})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, events, 2)
	assert.Equal(t, report.SourceCloudTrail, events[0].Source)
	assert.Equal(t, "StopTask by deployer", events[0].Message)
}

func TestHistoryLookup_Error(t *testing.T) {
	clients := &awsapitest.Clients{CloudTrail: &awsapitest.CloudTrail{
		LookupEventsFunc: func(_ context.Context, _ *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			return nil, errors.New("throttled")
		},
	}}

	h := NewHistory(clients.Registry(), time.Second, 1)
	_, err := h.Lookup(context.Background(), taskARN(t, "us-east-1", "web", 1), report.TimeRange{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup cloudtrail events")
}
