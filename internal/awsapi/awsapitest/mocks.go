// Package awsapitest provides func-field fakes of the narrow AWS
// interfaces for use in tests.
package awsapitest

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/pi"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/yairfalse/triage/internal/awsapi"
)

// ErrNotStubbed is returned by a fake method whose func field is nil.
var ErrNotStubbed = errors.New("not stubbed")

// ══════════════════════════════════════════════════════════════════════════════
// ECS
// ══════════════════════════════════════════════════════════════════════════════

type ECS struct {
	DescribeTasksFunc    func(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	DescribeServicesFunc func(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
}

func (m *ECS) DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	if m.DescribeTasksFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.DescribeTasksFunc(ctx, params, optFns...)
}

func (m *ECS) DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	if m.DescribeServicesFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.DescribeServicesFunc(ctx, params, optFns...)
}

// ══════════════════════════════════════════════════════════════════════════════
// RDS
// ══════════════════════════════════════════════════════════════════════════════

type RDS struct {
	DescribeDBInstancesFunc func(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	DescribeDBClustersFunc  func(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	DescribeEventsFunc      func(ctx context.Context, params *rds.DescribeEventsInput, optFns ...func(*rds.Options)) (*rds.DescribeEventsOutput, error)
}

func (m *RDS) DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	if m.DescribeDBInstancesFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.DescribeDBInstancesFunc(ctx, params, optFns...)
}

func (m *RDS) DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	if m.DescribeDBClustersFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.DescribeDBClustersFunc(ctx, params, optFns...)
}

func (m *RDS) DescribeEvents(ctx context.Context, params *rds.DescribeEventsInput, optFns ...func(*rds.Options)) (*rds.DescribeEventsOutput, error) {
	if m.DescribeEventsFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.DescribeEventsFunc(ctx, params, optFns...)
}

// ══════════════════════════════════════════════════════════════════════════════
// CloudWatch and CloudWatch Logs
// ══════════════════════════════════════════════════════════════════════════════

type CloudWatch struct {
	GetMetricDataFunc func(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
}

func (m *CloudWatch) GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error) {
	if m.GetMetricDataFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.GetMetricDataFunc(ctx, params, optFns...)
}

type Logs struct {
	StartQueryFunc      func(ctx context.Context, params *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error)
	GetQueryResultsFunc func(ctx context.Context, params *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error)
	StopQueryFunc       func(ctx context.Context, params *cloudwatchlogs.StopQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StopQueryOutput, error)
}

func (m *Logs) StartQuery(ctx context.Context, params *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error) {
	if m.StartQueryFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.StartQueryFunc(ctx, params, optFns...)
}

func (m *Logs) GetQueryResults(ctx context.Context, params *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error) {
	if m.GetQueryResultsFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.GetQueryResultsFunc(ctx, params, optFns...)
}

func (m *Logs) StopQuery(ctx context.Context, params *cloudwatchlogs.StopQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StopQueryOutput, error) {
	if m.StopQueryFunc == nil {
		return &cloudwatchlogs.StopQueryOutput{}, nil
	}
	return m.StopQueryFunc(ctx, params, optFns...)
}

// ══════════════════════════════════════════════════════════════════════════════
// Performance Insights and CloudTrail
// ══════════════════════════════════════════════════════════════════════════════

type PI struct {
	DescribeDimensionKeysFunc func(ctx context.Context, params *pi.DescribeDimensionKeysInput, optFns ...func(*pi.Options)) (*pi.DescribeDimensionKeysOutput, error)
}

func (m *PI) DescribeDimensionKeys(ctx context.Context, params *pi.DescribeDimensionKeysInput, optFns ...func(*pi.Options)) (*pi.DescribeDimensionKeysOutput, error) {
	if m.DescribeDimensionKeysFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.DescribeDimensionKeysFunc(ctx, params, optFns...)
}

type CloudTrail struct {
	LookupEventsFunc func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

func (m *CloudTrail) LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	if m.LookupEventsFunc == nil {
		return nil, ErrNotStubbed
	}
	return m.LookupEventsFunc(ctx, params, optFns...)
}

// Clients holds one fake per service. Zero-value fields are created on
// demand by Handle.
type Clients struct {
	ECS        *ECS
	RDS        *RDS
	CloudWatch *CloudWatch
	Logs       *Logs
	PI         *PI
	CloudTrail *CloudTrail
}

// Handle builds an awsapi.Handle for region backed by c's fakes.
func (c *Clients) Handle(region string) *awsapi.Handle {
	c.fill()
	return c.handle(region)
}

func (c *Clients) fill() {
	if c.ECS == nil {
		c.ECS = &ECS{}
	}
	if c.RDS == nil {
		c.RDS = &RDS{}
	}
	if c.CloudWatch == nil {
		c.CloudWatch = &CloudWatch{}
	}
	if c.Logs == nil {
		c.Logs = &Logs{}
	}
	if c.PI == nil {
		c.PI = &PI{}
	}
	if c.CloudTrail == nil {
		c.CloudTrail = &CloudTrail{}
	}
}

func (c *Clients) handle(region string) *awsapi.Handle {
	return &awsapi.Handle{
		Region:     region,
		ECS:        c.ECS,
		RDS:        c.RDS,
		CloudWatch: c.CloudWatch,
		Logs:       c.Logs,
		PI:         c.PI,
		CloudTrail: c.CloudTrail,
	}
}

// Registry returns a registry whose factory serves c's fakes for every
// region.
func (c *Clients) Registry() *awsapi.Registry {
	c.fill()
	return awsapi.NewRegistry(func(region string) (*awsapi.Handle, error) {
		return c.handle(region), nil
	})
}
