// Package databases resolves database identifiers into RDS instances and
// reads their event history.
package databases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/rs/zerolog"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/fanout"
	"github.com/yairfalse/triage/pkg/report"
)

// Ref is a database identifier pinned to a region.
type Ref struct {
	Region     string
	Identifier string
}

func (r Ref) String() string {
	return r.Region + "/" + r.Identifier
}

// ParseRef accepts a bare instance or cluster identifier, or an RDS ARN
// (arn:aws:rds:<region>:<account>:db:<id> or :cluster:<id>). The region in
// an ARN wins over defaultRegion.
func ParseRef(input, defaultRegion string) Ref {
	input = strings.TrimSpace(input)
	parts := strings.Split(input, ":")
	if len(parts) == 7 && parts[0] == "arn" && parts[2] == "rds" && (parts[5] == "db" || parts[5] == "cluster") {
		return Ref{Region: parts[3], Identifier: parts[6]}
	}
	return Ref{Region: defaultRegion, Identifier: input}
}

// Resolution is the outcome of resolving one Ref. It is one of
// ResolvedInstance, ResolvedCluster or Unresolved.
type Resolution interface {
	resolution()
}

// ResolvedInstance is an identifier naming a single instance.
type ResolvedInstance struct {
	Ref      Ref
	Instance report.InstanceInfo
}

// ResolvedCluster is an identifier naming a cluster. Instances holds the
// members that could be described; MemberErrors names the rest.
// WriterError is set when the cluster does not list exactly one writer.
type ResolvedCluster struct {
	Ref          Ref
	Cluster      report.ClusterInfo
	Instances    []report.InstanceInfo
	MemberErrors []string
	WriterError  string
}

// Unresolved is an identifier that matched nothing. Err is nil when the
// provider reported both lookups as not found.
type Unresolved struct {
	Ref Ref
	Err error
}

func (ResolvedInstance) resolution() {}
func (ResolvedCluster) resolution()  {}
func (Unresolved) resolution()       {}

// Resolver turns identifiers into instances.
type Resolver struct {
	registry    *awsapi.Registry
	exec        *fanout.Executor
	members     *fanout.Executor
	callTimeout time.Duration
	logger      zerolog.Logger
}

// NewResolver creates a Resolver. exec bounds each identifier passed to
// ResolveAll. Cluster members run on their own unbounded executor so a
// bounded exec cannot starve them.
func NewResolver(registry *awsapi.Registry, exec *fanout.Executor, callTimeout time.Duration, logger zerolog.Logger) *Resolver {
	logger = logger.With().Str("component", "db-resolver").Logger()
	return &Resolver{
		registry:    registry,
		exec:        exec,
		members:     fanout.New(callTimeout, fanout.WithLogger(logger)),
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Resolve tries ref as an instance, then as a cluster.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) Resolution {
	h, err := r.registry.Get(ref.Region)
	if err != nil {
		return Unresolved{Ref: ref, Err: err}
	}

	inst, err := r.describeInstance(ctx, h, ref.Identifier)
	switch {
	case err == nil:
		info := convertInstance(*inst, ref.Region)
		if info.ClusterID != "" {
			info.Role = r.roleInCluster(ctx, h, info.ClusterID, info.Identifier)
		}
		return ResolvedInstance{Ref: ref, Instance: info}
	case !awsapi.IsNotFound(err):
		return Unresolved{Ref: ref, Err: err}
	}

	cluster, err := r.describeCluster(ctx, h, ref.Identifier)
	if err != nil {
		if awsapi.IsNotFound(err) {
			return Unresolved{Ref: ref}
		}
		return Unresolved{Ref: ref, Err: err}
	}
	return r.resolveMembers(ctx, h, ref, convertCluster(*cluster, ref.Region))
}

func (r *Resolver) resolveMembers(ctx context.Context, h *awsapi.Handle, ref Ref, cluster report.ClusterInfo) ResolvedCluster {
	rc := ResolvedCluster{Ref: ref, Cluster: cluster}
	if writers := cluster.Writers(); len(writers) != 1 {
		rc.WriterError = fmt.Sprintf("cluster %s lists %d writers, expected exactly one", cluster.Identifier, len(writers))
	}

	writer := make(map[string]bool, len(cluster.Members))
	ids := make([]string, 0, len(cluster.Members))
	for _, m := range cluster.Members {
		writer[m.Identifier] = m.Writer
		ids = append(ids, m.Identifier)
	}

	outcomes := fanout.Run(ctx, r.members, ids, func(ctx context.Context, id string) (report.InstanceInfo, error) {
		inst, err := r.describeInstance(ctx, h, id)
		if err != nil {
			return report.InstanceInfo{}, err
		}
		return convertInstance(*inst, ref.Region), nil
	})

	for _, id := range ids {
		out := outcomes[id]
		if !out.OK() {
			r.logger.Warn().Err(out.Err).Str("cluster", cluster.Identifier).Str("member", id).Msg("describe cluster member failed")
			rc.MemberErrors = append(rc.MemberErrors, awsapi.Describe("describe member "+id+" of "+cluster.Identifier, out.Err))
			continue
		}
		info := out.Value
		info.ClusterID = cluster.Identifier
		if writer[id] {
			info.Role = report.RoleWriter
		} else {
			info.Role = report.RoleReader
		}
		rc.Instances = append(rc.Instances, info)
	}
	return rc
}

// roleInCluster reads the cluster record to tag an instance that was named
// directly. The role stays empty when the record cannot be read.
func (r *Resolver) roleInCluster(ctx context.Context, h *awsapi.Handle, clusterID, instanceID string) report.Role {
	cluster, err := r.describeCluster(ctx, h, clusterID)
	if err != nil {
		r.logger.Debug().Err(err).Str("cluster", clusterID).Msg("cluster lookup for role failed")
		return ""
	}
	for _, m := range cluster.DBClusterMembers {
		if aws.ToString(m.DBInstanceIdentifier) == instanceID {
			if aws.ToBool(m.IsClusterWriter) {
				return report.RoleWriter
			}
			return report.RoleReader
		}
	}
	return ""
}

func (r *Resolver) describeInstance(ctx context.Context, h *awsapi.Handle, id string) (*rdstypes.DBInstance, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	out, err := h.RDS.DescribeDBInstances(callCtx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)})
	if err != nil {
		return nil, fmt.Errorf("describe db instance %s: %w", id, err)
	}
	if len(out.DBInstances) == 0 {
		return nil, fmt.Errorf("describe db instance %s: %w", id, &rdstypes.DBInstanceNotFoundFault{Message: aws.String("empty response")})
	}
	return &out.DBInstances[0], nil
}

func (r *Resolver) describeCluster(ctx context.Context, h *awsapi.Handle, id string) (*rdstypes.DBCluster, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	out, err := h.RDS.DescribeDBClusters(callCtx, &rds.DescribeDBClustersInput{DBClusterIdentifier: aws.String(id)})
	if err != nil {
		return nil, fmt.Errorf("describe db cluster %s: %w", id, err)
	}
	if len(out.DBClusters) == 0 {
		return nil, fmt.Errorf("describe db cluster %s: %w", id, &rdstypes.DBClusterNotFoundFault{Message: aws.String("empty response")})
	}
	return &out.DBClusters[0], nil
}

func convertInstance(db rdstypes.DBInstance, region string) report.InstanceInfo {
	info := report.InstanceInfo{
		Identifier:         aws.ToString(db.DBInstanceIdentifier),
		ARN:                aws.ToString(db.DBInstanceArn),
		ResourceID:         aws.ToString(db.DbiResourceId),
		Region:             region,
		Engine:             aws.ToString(db.Engine),
		EngineVersion:      aws.ToString(db.EngineVersion),
		Class:              aws.ToString(db.DBInstanceClass),
		Status:             aws.ToString(db.DBInstanceStatus),
		AvailabilityZone:   aws.ToString(db.AvailabilityZone),
		MultiAZ:            aws.ToBool(db.MultiAZ),
		AllocatedStorageGB: aws.ToInt32(db.AllocatedStorage),
		ClusterID:          aws.ToString(db.DBClusterIdentifier),
		MonitoringInterval: aws.ToInt32(db.MonitoringInterval),
		InsightsEnabled:    aws.ToBool(db.PerformanceInsightsEnabled),
		CreatedAt:          db.InstanceCreateTime,
		Role:               report.RoleStandalone,
	}
	if info.ClusterID != "" {
		info.Role = ""
	}
	return info
}

func convertCluster(c rdstypes.DBCluster, region string) report.ClusterInfo {
	info := report.ClusterInfo{
		Identifier: aws.ToString(c.DBClusterIdentifier),
		ARN:        aws.ToString(c.DBClusterArn),
		Region:     region,
		Engine:     aws.ToString(c.Engine),
		Status:     aws.ToString(c.Status),
		Members:    make([]report.ClusterMember, 0, len(c.DBClusterMembers)),
	}
	for _, m := range c.DBClusterMembers {
		info.Members = append(info.Members, report.ClusterMember{
			Identifier: aws.ToString(m.DBInstanceIdentifier),
			Writer:     aws.ToBool(m.IsClusterWriter),
		})
	}
	return info
}
