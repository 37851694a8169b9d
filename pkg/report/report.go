// Package report defines the investigation result model for Triage.
package report

import "time"

// Kind identifies which domain an investigation covers.
type Kind string

const (
	KindTask     Kind = "task"
	KindDatabase Kind = "database"
)

// Lookup is the outcome of resolving an entity's current status.
type Lookup string

const (
	// LookupFound means the provider returned a status record.
	LookupFound Lookup = "found"
	// LookupNotFound means the provider reported the entity missing.
	LookupNotFound Lookup = "not_found"
	// LookupFailed means the status call failed (transport, auth, throttling).
	LookupFailed Lookup = "failed"
)

// TimeRange is a closed time window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the window.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Container is a sub-component record of a task.
type Container struct {
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	LastStatus string `json:"last_status"`
	Health     string `json:"health,omitempty"`
	ExitCode   *int32 `json:"exit_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TaskInfo is a denormalized snapshot of an ECS task.
type TaskInfo struct {
	ARN            string      `json:"arn"`
	Cluster        string      `json:"cluster"`
	LastStatus     string      `json:"last_status"`
	DesiredStatus  string      `json:"desired_status"`
	Health         string      `json:"health,omitempty"`
	LaunchType     string      `json:"launch_type,omitempty"`
	CPU            string      `json:"cpu,omitempty"`
	Memory         string      `json:"memory,omitempty"`
	Group          string      `json:"group,omitempty"`
	Service        string      `json:"service,omitempty"`
	TaskDefinition string      `json:"task_definition,omitempty"`
	StopCode       string      `json:"stop_code,omitempty"`
	StoppedReason  string      `json:"stopped_reason,omitempty"`
	CreatedAt      *time.Time  `json:"created_at,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	StoppedAt      *time.Time  `json:"stopped_at,omitempty"`
	Containers     []Container `json:"containers"`
}

// Role is a database instance's position within its cluster.
type Role string

const (
	RoleWriter     Role = "writer"
	RoleReader     Role = "reader"
	RoleStandalone Role = "standalone"
)

// InstanceInfo is a denormalized snapshot of a database instance.
type InstanceInfo struct {
	Identifier         string     `json:"identifier"`
	ARN                string     `json:"arn"`
	ResourceID         string     `json:"resource_id"`
	Region             string     `json:"region"`
	Engine             string     `json:"engine"`
	EngineVersion      string     `json:"engine_version"`
	Class              string     `json:"class"`
	Status             string     `json:"status"`
	AvailabilityZone   string     `json:"availability_zone,omitempty"`
	MultiAZ            bool       `json:"multi_az"`
	AllocatedStorageGB int32      `json:"allocated_storage_gb,omitempty"`
	ClusterID          string     `json:"cluster_id,omitempty"`
	Role               Role       `json:"role"`
	MonitoringInterval int32      `json:"monitoring_interval"`
	InsightsEnabled    bool       `json:"performance_insights_enabled"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
}

// Key returns the stable unique key used to dedup instances.
func (i InstanceInfo) Key() string {
	if i.ARN != "" {
		return i.ARN
	}
	return i.Region + "/" + i.Identifier
}

// ClusterMember is one instance listed on a cluster record.
type ClusterMember struct {
	Identifier string `json:"identifier"`
	Writer     bool   `json:"writer"`
}

// ClusterInfo is a snapshot of a database cluster.
type ClusterInfo struct {
	Identifier string          `json:"identifier"`
	ARN        string          `json:"arn"`
	Region     string          `json:"region"`
	Engine     string          `json:"engine"`
	Status     string          `json:"status"`
	Members    []ClusterMember `json:"members"`
}

// Writers returns the identifiers of members flagged as writer.
func (c ClusterInfo) Writers() []string {
	var ids []string
	for _, m := range c.Members {
		if m.Writer {
			ids = append(ids, m.Identifier)
		}
	}
	return ids
}

// Measure holds summary statistics for one tracked series.
// When Samples is zero every statistic is nil; zero is a valid reading.
type Measure struct {
	Samples int      `json:"samples"`
	Min     *float64 `json:"min,omitempty"`
	Avg     *float64 `json:"avg,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// Consistent reports whether the measure honours min <= avg <= max,
// or has no statistics at all when it has no samples.
func (m Measure) Consistent() bool {
	if m.Samples == 0 {
		return m.Min == nil && m.Avg == nil && m.Max == nil
	}
	if m.Min == nil || m.Avg == nil || m.Max == nil {
		return false
	}
	return *m.Min <= *m.Avg && *m.Avg <= *m.Max
}

// MetricsSummary condenses a time series query into statistics.
type MetricsSummary struct {
	EntityID      string             `json:"entity_id"`
	Source        string             `json:"source"`
	FirstObserved *time.Time         `json:"first_observed,omitempty"`
	LastObserved  *time.Time         `json:"last_observed,omitempty"`
	SampleCount   int                `json:"sample_count"`
	Measures      map[string]Measure `json:"measures"`
}

// TopQuery is a SQL statement ranked by database load.
type TopQuery struct {
	ID        string  `json:"id"`
	Statement string  `json:"statement"`
	DBLoad    float64 `json:"db_load"`
}

// Result is the merged investigation outcome for one entity.
type Result struct {
	EntityID        string          `json:"entity_id"`
	Kind            Kind            `json:"kind"`
	Region          string          `json:"region"`
	Lookup          Lookup          `json:"lookup"`
	Task            *TaskARN        `json:"task,omitempty"`
	TaskInfo        *TaskInfo       `json:"task_info,omitempty"`
	Instance        *InstanceInfo   `json:"instance,omitempty"`
	Metrics         *MetricsSummary `json:"metrics,omitempty"`
	ServiceMetrics  *MetricsSummary `json:"service_metrics,omitempty"`
	EnhancedMetrics *MetricsSummary `json:"enhanced_metrics,omitempty"`
	Events          []Event         `json:"events"`
	TopQueries      []TopQuery      `json:"top_queries,omitempty"`
	Notes           []string        `json:"notes,omitempty"`
	Errors          []string        `json:"errors"`
}

// NewResult creates an empty result for an entity.
func NewResult(kind Kind, entityID, region string) *Result {
	return &Result{
		EntityID: entityID,
		Kind:     kind,
		Region:   region,
		Events:   []Event{},
		Errors:   []string{},
	}
}

// AddError appends an error string. Prior errors are kept.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// AddNote appends an informational note.
func (r *Result) AddNote(msg string) {
	r.Notes = append(r.Notes, msg)
}

// HasMetrics reports whether any metrics summary carries samples.
func (r *Result) HasMetrics() bool {
	for _, m := range []*MetricsSummary{r.Metrics, r.ServiceMetrics, r.EnhancedMetrics} {
		if m != nil && m.SampleCount > 0 {
			return true
		}
	}
	return false
}

// Report is the full output of one investigation.
type Report struct {
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Window    TimeRange `json:"window"`
	Results   []*Result `json:"results"`
	Summary   Summary   `json:"summary"`
	Unparsed  []string  `json:"unparsed,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
}
