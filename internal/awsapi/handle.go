// Package awsapi builds the per-region AWS client handles used by Triage.
package awsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/pi"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"golang.org/x/time/rate"

	"github.com/yairfalse/triage/internal/registry"
)

// Handle bundles the service clients for one region. Handles are shared
// read-only by every concurrent call for that region.
type Handle struct {
	Region string

	// AWS clients (interfaces for testability)
	ECS        ECSAPI
	RDS        RDSAPI
	CloudWatch CloudWatchAPI
	Logs       CloudWatchLogsAPI
	PI         PerformanceInsightsAPI
	CloudTrail CloudTrailAPI

	limiter   *rate.Limiter
	transport *http.Transport
}

// Wait blocks until the handle's pacing allows another provider call.
func (h *Handle) Wait(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	return h.limiter.Wait(ctx)
}

// Close releases idle connections held by the handle's transport.
func (h *Handle) Close() error {
	if h.transport != nil {
		h.transport.CloseIdleConnections()
	}
	return nil
}

// FactoryConfig tunes handle construction.
type FactoryConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxAttempts       int
}

// LoadBase resolves the shared AWS configuration through the default
// credential chain. Credentials are resolved lazily on first call.
func LoadBase(ctx context.Context, profile string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// NewFactory returns a registry factory that builds a Handle per region
// from base. It performs no network calls.
func NewFactory(base aws.Config, fc FactoryConfig) registry.Factory[*Handle] {
	return func(region string) (*Handle, error) {
		if region == "" {
			return nil, errors.New("region is required")
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		cfg := base.Copy()
		cfg.Region = region
		cfg.HTTPClient = &http.Client{Transport: transport}
		if fc.MaxAttempts > 0 {
			cfg.RetryMaxAttempts = fc.MaxAttempts
		}

		h := &Handle{
			Region:     region,
			ECS:        ecs.NewFromConfig(cfg),
			RDS:        rds.NewFromConfig(cfg),
			CloudWatch: cloudwatch.NewFromConfig(cfg),
			Logs:       cloudwatchlogs.NewFromConfig(cfg),
			PI:         pi.NewFromConfig(cfg),
			CloudTrail: cloudtrail.NewFromConfig(cfg),
			transport:  transport,
		}
		if fc.RequestsPerSecond > 0 {
			burst := fc.Burst
			if burst <= 0 {
				burst = 1
			}
			h.limiter = rate.NewLimiter(rate.Limit(fc.RequestsPerSecond), burst)
		}
		return h, nil
	}
}

// Registry is the handle registry type shared by the investigators.
type Registry = registry.Registry[*Handle]

// NewRegistry creates a handle registry around factory.
func NewRegistry(factory registry.Factory[*Handle]) *Registry {
	return registry.New(factory)
}
