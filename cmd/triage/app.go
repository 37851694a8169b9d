package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/triage/internal/awsapi"
	"github.com/yairfalse/triage/internal/config"
	"github.com/yairfalse/triage/internal/investigate"
	"github.com/yairfalse/triage/internal/telemetry"
)

// app is the wiring shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Provider
	service   *investigate.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger(cfg.Log, cfg.OTEL.ServiceName)

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	base, err := awsapi.LoadBase(ctx, cfg.AWS.Profile)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	registry := awsapi.NewRegistry(awsapi.NewFactory(base, awsapi.FactoryConfig{
		RequestsPerSecond: cfg.AWS.RequestsPerSecond,
		Burst:             cfg.AWS.Burst,
		MaxAttempts:       cfg.AWS.MaxAttempts,
	}))

	svc := investigate.New(registry, investigate.SettingsFromConfig(cfg), logger,
		investigate.WithRecorder(tp),
		investigate.WithTracer(tp.Tracer()),
	)

	logger.Debug().
		Str("region", cfg.AWS.DefaultRegion).
		Int("concurrency", cfg.Limits.Concurrency).
		Dur("call_timeout", cfg.Timeouts.Call).
		Msg("triage initialized")

	return &app{cfg: cfg, logger: logger, telemetry: tp, service: svc}, nil
}

// close releases clients and flushes telemetry.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.service.Close(), a.telemetry.Shutdown(ctx))
}
