// Package lifecycle drives the three phases of an ephemeral runner
// through any compute backend implementing engine.Engine: start
// (render the boot script, launch, optionally wait), wait and stop.
//
// Phases usually run as separate process invocations; the instance
// handle returned by Start is the only state carried between them.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2runner/internal/bootscript"
	"github.com/terrpan/ec2runner/internal/engine"
)

// Step output names written by Start.
const (
	OutputLabel      = "label"
	OutputInstanceID = "ec2-instance-id"
)

// OutputSetter records named step outputs for later workflow steps.
type OutputSetter interface {
	Set(name, value string) error
}

// Config holds what the Manager needs besides the backend.
type Config struct {
	Engine engine.Engine

	// Boot is rendered into the instance user data by Start.
	Boot bootscript.Context

	// Outputs receives the label and instance ids after a launch
	// (optional).
	Outputs OutputSetter

	Logger *slog.Logger
}

// StartOptions tunes a Start call.
type StartOptions struct {
	// Wait blocks until the launched instances are running.
	Wait bool
}

// Manager runs runner lifecycle phases.
type Manager struct {
	engine  engine.Engine
	boot    bootscript.Context
	outputs OutputSetter
	logger  *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	instancesStarted    metric.Int64Counter
	instancesTerminated metric.Int64Counter
	startupDuration     metric.Float64Histogram
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		engine:  cfg.Engine,
		boot:    cfg.Boot,
		outputs: cfg.Outputs,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("ec2runner/lifecycle"),
		meter:   otel.Meter("ec2runner/lifecycle"),
	}

	// Metric creation errors are logged but not fatal.
	var err error
	m.instancesStarted, err = m.meter.Int64Counter(
		"ec2runner.instances.started",
		metric.WithDescription("Total number of runner instances launched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesStarted counter", slog.String("error", err.Error()))
	}

	m.instancesTerminated, err = m.meter.Int64Counter(
		"ec2runner.instances.terminated",
		metric.WithDescription("Total number of runner instances terminated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesTerminated counter", slog.String("error", err.Error()))
	}

	m.startupDuration, err = m.meter.Float64Histogram(
		"ec2runner.startup.duration",
		metric.WithDescription("Time from launch request to running state (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 10, 20, 30, 60, 120, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create startupDuration histogram", slog.String("error", err.Error()))
	}

	return m
}

// ---------------------------------------------------------------------------
// Phases
// ---------------------------------------------------------------------------

// Start renders the boot script, launches the instances and records the
// label and instance ids as step outputs.  With opts.Wait it then blocks
// until they are running.
//
// The outputs are written before waiting, so a failed wait still leaves
// the ids available to a later stop step.  On a wait failure the handle
// is returned together with the error.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (engine.Handle, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Start")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", m.boot.Label),
		attribute.Bool("runner.prebaked", m.boot.PreBaked()),
		attribute.Bool("runner.discover_from_metadata", m.boot.DiscoverFromMetadata),
		attribute.Bool("lifecycle.wait", opts.Wait),
	)

	m.logger.Info("starting runner instances",
		slog.String("label", m.boot.Label),
		slog.String("url", m.boot.URL),
		slog.Bool("prebaked", m.boot.PreBaked()),
	)

	startTime := time.Now()

	h, err := m.engine.Launch(ctx, bootscript.Build(m.boot))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		return nil, fmt.Errorf("launch: %w", err)
	}

	span.SetAttributes(attribute.String("ec2.instance_ids", h.String()))
	if m.instancesStarted != nil {
		m.instancesStarted.Add(ctx, int64(len(h)))
	}

	if err := m.setOutputs(h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "writing outputs failed")
		return h, err
	}

	if !opts.Wait {
		return h, nil
	}

	if err := m.engine.WaitRunning(ctx, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait failed")
		return h, fmt.Errorf("wait %s: %w", h, err)
	}

	duration := time.Since(startTime).Seconds()
	if m.startupDuration != nil {
		m.startupDuration.Record(ctx, duration)
	}

	m.logger.Info("runner instances running",
		slog.String("instance_ids", h.String()),
		slog.Float64("startup_seconds", duration),
	)
	return h, nil
}

// Wait blocks until every instance in the delimited id list is running.
func (m *Manager) Wait(ctx context.Context, ids string) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Wait")
	defer span.End()

	h, err := engine.ParseHandle(ids)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("ec2.instance_ids", h.String()))

	if err := m.engine.WaitRunning(ctx, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait failed")
		return fmt.Errorf("wait %s: %w", h, err)
	}
	return nil
}

// Stop terminates every instance in the delimited id list with a single
// request.
func (m *Manager) Stop(ctx context.Context, ids string) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Stop")
	defer span.End()

	h, err := engine.ParseHandle(ids)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("ec2.instance_ids", h.String()))

	m.logger.Info("stopping runner instances", slog.String("instance_ids", h.String()))

	if err := m.engine.Terminate(ctx, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminate failed")
		return fmt.Errorf("terminate %s: %w", h, err)
	}

	if m.instancesTerminated != nil {
		m.instancesTerminated.Add(ctx, int64(len(h)))
	}
	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (m *Manager) setOutputs(h engine.Handle) error {
	if m.outputs == nil {
		return nil
	}
	if err := m.outputs.Set(OutputLabel, m.boot.Label); err != nil {
		return fmt.Errorf("set output %s: %w", OutputLabel, err)
	}
	if err := m.outputs.Set(OutputInstanceID, h.String()); err != nil {
		return fmt.Errorf("set output %s: %w", OutputInstanceID, err)
	}
	return nil
}
