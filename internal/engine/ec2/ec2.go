// Package ec2 implements the engine.Engine interface on Amazon EC2:
// ephemeral GitHub Actions runners run as instances whose user data
// installs and starts the runner agent.
//
// Authentication uses the default AWS credential chain (environment,
// shared config, web identity, instance role).  No credential fields
// exist in Config.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2runner/internal/engine"
)

// DefaultWaitTimeout bounds WaitRunning when Config.WaitTimeout is zero.
const DefaultWaitTimeout = 10 * time.Minute

// Config holds EC2-specific engine settings.
type Config struct {
	// Region overrides the region from the AWS shared config /
	// environment (optional).
	Region string

	// Launch describes the instances created by Launch.
	Launch LaunchConfig

	// WaitTimeout is the maximum time WaitRunning polls for.
	// Default: DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// instancesAPI is the subset of *ec2.Client the engine uses.
type instancesAPI interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ec2.DescribeInstancesAPIClient
}

// Sentinel errors for successful calls with unusable responses.
var (
	ErrNoInstances  = errors.New("RunInstances returned no error but created no instances")
	ErrNoInstanceID = errors.New("RunInstances returned instances without ids")
)

// Engine launches, waits for and terminates runner instances.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// waiterOptions tune the running-state waiter (poll delays).
	waiterOptions []func(*ec2.InstanceRunningWaiterOptions)

	// OpenTelemetry instrumentation
	tracer         trace.Tracer
	launchAttempts metric.Int64Counter
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine using the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	logger.Info("ec2 engine initialized",
		slog.String("region", awsCfg.Region),
		slog.String("image_id", cfg.Launch.ImageID),
		slog.String("instance_type", cfg.Launch.InstanceType),
		slog.String("launch_template", cfg.Launch.LaunchTemplate),
	)

	return newEngine(ec2.NewFromConfig(awsCfg), cfg, logger), nil
}

// newEngine wires an Engine around any instancesAPI implementation.
func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ec2runner/engine/ec2"),
	}

	var err error
	e.launchAttempts, err = otel.Meter("ec2runner/engine/ec2").Int64Counter(
		"ec2runner.launch.attempts",
		metric.WithDescription("RunInstances attempts by candidate and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create launchAttempts counter", slog.String("error", err.Error()))
	}

	return e
}

// ---------------------------------------------------------------------------
// engine.Engine implementation
// ---------------------------------------------------------------------------

// Launch assembles the configured launch candidates around bootScript
// and submits them in order.
func (e *Engine) Launch(ctx context.Context, bootScript []string) (engine.Handle, error) {
	candidates, err := Assemble(e.cfg.Launch, bootScript)
	if err != nil {
		e.logger.Error("assembling launch request failed", slog.String("error", err.Error()))
		return nil, err
	}
	return e.LaunchCandidates(ctx, candidates)
}

// LaunchCandidates submits candidates strictly in order and returns the
// instance ids from the first one the provider accepts.  Later
// candidates are never attempted after a success.  A failed candidate
// is logged at warning level; when all fail the last failure is logged
// at error level and returned wrapped in engine.ErrLaunch.
func (e *Engine) LaunchCandidates(ctx context.Context, candidates []Candidate) (engine.Handle, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Launch")
	defer span.End()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no launch candidates", engine.ErrConfiguration)
	}
	span.SetAttributes(attribute.Int("ec2.candidates", len(candidates)))

	var lastErr error
	for i, c := range candidates {
		e.logger.Info("launching ec2 instances",
			slog.String("candidate", c.Name),
			slog.Int("attempt", i+1),
			slog.Int("candidates", len(candidates)),
		)

		h, err := e.runInstances(ctx, c)
		if err == nil {
			e.recordAttempt(ctx, c.Name, "success")
			span.SetAttributes(
				attribute.String("ec2.candidate", c.Name),
				attribute.String("ec2.instance_ids", h.String()),
			)
			e.logger.Info("ec2 instances started",
				slog.String("instance_ids", h.String()),
				slog.String("candidate", c.Name),
			)
			return h, nil
		}

		lastErr = err
		e.recordAttempt(ctx, c.Name, "failure")
		span.AddEvent("launch candidate failed", trace.WithAttributes(
			attribute.String("ec2.candidate", c.Name),
			attribute.String("ec2.error_code", errorCode(err)),
		))

		if i < len(candidates)-1 {
			e.logger.Warn("launch candidate failed, trying next",
				slog.String("candidate", c.Name),
				slog.String("next", candidates[i+1].Name),
				slog.String("error_code", errorCode(err)),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.Error("ec2 instances starting error",
		slog.String("candidate", candidates[len(candidates)-1].Name),
		slog.String("error_code", errorCode(lastErr)),
		slog.String("error", lastErr.Error()),
	)
	return nil, fmt.Errorf("%w: %w", engine.ErrLaunch, lastErr)
}

// WaitRunning blocks on the EC2 instance-running waiter until every
// instance in h is running, an instance reaches a terminal state, or
// Config.WaitTimeout elapses.
func (e *Engine) WaitRunning(ctx context.Context, h engine.Handle) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.WaitRunning")
	defer span.End()

	if len(h) == 0 {
		return fmt.Errorf("%w: no instance ids to wait for", engine.ErrConfiguration)
	}

	span.SetAttributes(
		attribute.String("ec2.instance_ids", h.String()),
		attribute.String("ec2.wait_timeout", e.cfg.WaitTimeout.String()),
	)

	e.logger.Info("waiting for ec2 instances to enter running state",
		slog.String("instance_ids", h.String()),
		slog.Duration("timeout", e.cfg.WaitTimeout),
	)

	waiter := ec2.NewInstanceRunningWaiter(e.client, e.waiterOptions...)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: h.IDs(),
	}, e.cfg.WaitTimeout)
	if err != nil {
		e.logger.Error("ec2 instances initialization error",
			slog.String("instance_ids", h.String()),
			slog.String("error_code", errorCode(err)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", engine.ErrWait, err)
	}

	e.logger.Info("ec2 instances are up and running", slog.String("instance_ids", h.String()))
	return nil
}

// Terminate submits one TerminateInstances request for every instance in
// h.  Provider errors (including unknown ids) are returned as-is inside
// engine.ErrTermination.
func (e *Engine) Terminate(ctx context.Context, h engine.Handle) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Terminate")
	defer span.End()

	if len(h) == 0 {
		return fmt.Errorf("%w: no instance ids to terminate", engine.ErrConfiguration)
	}

	span.SetAttributes(attribute.String("ec2.instance_ids", h.String()))

	e.logger.Info("terminating ec2 instances", slog.String("instance_ids", h.String()))

	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: h.IDs(),
	})
	if err != nil {
		e.logger.Error("ec2 instances termination error",
			slog.String("instance_ids", h.String()),
			slog.String("error_code", errorCode(err)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", engine.ErrTermination, err)
	}

	e.logger.Info("ec2 instances terminated", slog.String("instance_ids", h.String()))
	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (e *Engine) runInstances(ctx context.Context, c Candidate) (engine.Handle, error) {
	out, err := e.client.RunInstances(ctx, c.Input)
	if err != nil {
		return nil, fmt.Errorf("run instances (%s): %w", c.Name, err)
	}
	if out == nil || len(out.Instances) == 0 {
		return nil, ErrNoInstances
	}

	h := make(engine.Handle, 0, len(out.Instances))
	for _, inst := range out.Instances {
		if inst.InstanceId == nil {
			return nil, ErrNoInstanceID
		}
		h = append(h, *inst.InstanceId)
	}
	return h, nil
}

func (e *Engine) recordAttempt(ctx context.Context, candidate, outcome string) {
	if e.launchAttempts == nil {
		return
	}
	e.launchAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("candidate", candidate),
		attribute.String("outcome", outcome),
	))
}

// errorCode extracts the EC2 API error code (e.g.
// "InsufficientInstanceCapacity"), or "" for non-API errors.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
