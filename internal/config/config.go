// Package config handles loading, validating, and applying
// configuration for ec2runner.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/ec2runner/internal/actions"
	"github.com/terrpan/ec2runner/internal/bootscript"
	"github.com/terrpan/ec2runner/internal/engine"
	ec2engine "github.com/terrpan/ec2runner/internal/engine/ec2"
	"github.com/terrpan/ec2runner/internal/otel"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Runner  RunnerConfig  `yaml:"runner"`
	EC2     EC2Config     `yaml:"ec2"`
	Output  OutputConfig  `yaml:"output"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// Phase selects which part of the lifecycle a command runs, and with it
// the set of required fields.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseWait  Phase = "wait"
	PhaseStop  Phase = "stop"
)

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds the registration target and token.
type GitHubConfig struct {
	// URL is the repository or organization the runner registers with
	// (e.g. https://github.com/org/repo).
	URL string `yaml:"url"`

	// RegistrationToken is the short-lived runner registration token.
	// It is never logged.
	RegistrationToken string `yaml:"registration_token"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig describes the runner agent inside the instance.
type RunnerConfig struct {
	// Label is the runner label used both for registration and for
	// tagging.  Generated from LabelPrefix when empty.
	Label string `yaml:"label"`

	// LabelPrefix prefixes generated labels.  Default: "ec2-runner".
	LabelPrefix string `yaml:"label_prefix"`

	// HomeDir is a directory with a pre-installed runner agent.  Empty
	// means download the agent on boot.
	HomeDir string `yaml:"home_dir"`

	// Version is the runner agent release to download.
	// Default: bootscript.DefaultRunnerVersion.
	Version string `yaml:"version"`

	// DiscoverFromMetadata makes the boot script read the registration
	// URL and label from instance tags instead of embedding them.
	DiscoverFromMetadata bool `yaml:"discover_from_metadata"`
}

// ---------------------------------------------------------------------------
// EC2
// ---------------------------------------------------------------------------

// EC2Config describes the instances to launch.
//
// Authentication uses the default AWS credential chain -- no credential
// fields are needed.
type EC2Config struct {
	// Region overrides AWS_REGION / the shared config (optional).
	Region string `yaml:"region"`

	// ImageID and InstanceType are required unless LaunchTemplate
	// supplies them.
	ImageID      string `yaml:"image_id"`
	InstanceType string `yaml:"instance_type"`

	SubnetID        string `yaml:"subnet_id"`
	SecurityGroupID string `yaml:"security_group_id"`

	// IAMRoleName is the instance profile attached to the runner.
	IAMRoleName string `yaml:"iam_role_name"`

	// LaunchTemplate is the name of a stored launch template.
	LaunchTemplate string `yaml:"launch_template"`

	// Count is the number of instances to launch.  Default: 1.
	Count int32 `yaml:"count"`

	// SpotFirst tries spot capacity before on-demand.
	SpotFirst bool `yaml:"spot_first"`

	// Overrides is a YAML document of RunInstances parameters that win
	// over every other field.
	Overrides string `yaml:"overrides"`

	// Tags are attached to every instance on creation.
	Tags map[string]string `yaml:"tags"`

	// WaitTimeout bounds the wait for running state.  Default: 10m.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// InstanceID is the comma-delimited id list for the wait and stop
	// phases.
	InstanceID string `yaml:"instance_id"`
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// OutputConfig controls where step outputs go.
type OutputConfig struct {
	// GitHubOutput is the step output file.  Default: $GITHUB_OUTPUT.
	GitHubOutput string `yaml:"github_output"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
	// Annotations also emits warnings and errors as workflow commands.
	// Default: true when running inside GitHub Actions.
	Annotations *bool `yaml:"annotations"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push (traces + metrics) is active.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PushgatewayURL pushes Prometheus metrics to a Pushgateway when the
	// process exits (optional).
	PushgatewayURL string `yaml:"pushgateway_url"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Runner.LabelPrefix == "" {
		c.Runner.LabelPrefix = "ec2-runner"
	}
	if c.Runner.Version == "" {
		c.Runner.Version = bootscript.DefaultRunnerVersion
	}
	if c.EC2.Count == 0 {
		c.EC2.Count = 1
	}
	if c.EC2.WaitTimeout == 0 {
		c.EC2.WaitTimeout = ec2engine.DefaultWaitTimeout
	}
	if c.Output.GitHubOutput == "" {
		c.Output.GitHubOutput = os.Getenv(actions.EnvOutput)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Annotations == nil {
		on := actions.Running()
		c.Logging.Annotations = &on
	}
}

// Validate applies defaults and checks that the fields required by
// phase are present and consistent.  Every failure wraps
// engine.ErrConfiguration.  For PhaseStart a missing runner label is
// generated here, so the label is fixed before anything is launched.
func (c *Config) Validate(phase Phase) error {
	c.ApplyDefaults()

	var err error
	switch phase {
	case PhaseStart:
		err = c.validateStart()
	case PhaseWait, PhaseStop:
		err = c.validateInstanceID()
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validateStart() error {
	u, err := url.ParseRequestURI(c.GitHub.URL)
	if err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("github.url: %q is not an absolute URL", c.GitHub.URL)
	}

	if c.GitHub.RegistrationToken == "" {
		return fmt.Errorf("github.registration_token is required")
	}

	if c.EC2.LaunchTemplate == "" && (c.EC2.ImageID == "" || c.EC2.InstanceType == "") {
		return fmt.Errorf("ec2.image_id and ec2.instance_type are required unless ec2.launch_template is set")
	}
	if c.EC2.Count < 1 {
		return fmt.Errorf("ec2.count must be >= 1, got %d", c.EC2.Count)
	}
	if c.EC2.WaitTimeout < 0 {
		return fmt.Errorf("ec2.wait_timeout must not be negative")
	}

	if strings.TrimSpace(c.Runner.Label) == "" {
		c.Runner.Label = c.generateLabel()
	}
	if strings.ContainsAny(c.Runner.Label, ",\n") {
		return fmt.Errorf("runner.label %q must be a single label", c.Runner.Label)
	}

	for _, k := range ec2engine.ReservedTagKeys {
		if _, ok := c.EC2.Tags[k]; ok {
			return fmt.Errorf("ec2.tags: %s is set by ec2runner and cannot be overridden", k)
		}
	}

	overrides, err := ec2engine.ParseOverrides(c.EC2.Overrides)
	if err != nil {
		return fmt.Errorf("ec2.overrides: %w", err)
	}
	if c.Runner.DiscoverFromMetadata {
		if err := overrides.CheckTagDiscovery(c.Runner.Label, c.GitHub.URL); err != nil {
			return fmt.Errorf("ec2.overrides: %w", err)
		}
	}

	return nil
}

func (c *Config) validateInstanceID() error {
	if _, err := engine.ParseHandle(c.EC2.InstanceID); err != nil {
		return fmt.Errorf("ec2.instance_id: %w", err)
	}
	return nil
}

// generateLabel returns slug(label_prefix) followed by a short random
// suffix, e.g. "ec2-runner-1a2b3c4d".
func (c *Config) generateLabel() string {
	suffix := uuid.NewString()[:8]
	prefix := slug.Make(c.Runner.LabelPrefix)
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
// Records go to logs.  With annotations enabled, warnings and errors are
// also written to commands as workflow commands.
func (c *Config) NewLogger(logs, commands io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	var handler slog.Handler
	switch strings.ToLower(c.Logging.Format) {
	case "json":
		handler = slog.NewJSONHandler(logs, opts)
	default:
		handler = slog.NewTextHandler(logs, opts)
	}

	if c.Logging.Annotations != nil && *c.Logging.Annotations {
		handler = slogmulti.Fanout(handler, actions.NewHandler(commands))
	}
	return slog.New(handler)
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskSecrets registers the registration token with the Actions runner
// so it is redacted from any later output.  A no-op unless annotations
// are enabled.
func (c *Config) MaskSecrets(w io.Writer) error {
	if c.Logging.Annotations == nil || !*c.Logging.Annotations {
		return nil
	}
	return actions.Mask(w, c.GitHub.RegistrationToken)
}

// BootContext returns the inputs of the boot script.
func (c *Config) BootContext() bootscript.Context {
	return bootscript.Context{
		Token:                c.GitHub.RegistrationToken,
		Label:                c.Runner.Label,
		URL:                  c.GitHub.URL,
		HomeDir:              c.Runner.HomeDir,
		RunnerVersion:        c.Runner.Version,
		DiscoverFromMetadata: c.Runner.DiscoverFromMetadata,
	}
}

// LaunchConfig returns the EC2 launch description, including the
// runner tags attached on creation.
func (c *Config) LaunchConfig() ec2engine.LaunchConfig {
	return ec2engine.LaunchConfig{
		Count:           c.EC2.Count,
		ImageID:         c.EC2.ImageID,
		InstanceType:    c.EC2.InstanceType,
		SubnetID:        c.EC2.SubnetID,
		SecurityGroupID: c.EC2.SecurityGroupID,
		IAMRoleName:     c.EC2.IAMRoleName,
		LaunchTemplate:  c.EC2.LaunchTemplate,
		Overrides:       c.EC2.Overrides,
		SpotFirst:       c.EC2.SpotFirst,
		MetadataTags:    c.Runner.DiscoverFromMetadata,
		Tags:            ec2engine.RunnerTags(c.Runner.Label, c.GitHub.URL, c.EC2.Tags),
	}
}

// NewEngine creates the EC2 compute engine.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	return ec2engine.New(ctx, ec2engine.Config{
		Region:      c.EC2.Region,
		Launch:      c.LaunchConfig(),
		WaitTimeout: c.EC2.WaitTimeout,
	}, logger.WithGroup("engine.ec2"))
}

// NewOutputs returns the step output writer.
func (c *Config) NewOutputs() *actions.Outputs {
	return actions.NewOutputs(c.Output.GitHubOutput)
}

// TelemetryConfig returns the OpenTelemetry SDK settings.
func (c *Config) TelemetryConfig() otel.Config {
	return otel.Config{
		Enabled:        c.OTel.Enabled,
		Endpoint:       c.OTel.Endpoint,
		Insecure:       c.OTel.Insecure,
		StdOut:         c.OTel.StdOut,
		PushgatewayURL: c.OTel.PushgatewayURL,
	}
}
