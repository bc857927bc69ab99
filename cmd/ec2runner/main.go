package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/terrpan/ec2runner/internal/buildinfo"
	"github.com/terrpan/ec2runner/internal/config"
	"github.com/terrpan/ec2runner/internal/engine"
	"github.com/terrpan/ec2runner/internal/lifecycle"
	telemetry "github.com/terrpan/ec2runner/internal/otel"
)

const serviceName = "ec2runner"

var (
	cfgPath       string
	noWait        bool
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ec2runner",
	Short: "Ephemeral self-hosted GitHub Actions runners on EC2",
	Long: `ec2runner launches EC2 instances that register themselves as
ephemeral GitHub Actions runners, waits for them to run, and terminates
them when the job is done.

Each phase (start, wait, stop) is a separate invocation; the instance
ids printed by start are the only state passed between them.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch runner instances and wait for them to run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPhase(cmd, config.PhaseStart, func(ctx context.Context, _ *config.Config, m *lifecycle.Manager) error {
			h, err := m.Start(ctx, lifecycle.StartOptions{Wait: !noWait})
			if len(h) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), h.String())
			}
			return err
		})
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait until runner instances are running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPhase(cmd, config.PhaseWait, func(ctx context.Context, cfg *config.Config, m *lifecycle.Manager) error {
			return m.Wait(ctx, cfg.EC2.InstanceID)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminate runner instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPhase(cmd, config.PhaseStop, func(ctx context.Context, cfg *config.Config, m *lifecycle.Manager) error {
			return m.Stop(ctx, cfg.EC2.InstanceID)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		return buildinfo.NewReport(serviceName, "ec2", cfg.Runner.Version).WriteJSON(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(startCmd, waitCmd, stopCmd, versionCmd)

	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "ec2runner.yaml", "Path to YAML configuration file")

	// AWS overrides
	pf.StringVar(&flagOverrides.EC2.Region, "region", "", "AWS region (default: from AWS config/environment)")
	pf.DurationVar(&flagOverrides.EC2.WaitTimeout, "wait-timeout", 0, "Maximum time to wait for running state (default 10m)")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
	pf.Bool("annotations", false, "Emit warnings and errors as GitHub Actions annotations (default: on inside Actions)")

	// Start
	f := startCmd.Flags()
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "Repository or organization URL the runner registers with")
	f.StringVar(&flagOverrides.GitHub.RegistrationToken, "token", "", "Runner registration token")
	f.StringVar(&flagOverrides.Runner.Label, "label", "", "Runner label (default: generated)")
	f.StringVar(&flagOverrides.Runner.LabelPrefix, "label-prefix", "", "Prefix for generated labels")
	f.StringVar(&flagOverrides.Runner.HomeDir, "runner-home-dir", "", "Directory of a pre-installed runner agent")
	f.StringVar(&flagOverrides.Runner.Version, "runner-version", "", "Runner agent release to download")
	f.Bool("discover-from-metadata", false, "Read the registration URL and label from instance tags at boot")
	f.StringVar(&flagOverrides.EC2.ImageID, "image-id", "", "AMI id")
	f.StringVar(&flagOverrides.EC2.InstanceType, "instance-type", "", "EC2 instance type")
	f.StringVar(&flagOverrides.EC2.SubnetID, "subnet-id", "", "Subnet id")
	f.StringVar(&flagOverrides.EC2.SecurityGroupID, "security-group-id", "", "Security group id")
	f.StringVar(&flagOverrides.EC2.IAMRoleName, "iam-role-name", "", "Instance profile name")
	f.StringVar(&flagOverrides.EC2.LaunchTemplate, "launch-template", "", "Launch template name")
	f.Int32Var(&flagOverrides.EC2.Count, "count", 0, "Number of instances (default 1)")
	f.Bool("spot-first", false, "Try spot capacity first, then on-demand")
	f.StringVar(&flagOverrides.EC2.Overrides, "overrides", "", "YAML document of RunInstances parameters")
	f.StringVar(&flagOverrides.Output.GitHubOutput, "github-output", "", "Step output file (default: $GITHUB_OUTPUT)")
	f.BoolVar(&noWait, "no-wait", false, "Return after launch without waiting for running state")

	// Wait / stop
	for _, c := range []*cobra.Command{waitCmd, stopCmd} {
		c.Flags().StringVar(&flagOverrides.EC2.InstanceID, "instance-id", "", "Comma-separated instance ids")
	}
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded
// config.  Boolean flags only apply when given explicitly.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if flagOverrides.GitHub.URL != "" {
		cfg.GitHub.URL = flagOverrides.GitHub.URL
	}
	if flagOverrides.GitHub.RegistrationToken != "" {
		cfg.GitHub.RegistrationToken = flagOverrides.GitHub.RegistrationToken
	}
	if flagOverrides.Runner.Label != "" {
		cfg.Runner.Label = flagOverrides.Runner.Label
	}
	if flagOverrides.Runner.LabelPrefix != "" {
		cfg.Runner.LabelPrefix = flagOverrides.Runner.LabelPrefix
	}
	if flagOverrides.Runner.HomeDir != "" {
		cfg.Runner.HomeDir = flagOverrides.Runner.HomeDir
	}
	if flagOverrides.Runner.Version != "" {
		cfg.Runner.Version = flagOverrides.Runner.Version
	}
	if flagOverrides.EC2.Region != "" {
		cfg.EC2.Region = flagOverrides.EC2.Region
	}
	if flagOverrides.EC2.ImageID != "" {
		cfg.EC2.ImageID = flagOverrides.EC2.ImageID
	}
	if flagOverrides.EC2.InstanceType != "" {
		cfg.EC2.InstanceType = flagOverrides.EC2.InstanceType
	}
	if flagOverrides.EC2.SubnetID != "" {
		cfg.EC2.SubnetID = flagOverrides.EC2.SubnetID
	}
	if flagOverrides.EC2.SecurityGroupID != "" {
		cfg.EC2.SecurityGroupID = flagOverrides.EC2.SecurityGroupID
	}
	if flagOverrides.EC2.IAMRoleName != "" {
		cfg.EC2.IAMRoleName = flagOverrides.EC2.IAMRoleName
	}
	if flagOverrides.EC2.LaunchTemplate != "" {
		cfg.EC2.LaunchTemplate = flagOverrides.EC2.LaunchTemplate
	}
	if flagOverrides.EC2.Count != 0 {
		cfg.EC2.Count = flagOverrides.EC2.Count
	}
	if flagOverrides.EC2.Overrides != "" {
		cfg.EC2.Overrides = flagOverrides.EC2.Overrides
	}
	if flagOverrides.EC2.WaitTimeout != 0 {
		cfg.EC2.WaitTimeout = flagOverrides.EC2.WaitTimeout
	}
	if flagOverrides.EC2.InstanceID != "" {
		cfg.EC2.InstanceID = flagOverrides.EC2.InstanceID
	}
	if flagOverrides.Output.GitHubOutput != "" {
		cfg.Output.GitHubOutput = flagOverrides.Output.GitHubOutput
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}

	if v, err := flags.GetBool("spot-first"); err == nil && flags.Changed("spot-first") {
		cfg.EC2.SpotFirst = v
	}
	if v, err := flags.GetBool("discover-from-metadata"); err == nil && flags.Changed("discover-from-metadata") {
		cfg.Runner.DiscoverFromMetadata = v
	}
	if v, err := flags.GetBool("annotations"); err == nil && flags.Changed("annotations") {
		cfg.Logging.Annotations = &v
	}
}

// phaseFunc runs one lifecycle phase against a fully wired Manager.
type phaseFunc func(ctx context.Context, cfg *config.Config, m *lifecycle.Manager) error

// newEngine builds the compute backend for a phase.
var newEngine = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	return cfg.NewEngine(ctx, logger)
}

func runPhase(cmd *cobra.Command, phase config.Phase, fn phaseFunc) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cmd.Flags(), cfg)

	if err := cfg.Validate(phase); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}

	// Stdout carries workflow commands and the ids printed by start;
	// log records go to stderr.
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	// The token must be masked before anything else reaches the log.
	if err := cfg.MaskSecrets(stdout); err != nil {
		return fmt.Errorf("masking secrets: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger(stderr, stdout)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("phase", string(phase)),
		slog.String("version", buildinfo.Version),
	)

	shutdown, err := telemetry.SetupOTelSDK(ctx, serviceName, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Initialize compute engine
	// ---------------------------------------------------------------
	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	m := lifecycle.New(lifecycle.Config{
		Engine:  eng,
		Boot:    cfg.BootContext(),
		Outputs: cfg.NewOutputs(),
		Logger:  logger.WithGroup("lifecycle"),
	})

	// ---------------------------------------------------------------
	// 4. Run
	// ---------------------------------------------------------------
	if err := fn(ctx, cfg, m); err != nil {
		logger.Error("phase failed", slog.String("phase", string(phase)), slog.String("error", err.Error()))
		return err
	}

	logger.Info("phase completed", slog.String("phase", string(phase)))
	return nil
}
