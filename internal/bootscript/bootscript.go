// Package bootscript renders the shell script an EC2 instance runs as
// root on first boot.  The script installs (or locates) the GitHub
// Actions runner agent, registers it against a repository or
// organization with a short-lived registration token and then runs it
// in the foreground.
//
// Build is a pure function: no I/O, and identical input always yields
// identical output.
//
// Values substituted into the script (token, label, URL, home
// directory) are quoted with go-shellquote.  Registration tokens,
// URLs and slug labels contain no shell metacharacters, so they still
// appear verbatim; anything else is escaped or single-quoted instead of
// being interpreted by the shell.
package bootscript

import (
	"fmt"

	"github.com/kballard/go-shellquote"
)

const (
	// DefaultRunnerVersion is the runner agent release downloaded when
	// the image does not already carry the agent.
	DefaultRunnerVersion = "2.321.0"

	// DefaultDir is the install directory, relative to the boot
	// script's working directory, used when no home directory is set.
	DefaultDir = "actions-runner"

	// TagRunnerURL and TagRunnerLabel are the instance tags read back
	// through the instance metadata service when DiscoverFromMetadata
	// is set.
	TagRunnerURL   = "GitHubRunnerURL"
	TagRunnerLabel = "GitHubRunnerLabel"

	imdsEndpoint = "http://169.254.169.254/latest"
)

// Context is everything the boot script depends on.
type Context struct {
	// Token is the runner registration token.  Secret: it must never be
	// logged.
	Token string

	// Label is the runner label, used for registration and, by the
	// launcher, as an instance tag.
	Label string

	// URL is the repository or organization URL the runner registers
	// against.
	URL string

	// HomeDir is a directory in the image where the runner agent is
	// pre-installed.  Empty means download and extract the agent.
	HomeDir string

	// RunnerVersion selects the agent release to download.  Ignored
	// when HomeDir is set.  Default: DefaultRunnerVersion.
	RunnerVersion string

	// DiscoverFromMetadata makes the script read the registration URL
	// and label from the instance's own tags (IMDSv2) instead of
	// carrying them as literals.  The launcher must then enable
	// instance metadata tags.
	DiscoverFromMetadata bool
}

// PreBaked reports whether the runner agent is expected to be present
// in the image already.
func (c Context) PreBaked() bool {
	return c.HomeDir != ""
}

// script accumulates lines in order.
type script struct {
	lines []string
}

func (s *script) add(lines ...string) {
	s.lines = append(s.lines, lines...)
}

// Build renders the boot script as an ordered list of lines.  The last
// line always starts the runner agent.
func Build(c Context) []string {
	s := &script{}
	s.add("#!/bin/bash")

	if c.PreBaked() {
		s.add("cd " + shellquote.Join(c.HomeDir))
	} else {
		version := c.RunnerVersion
		if version == "" {
			version = DefaultRunnerVersion
		}
		archive := fmt.Sprintf("actions-runner-linux-${RUNNER_ARCH}-%s.tar.gz", version)
		s.add(
			fmt.Sprintf("mkdir -p %[1]s && cd %[1]s", DefaultDir),
			`case $(uname -m) in aarch64|arm64) ARCH="arm64" ;; amd64|x86_64) ARCH="x64" ;; esac && export RUNNER_ARCH=${ARCH}`,
			fmt.Sprintf("curl -O -L https://github.com/actions/runner/releases/download/v%s/%s", version, archive),
			"tar xzf ./"+archive,
		)
	}

	s.add(
		"export RUNNER_ALLOW_RUNASROOT=1",
		"export DOTNET_SYSTEM_GLOBALIZATION_INVARIANT=1",
	)

	url := shellquote.Join(c.URL)
	label := shellquote.Join(c.Label)
	if c.DiscoverFromMetadata {
		s.add(
			fmt.Sprintf(`IMDS_TOKEN=$(curl -sSf -X PUT "%s/api/token" -H "X-aws-ec2-metadata-token-ttl-seconds: 300")`, imdsEndpoint),
			fmt.Sprintf(`imds() { curl -sSf -H "X-aws-ec2-metadata-token: ${IMDS_TOKEN}" "%s/meta-data/$1"; }`, imdsEndpoint),
			"export INSTANCE_ID=$(imds instance-id)",
			"export RUNNER_URL=$(imds tags/instance/"+TagRunnerURL+")",
			"export RUNNER_LABEL=$(imds tags/instance/"+TagRunnerLabel+")",
		)
		url = `"$RUNNER_URL"`
		label = `"$RUNNER_LABEL"`
	} else {
		s.add("export INSTANCE_ID=$(cat /var/lib/cloud/data/instance-id)")
	}

	s.add(
		fmt.Sprintf(`./config.sh --unattended --url %s --token %s --name "$INSTANCE_ID" --labels %s`,
			url, shellquote.Join(c.Token), label),
		"./run.sh",
	)

	return s.lines
}
