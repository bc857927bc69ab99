// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import (
	"encoding/json"
	"io"
	"runtime"
)

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/ec2runner/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash (e.g. "abc1234def5678").
	// Set via: -ldflags "-X github.com/terrpan/ec2runner/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-02-19T12:34:56Z").
	// Set via: -ldflags "-X github.com/terrpan/ec2runner/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// Report is the body printed by the version command.
type Report struct {
	ServiceName   string `json:"service_name"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildTime     string `json:"build_time"`
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Architecture  string `json:"architecture"`
	Engine        string `json:"engine"`
	RunnerVersion string `json:"runner_version"`
}

// NewReport collects build and platform information.  runnerVersion is
// the runner agent release installed by default.
func NewReport(serviceName, engine, runnerVersion string) Report {
	return Report{
		ServiceName:   serviceName,
		Version:       Version,
		Commit:        Commit,
		BuildTime:     BuildTime,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Architecture:  runtime.GOARCH,
		Engine:        engine,
		RunnerVersion: runnerVersion,
	}
}

// WriteJSON writes r as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
