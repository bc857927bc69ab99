// Package actions talks to the GitHub Actions runner that invokes
// ec2runner as a workflow step: workflow commands written to stdout and
// step outputs appended to the $GITHUB_OUTPUT file.
package actions

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Environment variables set by the Actions runner.
const (
	EnvActions = "GITHUB_ACTIONS"
	EnvOutput  = "GITHUB_OUTPUT"
)

// Running reports whether the process runs inside a GitHub Actions job.
func Running() bool {
	return os.Getenv(EnvActions) == "true"
}

// dataEscaper encodes workflow command data so a message cannot end the
// command early or inject another one.
var dataEscaper = strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")

// Command writes a single workflow command (::name::data) to w.
func Command(w io.Writer, name, data string) error {
	_, err := fmt.Fprintf(w, "::%s::%s\n", name, dataEscaper.Replace(data))
	return err
}

// Mask registers value as a secret; the runner redacts it from all
// subsequent log output.  Empty values are ignored.
func Mask(w io.Writer, value string) error {
	if value == "" {
		return nil
	}
	return Command(w, "add-mask", value)
}

// ---------------------------------------------------------------------------
// Step outputs
// ---------------------------------------------------------------------------

// Outputs appends step outputs to the file the runner names in
// $GITHUB_OUTPUT.
type Outputs struct {
	path string
}

// NewOutputs returns an output writer for path.  An empty path yields a
// writer whose Set is a no-op, for runs outside of Actions.
func NewOutputs(path string) *Outputs {
	return &Outputs{path: path}
}

// Path returns the output file path.
func (o *Outputs) Path() string {
	return o.path
}

// Set appends name=value using the delimiter form, which is safe for
// values spanning several lines.
func (o *Outputs) Set(name, value string) error {
	if o.path == "" {
		return nil
	}
	if name == "" {
		return fmt.Errorf("output name is empty")
	}

	delimiter := "ghadelimiter_" + uuid.NewString()
	if strings.Contains(name, delimiter) || strings.Contains(value, delimiter) {
		return fmt.Errorf("output %s: value contains delimiter %s", name, delimiter)
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening output file %s: %w", o.path, err)
	}

	_, werr := fmt.Fprintf(f, "%s<<%s\n%s\n%s\n", name, delimiter, value, delimiter)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("writing output %s: %w", name, werr)
	}
	return nil
}
