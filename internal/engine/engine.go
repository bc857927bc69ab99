// Package engine defines the lifecycle contract for the compute backend
// that hosts ephemeral GitHub Actions runners, the instance handle passed
// between the start, wait and stop phases, and the error categories every
// phase reports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Engine is the contract the compute backend must satisfy.
//
// The three phases are expected to run as separate invocations (usually
// separate workflow steps):
//
//	Launch → (persist Handle) → WaitRunning → ... job runs ... → Terminate
//
// No state is shared between phases except the Handle, which the caller
// persists as its String form.
type Engine interface {
	// Launch creates one or more instances whose first boot runs
	// bootScript as root.  It returns the identifiers of the created
	// instances.
	Launch(ctx context.Context, bootScript []string) (Handle, error)

	// WaitRunning blocks until every instance in h is running or the
	// backend's wait budget is exhausted.
	WaitRunning(ctx context.Context, h Handle) error

	// Terminate permanently destroys every instance in h with a single
	// batched request.  It does not mask "already terminated" errors.
	Terminate(ctx context.Context, h Handle) error
}

// Error categories.  Backends wrap the provider cause as
// fmt.Errorf("%w: %w", ErrX, cause) so callers can match both.
var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrLaunch        = errors.New("all launch candidates failed")
	ErrWait          = errors.New("waiting for instance running state failed")
	ErrTermination   = errors.New("instance termination failed")
)

// Handle holds provider-assigned instance identifiers, in the order the
// provider returned them.
type Handle []string

// handleSep matches a comma with any surrounding whitespace.
var handleSep = regexp.MustCompile(`\s*,\s*`)

// ParseHandle splits a comma-delimited identifier list, tolerating
// whitespace around the separators and around the whole value.
func ParseHandle(s string) (Handle, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty instance id", ErrConfiguration)
	}

	parts := handleSep.Split(s, -1)
	h := make(Handle, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty element in instance id list %q", ErrConfiguration, s)
		}
		h = append(h, p)
	}
	return h, nil
}

// IDs returns the identifiers as a plain slice.
func (h Handle) IDs() []string {
	return []string(h)
}

// String joins the identifiers with "," -- the form persisted between
// phases.
func (h Handle) String() string {
	return strings.Join(h, ",")
}
