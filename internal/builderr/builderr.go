// Package builderr defines the error taxonomy shared by every build stage.
//
// Each stage returns one of three typed errors so the CLI can map failures to
// distinct exit codes and print actionable hints.
package builderr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Exit codes reported by the CLI for each error kind.
const (
	ExitOK            = 0
	ExitOther         = 1
	ExitConfiguration = 2
	ExitBuild         = 3
	ExitCompression   = 4
)

// ErrTimeout is the cause of a BuildError when the build exceeded its deadline.
var ErrTimeout = errors.New("timeout")

// ConfigurationError reports bad paths, missing entry points, or an output
// directory that cannot be prepared. It is always raised before any build work.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BuildError reports a transformation or resolution failure. Entry names the
// entry point being built when known.
type BuildError struct {
	Entry string
	Err   error
}

func (e *BuildError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("build error: %v", e.Err)
	}
	return fmt.Sprintf("build error in entry %q: %v", e.Entry, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ArtifactFailure is one failed (artifact, algorithm) pair.
type ArtifactFailure struct {
	Path      string
	Algorithm string
	Err       error
}

// CompressionError aggregates every per-artifact failure of a compression run.
type CompressionError struct {
	Failures []ArtifactFailure
}

func (e *CompressionError) Error() string {
	failures := append([]ArtifactFailure(nil), e.Failures...)
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Path != failures[j].Path {
			return failures[i].Path < failures[j].Path
		}
		return failures[i].Algorithm < failures[j].Algorithm
	})

	var b strings.Builder
	fmt.Fprintf(&b, "compression error: %d artifact(s) failed", len(failures))
	for _, f := range failures {
		fmt.Fprintf(&b, "\n  %s (%s): %v", f.Path, f.Algorithm, f.Err)
	}
	return b.String()
}

// Unwrap exposes the individual causes to errors.Is/As.
func (e *CompressionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Configuration wraps err as a ConfigurationError for path.
func Configuration(path string, err error) error {
	return &ConfigurationError{Path: path, Err: err}
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(path, format string, args ...any) error {
	return &ConfigurationError{Path: path, Err: errors.Newf(format, args...)}
}

// Build wraps err as a BuildError for the named entry.
func Build(entry string, err error) error {
	return &BuildError{Entry: entry, Err: err}
}

// Buildf builds a BuildError from a format string.
func Buildf(entry, format string, args ...any) error {
	return &BuildError{Entry: entry, Err: errors.Newf(format, args...)}
}

// WithHint attaches a user-facing hint that the CLI prints below the error.
func WithHint(err error, hint string) error {
	return errors.WithHint(err, hint)
}

// Hints returns every hint attached anywhere in the error chain.
func Hints(err error) []string {
	if err == nil {
		return nil
	}
	return errors.GetAllHints(err)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsBuild reports whether err is or wraps a BuildError.
func IsBuild(err error) bool {
	var target *BuildError
	return errors.As(err, &target)
}

// IsCompression reports whether err is or wraps a CompressionError.
func IsCompression(err error) bool {
	var target *CompressionError
	return errors.As(err, &target)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsConfiguration(err):
		return ExitConfiguration
	case IsBuild(err):
		return ExitBuild
	case IsCompression(err):
		return ExitCompression
	default:
		return ExitOther
	}
}
