// Package classify determines whether staged files are compatible with the
// downstream import pipeline by running the import tool's local dry-run
// analysis and parsing its text output.
package classify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Status is a compatibility verdict for one file.
type Status string

const (
	StatusCompatible   Status = "compatible"
	StatusIncompatible Status = "incompatible"
	StatusError        Status = "error"
)

// Result is the outcome of classifying one file.
type Result struct {
	Status  Status
	Details string
}

// DefaultTimeout is the hard wall-clock limit for one analysis run. Large
// files can take a while to probe.
const DefaultTimeout = 45 * time.Second

// Classifier invokes the external import tool in dry-run mode. The zero
// value is not usable; construct with New.
type Classifier struct {
	tool    string
	timeout time.Duration
	scratch string
	logger  *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTimeout overrides the per-file analysis timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.timeout = d }
}

// WithScratchDir sets the parent directory for per-invocation work
// directories. Defaults to the system temp directory.
func WithScratchDir(dir string) Option {
	return func(c *Classifier) { c.scratch = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// New creates a Classifier that runs the given tool binary.
func New(tool string, opts ...Option) *Classifier {
	c := &Classifier{
		tool:    tool,
		timeout: DefaultTimeout,
		scratch: os.TempDir(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify analyzes one staged file and returns its compatibility verdict.
// The tool runs in an isolated work directory so concurrent classifications
// cannot interfere with each other's side files. A timeout or tool failure
// classifies as error, never as incompatible.
func (c *Classifier) Classify(ctx context.Context, stagedPath string) Result {
	if _, err := os.Stat(stagedPath); err != nil {
		return Result{
			Status:  StatusError,
			Details: fmt.Sprintf("missing staged file: %s", stagedPath),
		}
	}

	workdir, err := os.MkdirTemp(c.scratch, "compat-check-*")
	if err != nil {
		return Result{
			Status:  StatusError,
			Details: fmt.Sprintf("creating work directory: %v", err),
		}
	}
	defer os.RemoveAll(workdir)

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Dry-run analysis: local format probing only, no server side effects.
	cmd := exec.CommandContext(runCtx, c.tool, "import", "-f", stagedPath)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "OMERODIR="+workdir)
	// Killing the tool does not kill its descendants; without a wait delay a
	// survivor holding the output pipes would block Run past the deadline.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("compatibility check timed out",
			"file", stagedPath, "timeout", c.timeout)
		return Result{
			Status:  StatusError,
			Details: fmt.Sprintf("compatibility check timed out after %s", c.timeout),
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The tool could not be started at all.
			return Result{
				Status:  StatusError,
				Details: fmt.Sprintf("import tool not available: %v", runErr),
			}
		}
		// A non-zero exit alone is not a verdict; fall through to parsing.
	}

	status, details := classifyOutput(stdout.String(), stderr.String())

	c.logger.Debug("compatibility check finished",
		"file", stagedPath,
		"status", string(status),
		"elapsed", elapsed.String(),
		"stdout_lines", strings.Count(stdout.String(), "\n"),
		"stderr_lines", strings.Count(stderr.String(), "\n"),
	)

	return Result{Status: status, Details: details}
}
