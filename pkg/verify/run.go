package verify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// CommandTimeout bounds each check subprocess.
const CommandTimeout = 120 * time.Second

// Output truncation: keep enough to diagnose, never enough to flood.
const (
	keepOnPass = 500
	keepOnFail = 800
)

// CheckResult is the outcome of one check command.
type CheckResult struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Passed   bool   `json:"passed"`
	Output   string `json:"output"`
	ErrorKey string `json:"errorKey,omitempty"`
}

// Result is the outcome of a verification pass.
type Result struct {
	Passed  bool          `json:"passed"`
	Skipped bool          `json:"skipped"`
	Results []CheckResult `json:"results"`
}

// FailedChecks returns the names of failing checks.
func (r Result) FailedChecks() []string {
	var names []string
	for _, cr := range r.Results {
		if !cr.Passed {
			names = append(names, cr.Name)
		}
	}
	return names
}

// Runner executes checks in a project directory. The zero value is not
// usable; construct with NewRunner.
type Runner struct {
	Dir     string
	Timeout time.Duration
	// Parallelism bounds concurrent checks. Checks share caches and
	// lockfiles, so the default is sequential.
	Parallelism int
}

func NewRunner(dir string) *Runner {
	return &Runner{Dir: dir, Timeout: CommandTimeout, Parallelism: 1}
}

// Run executes the checks and assembles a Result. Result order matches
// check order regardless of parallelism. An empty check list verifies
// nothing and reports a skipped pass.
func (r *Runner) Run(ctx context.Context, checks []Check) Result {
	if len(checks) == 0 {
		return Result{Passed: true, Skipped: true}
	}

	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.Parallelism, 1))
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = r.runOne(gctx, check)
			return nil
		})
	}
	_ = g.Wait()

	passed := true
	for _, cr := range results {
		if !cr.Passed {
			passed = false
			break
		}
	}
	return Result{Passed: passed, Results: results}
}

func (r *Runner) runOne(ctx context.Context, check Check) CheckResult {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = CommandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", check.Command)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Stdin stays nil: checks must not wait on a terminal.

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	output := firstNonEmpty(stderr.String(), stdout.String(), errString(err))
	result := CheckResult{Name: check.Name, Command: check.Command}

	switch {
	case err == nil:
		result.Passed = true
		result.Output = lastChars(output, keepOnPass)
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		result.Output = lastChars(output, keepOnFail)
		result.ErrorKey = check.Name + ":unknown"
		slog.Warn("verification check timed out", "check", check.Name, "timeout", timeout)
	default:
		result.Output = lastChars(output, keepOnFail)
		result.ErrorKey = ErrorKey(check.Name, output)
	}

	slog.Debug("verification check finished",
		"check", check.Name, "passed", result.Passed, "elapsed", elapsed)
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func lastChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
