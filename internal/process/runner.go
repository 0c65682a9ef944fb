// Package process implements Minsky's bounded process runner: every
// external process this codebase spawns — in practice, git — goes
// through Run, which enforces a mandatory timeout and kills the whole
// process group on expiry so no child outlives its deadline. Small
// configs with sane defaults, structured logging at each boundary,
// typed errors instead of string matching.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/logging"
	"github.com/edobry/minsky/internal/observability"
)

// DefaultTimeout bounds git network calls that don't specify their own.
const DefaultTimeout = 30 * time.Second

// Result is the successful outcome of Run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ProcessError reports a child process that ran to completion with a
// non-zero exit code. It is distinct from a Timeout, which is reported
// as an *errkit.Error instead.
type ProcessError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %v exited %d: %s", e.Args, e.ExitCode, e.Stderr)
}

// Runner spawns processes with an enforced timeout. The zero value is
// usable; Logger and Metrics are both optional.
type Runner struct {
	Logger  logging.Logger
	Metrics *observability.Collector
}

// New builds a Runner. Passing a nil logger is fine; it is normalised to
// a no-op logger on first use.
func New(logger logging.Logger) *Runner {
	return &Runner{Logger: logging.OrNop(logger)}
}

// Run spawns args[0] with args[1:], in cwd (or the process's own cwd if
// empty), and enforces timeout. A non-positive timeout is a caller bug,
// not a runtime condition to be gracefully degraded — Run returns a
// ValidationError immediately without spawning anything.
func (r *Runner) Run(ctx context.Context, args []string, cwd string, timeout time.Duration) (*Result, error) {
	if len(args) == 0 {
		return nil, errkit.Validation("args", "must name a program to run")
	}
	if timeout <= 0 {
		return nil, errkit.Validation("timeout", "must be a positive duration")
	}

	log := logging.OrNop(r.Logger)
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, args[0], args[1:]...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("process start", "args", args, "cwd", cwd, "timeout", timeout)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if r.Metrics != nil {
		r.Metrics.RecordRunnerDuration(ctx, subcommandLabel(args), elapsed.Seconds())
	}

	if timeoutCtx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd)
		log.Warn("process timed out", "args", args, "elapsed", elapsed)
		return nil, errkit.Timeout(fmt.Sprintf("%v", args), int(timeout.Seconds()))
	}

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		}
		log.Warn("process failed", "args", args, "exitCode", exitCode, "stderr", stderr.String())
		return nil, &ProcessError{Args: args, ExitCode: exitCode, Stderr: stderr.String()}
	}

	log.Debug("process done", "args", args, "elapsed", elapsed)
	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

// subcommandLabel names a metrics series for args: "git fetch" rather
// than just "git", so the histogram distinguishes network subcommands
// from fast local ones.
func subcommandLabel(args []string) string {
	if len(args) >= 2 && args[0] == "git" {
		return args[0] + " " + args[1]
	}
	if len(args) >= 1 {
		return args[0]
	}
	return "unknown"
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// setProcessGroup and killProcessGroup default to no-ops here;
// runner_unix.go replaces them so the child gets its own process group
// and a timeout kill takes any grandchildren (e.g. git spawning ssh)
// with it.
var (
	setProcessGroup  = func(*exec.Cmd) {}
	killProcessGroup = func(*exec.Cmd) {}
)
