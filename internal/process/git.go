package process

import (
	"context"
	"time"
)

// GitRunner names git subcommands for diagnostics while delegating to
// the same bounded Run underneath, so every wrapper carries the same
// timeout contract.
type GitRunner struct {
	*Runner
}

// NewGit wraps a Runner with git-specific convenience methods.
func NewGit(r *Runner) *GitRunner { return &GitRunner{Runner: r} }

func (g *GitRunner) git(ctx context.Context, cwd string, timeout time.Duration, args ...string) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return g.Run(ctx, append([]string{"git"}, args...), cwd, timeout)
}

func (g *GitRunner) Fetch(ctx context.Context, cwd, remote, ref string, timeout time.Duration) (*Result, error) {
	args := []string{"fetch", remote}
	if ref != "" {
		args = append(args, ref)
	}
	return g.git(ctx, cwd, timeout, args...)
}

func (g *GitRunner) Push(ctx context.Context, cwd, remote, ref string, timeout time.Duration) (*Result, error) {
	return g.git(ctx, cwd, timeout, "push", remote, ref)
}

func (g *GitRunner) Pull(ctx context.Context, cwd, remote, ref string, timeout time.Duration) (*Result, error) {
	return g.git(ctx, cwd, timeout, "pull", remote, ref)
}

func (g *GitRunner) Clone(ctx context.Context, url, dest string, timeout time.Duration) (*Result, error) {
	return g.git(ctx, "", timeout, "clone", url, dest)
}

func (g *GitRunner) Merge(ctx context.Context, cwd string, args []string, timeout time.Duration) (*Result, error) {
	return g.git(ctx, cwd, timeout, append([]string{"merge"}, args...)...)
}

// Local runs a non-network git subcommand (status, switch, branch, ...) in
// cwd with the default timeout. Still bounded: every git invocation,
// not just network ones, goes through the runner.
func (g *GitRunner) Local(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return g.git(ctx, cwd, DefaultTimeout, args...)
}
