// Package gitflow implements Minsky's git workflow engine: session
// workspace creation and the "prepared merge commit" PR flow, all
// mediated through the bounded process runner so no git invocation
// can hang the caller.
package gitflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/process"
)

// Engine runs the git mechanics behind session start/pr/approve. It
// holds no state of its own — session records live in sessiondb; Engine
// only ever touches the filesystem and git.
type Engine struct {
	git *process.GitRunner
}

func New(git *process.GitRunner) *Engine {
	return &Engine{git: git}
}

// CreateWorkspace computes (caller-supplied) workdir, clone-or-reuses
// the base repo, and creates branch from the base branch's tip.
func (e *Engine) CreateWorkspace(ctx context.Context, repoURL, workdir, branch, baseBranch string) error {
	if _, err := os.Stat(workdir); err == nil {
		if _, err := e.git.Fetch(ctx, workdir, "origin", baseBranch, 0); err != nil {
			return err
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(workdir), 0o755); err != nil {
			return errkit.Internal(err)
		}
		if _, err := e.git.Clone(ctx, repoURL, workdir, 0); err != nil {
			return err
		}
	} else {
		return errkit.Internal(err)
	}

	if _, err := e.git.Local(ctx, workdir, "switch", "-c", branch, "origin/"+baseBranch); err != nil {
		return err
	}
	return nil
}

// PRResult is the outcome of a successful PreparePR.
type PRResult struct {
	PRBranch string
}

// PreparePR implements the "prepared merge commit" PR flow: the merge
// into the PR branch happens locally and is pushed only once it is
// conflict-free. On a merge conflict it deliberately leaves HEAD on
// the PR branch in the unfinished-merge state and returns
// errkit.MergeConflict rather than aborting — the previous design's
// abort-and-return-to-feature behaviour lost user context.
func (e *Engine) PreparePR(ctx context.Context, workdir, feature, base, title, body string) (PRResult, error) {
	prBranch := "pr/" + feature

	if _, err := e.git.Fetch(ctx, workdir, "origin", base, 0); err != nil {
		return PRResult{}, err
	}

	if _, err := e.git.Local(ctx, workdir, "switch", "-C", prBranch, "origin/"+base); err != nil {
		return PRResult{}, err
	}

	msgFile, err := os.CreateTemp("", "minsky-pr-msg-*.txt")
	if err != nil {
		return PRResult{}, errkit.Internal(err)
	}
	defer os.Remove(msgFile.Name())
	if _, err := msgFile.WriteString(title + "\n\n" + body); err != nil {
		_ = msgFile.Close()
		return PRResult{}, errkit.Internal(err)
	}
	if err := msgFile.Close(); err != nil {
		return PRResult{}, errkit.Internal(err)
	}

	_, mergeErr := e.git.Merge(ctx, workdir, []string{"--no-ff", feature, "-F", msgFile.Name()}, 0)
	if mergeErr == nil {
		if _, err := e.git.Push(ctx, workdir, "origin", prBranch, 0); err != nil {
			return PRResult{}, err
		}
		return PRResult{PRBranch: prBranch}, nil
	}

	files, diffErr := e.conflictedFiles(ctx, workdir)
	if diffErr != nil {
		return PRResult{}, diffErr
	}
	return PRResult{}, errkit.MergeConflict(prBranch, files)
}

func (e *Engine) conflictedFiles(ctx context.Context, workdir string) ([]string, error) {
	res, err := e.git.Local(ctx, workdir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CanFastForward verifies the PR branch is a descendant of base's tip,
// the precondition required before approving.
func (e *Engine) CanFastForward(ctx context.Context, workdir, prBranch, baseRemoteRef string) (bool, error) {
	_, err := e.git.Local(ctx, workdir, "merge-base", "--is-ancestor", baseRemoteRef, prBranch)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*process.ProcessError); ok {
		return false, nil // exit 1 from --is-ancestor means "not an ancestor", not a failure
	}
	return false, err
}

// ApprovePR fast-forwards base locally, pushes, then deletes the PR
// branch both remotely and locally. Deletion only happens after the
// push has succeeded, so a destructive step never runs ahead of the
// success it depends on.
func (e *Engine) ApprovePR(ctx context.Context, workdir, base, prBranch string) error {
	if _, err := e.git.Fetch(ctx, workdir, "origin", base, 0); err != nil {
		return err
	}

	canFF, err := e.CanFastForward(ctx, workdir, prBranch, "origin/"+base)
	if err != nil {
		return err
	}
	if !canFF {
		return errkit.Conflict(prBranch, "is not a fast-forward descendant of "+base+"; resolve manually before approving")
	}

	if _, err := e.git.Local(ctx, workdir, "switch", base); err != nil {
		return err
	}
	if _, err := e.git.Local(ctx, workdir, "merge", "--ff-only", prBranch); err != nil {
		return err
	}
	if _, err := e.git.Push(ctx, workdir, "origin", base, 0); err != nil {
		return err
	}

	if _, err := e.git.Push(ctx, workdir, "origin", ":"+prBranch, 0); err != nil {
		return err
	}
	if _, err := e.git.Local(ctx, workdir, "branch", "-D", prBranch); err != nil {
		return err
	}
	return nil
}

// RemovePRBranch deletes a PR branch both remotely and locally, ignoring
// "branch doesn't exist" failures from either side so it is safe to call
// when only one of the two actually exists — a rework of a previous PR
// branch that conflicted before a push ever happened leaves only the
// local side to clean up.
func (e *Engine) RemovePRBranch(ctx context.Context, workdir, prBranch string) error {
	_, _ = e.git.Push(ctx, workdir, "origin", ":"+prBranch, 0)
	_, _ = e.git.Local(ctx, workdir, "branch", "-D", prBranch)
	return nil
}

// RemoveWorkspace deletes a session's working tree. Not a git
// operation, so it bypasses the bounded runner; callers invoke it only
// after confirming no process still holds the directory open.
func RemoveWorkspace(workdir string) error {
	if err := os.RemoveAll(workdir); err != nil {
		return errkit.Internal(err)
	}
	return nil
}
