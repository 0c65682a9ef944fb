package gitflow

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/process"
)

func newTestEngine() *Engine {
	return New(process.NewGit(process.New(nil)))
}

// newBareRemote creates a bare repo with one commit on main, suitable for
// use as the "origin" of a clone.
func newBareRemote(t *testing.T) string {
	t.Helper()
	seed := t.TempDir()
	runGit(t, seed, "init", "-q")
	runGit(t, seed, "config", "user.email", "test@example.com")
	runGit(t, seed, "config", "user.name", "Test")
	runGit(t, seed, "checkout", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, seed, "add", ".")
	runGit(t, seed, "commit", "-q", "-m", "initial")

	bare := t.TempDir() + "-bare.git"
	runGit(t, seed, "clone", "-q", "--bare", seed, bare)
	return bare
}

func TestCreateWorkspaceClonesAndBranches(t *testing.T) {
	remote := newBareRemote(t)
	workdir := filepath.Join(t.TempDir(), "ws")

	e := newTestEngine()
	err := e.CreateWorkspace(context.Background(), remote, workdir, "task-md#1", "main")
	require.NoError(t, err)

	branch := currentBranch(t, workdir)
	assert.Equal(t, "task-md#1", branch)
}

func TestPreparePRSucceedsWithCleanMerge(t *testing.T) {
	remote := newBareRemote(t)
	workdir := filepath.Join(t.TempDir(), "ws")
	e := newTestEngine()
	ctx := context.Background()
	require.NoError(t, e.CreateWorkspace(ctx, remote, workdir, "feature", "main"))

	require.NoError(t, os.WriteFile(filepath.Join(workdir, "feature.txt"), []byte("new\n"), 0o644))
	runGit(t, workdir, "add", ".")
	runGit(t, workdir, "commit", "-q", "-m", "add feature file")

	result, err := e.PreparePR(ctx, workdir, "feature", "main", "Add feature", "body text")
	require.NoError(t, err)
	assert.Equal(t, "pr/feature", result.PRBranch)
	assert.Equal(t, "pr/feature", currentBranch(t, workdir))
}

func TestPreparePRReportsConflictAndStaysOnPRBranch(t *testing.T) {
	remote := newBareRemote(t)
	workdir := filepath.Join(t.TempDir(), "ws")
	e := newTestEngine()
	ctx := context.Background()
	require.NoError(t, e.CreateWorkspace(ctx, remote, workdir, "feature", "main"))

	require.NoError(t, os.WriteFile(filepath.Join(workdir, "README.md"), []byte("feature change\n"), 0o644))
	runGit(t, workdir, "commit", "-aq", "-m", "feature edits README")

	runGit(t, workdir, "switch", "main")
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "README.md"), []byte("main change\n"), 0o644))
	runGit(t, workdir, "commit", "-aq", "-m", "main edits README")
	runGit(t, workdir, "push", "origin", "main")
	runGit(t, workdir, "switch", "feature")

	_, err := e.PreparePR(ctx, workdir, "feature", "main", "Add feature", "body")
	require.Error(t, err)
	assert.True(t, errkit.IsMergeConflict(err))
	merr, ok := errkit.As(err)
	require.True(t, ok)
	assert.Contains(t, merr.Data()["files"], "README.md")
	assert.Equal(t, "pr/feature", currentBranch(t, workdir))
}

func TestApprovePRPushesAndDeletesPRBranch(t *testing.T) {
	remote := newBareRemote(t)
	workdir := filepath.Join(t.TempDir(), "ws")
	e := newTestEngine()
	ctx := context.Background()
	require.NoError(t, e.CreateWorkspace(ctx, remote, workdir, "feature", "main"))

	require.NoError(t, os.WriteFile(filepath.Join(workdir, "feature.txt"), []byte("new\n"), 0o644))
	runGit(t, workdir, "add", ".")
	runGit(t, workdir, "commit", "-q", "-m", "add feature file")

	_, err := e.PreparePR(ctx, workdir, "feature", "main", "Add feature", "body")
	require.NoError(t, err)

	err = e.ApprovePR(ctx, workdir, "main", "pr/feature")
	require.NoError(t, err)
	assert.Equal(t, "main", currentBranch(t, workdir))

	branches := runGitOutput(t, workdir, "branch", "--list", "pr/feature")
	assert.Empty(t, branches)
}

func TestApprovePRRejectsNonFastForward(t *testing.T) {
	remote := newBareRemote(t)
	workdir := filepath.Join(t.TempDir(), "ws")
	e := newTestEngine()
	ctx := context.Background()
	require.NoError(t, e.CreateWorkspace(ctx, remote, workdir, "feature", "main"))
	runGit(t, workdir, "branch", "pr/feature")

	// Simulate someone else advancing origin/main after pr/feature was cut,
	// via an independent clone, so pr/feature no longer descends from the
	// new tip.
	other := filepath.Join(t.TempDir(), "other")
	runGit(t, filepath.Dir(other), "clone", "-q", remote, other)
	require.NoError(t, os.WriteFile(filepath.Join(other, "elsewhere.txt"), []byte("x\n"), 0o644))
	runGit(t, other, "add", ".")
	runGit(t, other, "commit", "-q", "-m", "advance main elsewhere")
	runGit(t, other, "push", "origin", "main")

	err := e.ApprovePR(ctx, workdir, "main", "pr/feature")
	require.Error(t, err)
	assert.True(t, errkit.IsConflict(err))
}

func currentBranch(t *testing.T, dir string) string {
	t.Helper()
	return runGitOutput(t, dir, "branch", "--show-current")
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func runGitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	return trimNewline(string(out))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
