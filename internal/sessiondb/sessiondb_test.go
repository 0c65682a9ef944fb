package sessiondb

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/process"
	"github.com/edobry/minsky/internal/storage/jsonstore"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	store := jsonstore.New[Record](filepath.Join(t.TempDir(), "sessions.json"))
	db := New(store, process.NewGit(process.New(nil)))
	require.NoError(t, db.Initialize(context.Background()))
	return db
}

func TestInsertAndGetByName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := Record{Name: "task-md#123", TaskID: "md#123", Workdir: "/tmp/ws"}
	require.NoError(t, db.Insert(ctx, rec))

	got, err := db.GetByName(ctx, "task-md#123")
	require.NoError(t, err)
	assert.Equal(t, "md#123", got.TaskID)
}

func TestInsertRejectsDuplicateName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rec := Record{Name: "dup", TaskID: "md#1"}
	require.NoError(t, db.Insert(ctx, rec))

	err := db.Insert(ctx, rec)
	require.Error(t, err)
	assert.True(t, errkit.IsAlreadyExists(err))
}

func TestInsertRejectsSecondSessionForSameTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Insert(ctx, Record{Name: "a", TaskID: "md#1"}))

	err := db.Insert(ctx, Record{Name: "b", TaskID: "md#1"})
	require.Error(t, err)
	assert.True(t, errkit.IsConflict(err))
}

func TestGetByTaskID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Insert(ctx, Record{Name: "sess", TaskID: "gh#42"}))

	got, err := db.GetByTaskID(ctx, "gh#42")
	require.NoError(t, err)
	assert.Equal(t, "sess", got.Name)

	_, err = db.GetByTaskID(ctx, "gh#999")
	assert.True(t, errkit.IsNotFound(err))
}

func TestResolveByWorkdirPrefix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Insert(ctx, Record{Name: "sess", Workdir: "/home/user/ws/task-md#1"}))

	got, err := db.Resolve(ctx, "", "", "/home/user/ws/task-md#1/sub/dir")
	require.NoError(t, err)
	assert.Equal(t, "sess", got.Name)
}

func TestAutoRepairFromRealGitWorkspace(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "checkout", "-q", "-b", "task-md#77")
	runGit(t, dir, "remote", "add", "origin", "https://example.com/org/proj.git")

	db := newTestDB(t)
	ctx := context.Background()

	rec, ok, err := db.AutoRepair(ctx, dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "task-md#77", rec.Name)
	assert.Equal(t, "md#77", rec.TaskID)
	assert.Equal(t, "org/proj", rec.RepoName)

	again, err := db.GetByName(ctx, "task-md#77")
	require.NoError(t, err)
	assert.Equal(t, rec.Workdir, again.Workdir)
}

func TestAutoRepairDeclinesNonSessionBranch(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "checkout", "-q", "-b", "main")

	db := newTestDB(t)
	_, ok, err := db.AutoRepair(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveRepoName(t *testing.T) {
	assert.Equal(t, "org/proj", DeriveRepoName("https://example.com/org/proj.git", "/x"))
	assert.Equal(t, "org/proj", DeriveRepoName("git@example.com:org/proj.git", "/x"))
	assert.Equal(t, "local/ws", DeriveRepoName("", "/home/u/ws"))
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}
