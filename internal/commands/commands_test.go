package commands

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/gitflow"
	"github.com/edobry/minsky/internal/process"
	"github.com/edobry/minsky/internal/registry"
	"github.com/edobry/minsky/internal/session"
	"github.com/edobry/minsky/internal/sessiondb"
	"github.com/edobry/minsky/internal/storage/jsonstore"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/task/markdown"
	"github.com/edobry/minsky/internal/taskservice"
)

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

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newTestDeps(t *testing.T) (Deps, *registry.Registry, *markdown.Backend) {
	t.Helper()
	md := markdown.New(t.TempDir())
	ts := taskservice.New("md")
	require.NoError(t, ts.Register(md))

	store := jsonstore.New[sessiondb.Record](filepath.Join(t.TempDir(), "sessions.json"))
	db := sessiondb.New(store, process.NewGit(process.New(nil)))
	require.NoError(t, db.Initialize(context.Background()))
	git := gitflow.New(process.NewGit(process.New(nil)))
	sessions := session.New(db, git, ts, t.TempDir())

	deps := Deps{Tasks: ts, Sessions: sessions}
	reg := registry.New()
	require.NoError(t, Register(reg, deps))
	return deps, reg, md
}

func TestRegisterWiresEveryCategory(t *testing.T) {
	_, reg, _ := newTestDeps(t)
	for _, cat := range []registry.Category{
		registry.CategoryTasks, registry.CategorySession,
		registry.CategoryRules, registry.CategorySessionDB, registry.CategoryDebug,
	} {
		assert.NotEmpty(t, reg.ByCategory(cat), "category %s should have commands", cat)
	}
}

func TestTasksCreateAndGet(t *testing.T) {
	_, reg, _ := newTestDeps(t)
	ctx := context.Background()

	def, err := reg.Get("tasks.create")
	require.NoError(t, err)
	result, err := reg.Execute(ctx, def, registry.Params{"title": "Write docs"})
	require.NoError(t, err)
	created := result.(task.Task)
	assert.Equal(t, "Write docs", created.Title)

	def, err = reg.Get("tasks.get")
	require.NoError(t, err)
	result, err = reg.Execute(ctx, def, registry.Params{"id": created.ID})
	require.NoError(t, err)
	assert.Equal(t, created.ID, result.(task.Task).ID)
}

func TestTasksStatusSetUsesEnumFlagNotSecondPositional(t *testing.T) {
	_, reg, md := newTestDeps(t)
	ctx := context.Background()
	created, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "X", Spec: "y"})
	require.NoError(t, err)

	def, err := reg.Get("tasks.status-set")
	require.NoError(t, err)

	positionals := 0
	for _, p := range def.Params {
		if p.Positional {
			positionals++
		}
	}
	assert.Equal(t, 1, positionals, "tasks.status-set must have exactly one positional param")

	result, err := reg.Execute(ctx, def, registry.Params{"id": created.ID, "status": "DONE"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, result.(task.Task).Status)
}

func TestTasksSimilarFailsWithoutMetaStore(t *testing.T) {
	_, reg, _ := newTestDeps(t)
	def, err := reg.Get("tasks.similar")
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), def, registry.Params{"id": "md#1"})
	assert.True(t, errkit.IsBackendUnavailable(err))
}

func TestSessionStartRequiresTaskParam(t *testing.T) {
	_, reg, _ := newTestDeps(t)
	def, err := reg.Get("session.start")
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), def, registry.Params{"repo": "/tmp/repo"})
	assert.True(t, errkit.IsValidation(err))
}

func TestRulesGenerateWritesDefaultTemplate(t *testing.T) {
	_, reg, _ := newTestDeps(t)
	def, err := reg.Get("rules.generate")
	require.NoError(t, err)

	out := t.TempDir()
	result, err := reg.Execute(context.Background(), def, registry.Params{
		"interface": "cli",
		"rules":     []string{"be terse"},
		"output":    out,
	})
	require.NoError(t, err)
	written := result.(map[string]string)["written"]
	assert.FileExists(t, written)

	body, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Contains(t, string(body), "interface: cli")
	assert.Contains(t, string(body), "be terse")
}

func TestRulesGenerateRefusesOverwriteWithoutForce(t *testing.T) {
	_, reg, _ := newTestDeps(t)
	def, err := reg.Get("rules.generate")
	require.NoError(t, err)

	out := t.TempDir()
	params := registry.Params{"interface": "cli", "output": out}
	_, err = reg.Execute(context.Background(), def, params)
	require.NoError(t, err)

	_, err = reg.Execute(context.Background(), def, params)
	assert.True(t, errkit.IsAlreadyExists(err))
}

func TestDebugRegistryDumpListsRegisteredCommands(t *testing.T) {
	_, reg, _ := newTestDeps(t)
	def, err := reg.Get("debug.registry-dump")
	require.NoError(t, err)
	result, err := reg.Execute(context.Background(), def, registry.Params{})
	require.NoError(t, err)
	assert.NotEmpty(t, result)
}

func TestSessionGetAndPRResolveCurrentSessionWhenNameOmitted(t *testing.T) {
	deps, _, md := newTestDeps(t)
	ctx := context.Background()
	created, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "X", Spec: "y"})
	require.NoError(t, err)

	remote := newBareRemote(t)
	rec, err := deps.Sessions.Start(ctx, session.StartParams{TaskID: created.ID, RepoURL: remote})
	require.NoError(t, err)

	deps.Cwd = func() string { return rec.Workdir }

	// re-register with the cwd-aware deps so the handler closure sees it
	reg2 := registry.New()
	require.NoError(t, Register(reg2, deps))
	def, err := reg2.Get("session.pr")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rec.Workdir, "feature.txt"), []byte("x\n"), 0o644))
	runGit(t, rec.Workdir, "add", ".")
	runGit(t, rec.Workdir, "commit", "-q", "-m", "feature")

	_, err = reg2.Execute(ctx, def, registry.Params{"title": "My PR"})
	require.NoError(t, err)
}
