package taskservice

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/task/jsonfile"
	"github.com/edobry/minsky/internal/task/markdown"
)

func newTestService(t *testing.T) (*Service, *markdown.Backend, *jsonfile.Backend) {
	t.Helper()
	md := markdown.New(t.TempDir())
	jf := jsonfile.New(filepath.Join(t.TempDir(), "tasks.json"))
	require.NoError(t, jf.Initialize(context.Background()))

	s := New("md")
	require.NoError(t, s.Register(md))
	require.NoError(t, s.Register(jf))
	return s, md, jf
}

func TestRegisterIsIdempotentForSameBackend(t *testing.T) {
	s, md, _ := newTestService(t)
	assert.NoError(t, s.Register(md))
}

func TestRegisterRejectsConflictingPrefix(t *testing.T) {
	s, _, _ := newTestService(t)
	other := markdown.New(t.TempDir())
	err := s.Register(other)
	assert.True(t, errkit.IsAlreadyExists(err))
}

func TestGetTaskRoutesByPrefix(t *testing.T) {
	s, md, _ := newTestService(t)
	ctx := context.Background()
	created, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "X", Spec: "y"})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "X", got.Title)
}

func TestGetTaskNormalisesLegacyID(t *testing.T) {
	s, md, _ := newTestService(t)
	ctx := context.Background()
	_, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "First", Spec: "y"})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "md#1", got.ID)
}

func TestGetTaskUnknownBackendFails(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.GetTask(context.Background(), "gh#1")
	assert.True(t, errkit.IsBackendUnavailable(err))
}

func TestListTasksAllBackendsMerges(t *testing.T) {
	s, md, jf := newTestService(t)
	ctx := context.Background()
	_, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "From MD", Spec: "x"})
	require.NoError(t, err)
	_, err = jf.CreateTask(ctx, task.NewTaskSpec{Title: "From JSON", Spec: "y"})
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, ListOptions{AllBackends: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMigrateFromMarkdownToJSON(t *testing.T) {
	s, md, _ := newTestService(t)
	ctx := context.Background()
	created, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "Move me", Spec: "body"})
	require.NoError(t, err)

	result, err := s.Migrate(ctx, created.ID, "json", true)
	require.NoError(t, err)
	assert.Equal(t, "json#1", result.NewID)
	assert.False(t, result.LocalIDMismatch)

	_, err = s.GetTask(ctx, created.ID)
	assert.True(t, errkit.IsNotFound(err))

	got, err := s.GetTask(ctx, result.NewID)
	require.NoError(t, err)
	assert.Equal(t, "Move me", got.Title)
}

func TestSearchFallsBackToSubstringMatch(t *testing.T) {
	s, md, _ := newTestService(t)
	ctx := context.Background()
	_, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "Fix the flaky test", Spec: "x"})
	require.NoError(t, err)
	_, err = md.CreateTask(ctx, task.NewTaskSpec{Title: "Write release notes", Spec: "y"})
	require.NoError(t, err)

	results, err := s.Search(ctx, "flaky", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Fix the flaky test", results[0].Title)
}

func TestDetectCollisionsFindsMatchingSourceIDs(t *testing.T) {
	s, md, jf := newTestService(t)
	ctx := context.Background()
	_, err := md.CreateTask(ctx, task.NewTaskSpec{Title: "First in md", Spec: "x"}) // md#1
	require.NoError(t, err)
	_, err = jf.CreateTask(ctx, task.NewTaskSpec{Title: "First in json", Spec: "y"}) // json#1, same local id "1"
	require.NoError(t, err)

	reports, err := s.DetectCollisions(ctx, "json")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "md#1", reports[0].SourceID)
	assert.Equal(t, "json#1", reports[0].ConflictsWith)
}
