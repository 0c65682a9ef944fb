package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/storage"
)

type widget struct {
	Name  string
	Count int
}

func TestInitialize_CreatesParentDirIdempotently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	s := New[widget](path)

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))

	_, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](filepath.Join(dir, "state.json"))
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	res, err := s.Write(ctx, "a", widget{Name: "alpha", Count: 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Greater(t, res.BytesWritten, int64(0))

	got, found, err := s.Read(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha", got.Name)

	_, found, err = s.Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteReportsWhetherSomethingWasRemoved(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](filepath.Join(dir, "state.json"))
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	_, _ = s.Write(ctx, "a", widget{Name: "alpha"})

	deleted, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListFiltersByIDsAndLimit(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](filepath.Join(dir, "state.json"))
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	for i, name := range []string{"a", "b", "c"} {
		_, _ = s.Write(ctx, name, widget{Name: name, Count: i})
	}

	all, err := s.List(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := s.List(ctx, storage.Filter{IDs: []string{"a", "c"}})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	limited, err := s.List(ctx, storage.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEmptyStateFileIsTreatedAsEmptyState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	s := New[widget](path)
	st, err := s.GetState(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Entities)
}

func TestSetStateThenGetStateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](filepath.Join(dir, "state.json"))
	ctx := context.Background()

	state := storage.NewState[widget](3)
	state.Entities["x"] = widget{Name: "x"}

	require.NoError(t, s.SetState(ctx, state))

	got, err := s.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "x", got.Entities["x"].Name)
}
