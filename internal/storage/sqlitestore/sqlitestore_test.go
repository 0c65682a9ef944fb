package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/storage"
)

type row struct {
	Name string
}

func TestWriteReadDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[row](filepath.Join(dir, "db.sqlite"), "widgets")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Initialize(ctx)) // idempotent

	_, err = s.Write(ctx, "a", row{Name: "alpha"})
	require.NoError(t, err)

	got, found, err := s.Read(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha", got.Name)

	deleted, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err = s.Read(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetStateReplacesContentsAtomically(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[row](filepath.Join(dir, "db.sqlite"), "widgets")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	_, _ = s.Write(ctx, "stale", row{Name: "stale"})

	state := storage.NewState[row](2)
	state.Entities["fresh"] = row{Name: "fresh"}
	require.NoError(t, s.SetState(ctx, state))

	_, found, _ := s.Read(ctx, "stale")
	assert.False(t, found)

	got, err := s.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Contains(t, got.Entities, "fresh")
}

func TestListRespectsIDsAndLimit(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[row](filepath.Join(dir, "db.sqlite"), "widgets")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	for _, n := range []string{"a", "b", "c"} {
		_, _ = s.Write(ctx, n, row{Name: n})
	}

	some, err := s.List(ctx, storage.Filter{IDs: []string{"a", "c"}})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	limited, err := s.List(ctx, storage.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[row](filepath.Join(dir, "db.sqlite"), "widgets")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	txErr := assertErr
	err = s.WithTransaction(ctx, func(ctx context.Context) error {
		tx := TxFromContext(ctx)
		require.NotNil(t, tx)
		_, execErr := tx.ExecContext(ctx, `INSERT INTO widgets (id, data) VALUES (?, ?)`, "x", `{"Name":"x"}`)
		require.NoError(t, execErr)
		return txErr
	})
	assert.ErrorIs(t, err, assertErr)

	_, found, _ := s.Read(ctx, "x")
	assert.False(t, found, "rolled-back write must not be visible")
}

var assertErr = fakeErr{}

type fakeErr struct{}

func (fakeErr) Error() string { return "forced rollback" }
