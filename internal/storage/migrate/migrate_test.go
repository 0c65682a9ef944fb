package migrate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMeta struct {
	mu      sync.Mutex
	version int
}

func (f *fakeMeta) CurrentVersion(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

func (f *fakeMeta) SetVersion(ctx context.Context, v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
	return nil
}

func TestDryRunHasNoSideEffect(t *testing.T) {
	meta := &fakeMeta{version: 0}
	applied := 0
	m := &Migrator{
		Meta:   meta,
		Locker: NoopLocker{},
		Steps: []Step{
			{Version: 1, Name: "create_table", Apply: func(ctx context.Context) error { applied++; return nil }},
		},
	}

	plan, err := m.Run(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, plan.Applied)
	assert.Equal(t, []string{"create_table"}, plan.Pending)
	assert.Equal(t, 0, applied)

	v, _ := meta.CurrentVersion(context.Background())
	assert.Equal(t, 0, v, "dry-run must not persist a new version")
}

func TestExecuteAppliesStepsInOrder(t *testing.T) {
	meta := &fakeMeta{version: 0}
	var order []string
	m := &Migrator{
		Meta:   meta,
		Locker: NoopLocker{},
		Steps: []Step{
			{Version: 1, Name: "one", Apply: func(ctx context.Context) error { order = append(order, "one"); return nil }},
			{Version: 2, Name: "two", Apply: func(ctx context.Context) error { order = append(order, "two"); return nil }},
		},
	}

	plan, err := m.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, plan.Applied)
	assert.Equal(t, []string{"one", "two"}, order)

	v, _ := meta.CurrentVersion(context.Background())
	assert.Equal(t, 2, v)
}

func TestNoPendingStepsIsNotAnError(t *testing.T) {
	meta := &fakeMeta{version: 5}
	m := &Migrator{
		Meta:   meta,
		Locker: NoopLocker{},
		Steps:  []Step{{Version: 1, Name: "already-applied", Apply: func(ctx context.Context) error { return nil }}},
	}

	plan, err := m.Run(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, plan.Applied)
	assert.Empty(t, plan.Pending)
}

type busyLocker struct{ err error }

func (b busyLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.err
}

func TestMigrationBusyPropagatesLockFailure(t *testing.T) {
	m := &Migrator{
		Meta:   &fakeMeta{},
		Locker: busyLocker{err: errors.New("lock busy")},
		Steps:  []Step{{Version: 1, Name: "x", Apply: func(ctx context.Context) error { return nil }}},
	}
	_, err := m.Run(context.Background(), true)
	assert.Error(t, err)
}
