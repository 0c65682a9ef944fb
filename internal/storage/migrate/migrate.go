// Package migrate implements Minsky's schema-first migration core:
// migrations are declared as ordered Go functions rather than
// hand-written SQL files, applied under an advisory lock, with dry-run as
// the default (the CLI's `sessiondb migrate` command must pass --execute
// to apply anything).
package migrate

import (
	"context"

	"github.com/edobry/minsky/internal/errkit"
)

// Step is one forward migration step. Version is the schema_meta.version
// this step produces once applied; steps must be registered in strictly
// increasing Version order.
type Step struct {
	Version int
	Name    string
	Apply   func(ctx context.Context) error
}

// MetaStore is the minimal contract a driver needs to report and persist
// schema_meta.version; each storage backend (jsonstore/sqlitestore/
// pgstore) implements it trivially over its own GetState/SetState.
type MetaStore interface {
	CurrentVersion(ctx context.Context) (int, error)
	SetVersion(ctx context.Context, version int) error
}

// Locker serialises migrators across processes. pgstore.MigrationLocker
// (over pgstore.WithAdvisoryLock) implements this for Postgres; the SQLite and JSON backends use a no-op
// locker since they are single-file and already serialise through their
// own file lock.
type Locker interface {
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// NoopLocker is used by single-writer backends where the storage layer's
// own locking already prevents concurrent migrators.
type NoopLocker struct{}

func (NoopLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Plan describes what Migrator.Run would do (or did, with Execute=true).
type Plan struct {
	FromVersion int
	ToVersion   int
	Pending     []string // step names that are (or would be) applied
	Applied     bool     // true only when Execute was set and it succeeded
}

// Migrator runs a declared sequence of Steps against a MetaStore, under a
// Locker: acquire lock, compare versions, apply pending steps in order,
// release lock.
type Migrator struct {
	Meta   MetaStore
	Locker Locker
	Steps  []Step
}

// Run computes and optionally applies the pending migration steps.
// Dry-run (execute=false) is the default; it only reads Meta's current
// version and never writes Meta or runs any Step.Apply, so a plan-only
// call has no observable side effect.
func (m *Migrator) Run(ctx context.Context, execute bool) (Plan, error) {
	var plan Plan
	err := m.Locker.WithLock(ctx, func(ctx context.Context) error {
		current, err := m.Meta.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		plan.FromVersion = current
		plan.ToVersion = current

		var pending []Step
		for _, step := range m.Steps {
			if step.Version > current {
				pending = append(pending, step)
			}
		}
		for _, step := range pending {
			plan.Pending = append(plan.Pending, step.Name)
			if step.Version > plan.ToVersion {
				plan.ToVersion = step.Version
			}
		}

		if !execute || len(pending) == 0 {
			return nil
		}

		for _, step := range pending {
			if err := step.Apply(ctx); err != nil {
				return errkit.Internal(err)
			}
			if err := m.Meta.SetVersion(ctx, step.Version); err != nil {
				return err
			}
		}
		plan.Applied = true
		return nil
	})
	return plan, err
}

// MigrationBusy reports whether err means another process already holds
// the migration lock — that loser should report MigrationBusy and exit
// non-zero rather than retry the migration itself.
// pgstore.WithAdvisoryLock surfaces this via errkit.Conflict; callers
// should check errkit.IsConflict and render the CLI/MCP-visible
// MigrationBusy code from it.
func MigrationBusy(err error) bool {
	return errkit.IsConflict(err)
}
