// Package bootstrap builds the dependency graph shared by minskycli
// and minskyd from a loaded Config: task backends registered into a
// taskservice.Service, a session.Service layered over sessiondb and
// gitflow, and — only when Config.DBURL names a Postgres connection —
// a taskmeta.Store for embeddings and similarity search.
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edobry/minsky/internal/commands"
	cfgpkg "github.com/edobry/minsky/internal/config"
	"github.com/edobry/minsky/internal/gitflow"
	"github.com/edobry/minsky/internal/logging"
	"github.com/edobry/minsky/internal/observability"
	"github.com/edobry/minsky/internal/process"
	"github.com/edobry/minsky/internal/session"
	"github.com/edobry/minsky/internal/sessiondb"
	"github.com/edobry/minsky/internal/storage"
	"github.com/edobry/minsky/internal/storage/jsonstore"
	"github.com/edobry/minsky/internal/storage/migrate"
	"github.com/edobry/minsky/internal/storage/pgstore"
	"github.com/edobry/minsky/internal/task/markdown"
	"github.com/edobry/minsky/internal/taskmeta"
	"github.com/edobry/minsky/internal/taskservice"
)

// sessiondbSchemaVersion is the current schema_meta version a fresh
// session store is migrated to. There is only one shape today; bump
// this and add a Step when the Record struct's on-disk shape changes.
const sessiondbSchemaVersion = 1

// sessiondbLockKeyHi/Lo key the Postgres advisory lock the session
// store's migrator takes, distinct from taskmeta's.
const (
	sessiondbLockKeyHi = 19820
	sessiondbLockKeyLo = 1
)

// Container bundles every dependency minskycli/minskyd's entrypoints
// hand to commands.Register. Close releases anything with a live
// network connection (currently only the Postgres pool, when present).
type Container struct {
	Tasks    *taskservice.Service
	Sessions *session.Service
	Meta     *taskmeta.Store
	Migrator *migrate.Migrator

	pool *pgxpool.Pool
}

// Build constructs every dependency for cfg. ctx bounds only the
// construction step itself (connecting to Postgres, initializing the
// session store); it is not retained.
func Build(ctx context.Context, cfg *cfgpkg.Config, logger logging.Logger, metrics *observability.Collector) (*Container, error) {
	stateDir, err := cfg.ResolvedStateDir()
	if err != nil {
		return nil, err
	}

	runner := process.New(logger)
	runner.Metrics = metrics
	git := process.NewGit(runner)
	gitEngine := gitflow.New(git)

	tasks := taskservice.New(cfg.DefaultBackend)
	mdBackend := markdown.New(filepath.Join(stateDir, "tasks"))
	if err := tasks.Register(mdBackend); err != nil {
		return nil, fmt.Errorf("registering markdown task backend: %w", err)
	}

	sessionStore := jsonstore.New[sessiondb.Record](filepath.Join(stateDir, "sessions.json"))
	if err := sessionStore.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	sdb := sessiondb.New(sessionStore, git)

	sessions := session.New(sdb, gitEngine, tasks, stateDir)

	c := &Container{
		Tasks:    tasks,
		Sessions: sessions,
		Migrator: sessiondbMigrator(sessionStore, sdb),
	}

	if cfg.DBURL == "" {
		return c, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", "db_url", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	c.pool = pool

	meta := taskmeta.New(pool)
	if cfg.DBAutoMigrate {
		if err := meta.Initialize(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("initializing task metadata schema: %w", err)
		}
	}
	c.Meta = meta

	// Postgres backs the session store's schema_meta table too, so a
	// Postgres-backed deployment gets the advisory-locked migrator
	// instead of the single-writer NoopLocker a local jsonstore uses.
	pgMeta := pgstore.NewMetaStore(pool, "sessiondb")
	pgLocker := pgstore.NewMigrationLocker(pool, sessiondbLockKeyHi, sessiondbLockKeyLo)
	c.Migrator = &migrate.Migrator{
		Meta:   pgMeta,
		Locker: pgLocker,
		Steps:  sessiondbSteps(sdb),
	}

	return c, nil
}

// Close releases the Postgres pool, if one was opened.
func (c *Container) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Deps adapts Container into commands.Deps, the shape
// internal/clibridge and internal/mcpbridge both register against.
func (c *Container) Deps(configView func() map[string]any) commands.Deps {
	return commands.Deps{
		Tasks:    c.Tasks,
		Sessions: c.Sessions,
		Meta:     c.Meta,
		Migrator: c.Migrator,
		ConfigView: configView,
	}
}

func sessiondbMigrator(store storage.Store[sessiondb.Record], sdb *sessiondb.DB) *migrate.Migrator {
	return &migrate.Migrator{
		Meta:   storage.VersionMetaStore[sessiondb.Record]{Store: store},
		Locker: migrate.NoopLocker{},
		Steps:  sessiondbSteps(sdb),
	}
}

func sessiondbSteps(sdb *sessiondb.DB) []migrate.Step {
	return []migrate.Step{
		{
			Version: sessiondbSchemaVersion,
			Name:    "initialize session store schema",
			Apply:   sdb.Initialize,
		},
	}
}
