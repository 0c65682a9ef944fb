package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edobry/minsky/internal/errkit"
)

// MetaStore adapts a Postgres pool's schema_meta table to
// migrate.MetaStore, scoped to one named store (e.g. "tasks",
// "sessions") so unrelated components migrate independently.
type MetaStore struct {
	pool *pgxpool.Pool
	name string
}

func NewMetaStore(pool *pgxpool.Pool, name string) *MetaStore {
	return &MetaStore{pool: pool, name: name}
}

func (m *MetaStore) CurrentVersion(ctx context.Context) (int, error) {
	_, err := m.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_meta (
	store TEXT PRIMARY KEY,
	version INTEGER NOT NULL
)`)
	if err != nil {
		return 0, errkit.Internal(err)
	}
	var version int
	err = m.pool.QueryRow(ctx, `SELECT version FROM schema_meta WHERE store = $1`, m.name).Scan(&version)
	if err != nil {
		// No row yet means version 0 (nothing applied).
		return 0, nil
	}
	return version, nil
}

func (m *MetaStore) SetVersion(ctx context.Context, version int) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO schema_meta (store, version) VALUES ($1, $2) ON CONFLICT (store) DO UPDATE SET version = excluded.version`,
		m.name, version)
	if err != nil {
		return errkit.Internal(err)
	}
	return nil
}

// MigrationLocker adapts WithAdvisoryLock to migrate.Locker. keyHi/keyLo
// key the advisory lock so distinct migrators (sessions vs. task
// metadata) never contend with each other's locks.
type MigrationLocker struct {
	pool         *pgxpool.Pool
	keyHi, keyLo int32
}

func NewMigrationLocker(pool *pgxpool.Pool, keyHi, keyLo int32) *MigrationLocker {
	return &MigrationLocker{pool: pool, keyHi: keyHi, keyLo: keyLo}
}

func (l *MigrationLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithAdvisoryLock(ctx, l.pool, l.keyHi, l.keyLo, fn)
}
