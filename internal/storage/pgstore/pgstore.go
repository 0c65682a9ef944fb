// Package pgstore implements the Postgres backend of storage.Store: a
// pgx connection pool, BEGIN/COMMIT transactions, and an advisory-lock
// helper used by the schema-first migrator to serialise concurrent
// migrations across processes.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/storage"
)

// Store is a storage.Store[E] backed by a Postgres table with an id TEXT
// primary key and a data JSONB column.
type Store[E any] struct {
	pool  *pgxpool.Pool
	table string
}

// Open builds a Store around an existing pool. Pool lifecycle (creation,
// connection string resolution from MINSKY_DB_URL) is the caller's concern
// — components (session DB, metadata store) may share one pool.
func Open[E any](pool *pgxpool.Pool, table string) *Store[E] {
	return &Store[E]{pool: pool, table: table}
}

func (s *Store[E]) Initialize(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_meta (
	store TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
INSERT INTO schema_meta (store, version) VALUES ('%s', 1) ON CONFLICT (store) DO NOTHING;
`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errkit.Internal(err)
	}
	return nil
}

func (s *Store[E]) Read(ctx context.Context, id string) (E, bool, error) {
	var zero E
	var raw []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.table), id).Scan(&raw)
	if err == pgx.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, errkit.Internal(err)
	}
	var e E
	if err := json.Unmarshal(raw, &e); err != nil {
		return zero, false, errkit.Internal(err)
	}
	return e, true, nil
}

func (s *Store[E]) Write(ctx context.Context, id string, entity E) (storage.WriteResult, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET data = excluded.data`, s.table),
		id, raw)
	if err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}
	return storage.WriteResult{Success: true, BytesWritten: int64(len(raw))}, nil
}

func (s *Store[E]) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return false, errkit.Internal(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store[E]) List(ctx context.Context, filter storage.Filter) ([]E, error) {
	query := fmt.Sprintf(`SELECT data FROM %s`, s.table)
	var args []any
	if len(filter.IDs) > 0 {
		query += ` WHERE id = ANY($1)`
		args = append(args, filter.IDs)
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errkit.Internal(err)
	}
	defer rows.Close()

	var out []E
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errkit.Internal(err)
		}
		var e E
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errkit.Internal(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store[E]) GetState(ctx context.Context) (storage.State[E], error) {
	st := storage.NewState[E](1)
	_ = s.pool.QueryRow(ctx, `SELECT version FROM schema_meta WHERE store = $1`, s.table).Scan(&st.Version)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id, data FROM %s`, s.table))
	if err != nil {
		return storage.State[E]{}, errkit.Internal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return storage.State[E]{}, errkit.Internal(err)
		}
		var e E
		if err := json.Unmarshal(raw, &e); err != nil {
			return storage.State[E]{}, errkit.Internal(err)
		}
		st.Entities[id] = e
	}
	return st, rows.Err()
}

func (s *Store[E]) SetState(ctx context.Context, state storage.State[E]) error {
	return s.WithTransaction(ctx, func(ctx context.Context) error {
		tx := TxFromContext(ctx)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
			return errkit.Internal(err)
		}
		for id, e := range state.Entities {
			raw, err := json.Marshal(e)
			if err != nil {
				return errkit.Internal(err)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2)`, s.table), id, raw); err != nil {
				return errkit.Internal(err)
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_meta (store, version) VALUES ($1, $2) ON CONFLICT (store) DO UPDATE SET version = excluded.version`,
			s.table, state.Version)
		return err
	})
}

type txKey struct{}

// WithTransaction runs fn inside a single Postgres BEGIN/COMMIT
// transaction. fn reads the active transaction via TxFromContext.
func (s *Store[E]) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errkit.Internal(err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errkit.Internal(err)
	}
	return nil
}

// TxFromContext returns the pgx.Tx installed by WithTransaction.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithAdvisoryLock serialises fn across every process attached to pool
// using a session-level Postgres advisory lock keyed by (keyHi, keyLo),
// used during migrations. It acquires a dedicated connection for the
// lock's lifetime, since session-level advisory locks are tied to the
// connection that took them.
func WithAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, keyHi, keyLo int32, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return errkit.Internal(err)
	}
	defer conn.Release()

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, keyHi, keyLo).Scan(&acquired)
	if err != nil {
		return errkit.Internal(err)
	}
	if !acquired {
		return errkit.Conflict("migration lock", "another process holds the advisory lock")
	}
	defer func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1, $2)`, keyHi, keyLo)
	}()

	return fn(ctx)
}

var _ storage.Store[struct{}] = (*Store[struct{}])(nil)
var _ storage.Transactional = (*Store[struct{}])(nil)
