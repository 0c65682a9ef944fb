// Package sqlitestore implements the SQLite backend of storage.Store:
// WAL mode, per-connection transactions, entities persisted as JSON blobs
// keyed by id so the backend stays generic over E without requiring a
// hand-written column mapping per entity type.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/storage"
)

// Store is a storage.Store[E] backed by SQLite in WAL mode.
type Store[E any] struct {
	db    *sql.DB
	table string
}

// Open opens (creating if absent) a SQLite database at path in WAL mode
// and returns a Store scoped to table. Each call opens its own *sql.DB;
// Stores over distinct tables share one database file by calling Open
// with the same path.
func Open[E any](path, table string) (*Store[E], error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errkit.Internal(err)
	}
	// SQLite allows only one writer; a single shared connection avoids
	// "database is locked" errors under concurrent goroutines in one
	// process, trading parallelism for correctness, same trade-off the
	// teacher's WAL-mode stores make.
	db.SetMaxOpenConns(1)
	return &Store[E]{db: db, table: table}, nil
}

func (s *Store[E]) Initialize(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_meta (
	store TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errkit.Internal(err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_meta (store, version) VALUES (?, 1) ON CONFLICT(store) DO NOTHING`, s.table)
	if err != nil {
		return errkit.Internal(err)
	}
	return nil
}

func (s *Store[E]) Read(ctx context.Context, id string) (E, bool, error) {
	var zero E
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, s.table), id)
	var raw string
	if err := row.Scan(&raw); err == sql.ErrNoRows {
		return zero, false, nil
	} else if err != nil {
		return zero, false, errkit.Internal(err)
	}
	var e E
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return zero, false, errkit.Internal(err)
	}
	return e, true, nil
}

func (s *Store[E]) Write(ctx context.Context, id string, entity E) (storage.WriteResult, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`, s.table),
		id, string(raw))
	if err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}
	return storage.WriteResult{Success: true, BytesWritten: int64(len(raw))}, nil
}

func (s *Store[E]) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table), id)
	if err != nil {
		return false, errkit.Internal(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store[E]) List(ctx context.Context, filter storage.Filter) ([]E, error) {
	query := fmt.Sprintf(`SELECT id, data FROM %s`, s.table)
	var args []any
	if len(filter.IDs) > 0 {
		placeholders := ""
		for i, id := range filter.IDs {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, id)
		}
		query += fmt.Sprintf(` WHERE id IN (%s)`, placeholders)
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkit.Internal(err)
	}
	defer rows.Close()

	var out []E
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, errkit.Internal(err)
		}
		var e E
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, errkit.Internal(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store[E]) GetState(ctx context.Context) (storage.State[E], error) {
	st := storage.NewState[E](1)
	row := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE store = ?`, s.table)
	_ = row.Scan(&st.Version)

	all, err := s.List(ctx, storage.Filter{})
	if err != nil {
		return storage.State[E]{}, err
	}
	ids, err := s.allIDs(ctx)
	if err != nil {
		return storage.State[E]{}, err
	}
	for i, id := range ids {
		if i < len(all) {
			st.Entities[id] = all[i]
		}
	}
	return st, nil
}

func (s *Store[E]) allIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, s.table))
	if err != nil {
		return nil, errkit.Internal(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errkit.Internal(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetState replaces the table contents wholesale inside a single
// transaction, so a reader never observes a partially-replaced state.
func (s *Store[E]) SetState(ctx context.Context, state storage.State[E]) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkit.Internal(err)
	}
	defer func() { _ = tx.Rollback() }() // no-op once committed

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return errkit.Internal(err)
	}
	for id, e := range state.Entities {
		raw, err := json.Marshal(e)
		if err != nil {
			return errkit.Internal(err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`, s.table),
			id, string(raw)); err != nil {
			return errkit.Internal(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_meta (store, version) VALUES (?, ?) ON CONFLICT(store) DO UPDATE SET version = excluded.version`,
		s.table, state.Version); err != nil {
		return errkit.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return errkit.Internal(err)
	}
	return nil
}

// WithTransaction runs fn with a context carrying an active transaction on
// the store's single shared connection. fn must perform its writes through
// TxFromContext(ctx) rather than through Store methods, since the Store's
// single-connection pool would otherwise deadlock against its own open
// transaction.
func (s *Store[E]) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkit.Internal(err)
	}
	txCtx := withTx(ctx, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errkit.Internal(err)
	}
	return nil
}

type txKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the *sql.Tx installed by WithTransaction, or nil
// if ctx was not produced by it.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// DB exposes the underlying *sql.DB for components (the session DB
// migrator) that need raw SQL access alongside the generic Store contract.
func (s *Store[E]) DB() *sql.DB { return s.db }

var _ storage.Store[struct{}] = (*Store[struct{}])(nil)
var _ storage.Transactional = (*Store[struct{}])(nil)
