// Package storage defines Minsky's generic typed storage abstraction: a
// Store[E] over a State[E] snapshot, implemented by three concrete
// backends (jsonstore, sqlitestore, pgstore) that all satisfy the same
// contract so higher layers (session DB, task backends, metadata store)
// are backend-agnostic.
package storage

import "context"

// State is the bulk-migration snapshot a Store can be read from or
// written to wholesale. Version participates in the schema-first
// migration decision in internal/storage/migrate.
type State[E any] struct {
	Version  int
	Entities map[string]E
	Meta     map[string]string
}

// NewState returns an empty, well-formed State ready to accept entities.
func NewState[E any](version int) State[E] {
	return State[E]{Version: version, Entities: map[string]E{}, Meta: map[string]string{}}
}

// WriteResult reports what Write actually did, for callers that care
// (e.g. diagnostics, tests asserting a write actually touched disk).
type WriteResult struct {
	Success      bool
	BytesWritten int64
}

// Filter narrows List. All fields are optional; a zero Filter matches
// everything. Concrete backends interpret Extra for backend-specific
// filters (e.g. "status", "text") since a fully generic filter language
// is out of scope for this abstraction.
type Filter struct {
	IDs   []string
	Limit int
	Extra map[string]string
}

// Store is the contract every persistence backend implements, over
// entities of type E.
type Store[E any] interface {
	Read(ctx context.Context, id string) (E, bool, error)
	Write(ctx context.Context, id string, entity E) (WriteResult, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, filter Filter) ([]E, error)

	// Initialize performs idempotent schema setup. Calling it twice must
	// be a no-op, not an error.
	Initialize(ctx context.Context) error

	GetState(ctx context.Context) (State[E], error)
	SetState(ctx context.Context, state State[E]) error
}

// Transactional is implemented by backends that support atomic multi-write
// transactions (SQLite, Postgres; not the single-file JSON backend, which
// serialises instead via its own file lock).
type Transactional interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// VersionMetaStore adapts any Store[E]'s State.Version field to
// migrate.MetaStore, so jsonstore/sqlitestore-backed components get the
// same schema-first migration machinery pgstore.MetaStore gives
// Postgres-backed ones, without each backend reimplementing version
// bookkeeping.
type VersionMetaStore[E any] struct {
	Store Store[E]
}

func (m VersionMetaStore[E]) CurrentVersion(ctx context.Context) (int, error) {
	state, err := m.Store.GetState(ctx)
	if err != nil {
		return 0, err
	}
	return state.Version, nil
}

func (m VersionMetaStore[E]) SetVersion(ctx context.Context, version int) error {
	state, err := m.Store.GetState(ctx)
	if err != nil {
		return err
	}
	state.Version = version
	return m.Store.SetState(ctx, state)
}
