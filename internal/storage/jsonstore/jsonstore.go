// Package jsonstore implements the JSON-file backend of storage.Store: a
// single file holding a storage.State[E], guarded by a
// process-local-and-cross-process advisory lock, written with the
// write-temp-then-rename idiom so readers never observe a half-written
// file.
package jsonstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/storage"
	"github.com/edobry/minsky/internal/storage/lockutil"
)

// Store is a storage.Store[E] backed by a single JSON file.
type Store[E any] struct {
	path string
	lock *lockutil.FileLock
}

// New returns a Store that persists to path. The containing directory is
// created lazily on Initialize, unconditionally and idempotently —
// directory creation never depends on a prior exists() check.
func New[E any](path string) *Store[E] {
	return &Store[E]{path: path, lock: lockutil.New(path)}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	// MkdirAll tolerates the directory already existing; there is no
	// separate exists-check-then-create window to race.
	return os.MkdirAll(dir, 0o755)
}

func (s *Store[E]) Initialize(ctx context.Context) error {
	if err := ensureDir(s.path); err != nil {
		return errkit.Internal(err)
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return s.SetState(ctx, storage.NewState[E](1))
	} else if err != nil {
		return errkit.Internal(err)
	}
	return nil
}

func (s *Store[E]) readLocked() (storage.State[E], error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return storage.NewState[E](1), nil
	}
	if err != nil {
		return storage.State[E]{}, errkit.Internal(err)
	}
	if len(data) == 0 {
		// An empty state file is treated as empty state rather than a
		// parse error — a truncated write recovers locally on next read.
		return storage.NewState[E](1), nil
	}
	var st storage.State[E]
	if err := json.Unmarshal(data, &st); err != nil {
		return storage.State[E]{}, errkit.Internal(err)
	}
	if st.Entities == nil {
		st.Entities = map[string]E{}
	}
	if st.Meta == nil {
		st.Meta = map[string]string{}
	}
	return st, nil
}

func (s *Store[E]) writeLocked(st storage.State[E]) (storage.WriteResult, error) {
	if err := ensureDir(s.path); err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return storage.WriteResult{}, errkit.Internal(err)
	}
	return storage.WriteResult{Success: true, BytesWritten: int64(len(data))}, nil
}

func (s *Store[E]) Read(ctx context.Context, id string) (E, bool, error) {
	var zero E
	var result E
	var found bool
	err := s.lock.WithLock(func() error {
		st, err := s.readLocked()
		if err != nil {
			return err
		}
		result, found = st.Entities[id]
		return nil
	})
	if err != nil {
		return zero, false, err
	}
	return result, found, nil
}

func (s *Store[E]) Write(ctx context.Context, id string, entity E) (storage.WriteResult, error) {
	var res storage.WriteResult
	err := s.lock.WithLock(func() error {
		st, err := s.readLocked()
		if err != nil {
			return err
		}
		st.Entities[id] = entity
		res, err = s.writeLocked(st)
		return err
	})
	return res, err
}

func (s *Store[E]) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.lock.WithLock(func() error {
		st, err := s.readLocked()
		if err != nil {
			return err
		}
		if _, ok := st.Entities[id]; !ok {
			return nil
		}
		delete(st.Entities, id)
		deleted = true
		_, err = s.writeLocked(st)
		return err
	})
	return deleted, err
}

func (s *Store[E]) List(ctx context.Context, filter storage.Filter) ([]E, error) {
	var out []E
	err := s.lock.WithLock(func() error {
		st, err := s.readLocked()
		if err != nil {
			return err
		}
		if len(filter.IDs) > 0 {
			wanted := map[string]bool{}
			for _, id := range filter.IDs {
				wanted[id] = true
			}
			for id, e := range st.Entities {
				if wanted[id] {
					out = append(out, e)
				}
			}
		} else {
			for _, e := range st.Entities {
				out = append(out, e)
			}
		}
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
		return nil
	})
	return out, err
}

func (s *Store[E]) GetState(ctx context.Context) (storage.State[E], error) {
	var st storage.State[E]
	err := s.lock.WithLock(func() error {
		var err error
		st, err = s.readLocked()
		return err
	})
	return st, err
}

func (s *Store[E]) SetState(ctx context.Context, state storage.State[E]) error {
	return s.lock.WithLock(func() error {
		_, err := s.writeLocked(state)
		return err
	})
}

var _ storage.Store[struct{}] = (*Store[struct{}])(nil)
