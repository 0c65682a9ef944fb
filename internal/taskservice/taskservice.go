// Package taskservice implements Minsky's multi-backend task service:
// routes by qualified-id prefix to the registered backend, fans
// cross-backend operations out concurrently using golang.org/x/sync,
// and handles migration between backends.
package taskservice

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/taskid"
)

// ListOptions controls Service.ListTasks' scope.
type ListOptions struct {
	AllBackends bool
	Backend     string
	Status      []task.Status
	Limit       int
	Query       string
}

// SearchOptions controls Service.Search's scope.
type SearchOptions struct {
	Backend string
	Limit   int
}

// MigrationResult reports the outcome of Service.Migrate, including the
// GitHub local-id mismatch case: the target backend may assign a local
// id unrelated to the source's.
type MigrationResult struct {
	NewID           string
	ExpectedLocalID string
	ActualLocalID   string
	LocalIDMismatch bool
}

// CollisionReport is one row of Service.DetectCollisions' output.
type CollisionReport struct {
	SourceID        string
	CandidateLocalID string
	ConflictsWith   string
}

// Service routes operations to registered backends by qualified-id
// prefix. The zero value is not usable; construct with New.
type Service struct {
	mu           sync.RWMutex
	backends     map[string]task.Backend
	defaultPrefix string
}

// New returns an empty Service. defaultPrefix is used for unqualified
// (legacy) ids, normally "md".
func New(defaultPrefix string) *Service {
	return &Service{backends: map[string]task.Backend{}, defaultPrefix: defaultPrefix}
}

// Register adds a backend under its own Prefix(). Registration is
// idempotent: registering the identical backend instance twice is a
// no-op; registering a different backend under an already-used prefix
// fails with AlreadyExists, since backend prefixes must be unique.
func (s *Service) Register(b task.Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := b.Prefix()
	if existing, ok := s.backends[prefix]; ok {
		if existing == b {
			return nil
		}
		return errkit.AlreadyExists("task backend", prefix)
	}
	s.backends[prefix] = b
	return nil
}

func (s *Service) backendFor(prefix string) (task.Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[prefix]
	if !ok {
		return nil, errkit.BackendUnavailable(prefix, "no backend registered with this prefix")
	}
	return b, nil
}

func (s *Service) allBackends() []task.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out
}

// resolve normalises id (legacy forms included) and returns its backend
// and the canonical qualified id.
func (s *Service) resolve(id string) (task.Backend, string, error) {
	qualified, err := taskid.Normalise(id)
	if err != nil {
		return nil, "", err
	}
	parsed, err := taskid.Parse(qualified)
	if err != nil {
		return nil, "", err
	}
	b, err := s.backendFor(parsed.Backend)
	if err != nil {
		return nil, "", err
	}
	return b, qualified, nil
}

// recomputeHash ensures the service recomputes contentHash before
// returning, in case the backend itself didn't.
func recomputeHash(t task.Task) task.Task {
	t.ContentHash = task.ContentHash(t.Title, t.Spec)
	return t
}

func (s *Service) GetTask(ctx context.Context, id string) (task.Task, error) {
	b, qualified, err := s.resolve(id)
	if err != nil {
		return task.Task{}, err
	}
	t, err := b.GetTask(ctx, qualified)
	if err != nil {
		return task.Task{}, err
	}
	return recomputeHash(t), nil
}

// SetStatus routes a status change to the task's backend, resolving
// legacy ids the same way GetTask does.
func (s *Service) SetStatus(ctx context.Context, id string, status task.Status) error {
	b, qualified, err := s.resolve(id)
	if err != nil {
		return err
	}
	return b.SetStatus(ctx, qualified, status)
}

// DefaultPrefix returns the backend prefix unqualified ids normalise to.
func (s *Service) DefaultPrefix() string {
	return s.defaultPrefix
}

// CreateTask creates a task on the named backend (the default backend
// when prefix is empty), the implementation behind `tasks create
// --backend B`.
func (s *Service) CreateTask(ctx context.Context, prefix string, spec task.NewTaskSpec) (task.Task, error) {
	if prefix == "" {
		prefix = s.defaultPrefix
	}
	b, err := s.backendFor(prefix)
	if err != nil {
		return task.Task{}, err
	}
	t, err := b.CreateTask(ctx, spec)
	if err != nil {
		return task.Task{}, err
	}
	return recomputeHash(t), nil
}

// ListTasks merges per-backend results, deduplicating by qualified id
// even though disjoint prefixes make collisions impossible in practice —
// the dedup is a guard, not a load-bearing assumption.
func (s *Service) ListTasks(ctx context.Context, opts ListOptions) ([]task.Task, error) {
	var backends []task.Backend
	if opts.Backend != "" {
		b, err := s.backendFor(opts.Backend)
		if err != nil {
			return nil, err
		}
		backends = []task.Backend{b}
	} else if opts.AllBackends {
		backends = s.allBackends()
	} else {
		b, err := s.backendFor(s.defaultPrefix)
		if err != nil {
			return nil, err
		}
		backends = []task.Backend{b}
	}

	filter := task.Filter{Status: opts.Status, Limit: opts.Limit, Query: opts.Query}
	results := make([][]task.Task, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			ts, err := b.ListTasks(gctx, filter)
			if err != nil {
				return err
			}
			results[i] = ts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []task.Task
	for _, ts := range results {
		for _, t := range ts {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			out = append(out, recomputeHash(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Search delegates to ListTasks' Query filter, which every current
// backend implements as a linear title/spec substring match — the
// fallback used when a backend has no native search.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]task.Task, error) {
	return s.ListTasks(ctx, ListOptions{
		AllBackends: opts.Backend == "",
		Backend:     opts.Backend,
		Limit:       opts.Limit,
		Query:       query,
	})
}

// Migrate exports a task from its current backend and imports it into
// toBackend. If deleteSource is true, the source task is deleted only
// after the import succeeds — destructive steps happen only after
// success.
func (s *Service) Migrate(ctx context.Context, fromID, toBackend string, deleteSource bool) (MigrationResult, error) {
	sourceBackend, qualified, err := s.resolve(fromID)
	if err != nil {
		return MigrationResult{}, err
	}
	target, err := s.backendFor(toBackend)
	if err != nil {
		return MigrationResult{}, err
	}

	sourceParsed, err := taskid.Parse(qualified)
	if err != nil {
		return MigrationResult{}, err
	}

	exported, err := sourceBackend.ExportTask(ctx, qualified)
	if err != nil {
		return MigrationResult{}, err
	}

	imported, err := target.ImportTask(ctx, exported)
	if err != nil {
		return MigrationResult{}, err
	}

	if deleteSource {
		if err := sourceBackend.DeleteTask(ctx, qualified); err != nil {
			return MigrationResult{}, err
		}
	}

	importedParsed, err := taskid.Parse(imported.ID)
	if err != nil {
		return MigrationResult{}, err
	}

	return MigrationResult{
		NewID:           imported.ID,
		ExpectedLocalID: sourceParsed.Local,
		ActualLocalID:   importedParsed.Local,
		LocalIDMismatch: sourceParsed.Local != importedParsed.Local,
	}, nil
}

// DetectCollisions reports, without mutating any backend, which source
// tasks would land on a local id already occupied at toBackend. The
// comparison is by local id for every target; for a backend with
// remote-assigned ids (GitHub issue numbers) the id actually assigned
// on import is not known in advance.
func (s *Service) DetectCollisions(ctx context.Context, toBackend string) ([]CollisionReport, error) {
	target, err := s.backendFor(toBackend)
	if err != nil {
		return nil, err
	}
	if !target.Capabilities().Create {
		return nil, errkit.Validation("toBackend", "backend does not support task creation")
	}

	existingTargetIDs := map[string]string{}
	targetTasks, err := target.ListTasks(ctx, task.Filter{})
	if err != nil {
		return nil, err
	}
	for _, t := range targetTasks {
		existingTargetIDs[t.SourceID] = t.ID
	}

	s.mu.RLock()
	backendsSnapshot := make(map[string]task.Backend, len(s.backends))
	for prefix, b := range s.backends {
		backendsSnapshot[prefix] = b
	}
	s.mu.RUnlock()

	var reports []CollisionReport
	for prefix, backend := range backendsSnapshot {
		if prefix == toBackend {
			continue
		}
		sourceTasks, err := backend.ListTasks(ctx, task.Filter{})
		if err != nil {
			return nil, err
		}
		for _, t := range sourceTasks {
			if conflictsWith, ok := existingTargetIDs[t.SourceID]; ok {
				reports = append(reports, CollisionReport{
					SourceID:         t.ID,
					CandidateLocalID: t.SourceID,
					ConflictsWith:    conflictsWith,
				})
			}
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].SourceID < reports[j].SourceID })
	return reports, nil
}
