// Package commands registers every CLI leaf as a registry.CommandDef,
// the single place both internal/clibridge and internal/mcpbridge get
// their dispatch table from. Handlers are thin:
// they unpack registry.Params, call into taskservice/session/taskmeta,
// and translate results into the plain structs both bridges already
// know how to render.
package commands

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/semaphore"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/registry"
	"github.com/edobry/minsky/internal/session"
	"github.com/edobry/minsky/internal/sessiondb"
	"github.com/edobry/minsky/internal/storage/migrate"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/taskmeta"
	"github.com/edobry/minsky/internal/taskservice"
)

// maxConcurrentEmbeddings bounds how many tasks.index-embeddings
// requests are in flight against the embedding provider at once, so a
// bulk re-index of a large backlog doesn't trip an external API's rate
// limit.
const maxConcurrentEmbeddings = 4

// EmbeddingProvider is the narrow "provider that embeds a string into a
// vector" collaborator this package consumes but does not implement.
// `tasks index-embeddings` fails with BackendUnavailable when
// Deps.Embeddings is nil.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// RuleSpec is the structured value a RuleRenderer turns into bytes.
type RuleSpec struct {
	Interface string
	Rules     []string
}

// RuleRenderer is injected so `rules generate`'s actual template
// engine is swappable; the default implementation below is the
// minimum needed to exercise the command end-to-end.
type RuleRenderer interface {
	Render(ctx context.Context, spec RuleSpec) (io.Reader, error)
}

// DefaultRuleRenderer renders a minimal frontmatter+heading document,
// sufficient to prove out `rules generate` without a real template
// engine wired in.
type DefaultRuleRenderer struct{}

func (DefaultRuleRenderer) Render(ctx context.Context, spec RuleSpec) (io.Reader, error) {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("interface: " + spec.Interface + "\n")
	b.WriteString("generated: true\n")
	b.WriteString("---\n\n")
	b.WriteString("# Rules\n\n")
	for _, r := range spec.Rules {
		b.WriteString("- " + r + "\n")
	}
	return strings.NewReader(b.String()), nil
}

// Deps bundles every collaborator a handler closes over. Fields may be
// nil when their backing infrastructure isn't configured (Meta and
// Embeddings require Postgres); commands that need them fail with
// BackendUnavailable rather than panicking.
type Deps struct {
	Tasks      *taskservice.Service
	Sessions   *session.Service
	Meta       *taskmeta.Store
	Migrator   *migrate.Migrator
	Renderer   RuleRenderer
	Embeddings EmbeddingProvider
	ConfigView func() map[string]any
	Cwd        func() string
}

// Register adds every leaf command to reg. It is idempotent
// (registry.Register already is), so calling it more than once — e.g.
// once per cmd/ binary's wiring path — is safe.
func Register(reg *registry.Registry, deps Deps) error {
	if deps.Cwd == nil {
		deps.Cwd = func() string {
			wd, _ := os.Getwd()
			return wd
		}
	}
	if deps.Renderer == nil {
		deps.Renderer = DefaultRuleRenderer{}
	}

	defs := []registry.CommandDef{
		tasksList(deps),
		tasksGet(deps),
		tasksCreate(deps),
		tasksStatusSet(deps),
		tasksSimilar(deps),
		tasksSearch(deps),
		tasksIndexEmbeddings(deps),
		tasksMigrate(deps),

		sessionList(deps),
		sessionGet(deps),
		sessionInspect(deps),
		sessionStart(deps),
		sessionDir(deps),
		sessionPR(deps),
		sessionApprove(deps),
		sessionDelete(deps),

		sessionDBMigrate(deps),

		rulesGenerate(deps),

		debugRegistryDump(reg),
	}
	if deps.ConfigView != nil {
		defs = append(defs, configShow(deps), configList(deps))
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// --- tasks ---

func tasksList(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "tasks.list",
		Category:    registry.CategoryTasks,
		Description: "list tasks, optionally across every backend",
		Params: registry.ParamSchema{
			{Name: "all", Type: registry.ParamBoolean, Default: false, Description: "list across every registered backend"},
			{Name: "status", Type: registry.ParamString, Description: "comma-separated status filter"},
			{Name: "backend", Type: registry.ParamString, Description: "restrict to one backend prefix"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			opts := taskservice.ListOptions{
				AllBackends: p.Bool("all"),
				Backend:     p.String("backend"),
			}
			if s := p.String("status"); s != "" {
				for _, part := range strings.Split(s, ",") {
					opts.Status = append(opts.Status, task.Status(strings.TrimSpace(part)))
				}
			}
			return deps.Tasks.ListTasks(ctx, opts)
		},
	}
}

func tasksGet(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "tasks.get",
		Category:    registry.CategoryTasks,
		Description: "fetch a task by qualified or legacy id",
		Params: registry.ParamSchema{
			{Name: "id", Type: registry.ParamString, Required: true, Positional: true},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.Tasks.GetTask(ctx, p.String("id"))
		},
	}
}

func tasksCreate(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "tasks.create",
		Category:    registry.CategoryTasks,
		Description: "create a task on a backend",
		Params: registry.ParamSchema{
			{Name: "title", Type: registry.ParamString, Required: true},
			{Name: "backend", Type: registry.ParamString, Description: "defaults to the service's default backend"},
			{Name: "spec-file", Type: registry.ParamString, Description: "path to a file whose contents become the task's spec body"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			spec := task.NewTaskSpec{Title: p.String("title")}
			if path := p.String("spec-file"); path != "" {
				body, err := os.ReadFile(path)
				if err != nil {
					return nil, errkit.Validation("spec-file", err.Error())
				}
				spec.Spec = string(body)
			}
			return deps.Tasks.CreateTask(ctx, p.String("backend"), spec)
		},
	}
}

func tasksStatusSet(deps Deps) registry.CommandDef {
	statuses := []string{
		string(task.StatusTODO), string(task.StatusInProgress), string(task.StatusInReview),
		string(task.StatusDone), string(task.StatusClosed), string(task.StatusBlocked),
	}
	return registry.CommandDef{
		ID:          "tasks.status-set",
		Category:    registry.CategoryTasks,
		Description: "set a task's status",
		Params: registry.ParamSchema{
			{Name: "id", Type: registry.ParamString, Required: true, Positional: true},
			{Name: "status", Type: registry.ParamEnum, Required: true, EnumValues: statuses},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			id := p.String("id")
			status := task.Status(p.String("status"))
			if err := deps.Tasks.SetStatus(ctx, id, status); err != nil {
				return nil, err
			}
			return deps.Tasks.GetTask(ctx, id)
		},
	}
}

func tasksSimilar(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "tasks.similar",
		Category:    registry.CategoryTasks,
		Description: "find tasks with similar embeddings",
		Params: registry.ParamSchema{
			{Name: "id", Type: registry.ParamString, Required: true, Positional: true},
			{Name: "limit", Type: registry.ParamNumber, Default: float64(10)},
			{Name: "threshold", Type: registry.ParamNumber, Default: float64(1.0)},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			if deps.Meta == nil {
				return nil, errkit.BackendUnavailable("taskmeta", "no metadata store configured")
			}
			id := p.String("id")
			emb, ok, err := deps.Meta.GetEmbedding(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errkit.NotFound("embedding", id, "run `tasks index-embeddings --task "+id+"` first")
			}
			return deps.Meta.SimilarTasks(ctx, emb.Vector, id, p.Int("limit"), float32(p.Float64("threshold")))
		},
	}
}

func tasksSearch(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "tasks.search",
		Category:    registry.CategoryTasks,
		Description: "search tasks by title/spec substring, or a backend's native search",
		Params: registry.ParamSchema{
			{Name: "query", Type: registry.ParamString, Required: true, Positional: true},
			{Name: "limit", Type: registry.ParamNumber, Default: float64(10)},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.Tasks.Search(ctx, p.String("query"), taskservice.SearchOptions{Limit: p.Int("limit")})
		},
	}
}

func tasksIndexEmbeddings(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "tasks.index-embeddings",
		Category:    registry.CategoryTasks,
		Description: "(re)compute and store embeddings for tasks whose content has changed",
		Params: registry.ParamSchema{
			{Name: "task", Type: registry.ParamString, Description: "index only this task id; otherwise every stale task"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			if deps.Meta == nil {
				return nil, errkit.BackendUnavailable("taskmeta", "no metadata store configured")
			}
			if deps.Embeddings == nil {
				return nil, errkit.BackendUnavailable("embeddings", "no embedding provider configured")
			}

			var targets []task.Task
			if id := p.String("task"); id != "" {
				t, err := deps.Tasks.GetTask(ctx, id)
				if err != nil {
					return nil, err
				}
				targets = []task.Task{t}
			} else {
				all, err := deps.Tasks.ListTasks(ctx, taskservice.ListOptions{AllBackends: true})
				if err != nil {
					return nil, err
				}
				targets = all
			}

			sem := semaphore.NewWeighted(maxConcurrentEmbeddings)
			var (
				mu       sync.Mutex
				indexed  []string
				wg       sync.WaitGroup
				firstErr error
			)
			for _, t := range targets {
				t := t
				existing, ok, err := deps.Meta.GetEmbedding(ctx, t.ID)
				if err != nil {
					return nil, err
				}
				if ok && !taskmeta.IsStale(existing, t.ContentHash) {
					continue
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil, errkit.Internal(err)
				}
				wg.Add(1)
				go func() {
					defer sem.Release(1)
					defer wg.Done()

					vec, err := deps.Embeddings.Embed(ctx, t.Title+"\n\n"+t.Spec)
					if err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						return
					}
					if err := deps.Meta.UpsertEmbedding(ctx, taskmeta.Embedding{
						TaskID:      t.ID,
						Dimension:   deps.Embeddings.Dimension(),
						Vector:      pgvector.NewVector(vec),
						ContentHash: t.ContentHash,
					}); err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						return
					}
					mu.Lock()
					indexed = append(indexed, t.ID)
					mu.Unlock()
				}()
			}
			wg.Wait()
			if firstErr != nil {
				return nil, firstErr
			}
			sort.Strings(indexed)
			return map[string]any{"indexed": indexed}, nil
		},
	}
}

func tasksMigrate(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "tasks.migrate",
		Category:    registry.CategoryTasks,
		Description: "migrate tasks from one backend to another",
		Params: registry.ParamSchema{
			{Name: "to", Type: registry.ParamString, Required: true},
			{Name: "specs-only", Type: registry.ParamBoolean, Default: false},
			{Name: "metadata-only", Type: registry.ParamBoolean, Default: false},
			{Name: "execute", Type: registry.ParamBoolean, Default: false},
			{Name: "limit", Type: registry.ParamNumber, Default: float64(0)},
			{Name: "filter-status", Type: registry.ParamString},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			to := p.String("to")
			opts := taskservice.ListOptions{AllBackends: true, Limit: p.Int("limit")}
			if s := p.String("filter-status"); s != "" {
				opts.Status = []task.Status{task.Status(s)}
			}
			candidates, err := deps.Tasks.ListTasks(ctx, opts)
			if err != nil {
				return nil, err
			}

			if !p.Bool("execute") {
				collisions, err := deps.Tasks.DetectCollisions(ctx, to)
				if err != nil {
					return nil, err
				}
				return map[string]any{"dryRun": true, "candidates": len(candidates), "collisions": collisions}, nil
			}

			results := make([]taskservice.MigrationResult, 0, len(candidates))
			for _, t := range candidates {
				if t.Backend == to {
					continue
				}
				res, err := deps.Tasks.Migrate(ctx, t.ID, to, !p.Bool("specs-only"))
				if err != nil {
					return nil, err
				}
				results = append(results, res)
			}
			return results, nil
		},
	}
}

// --- session ---

func sessionList(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.list",
		Category:    registry.CategorySession,
		Description: "list sessions",
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.Sessions.List(ctx)
		},
	}
}

func sessionGet(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.get",
		Category:    registry.CategorySession,
		Description: "resolve a session by name, task id, or the current directory",
		Params: registry.ParamSchema{
			{Name: "name", Type: registry.ParamString, Positional: true},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.Sessions.Get(ctx, p.String("name"), "", deps.Cwd())
		},
	}
}

func sessionInspect(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.inspect",
		Category:    registry.CategorySession,
		Description: "resolve the session bound to the current directory",
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.Sessions.Get(ctx, "", "", deps.Cwd())
		},
	}
}

func sessionStart(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.start",
		Category:    registry.CategorySession,
		Description: "create a task-bound session workspace",
		Params: registry.ParamSchema{
			{Name: "name", Type: registry.ParamString, Positional: true, Description: "reserved for future task-less sessions; currently informational only"},
			{Name: "repo", Type: registry.ParamString, Required: true},
			{Name: "task", Type: registry.ParamString, Required: true, Description: "a session is always task-bound"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.Sessions.Start(ctx, session.StartParams{
				TaskID:  p.String("task"),
				RepoURL: p.String("repo"),
			})
		},
	}
}

func sessionDir(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.dir",
		Category:    registry.CategorySession,
		Description: "print a session's working directory",
		Params: registry.ParamSchema{
			{Name: "name", Type: registry.ParamString, Positional: true},
			{Name: "ignore-workspace", Type: registry.ParamBoolean, Default: false, Description: "skip auto-repair from the current workspace"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			cwd := deps.Cwd()
			if p.Bool("ignore-workspace") {
				cwd = ""
			}
			return deps.Sessions.Dir(ctx, p.String("name"), "", cwd)
		},
	}
}

func sessionPR(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.pr",
		Category:    registry.CategorySession,
		Description: "open a prepared-merge-commit PR branch for the current session",
		Params: registry.ParamSchema{
			{Name: "name", Type: registry.ParamString, Description: "defaults to the session bound to the current directory"},
			{Name: "title", Type: registry.ParamString, Required: true},
			{Name: "body", Type: registry.ParamString},
			{Name: "body-file", Type: registry.ParamString},
			{Name: "force", Type: registry.ParamBoolean, Default: false, Description: "tear down and recreate an existing PR branch"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			name, err := resolveSessionName(ctx, deps, p.String("name"))
			if err != nil {
				return nil, err
			}
			body := p.String("body")
			if path := p.String("body-file"); path != "" {
				b, err := os.ReadFile(path)
				if err != nil {
					return nil, errkit.Validation("body-file", err.Error())
				}
				body = string(b)
			}
			return deps.Sessions.PR(ctx, session.PRParams{
				Name:  name,
				Title: p.String("title"),
				Body:  body,
				Force: p.Bool("force"),
			})
		},
	}
}

func sessionApprove(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.approve",
		Category:    registry.CategorySession,
		Description: "fast-forward base onto a session's PR branch and close it out",
		Params: registry.ParamSchema{
			{Name: "name", Type: registry.ParamString, Positional: true},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			name, err := resolveSessionName(ctx, deps, p.String("name"))
			if err != nil {
				return nil, err
			}
			return deps.Sessions.Approve(ctx, name)
		},
	}
}

func sessionDelete(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "session.delete",
		Category:    registry.CategorySession,
		Description: "delete a session's workspace and record",
		Params: registry.ParamSchema{
			{Name: "name", Type: registry.ParamString, Required: true, Positional: true},
			{Name: "force", Type: registry.ParamBoolean, Default: false, Description: "delete even with an open PR branch"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			name := p.String("name")
			if err := deps.Sessions.Delete(ctx, name, p.Bool("force")); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": name}, nil
		},
	}
}

// resolveSessionName resolves an explicit name, or the session bound to
// the current working directory when name is empty — `session pr`'s
// --name flag and `session approve`'s positional name are both optional,
// so both fall back to "the current session" when none is given.
func resolveSessionName(ctx context.Context, deps Deps, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	rec, err := deps.Sessions.Get(ctx, "", "", deps.Cwd())
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}

// --- sessiondb ---

func sessionDBMigrate(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "sessiondb.migrate",
		Category:    registry.CategorySessionDB,
		Description: "apply pending session DB schema migrations",
		Params: registry.ParamSchema{
			{Name: "execute", Type: registry.ParamBoolean, Default: false},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			if deps.Migrator == nil {
				return nil, errkit.BackendUnavailable("migrator", "no migrator configured for this storage backend")
			}
			return deps.Migrator.Run(ctx, p.Bool("execute"))
		},
	}
}

// --- rules ---

func rulesGenerate(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "rules.generate",
		Category:    registry.CategoryRules,
		Description: "render rule documents for a target interface",
		Params: registry.ParamSchema{
			{Name: "interface", Type: registry.ParamEnum, Default: "cli", EnumValues: []string{"cli", "mcp", "hybrid"}},
			{Name: "rules", Type: registry.ParamStringList},
			{Name: "output", Type: registry.ParamString, Description: "directory to write rendered rules into"},
			{Name: "dry-run", Type: registry.ParamBoolean, Default: false},
			{Name: "force", Type: registry.ParamBoolean, Default: false, Description: "overwrite existing files in --output"},
		},
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			r, err := deps.Renderer.Render(ctx, RuleSpec{
				Interface: p.StringOr("interface", "cli"),
				Rules:     p.StringSlice("rules"),
			})
			if err != nil {
				return nil, err
			}
			rendered, err := io.ReadAll(r)
			if err != nil {
				return nil, errkit.Internal(err)
			}

			out := p.String("output")
			if out == "" {
				return string(rendered), nil
			}
			target := out + "/rules.generated.md"
			if !p.Bool("force") {
				if _, err := os.Stat(target); err == nil {
					return nil, errkit.AlreadyExists("rules file", target)
				}
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return nil, errkit.Internal(err)
			}
			if err := os.WriteFile(target, rendered, 0o644); err != nil {
				return nil, errkit.Internal(err)
			}
			return map[string]string{"written": target}, nil
		},
	}
}

// --- config ---

func configShow(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "config.show",
		Category:    registry.CategoryConfig,
		Description: "show the effective configuration",
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.ConfigView(), nil
		},
	}
}

func configList(deps Deps) registry.CommandDef {
	return registry.CommandDef{
		ID:          "config.list",
		Category:    registry.CategoryConfig,
		Description: "list configuration keys and their current values",
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			return deps.ConfigView(), nil
		},
	}
}

// --- debug ---

func debugRegistryDump(reg *registry.Registry) registry.CommandDef {
	return registry.CommandDef{
		ID:          "debug.registry-dump",
		Category:    registry.CategoryDebug,
		Description: "list every registered command's id, category and parameter schema",
		Handler: func(ctx context.Context, p registry.Params) (any, error) {
			type paramDump struct {
				Name       string `json:"name"`
				Type       string `json:"type"`
				Required   bool   `json:"required"`
				Positional bool   `json:"positional,omitempty"`
			}
			type cmdDump struct {
				ID       string      `json:"id"`
				Category string      `json:"category"`
				Params   []paramDump `json:"params"`
			}
			var out []cmdDump
			for _, def := range reg.List() {
				d := cmdDump{ID: def.ID, Category: string(def.Category)}
				for _, param := range def.Params {
					d.Params = append(d.Params, paramDump{
						Name: param.Name, Type: string(param.Type), Required: param.Required, Positional: param.Positional,
					})
				}
				out = append(out, d)
			}
			return out, nil
		},
	}
}
