// Package sessiondb implements Minsky's session DB: a
// storage.Store[Record] with the ordered lookup path (name, then task id,
// then working-directory prefix) and on-miss auto-repair from the
// filesystem and git remotes.
package sessiondb

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/process"
	"github.com/edobry/minsky/internal/storage"
)

// Record is the persisted shape of a session.
type Record struct {
	Name      string    `json:"name"`
	TaskID    string    `json:"taskId,omitempty"`
	RepoName  string    `json:"repoName"`
	RepoURL   string    `json:"repoUrl"`
	Branch    string    `json:"branch"`
	BaseBranch string   `json:"baseBranch"`
	PRBranch  string    `json:"prBranch,omitempty"`
	Workdir   string    `json:"workdir"`
	CreatedAt time.Time `json:"createdAt"`
}

// DB is the session DB's public contract, layered over a generic
// storage.Store[Record].
type DB struct {
	store storage.Store[Record]
	git   *process.GitRunner
}

func New(store storage.Store[Record], git *process.GitRunner) *DB {
	return &DB{store: store, git: git}
}

func (db *DB) Initialize(ctx context.Context) error {
	return db.store.Initialize(ctx)
}

// Insert adds a new record. Fails with AlreadyExists if the name is
// taken, or Conflict if the task already has a session — at most one
// session is allowed per task.
func (db *DB) Insert(ctx context.Context, rec Record) error {
	if _, found, err := db.store.Read(ctx, rec.Name); err != nil {
		return err
	} else if found {
		return errkit.AlreadyExists("session", rec.Name)
	}
	if rec.TaskID != "" {
		if existing, err := db.GetByTaskID(ctx, rec.TaskID); err != nil && !errkit.IsNotFound(err) {
			return err
		} else if err == nil {
			return errkit.Conflict("session for task "+rec.TaskID, "session '"+existing.Name+"' already bound to this task")
		}
	}
	_, err := db.store.Write(ctx, rec.Name, rec)
	return err
}

// Update overwrites an existing record (e.g. to set PRBranch).
func (db *DB) Update(ctx context.Context, rec Record) error {
	_, err := db.store.Write(ctx, rec.Name, rec)
	return err
}

func (db *DB) Delete(ctx context.Context, name string) error {
	deleted, err := db.store.Delete(ctx, name)
	if err != nil {
		return err
	}
	if !deleted {
		return errkit.NotFound("Session", name, "Nothing to delete.")
	}
	return nil
}

func (db *DB) List(ctx context.Context) ([]Record, error) {
	return db.store.List(ctx, storage.Filter{})
}

func (db *DB) GetByName(ctx context.Context, name string) (Record, error) {
	rec, found, err := db.store.Read(ctx, name)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, errkit.NotFound("Session", name, "Start one with: session start --task <id>")
	}
	return rec, nil
}

func (db *DB) GetByTaskID(ctx context.Context, taskID string) (Record, error) {
	all, err := db.List(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range all {
		if rec.TaskID == taskID {
			return rec, nil
		}
	}
	return Record{}, errkit.NotFound("Session", taskID, "Start one with: session start --task "+taskID)
}

func (db *DB) getByWorkdirPrefix(ctx context.Context, cwd string) (Record, error) {
	all, err := db.List(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range all {
		if rec.Workdir != "" && strings.HasPrefix(cwd, rec.Workdir) {
			return rec, nil
		}
	}
	return Record{}, errkit.NotFound("Session", cwd, "Run this from inside a session's workdir, or pass --task/--name explicitly.")
}

// Resolve runs the ordered lookup: name, then taskID, then cwd-prefix
// match, then auto-repair from the filesystem as a last resort. Any of
// name/taskID/cwd may be empty to skip that stage.
func (db *DB) Resolve(ctx context.Context, name, taskID, cwd string) (Record, error) {
	if name != "" {
		return db.GetByName(ctx, name)
	}
	if taskID != "" {
		return db.GetByTaskID(ctx, taskID)
	}
	if cwd != "" {
		if rec, err := db.getByWorkdirPrefix(ctx, cwd); err == nil {
			return rec, nil
		}
		if rec, ok, err := db.AutoRepair(ctx, cwd); err != nil {
			return Record{}, err
		} else if ok {
			return rec, nil
		}
	}
	return Record{}, errkit.NotFound("Session", "<unspecified>", "Pass a session name, --task <id>, or run from inside a session workdir.")
}

// AutoRepair reconstructs a session record from an on-disk git
// workspace when no DB entry matches it. It derives the canonical
// record from `git rev-parse --show-toplevel`,
// `git branch --show-current`, and `git remote get-url origin`, all
// through the bounded runner, and inserts the result.
func (db *DB) AutoRepair(ctx context.Context, cwd string) (Record, bool, error) {
	top, err := db.git.Local(ctx, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return Record{}, false, nil // not a git workspace; not an error, just no match
	}
	workdir := strings.TrimSpace(top.Stdout)

	branchRes, err := db.git.Local(ctx, workdir, "branch", "--show-current")
	if err != nil {
		return Record{}, false, nil
	}
	branch := strings.TrimSpace(branchRes.Stdout)
	if branch == "" || !strings.HasPrefix(branch, "task-") {
		return Record{}, false, nil
	}

	remoteRes, err := db.git.Local(ctx, workdir, "remote", "get-url", "origin")
	repoURL := ""
	if err == nil {
		repoURL = strings.TrimSpace(remoteRes.Stdout)
	}

	taskID := strings.TrimPrefix(branch, "task-")
	rec := Record{
		Name:      branch,
		TaskID:    taskID,
		RepoName:  DeriveRepoName(repoURL, workdir),
		RepoURL:   repoURL,
		Branch:    branch,
		Workdir:   workdir,
		CreatedAt: time.Now().UTC(),
	}

	if existing, found, err := db.store.Read(ctx, rec.Name); err == nil && found {
		return existing, true, nil
	}
	if _, err := db.store.Write(ctx, rec.Name, rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// DeriveRepoName normalises a remote URL or local path into the
// "<org>/<project>" or "local/<basename>" form.
func DeriveRepoName(repoURL, workdir string) string {
	if repoURL == "" {
		return "local/" + filepath.Base(workdir)
	}
	trimmed := strings.TrimSuffix(repoURL, ".git")
	trimmed = strings.TrimPrefix(trimmed, "git@")
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.ReplaceAll(trimmed, ":", "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return "local/" + filepath.Base(workdir)
}
