// Package session implements Minsky's session service: the thin
// orchestration layer wiring sessiondb's record store to gitflow's
// git mechanics and taskservice's status updates, one per-session mutex
// at a time so concurrent CLI/MCP callers can't race the same session.
package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/gitflow"
	"github.com/edobry/minsky/internal/sessiondb"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/taskid"
	"github.com/edobry/minsky/internal/taskservice"
)

// DefaultBaseBranch is used when StartParams.BaseBranch is empty.
const DefaultBaseBranch = "main"

// Service orchestrates session lifecycle operations. Construct with New.
type Service struct {
	db        *sessiondb.DB
	git       *gitflow.Engine
	tasks     *taskservice.Service
	stateRoot string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(db *sessiondb.DB, git *gitflow.Engine, tasks *taskservice.Service, stateRoot string) *Service {
	return &Service{db: db, git: git, tasks: tasks, stateRoot: stateRoot, locks: map[string]*sync.Mutex{}}
}

func (s *Service) lockFor(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// StartParams configures Service.Start.
type StartParams struct {
	TaskID     string
	RepoURL    string
	BaseBranch string
}

// Start creates a new session: resolve the task id, reject if a
// session already exists for it, compute the workdir, clone-or-reuse
// the base repo and branch, then persist the record.
func (s *Service) Start(ctx context.Context, p StartParams) (sessiondb.Record, error) {
	qualified, err := taskid.Normalise(p.TaskID)
	if err != nil {
		return sessiondb.Record{}, err
	}

	if existing, err := s.db.GetByTaskID(ctx, qualified); err == nil {
		return sessiondb.Record{}, errkit.AlreadyExists("session for task "+qualified, existing.Name)
	} else if !errkit.IsNotFound(err) {
		return sessiondb.Record{}, err
	}

	name := taskid.SessionName(qualified)
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	baseBranch := p.BaseBranch
	if baseBranch == "" {
		baseBranch = DefaultBaseBranch
	}

	repoName := sessiondb.DeriveRepoName(p.RepoURL, name)
	workdir := filepath.Join(s.stateRoot, "git", repoName, "sessions", name)

	if err := s.git.CreateWorkspace(ctx, p.RepoURL, workdir, name, baseBranch); err != nil {
		return sessiondb.Record{}, err
	}

	rec := sessiondb.Record{
		Name:       name,
		TaskID:     qualified,
		RepoName:   repoName,
		RepoURL:    p.RepoURL,
		Branch:     name,
		BaseBranch: baseBranch,
		Workdir:    workdir,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.Insert(ctx, rec); err != nil {
		_ = gitflow.RemoveWorkspace(workdir)
		return sessiondb.Record{}, err
	}
	return rec, nil
}

// Get resolves a session the same ordered way sessiondb does (name, then
// task id, then workdir, then auto-repair).
func (s *Service) Get(ctx context.Context, name, taskID, cwd string) (sessiondb.Record, error) {
	return s.db.Resolve(ctx, name, taskID, cwd)
}

func (s *Service) List(ctx context.Context) ([]sessiondb.Record, error) {
	return s.db.List(ctx)
}

// Dir returns a session's workdir, the implementation behind `session
// dir`, which callers `cd` into.
func (s *Service) Dir(ctx context.Context, name, taskID, cwd string) (string, error) {
	rec, err := s.Get(ctx, name, taskID, cwd)
	if err != nil {
		return "", err
	}
	return rec.Workdir, nil
}

// PRParams configures Service.PR.
type PRParams struct {
	Name  string
	Title string
	Body  string
	Force bool
}

// PR runs the prepared-merge-commit flow: a pre-existing PR branch is
// refused unless Force is set, in which case the old branch is torn
// down first.
func (s *Service) PR(ctx context.Context, p PRParams) (gitflow.PRResult, error) {
	lock := s.lockFor(p.Name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.db.GetByName(ctx, p.Name)
	if err != nil {
		return gitflow.PRResult{}, err
	}

	if rec.PRBranch != "" {
		if !p.Force {
			return gitflow.PRResult{}, errkit.AlreadyExists("pr branch", rec.PRBranch)
		}
		if err := s.git.RemovePRBranch(ctx, rec.Workdir, rec.PRBranch); err != nil {
			return gitflow.PRResult{}, err
		}
		rec.PRBranch = ""
	}

	result, prErr := s.git.PreparePR(ctx, rec.Workdir, rec.Branch, rec.BaseBranch, p.Title, p.Body)
	if prErr != nil {
		if errkit.IsMergeConflict(prErr) {
			// Record the in-progress PR branch even on conflict so
			// `session pr` without --force surfaces AlreadyExists on
			// retry instead of silently re-attempting the same merge.
			rec.PRBranch = "pr/" + rec.Branch
			_ = s.db.Update(ctx, rec)
		}
		return gitflow.PRResult{}, prErr
	}

	rec.PRBranch = result.PRBranch
	if err := s.db.Update(ctx, rec); err != nil {
		return gitflow.PRResult{}, err
	}
	return result, nil
}

// Approve fast-forwards and pushes via gitflow, then marks the task
// DONE only once the push has succeeded.
func (s *Service) Approve(ctx context.Context, name string) (sessiondb.Record, error) {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.db.GetByName(ctx, name)
	if err != nil {
		return sessiondb.Record{}, err
	}
	if rec.PRBranch == "" {
		return sessiondb.Record{}, errkit.Validation("session", "has no open PR; run `session pr` first")
	}

	if err := s.git.ApprovePR(ctx, rec.Workdir, rec.BaseBranch, rec.PRBranch); err != nil {
		return sessiondb.Record{}, err
	}

	if rec.TaskID != "" {
		if err := s.tasks.SetStatus(ctx, rec.TaskID, task.StatusDone); err != nil {
			return sessiondb.Record{}, err
		}
	}

	rec.PRBranch = ""
	if err := s.db.Update(ctx, rec); err != nil {
		return sessiondb.Record{}, err
	}
	return rec, nil
}

// Delete removes a session's workspace and record. An open PR branch
// blocks deletion unless force is set, mirroring the PR rework guard.
func (s *Service) Delete(ctx context.Context, name string, force bool) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.db.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if rec.PRBranch != "" && !force {
		return errkit.Conflict(name, "has an open PR branch; pass --force to delete anyway")
	}
	if rec.PRBranch != "" {
		_ = s.git.RemovePRBranch(ctx, rec.Workdir, rec.PRBranch)
	}
	if err := gitflow.RemoveWorkspace(rec.Workdir); err != nil {
		return err
	}
	return s.db.Delete(ctx, name)
}
