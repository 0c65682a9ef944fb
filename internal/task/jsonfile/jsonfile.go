// Package jsonfile implements Minsky's json-file task backend (spec
// §4.D): all tasks for this backend live in a single storage.State
// document managed by internal/storage/jsonstore.
package jsonfile

import (
	"context"
	"strings"
	"time"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/storage/jsonstore"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/taskid"
)

const Prefix = "json"

// record is the on-disk shape for one task; Task itself is not used
// directly so the wire format is independent of the domain type's
// field set.
type record struct {
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Spec      string    `json:"spec"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Backend implements task.Backend over a single JSON file.
type Backend struct {
	store *jsonstore.Store[record]
}

func New(path string) *Backend {
	return &Backend{store: jsonstore.New[record](path)}
}

func (b *Backend) Prefix() string { return Prefix }

func (b *Backend) Capabilities() task.Capabilities {
	return task.Capabilities{Create: true, Update: true, Delete: true, Search: true, Transactions: false}
}

func (b *Backend) Initialize(ctx context.Context) error {
	return b.store.Initialize(ctx)
}

func toTask(qualifiedID, local string, r record) task.Task {
	return task.Task{
		ID:          qualifiedID,
		Title:       r.Title,
		Status:      task.Status(r.Status),
		Spec:        r.Spec,
		Backend:     Prefix,
		SourceID:    local,
		ContentHash: task.ContentHash(r.Title, r.Spec),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (b *Backend) ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	state, err := b.store.GetState(ctx)
	if err != nil {
		return nil, err
	}

	wantStatus := map[task.Status]bool{}
	for _, s := range filter.Status {
		wantStatus[s] = true
	}

	var out []task.Task
	for local, r := range state.Entities {
		if len(wantStatus) > 0 && !wantStatus[task.Status(r.Status)] {
			continue
		}
		if filter.Query != "" &&
			!strings.Contains(strings.ToLower(r.Title), strings.ToLower(filter.Query)) &&
			!strings.Contains(strings.ToLower(r.Spec), strings.ToLower(filter.Query)) {
			continue
		}
		out = append(out, toTask(taskid.MustFormat(Prefix, local), local, r))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) GetTask(ctx context.Context, qualifiedID string) (task.Task, error) {
	id, err := taskid.Parse(qualifiedID)
	if err != nil {
		return task.Task{}, err
	}
	r, found, err := b.store.Read(ctx, id.Local)
	if err != nil {
		return task.Task{}, err
	}
	if !found {
		return task.Task{}, errkit.NotFound("Task", qualifiedID, "Create it with: tasks create --title <T> --backend json")
	}
	return toTask(qualifiedID, id.Local, r), nil
}

func (b *Backend) CreateTask(ctx context.Context, spec task.NewTaskSpec) (task.Task, error) {
	state, err := b.store.GetState(ctx)
	if err != nil {
		return task.Task{}, err
	}
	existing := make([]string, 0, len(state.Entities))
	for id := range state.Entities {
		existing = append(existing, id)
	}
	local := taskid.NextLocalID(existing)
	now := time.Now().UTC()
	r := record{Title: spec.Title, Status: string(task.StatusTODO), Spec: spec.Spec, CreatedAt: now, UpdatedAt: now}
	if _, err := b.store.Write(ctx, local, r); err != nil {
		return task.Task{}, err
	}
	return toTask(taskid.MustFormat(Prefix, local), local, r), nil
}

func (b *Backend) SetStatus(ctx context.Context, qualifiedID string, status task.Status) error {
	id, err := taskid.Parse(qualifiedID)
	if err != nil {
		return err
	}
	r, found, err := b.store.Read(ctx, id.Local)
	if err != nil {
		return err
	}
	if !found {
		return errkit.NotFound("Task", qualifiedID, "Create it with: tasks create --title <T> --backend json")
	}
	r.Status = string(status)
	r.UpdatedAt = time.Now().UTC()
	_, err = b.store.Write(ctx, id.Local, r)
	return err
}

func (b *Backend) DeleteTask(ctx context.Context, qualifiedID string) error {
	id, err := taskid.Parse(qualifiedID)
	if err != nil {
		return err
	}
	deleted, err := b.store.Delete(ctx, id.Local)
	if err != nil {
		return err
	}
	if !deleted {
		return errkit.NotFound("Task", qualifiedID, "Nothing to delete.")
	}
	return nil
}

func (b *Backend) ExportTask(ctx context.Context, qualifiedID string) (task.ExportedTask, error) {
	t, err := b.GetTask(ctx, qualifiedID)
	if err != nil {
		return task.ExportedTask{}, err
	}
	return task.ExportedTask{Title: t.Title, Spec: t.Spec, Status: t.Status}, nil
}

func (b *Backend) ImportTask(ctx context.Context, x task.ExportedTask) (task.Task, error) {
	t, err := b.CreateTask(ctx, task.NewTaskSpec{Title: x.Title, Spec: x.Spec})
	if err != nil {
		return task.Task{}, err
	}
	if x.Status != "" && x.Status != task.StatusTODO {
		if err := b.SetStatus(ctx, t.ID, x.Status); err != nil {
			return task.Task{}, err
		}
		t.Status = x.Status
	}
	return t, nil
}

var _ task.Backend = (*Backend)(nil)
