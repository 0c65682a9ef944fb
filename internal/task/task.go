// Package task defines Minsky's task domain types and the pluggable
// Backend interface: markdown, json-file and github-issues each
// implement Backend over their own storage.
package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is one of the task lifecycle states. The data layer does not
// restrict transitions between them; policy lives at the service
// boundary.
type Status string

const (
	StatusTODO       Status = "TODO"
	StatusInProgress Status = "IN-PROGRESS"
	StatusInReview   Status = "IN-REVIEW"
	StatusDone       Status = "DONE"
	StatusClosed     Status = "CLOSED"
	StatusBlocked    Status = "BLOCKED"
)

// ValidStatus reports whether s is one of the declared statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusTODO, StatusInProgress, StatusInReview, StatusDone, StatusClosed, StatusBlocked:
		return true
	}
	return false
}

// Task is a task record. ID is always the qualified form
// (backend#local); Backend/SourceID are its decomposition, duplicated on
// the struct so backends needn't re-parse their own ids.
type Task struct {
	ID          string
	Title       string
	Status      Status
	Spec        string
	Backend     string
	SourceID    string
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContentHash computes the content-identity hash contentHash = H(title ‖ spec).
func ContentHash(title, spec string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + spec))
	return hex.EncodeToString(sum[:])
}

// Filter narrows ListTasks: all fields optional.
type Filter struct {
	Status []Status
	Limit  int
	Query  string // substring match against title/spec when a backend has no native search
}

// NewTaskSpec is the input to CreateTask.
type NewTaskSpec struct {
	Title string
	Spec  string
}

// ExportedTask is the backend-agnostic payload migration moves between
// backends.
type ExportedTask struct {
	Title    string
	Spec     string
	Status   Status
	Metadata map[string]any
}

// Capabilities declares which optional operations a backend supports.
type Capabilities struct {
	Create       bool
	Update       bool
	Delete       bool
	Search       bool
	Transactions bool
}

// Backend is the pluggable per-backend contract. Every method's
// qualifiedID argument is this backend's own prefix; the multi-backend
// task service is responsible for routing.
type Backend interface {
	Prefix() string
	Capabilities() Capabilities

	ListTasks(ctx context.Context, filter Filter) ([]Task, error)
	GetTask(ctx context.Context, qualifiedID string) (Task, error)
	CreateTask(ctx context.Context, spec NewTaskSpec) (Task, error)
	SetStatus(ctx context.Context, qualifiedID string, status Status) error
	DeleteTask(ctx context.Context, qualifiedID string) error

	ExportTask(ctx context.Context, qualifiedID string) (ExportedTask, error)
	ImportTask(ctx context.Context, x ExportedTask) (Task, error)
}
