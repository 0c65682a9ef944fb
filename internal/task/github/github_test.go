package github

import (
	"context"
	"net/http"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/task"
)

type fakeIssues struct {
	issues  map[int]*gogithub.Issue
	nextNum int
	getErr  error
}

func newFakeIssues() *fakeIssues {
	return &fakeIssues{issues: map[int]*gogithub.Issue{}, nextNum: 1}
}

func (f *fakeIssues) Get(ctx context.Context, owner, repo string, number int) (*gogithub.Issue, *gogithub.Response, error) {
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, &gogithub.Response{Response: &http.Response{StatusCode: 404}}, &gogithub.ErrorResponse{Response: &http.Response{StatusCode: 404}}
	}
	return issue, &gogithub.Response{Response: &http.Response{StatusCode: 200}}, nil
}

func (f *fakeIssues) Create(ctx context.Context, owner, repo string, req *gogithub.IssueRequest) (*gogithub.Issue, *gogithub.Response, error) {
	n := f.nextNum
	f.nextNum++
	issue := &gogithub.Issue{
		Number:    gogithub.Ptr(n),
		Title:     req.Title,
		Body:      req.Body,
		State:     gogithub.Ptr("open"),
		CreatedAt: &gogithub.Timestamp{Time: time.Now()},
		UpdatedAt: &gogithub.Timestamp{Time: time.Now()},
	}
	f.issues[n] = issue
	return issue, &gogithub.Response{Response: &http.Response{StatusCode: 201}}, nil
}

func (f *fakeIssues) Edit(ctx context.Context, owner, repo string, number int, req *gogithub.IssueRequest) (*gogithub.Issue, *gogithub.Response, error) {
	issue, ok := f.issues[number]
	if !ok {
		return nil, &gogithub.Response{Response: &http.Response{StatusCode: 404}}, &gogithub.ErrorResponse{Response: &http.Response{StatusCode: 404}}
	}
	if req.State != nil {
		issue.State = req.State
	}
	if req.Labels != nil {
		labels := make([]*gogithub.Label, 0, len(*req.Labels))
		for _, name := range *req.Labels {
			labels = append(labels, &gogithub.Label{Name: gogithub.Ptr(name)})
		}
		issue.Labels = labels
	}
	return issue, &gogithub.Response{Response: &http.Response{StatusCode: 200}}, nil
}

func (f *fakeIssues) ListByRepo(ctx context.Context, owner, repo string, opts *gogithub.IssueListByRepoOptions) ([]*gogithub.Issue, *gogithub.Response, error) {
	var out []*gogithub.Issue
	for _, issue := range f.issues {
		out = append(out, issue)
	}
	return out, &gogithub.Response{Response: &http.Response{StatusCode: 200}}, nil
}

func newTestBackend() (*Backend, *fakeIssues) {
	fake := newFakeIssues()
	return &Backend{owner: "org", repo: "proj", issues: fake}, fake
}

func TestCreateAndGetTask(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()

	created, err := b.CreateTask(ctx, task.NewTaskSpec{Title: "Do X", Spec: "body"})
	require.NoError(t, err)
	assert.Equal(t, "gh#1", created.ID)
	assert.Equal(t, task.StatusTODO, created.Status)

	got, err := b.GetTask(ctx, "gh#1")
	require.NoError(t, err)
	assert.Equal(t, "Do X", got.Title)
}

func TestGetTaskNotFound(t *testing.T) {
	b, _ := newTestBackend()
	_, err := b.GetTask(context.Background(), "gh#999")
	assert.True(t, errkit.IsNotFound(err))
}

func TestSetStatusClosesIssueForDone(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	created, err := b.CreateTask(ctx, task.NewTaskSpec{Title: "X", Spec: "y"})
	require.NoError(t, err)

	require.NoError(t, b.SetStatus(ctx, created.ID, task.StatusDone))
	got, err := b.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)
}

func TestSetStatusInProgressAddsLabelKeepsOpen(t *testing.T) {
	b, _ := newTestBackend()
	ctx := context.Background()
	created, err := b.CreateTask(ctx, task.NewTaskSpec{Title: "X", Spec: "y"})
	require.NoError(t, err)

	require.NoError(t, b.SetStatus(ctx, created.ID, task.StatusInProgress))
	got, err := b.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
}

func TestDeriveStatusClosedWithWontfixIsClosed(t *testing.T) {
	assert.Equal(t, task.StatusClosed, deriveStatus("closed", []string{"wontfix"}))
	assert.Equal(t, task.StatusDone, deriveStatus("closed", nil))
	assert.Equal(t, task.StatusBlocked, deriveStatus("open", []string{"status:blocked"}))
	assert.Equal(t, task.StatusTODO, deriveStatus("open", nil))
}

func TestDeleteTaskIsUnsupported(t *testing.T) {
	b, _ := newTestBackend()
	err := b.DeleteTask(context.Background(), "gh#1")
	assert.True(t, errkit.IsPermissionDenied(err))
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _ := newTestBackend()
	dst, _ := newTestBackend()
	ctx := context.Background()

	created, err := src.CreateTask(ctx, task.NewTaskSpec{Title: "Portable", Spec: "body"})
	require.NoError(t, err)
	require.NoError(t, src.SetStatus(ctx, created.ID, task.StatusInReview))

	exported, err := src.ExportTask(ctx, created.ID)
	require.NoError(t, err)
	exported.Status = task.StatusInReview

	imported, err := dst.ImportTask(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, "Portable", imported.Title)
	assert.Equal(t, task.StatusInReview, imported.Status)
	// GitHub assigns its own issue number; it need not match source's.
	assert.Equal(t, "gh#1", imported.ID)
}
