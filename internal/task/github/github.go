// Package github implements Minsky's github-issues task backend (spec
// §4.D): issue number maps to local id, status is derived from issue
// state plus an explicit label convention, and writes go through the
// REST API via google/go-github, respecting rate limits.
package github

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/taskid"
)

// NewClientFromToken builds an authenticated GitHub client using a
// personal access token. An empty token yields an unauthenticated
// client, which GitHub subjects to a much lower rate limit.
func NewClientFromToken(ctx context.Context, token string) *gogithub.Client {
	if token == "" {
		return gogithub.NewClient(nil)
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return gogithub.NewClient(oauth2.NewClient(ctx, src))
}

const Prefix = "gh"

const labelWontFix = "wontfix"

var statusLabels = map[task.Status]string{
	task.StatusInProgress: "status:in-progress",
	task.StatusInReview:   "status:in-review",
	task.StatusBlocked:    "status:blocked",
}

// issuesAPI is the narrow subset of gogithub.IssuesService this backend
// calls, so tests can substitute a fake without reaching the network.
type issuesAPI interface {
	Get(ctx context.Context, owner, repo string, number int) (*gogithub.Issue, *gogithub.Response, error)
	Create(ctx context.Context, owner, repo string, req *gogithub.IssueRequest) (*gogithub.Issue, *gogithub.Response, error)
	Edit(ctx context.Context, owner, repo string, number int, req *gogithub.IssueRequest) (*gogithub.Issue, *gogithub.Response, error)
	ListByRepo(ctx context.Context, owner, repo string, opts *gogithub.IssueListByRepoOptions) ([]*gogithub.Issue, *gogithub.Response, error)
}

// Backend implements task.Backend over one GitHub repository's issues.
type Backend struct {
	owner, repo string
	issues      issuesAPI
}

// New builds a Backend against a real GitHub client, such as one from
// NewClientFromToken, where an empty token gives unauthenticated
// (rate-limited) access.
func New(owner, repo string, client *gogithub.Client) *Backend {
	return &Backend{owner: owner, repo: repo, issues: client.Issues}
}

func (b *Backend) Prefix() string { return Prefix }

func (b *Backend) Capabilities() task.Capabilities {
	return task.Capabilities{Create: true, Update: true, Delete: false, Search: false, Transactions: false}
}

func deriveStatus(state string, labels []string) task.Status {
	has := func(name string) bool {
		for _, l := range labels {
			if l == name {
				return true
			}
		}
		return false
	}
	if state == "closed" {
		if has(labelWontFix) {
			return task.StatusClosed
		}
		return task.StatusDone
	}
	for status, label := range statusLabels {
		if has(label) {
			return status
		}
	}
	return task.StatusTODO
}

// applyStatus returns the issue state and full label set to PATCH for
// the given target status, preserving any non-status-convention labels
// already on the issue.
func applyStatus(status task.Status, existingLabels []string) (state string, labels []string) {
	var kept []string
	for _, l := range existingLabels {
		if l == labelWontFix {
			continue
		}
		isStatusLabel := false
		for _, sl := range statusLabels {
			if l == sl {
				isStatusLabel = true
				break
			}
		}
		if !isStatusLabel {
			kept = append(kept, l)
		}
	}
	switch status {
	case task.StatusDone:
		return "closed", kept
	case task.StatusClosed:
		return "closed", append(kept, labelWontFix)
	case task.StatusTODO:
		return "open", kept
	default:
		if label, ok := statusLabels[status]; ok {
			return "open", append(kept, label)
		}
		return "open", kept
	}
}

func issueLabelNames(issue *gogithub.Issue) []string {
	names := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		names = append(names, l.GetName())
	}
	return names
}

func toTask(issue *gogithub.Issue) task.Task {
	local := strconv.Itoa(issue.GetNumber())
	qualifiedID := taskid.MustFormat(Prefix, local)
	title := issue.GetTitle()
	body := issue.GetBody()
	return task.Task{
		ID:          qualifiedID,
		Title:       title,
		Status:      deriveStatus(issue.GetState(), issueLabelNames(issue)),
		Spec:        body,
		Backend:     Prefix,
		SourceID:    local,
		ContentHash: task.ContentHash(title, body),
		CreatedAt:   issue.GetCreatedAt().Time,
		UpdatedAt:   issue.GetUpdatedAt().Time,
	}
}

// classifyRateLimit maps go-github's two rate-limit error shapes to
// errkit.RateLimited; any other error is returned unwrapped for the
// caller to classify.
func classifyRateLimit(err error) error {
	if err == nil {
		return nil
	}
	var rl *gogithub.RateLimitError
	if errors.As(err, &rl) {
		retryAfter := int(time.Until(rl.Rate.Reset.Time).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return errkit.RateLimited("github", retryAfter)
	}
	var abuse *gogithub.AbuseRateLimitError
	if errors.As(err, &abuse) {
		retryAfter := 60
		if abuse.RetryAfter != nil {
			retryAfter = int(abuse.RetryAfter.Seconds())
		}
		return errkit.RateLimited("github", retryAfter)
	}
	return errkit.Internal(err)
}

func parseIssueNumber(qualifiedID string) (int, error) {
	id, err := taskid.Parse(qualifiedID)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(id.Local)
	if err != nil {
		return 0, errkit.Validation("task id", "github local id must be the numeric issue number")
	}
	return n, nil
}

func (b *Backend) GetTask(ctx context.Context, qualifiedID string) (task.Task, error) {
	number, err := parseIssueNumber(qualifiedID)
	if err != nil {
		return task.Task{}, err
	}
	issue, resp, err := b.issues.Get(ctx, b.owner, b.repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return task.Task{}, errkit.NotFound("Task", qualifiedID, "Create it with: tasks create --title <T> --backend gh")
		}
		return task.Task{}, classifyRateLimit(err)
	}
	return toTask(issue), nil
}

func (b *Backend) ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	state := "all"
	if len(filter.Status) == 1 {
		switch filter.Status[0] {
		case task.StatusDone, task.StatusClosed:
			state = "closed"
		default:
			state = "open"
		}
	}
	opts := &gogithub.IssueListByRepoOptions{State: state}
	if filter.Limit > 0 {
		opts.ListOptions.PerPage = filter.Limit
	}
	issues, _, err := b.issues.ListByRepo(ctx, b.owner, b.repo, opts)
	if err != nil {
		return nil, classifyRateLimit(err)
	}

	wantStatus := map[task.Status]bool{}
	for _, s := range filter.Status {
		wantStatus[s] = true
	}

	var out []task.Task
	for _, issue := range issues {
		if issue.PullRequestLinks != nil {
			continue // GitHub's issue-list endpoint also returns PRs
		}
		t := toTask(issue)
		if len(wantStatus) > 0 && !wantStatus[t.Status] {
			continue
		}
		if filter.Query != "" &&
			!strings.Contains(strings.ToLower(t.Title), strings.ToLower(filter.Query)) &&
			!strings.Contains(strings.ToLower(t.Spec), strings.ToLower(filter.Query)) {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) CreateTask(ctx context.Context, spec task.NewTaskSpec) (task.Task, error) {
	issue, _, err := b.issues.Create(ctx, b.owner, b.repo, &gogithub.IssueRequest{
		Title: gogithub.Ptr(spec.Title),
		Body:  gogithub.Ptr(spec.Spec),
	})
	if err != nil {
		return task.Task{}, classifyRateLimit(err)
	}
	return toTask(issue), nil
}

func (b *Backend) SetStatus(ctx context.Context, qualifiedID string, status task.Status) error {
	number, err := parseIssueNumber(qualifiedID)
	if err != nil {
		return err
	}
	issue, resp, err := b.issues.Get(ctx, b.owner, b.repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return errkit.NotFound("Task", qualifiedID, "Create it with: tasks create --title <T> --backend gh")
		}
		return classifyRateLimit(err)
	}
	newState, newLabels := applyStatus(status, issueLabelNames(issue))
	_, _, err = b.issues.Edit(ctx, b.owner, b.repo, number, &gogithub.IssueRequest{
		State:  gogithub.Ptr(newState),
		Labels: &newLabels,
	})
	return classifyRateLimit(err)
}

// DeleteTask is unsupported: GitHub issues cannot be deleted via the
// REST API (Capabilities().Delete is false).
func (b *Backend) DeleteTask(ctx context.Context, qualifiedID string) error {
	return errkit.PermissionDenied("github issues cannot be deleted via the API; close the issue instead")
}

func (b *Backend) ExportTask(ctx context.Context, qualifiedID string) (task.ExportedTask, error) {
	t, err := b.GetTask(ctx, qualifiedID)
	if err != nil {
		return task.ExportedTask{}, err
	}
	return task.ExportedTask{Title: t.Title, Spec: t.Spec, Status: t.Status}, nil
}

// ImportTask creates a new issue. The resulting local id is whatever
// GitHub assigns (the issue number); callers must not assume it matches
// any id the exported task came from.
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
