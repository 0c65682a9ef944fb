// Package markdown implements Minsky's markdown task backend (spec
// §4.D): a central index file (`process/tasks.md`) listing every task,
// plus one spec file per task (`process/tasks/<qualified-id>-<slug>.md`)
// carrying YAML frontmatter. The frontmatter is the source of truth for
// title and status; the index is a derived, atomically-rewritten view.
//
// Grounded on internal/storage/jsonstore's write-temp-then-rename idiom
// and internal/storage/lockutil for the index file's cross-process lock.
package markdown

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/storage/lockutil"
	"github.com/edobry/minsky/internal/task"
	"github.com/edobry/minsky/internal/taskid"
)

const Prefix = "md"

// frontmatter is the YAML block at the top of each spec file.
type frontmatter struct {
	Title  string   `yaml:"title"`
	Status string   `yaml:"status"`
	Tags   []string `yaml:"tags,omitempty"`
}

// Backend implements task.Backend over a directory layout of
// <root>/tasks.md index, <root>/tasks/ spec files.
type Backend struct {
	root string
	lock *lockutil.FileLock
}

// New returns a markdown Backend rooted at root (typically
// "<repo>/process"). The directory is created lazily, matching the
// idempotent-mkdir invariant shared with the storage backends.
func New(root string) *Backend {
	return &Backend{root: root, lock: lockutil.New(filepath.Join(root, "tasks.md"))}
}

func (b *Backend) Prefix() string { return Prefix }

func (b *Backend) Capabilities() task.Capabilities {
	return task.Capabilities{Create: true, Update: true, Delete: true, Search: false, Transactions: false}
}

func (b *Backend) indexPath() string { return filepath.Join(b.root, "tasks.md") }
func (b *Backend) specsDir() string  { return filepath.Join(b.root, "tasks") }

func (b *Backend) specPath(qualifiedID, slug string) string {
	return filepath.Join(b.specsDir(), fmt.Sprintf("%s-%s.md", qualifiedID, slug))
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := nonSlugChars.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(s, "-")
}

// indexLine is one parsed row of the index: "- [STATUS] title (qualified-id)".
type indexLine struct {
	Status Status
	Title  string
	ID     string
}

type Status = task.Status

var indexLinePattern = regexp.MustCompile(`^- \[([^\]]+)\] (.+) \(([^)]+)\)$`)

func parseIndex(data []byte) []indexLine {
	var lines []indexLine
	for _, raw := range strings.Split(string(data), "\n") {
		m := indexLinePattern.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		lines = append(lines, indexLine{Status: Status(m[1]), Title: m[2], ID: m[3]})
	}
	return lines
}

func renderIndex(lines []indexLine) []byte {
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", l.Status, l.Title, l.ID)
	}
	return []byte(b.String())
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func writeAtomic(path string, data []byte) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return errkit.Internal(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errkit.Internal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errkit.Internal(err)
	}
	return nil
}

func (b *Backend) readIndexLocked() ([]indexLine, error) {
	data, err := os.ReadFile(b.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errkit.Internal(err)
	}
	return parseIndex(data), nil
}

func (b *Backend) writeIndexLocked(lines []indexLine) error {
	return writeAtomic(b.indexPath(), renderIndex(lines))
}

func (b *Backend) ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	var lines []indexLine
	err := b.lock.WithLock(func() error {
		var err error
		lines, err = b.readIndexLocked()
		return err
	})
	if err != nil {
		return nil, err
	}

	wantStatus := map[Status]bool{}
	for _, s := range filter.Status {
		wantStatus[s] = true
	}

	var out []task.Task
	for _, l := range lines {
		if len(wantStatus) > 0 && !wantStatus[l.Status] {
			continue
		}
		t, err := b.GetTask(ctx, l.ID)
		if err != nil {
			continue // index/spec drift tolerated: index is a derived view
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

func (b *Backend) findSpecFile(qualifiedID string) (string, error) {
	entries, err := os.ReadDir(b.specsDir())
	if os.IsNotExist(err) {
		return "", errkit.NotFound("Task", qualifiedID, "Create it with: tasks create --title <T> --backend md")
	}
	if err != nil {
		return "", errkit.Internal(err)
	}
	prefix := qualifiedID + "-"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(b.specsDir(), e.Name()), nil
		}
	}
	return "", errkit.NotFound("Task", qualifiedID, "Create it with: tasks create --title <T> --backend md")
}

func (b *Backend) GetTask(ctx context.Context, qualifiedID string) (task.Task, error) {
	path, err := b.findSpecFile(qualifiedID)
	if err != nil {
		return task.Task{}, err
	}
	return b.readSpecFile(qualifiedID, path)
}

func (b *Backend) readSpecFile(qualifiedID, path string) (task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return task.Task{}, errkit.Internal(err)
	}
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return task.Task{}, err
	}
	info, statErr := os.Stat(path)
	var updatedAt time.Time
	if statErr == nil {
		updatedAt = info.ModTime()
	}
	return task.Task{
		ID:          qualifiedID,
		Title:       fm.Title,
		Status:      Status(fm.Status),
		Spec:        body,
		Backend:     Prefix,
		SourceID:    strings.TrimPrefix(qualifiedID, Prefix+"#"),
		ContentHash: task.ContentHash(fm.Title, body),
		UpdatedAt:   updatedAt,
	}, nil
}

func splitFrontmatter(data []byte) (frontmatter, string, error) {
	const delim = "---\n"
	s := string(data)
	if !strings.HasPrefix(s, delim) {
		return frontmatter{}, "", errkit.Internal(fmt.Errorf("spec file missing frontmatter delimiter"))
	}
	rest := s[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return frontmatter{}, "", errkit.Internal(fmt.Errorf("spec file missing closing frontmatter delimiter"))
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return frontmatter{}, "", errkit.Internal(err)
	}
	body := strings.TrimPrefix(rest[end+len(delim):], "\n")
	return fm, body, nil
}

func renderSpecFile(fm frontmatter, body string) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(fm)
	if err != nil {
		return nil, errkit.Internal(err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(yamlBytes)
	b.WriteString("---\n\n")
	b.WriteString(body)
	return []byte(b.String()), nil
}

func (b *Backend) CreateTask(ctx context.Context, spec task.NewTaskSpec) (task.Task, error) {
	var created task.Task
	err := b.lock.WithLock(func() error {
		lines, err := b.readIndexLocked()
		if err != nil {
			return err
		}
		var existingLocals []string
		for _, l := range lines {
			if id, perr := taskid.Parse(l.ID); perr == nil && id.Backend == Prefix {
				existingLocals = append(existingLocals, id.Local)
			}
		}
		local := taskid.NextLocalID(existingLocals)
		qualifiedID := taskid.MustFormat(Prefix, local)

		fm := frontmatter{Title: spec.Title, Status: string(task.StatusTODO)}
		data, err := renderSpecFile(fm, spec.Spec)
		if err != nil {
			return err
		}
		if err := writeAtomic(b.specPath(qualifiedID, slugify(spec.Title)), data); err != nil {
			return err
		}

		lines = append(lines, indexLine{Status: task.StatusTODO, Title: spec.Title, ID: qualifiedID})
		if err := b.writeIndexLocked(lines); err != nil {
			return err
		}

		created = task.Task{
			ID:          qualifiedID,
			Title:       spec.Title,
			Status:      task.StatusTODO,
			Spec:        spec.Spec,
			Backend:     Prefix,
			SourceID:    local,
			ContentHash: task.ContentHash(spec.Title, spec.Spec),
			CreatedAt:   time.Now().UTC(),
		}
		return nil
	})
	return created, err
}

func (b *Backend) SetStatus(ctx context.Context, qualifiedID string, status task.Status) error {
	return b.lock.WithLock(func() error {
		path, err := b.findSpecFile(qualifiedID)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errkit.Internal(err)
		}
		fm, body, err := splitFrontmatter(data)
		if err != nil {
			return err
		}
		fm.Status = string(status)
		rendered, err := renderSpecFile(fm, body)
		if err != nil {
			return err
		}
		if err := writeAtomic(path, rendered); err != nil {
			return err
		}

		lines, err := b.readIndexLocked()
		if err != nil {
			return err
		}
		for i := range lines {
			if lines[i].ID == qualifiedID {
				lines[i].Status = status
			}
		}
		return b.writeIndexLocked(lines)
	})
}

func (b *Backend) DeleteTask(ctx context.Context, qualifiedID string) error {
	return b.lock.WithLock(func() error {
		path, err := b.findSpecFile(qualifiedID)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return errkit.Internal(err)
		}
		lines, err := b.readIndexLocked()
		if err != nil {
			return err
		}
		filtered := lines[:0]
		for _, l := range lines {
			if l.ID != qualifiedID {
				filtered = append(filtered, l)
			}
		}
		return b.writeIndexLocked(filtered)
	})
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
