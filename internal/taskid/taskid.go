// Package taskid implements the qualified task id grammar
// "<backend>#<local>", legacy-form normalisation, and the derivation of
// git-branch-legal session names from a task id.
package taskid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/edobry/minsky/internal/errkit"
)

// DefaultBackend is the backend legacy (unqualified) ids normalise to.
const DefaultBackend = "md"

// separator is the single character allowed between backend and local id.
// It must be git-branch-legal.
const separator = "#"

var localIDPattern = regexp.MustCompile(`^[^#\s]+$`)
var backendPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// legacyTaskHash matches the legacy "task#123" form.
var legacyTaskHash = regexp.MustCompile(`^task#(\d+)$`)
var pureInteger = regexp.MustCompile(`^\d+$`)

// ID is a parsed qualified task id.
type ID struct {
	Backend string
	Local   string
}

// String formats an ID back into its canonical "<backend>#<local>" form.
// Format and Parse are inverses.
func (id ID) String() string {
	return id.Backend + separator + id.Local
}

// Format builds a qualified ID string from parts. Returns a ValidationError
// if backend or local violate the id grammar.
func Format(backend, local string) (string, error) {
	if !backendPattern.MatchString(backend) {
		return "", errkit.Validation("backend", fmt.Sprintf("%q is not a legal backend prefix", backend))
	}
	if local == "" {
		return "", errkit.Validation("local id", "must not be empty")
	}
	if !localIDPattern.MatchString(local) {
		return "", errkit.Validation("local id", fmt.Sprintf("%q must not contain '#' or whitespace", local))
	}
	return ID{Backend: backend, Local: local}.String(), nil
}

// MustFormat panics on a malformed backend/local pair. Reserved for
// call sites that construct ids from values the backend itself just
// assigned (e.g. "next local id = max+1"), where a formatting failure
// would indicate a programming error, not bad input.
func MustFormat(backend, local string) string {
	s, err := Format(backend, local)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse splits a qualified id into backend and local parts. It does not
// normalise legacy forms; use Normalise for input that may be unqualified.
func Parse(qualified string) (ID, error) {
	idx := strings.Index(qualified, separator)
	if idx <= 0 || idx == len(qualified)-1 {
		return ID{}, errkit.Validation("task id", fmt.Sprintf("%q is not a qualified id (expected <backend>#<local>)", qualified))
	}
	backend, local := qualified[:idx], qualified[idx+1:]
	if strings.Contains(local, separator) {
		return ID{}, errkit.Validation("task id", fmt.Sprintf("%q has more than one '#'", qualified))
	}
	if !backendPattern.MatchString(backend) {
		return ID{}, errkit.Validation("task id", fmt.Sprintf("%q has an illegal backend prefix", qualified))
	}
	return ID{Backend: backend, Local: local}, nil
}

// Normalise accepts either a qualified id or a legacy unqualified form
// ("123", "task#123") and returns a canonical qualified id string.
// Normalise is idempotent: normalising an already-qualified id returns
// it unchanged (after validating it parses).
func Normalise(input string) (string, error) {
	if m := legacyTaskHash.FindStringSubmatch(input); m != nil {
		return Format(DefaultBackend, m[1])
	}

	if strings.Contains(input, separator) {
		id, err := Parse(input)
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}

	if pureInteger.MatchString(input) {
		return Format(DefaultBackend, input)
	}

	return "", errkit.Validation("task id", fmt.Sprintf("%q is neither a qualified id nor a recognised legacy form", input))
}

// SessionName derives the canonical session/branch/directory name for a
// task, "task-<qualified>". The result is git-branch-legal because '#' is
// a legal branch character and qualified ids never contain spaces or
// colons.
func SessionName(qualified string) string {
	return "task-" + qualified
}

// TaskIDFromSessionName inverts SessionName, returning the qualified task
// id embedded in a session/branch name, or false if name does not follow
// the "task-<qualified>" convention.
func TaskIDFromSessionName(name string) (string, bool) {
	const prefix = "task-"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, prefix)
	if _, err := Parse(rest); err != nil {
		return "", false
	}
	return rest, true
}

// NextLocalID computes max(existing)+1 for backends (markdown, json-file)
// that assign sequential numeric local ids themselves.
func NextLocalID(existing []string) string {
	max := 0
	for _, s := range existing {
		if n, err := strconv.Atoi(s); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}
