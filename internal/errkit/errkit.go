// Package errkit implements Minsky's closed error taxonomy.
//
// Every handler in the registry returns one of the kinds declared here (or
// a plain Go error for truly unexpected conditions, which the bridges map
// to Internal). Both the CLI bridge and the MCP bridge render the same
// message templates, so a user sees the same wording regardless of which
// surface they used.
package errkit

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable, machine-readable error identifier shared between the
// CLI exit-code table and the MCP numeric error codes.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeNotFound          Code = "not_found"
	CodeAlreadyExists     Code = "already_exists"
	CodeConflict          Code = "conflict"
	CodeMergeConflict     Code = "merge_conflict"
	CodeTimeout           Code = "timeout"
	CodeRateLimited       Code = "rate_limited"
	CodePermissionDenied  Code = "permission_denied"
	CodeBackendUnavailable Code = "backend_unavailable"
	CodeInternal          Code = "internal"
)

// ExitCode maps a Code to the CLI's exit code table.
func (c Code) ExitCode() int {
	switch c {
	case CodeValidation:
		return 1
	case CodeNotFound:
		return 2
	case CodeConflict, CodeAlreadyExists:
		return 3
	case CodeMergeConflict:
		return 4
	case CodeTimeout:
		return 5
	default:
		return 6
	}
}

// RPCCode maps a Code to a stable numeric code for the MCP bridge. Each
// Code gets its own value in -32000..-32009, inside the JSON-RPC 2.0
// range reserved for implementation-defined server errors and apart
// from the protocol error codes; unlike ExitCode, Codes that share an
// exit code still get distinct values.
func (c Code) RPCCode() int {
	switch c {
	case CodeValidation:
		return -32001
	case CodeNotFound:
		return -32002
	case CodeAlreadyExists:
		return -32003
	case CodeConflict:
		return -32004
	case CodeMergeConflict:
		return -32005
	case CodeTimeout:
		return -32006
	case CodeRateLimited:
		return -32007
	case CodePermissionDenied:
		return -32008
	case CodeBackendUnavailable:
		return -32009
	default:
		return -32000
	}
}

// Data carries structured, kind-specific payload (file lists, retry-after
// seconds) alongside the rendered message.
type Data map[string]any

// Error is the concrete type every errkit constructor returns. It is never
// constructed directly outside this package.
type Error struct {
	code     Code
	message  string
	data     Data
	wrapped  error
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func (e *Error) Code() Code {
	return e.code
}

func (e *Error) Data() Data {
	return e.data
}

func newErr(code Code, wrapped error, tmpl string, slots map[string]string) *Error {
	return &Error{code: code, wrapped: wrapped, message: render(tmpl, slots), data: Data{}}
}

// render fills {slot} placeholders in tmpl from slots. Unknown slots are
// left verbatim so a missing value is visible instead of silently dropped.
func render(tmpl string, slots map[string]string) string {
	out := tmpl
	for k, v := range slots {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// --- constructors, one per kind ---

func Validation(field, reason string) *Error {
	return newErr(CodeValidation, nil, "invalid {field}: {reason}", map[string]string{
		"field": field, "reason": reason,
	})
}

func NotFound(kind, id, remedy string) *Error {
	e := newErr(CodeNotFound, nil, "{kind} '{id}' not found. {remedy}", map[string]string{
		"kind": kind, "id": id, "remedy": remedy,
	})
	e.data["kind"] = kind
	e.data["id"] = id
	return e
}

func AlreadyExists(kind, id string) *Error {
	return newErr(CodeAlreadyExists, nil, "{kind} '{id}' already exists", map[string]string{
		"kind": kind, "id": id,
	})
}

func Conflict(what, why string) *Error {
	return newErr(CodeConflict, nil, "conflict on {what}: {why}", map[string]string{
		"what": what, "why": why,
	})
}

// MergeConflict carries the conflicted file list and the canonical
// resolution sequence a caller should follow.
func MergeConflict(branch string, files []string) *Error {
	e := newErr(CodeMergeConflict, nil,
		"merge into '{branch}' has conflicts in: {files}. Resolve with: git status, edit the files, git add <files>, git merge --continue",
		map[string]string{"branch": branch, "files": strings.Join(files, ", ")})
	e.data["branch"] = branch
	e.data["files"] = files
	return e
}

func Timeout(op string, seconds int) *Error {
	e := newErr(CodeTimeout, nil, "{op} timed out after {seconds}s", map[string]string{
		"op": op, "seconds": fmt.Sprintf("%d", seconds),
	})
	e.data["seconds"] = seconds
	return e
}

func RateLimited(source string, retryAfter int) *Error {
	e := newErr(CodeRateLimited, nil, "{source} rate-limited this request, retry after {retryAfter}s", map[string]string{
		"source": source, "retryAfter": fmt.Sprintf("%d", retryAfter),
	})
	e.data["retryAfter"] = retryAfter
	return e
}

func PermissionDenied(action string) *Error {
	return newErr(CodePermissionDenied, nil, "permission denied: {action}", map[string]string{"action": action})
}

func BackendUnavailable(backend, reason string) *Error {
	return newErr(CodeBackendUnavailable, nil, "backend '{backend}' unavailable: {reason}", map[string]string{
		"backend": backend, "reason": reason,
	})
}

func Internal(wrapped error) *Error {
	msg := "internal error"
	if wrapped != nil {
		msg = fmt.Sprintf("internal error: %v", wrapped)
	}
	return &Error{code: CodeInternal, wrapped: wrapped, message: msg, data: Data{}}
}

// --- classification helpers, mirroring errors.Is/As usage across the corpus ---

func codeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.code, true
	}
	return "", false
}

func is(err error, c Code) bool {
	got, ok := codeOf(err)
	return ok && got == c
}

func IsValidation(err error) bool        { return is(err, CodeValidation) }
func IsNotFound(err error) bool          { return is(err, CodeNotFound) }
func IsAlreadyExists(err error) bool     { return is(err, CodeAlreadyExists) }
func IsConflict(err error) bool          { return is(err, CodeConflict) }
func IsMergeConflict(err error) bool     { return is(err, CodeMergeConflict) }
func IsTimeout(err error) bool           { return is(err, CodeTimeout) }
func IsRateLimited(err error) bool       { return is(err, CodeRateLimited) }
func IsPermissionDenied(err error) bool  { return is(err, CodePermissionDenied) }
func IsBackendUnavailable(err error) bool { return is(err, CodeBackendUnavailable) }

// As extracts the *Error for callers that need the structured Data, e.g.
// bridges rendering file lists or retry-after hints.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
