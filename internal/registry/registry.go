// Package registry implements Minsky's shared command registry: one
// process-wide table of command definitions that the CLI bridge
// (internal/clibridge) and the MCP bridge (internal/mcpbridge) both
// dispatch through, so a CLI subcommand and an MCP tool are always two
// renderings of the same definition rather than two implementations.
// A sync.RWMutex-guarded map backs a cached, alphabetically sorted
// List(). Registration is idempotent by id — registering an id that is
// already present replaces the earlier entry instead of failing, so
// commands.Register can run more than once against one Registry.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/edobry/minsky/internal/errkit"
)

// ParamType enumerates the allowed parameter kinds. ParamSchema
// deliberately is not a language-specific validator — both bridges
// translate it into their own shape (cobra flags, JSON-Schema) rather
// than calling into it to perform the work.
type ParamType string

const (
	ParamString     ParamType = "string"
	ParamNumber     ParamType = "number"
	ParamBoolean    ParamType = "boolean"
	ParamEnum       ParamType = "enum"
	ParamStringList ParamType = "array<string>"
)

// Param describes one parameter of a CommandDef.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Default     any
	ShortFlag   string
	Description string
	// EnumValues is consulted only when Type == ParamEnum.
	EnumValues []string
	// Positional marks the single parameter (at most one per command)
	// that the CLI bridge binds from argv rather than from a flag.
	Positional bool
}

// ParamSchema is the ordered parameter list of a CommandDef.
type ParamSchema []Param

// Category is the closed set of command groupings.
type Category string

const (
	CategoryTasks     Category = "tasks"
	CategorySession   Category = "session"
	CategoryGit       Category = "git"
	CategoryRules     Category = "rules"
	CategoryConfig    Category = "config"
	CategorySessionDB Category = "sessiondb"
	CategoryDebug     Category = "debug"
)

// Params is the runtime argument bag handed to a Handler: parameter name
// to already-type-checked value, per ParamSchema.
type Params map[string]any

// String returns Params[name] as a string, or "" if absent/wrong type.
func (p Params) String(name string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return ""
}

// StringOr returns Params[name] as a string, falling back to def when
// the key is absent.
func (p Params) StringOr(name, def string) string {
	if v, ok := p[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns Params[name] as a bool, or false if absent/wrong type.
func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

// Int returns Params[name] as an int, accepting the float64 shape that
// decoded JSON numbers arrive in over the MCP bridge.
func (p Params) Int(name string) int {
	switch v := p[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Float64 returns Params[name] as a float64, accepting the int shape a
// caller might construct by hand in tests.
func (p Params) Float64(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// StringSlice returns Params[name] as a []string, or nil if absent.
func (p Params) StringSlice(name string) []string {
	switch v := p[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Handler executes a command's effect given validated parameters. It
// returns an arbitrary result value (marshalled by whichever bridge
// invoked it) or an errkit.Error.
type Handler func(ctx context.Context, params Params) (any, error)

// CommandDef is one entry of the registry.
type CommandDef struct {
	ID          string
	Category    Category
	Description string
	Params      ParamSchema
	Handler     Handler
}

// Registry is the process-wide command table. The zero value is not
// usable; construct with New.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]CommandDef

	cacheMu   sync.Mutex
	cached    []CommandDef
	cacheOK   bool
}

func New() *Registry {
	return &Registry{defs: map[string]CommandDef{}}
}

// Register adds def under def.ID. Registration is idempotent: an
// identical redefinition (determined by ID, since CommandDef holds a
// func value that can't be compared) silently replaces the prior
// entry — callers that register the same command id twice with
// differing definitions get the latter.
func (r *Registry) Register(def CommandDef) error {
	if def.ID == "" {
		return errkit.Validation("command id", "must not be empty")
	}
	if def.Handler == nil {
		return errkit.Validation("command handler", "must not be nil for "+def.ID)
	}
	positionals := 0
	for _, p := range def.Params {
		if p.Positional {
			positionals++
		}
	}
	if positionals > 1 {
		return errkit.Validation("command params", fmt.Sprintf("%s declares %d positional parameters, at most 1 allowed", def.ID, positionals))
	}

	r.mu.Lock()
	r.defs[def.ID] = def
	r.mu.Unlock()

	r.cacheMu.Lock()
	r.cacheOK = false
	r.cacheMu.Unlock()
	return nil
}

// Get looks up a command by id.
func (r *Registry) Get(id string) (CommandDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return CommandDef{}, errkit.NotFound("command", id, "check `debug registry-dump` for the registered command ids")
	}
	return def, nil
}

// List returns every registered command, sorted by id. The sorted slice
// is cached and invalidated on the next Register call, mirroring the
// teacher registry's dirty-flag idiom.
func (r *Registry) List() []CommandDef {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.cacheOK {
		return r.cached
	}

	r.mu.RLock()
	out := make([]CommandDef, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	r.cached = out
	r.cacheOK = true
	return out
}

// ByCategory filters List() to a single category, preserving id order.
func (r *Registry) ByCategory(cat Category) []CommandDef {
	all := r.List()
	out := make([]CommandDef, 0, len(all))
	for _, def := range all {
		if def.Category == cat {
			out = append(out, def)
		}
	}
	return out
}

// Validate checks raw against def.Params: required fields present,
// enum membership, and coerces numbers/bools arriving as strings (both
// bridges hand over already-typed values — the CLI bridge through
// cobra's typed flag getters, the MCP bridge as decoded JSON — but a
// hand-built Params may carry strings). It returns a new Params with defaults
// filled in, leaving raw untouched.
func (r *Registry) Validate(def CommandDef, raw Params) (Params, error) {
	out := make(Params, len(def.Params))
	for _, p := range def.Params {
		v, present := raw[p.Name]
		if !present {
			if p.Required {
				return nil, errkit.Validation(p.Name, "required parameter missing for "+def.ID)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		coerced, err := coerce(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}
	return out, nil
}

// Execute validates params against def's schema then invokes its
// handler. Callers normally go through Registry.Get then Execute, but
// bridges call this directly once they've resolved the CommandDef.
func (r *Registry) Execute(ctx context.Context, def CommandDef, raw Params) (any, error) {
	validated, err := r.Validate(def, raw)
	if err != nil {
		return nil, err
	}
	return def.Handler(ctx, validated)
}

func coerce(p Param, v any) (any, error) {
	switch p.Type {
	case ParamString, ParamEnum:
		s, ok := asString(v)
		if !ok {
			return nil, errkit.Validation(p.Name, "expected a string")
		}
		if p.Type == ParamEnum && len(p.EnumValues) > 0 && !contains(p.EnumValues, s) {
			return nil, errkit.Validation(p.Name, fmt.Sprintf("%q is not one of %v", s, p.EnumValues))
		}
		return s, nil
	case ParamNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case string:
			var f float64
			if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
				return nil, errkit.Validation(p.Name, "expected a number")
			}
			return f, nil
		default:
			return nil, errkit.Validation(p.Name, "expected a number")
		}
	case ParamBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch b {
			case "true", "1":
				return true, nil
			case "false", "0", "":
				return false, nil
			default:
				return nil, errkit.Validation(p.Name, "expected a boolean")
			}
		default:
			return nil, errkit.Validation(p.Name, "expected a boolean")
		}
	case ParamStringList:
		switch l := v.(type) {
		case []string:
			return l, nil
		case []any:
			out := make([]string, 0, len(l))
			for _, e := range l {
				s, ok := asString(e)
				if !ok {
					return nil, errkit.Validation(p.Name, "expected an array of strings")
				}
				out = append(out, s)
			}
			return out, nil
		default:
			return nil, errkit.Validation(p.Name, "expected an array of strings")
		}
	default:
		return nil, errkit.Validation(p.Name, "unknown parameter type "+string(p.Type))
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
