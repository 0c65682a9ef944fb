package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edobry/minsky/internal/errkit"
)

func echoDef() CommandDef {
	return CommandDef{
		ID:          "tasks.get",
		Category:    CategoryTasks,
		Description: "fetch a task by id",
		Params: ParamSchema{
			{Name: "id", Type: ParamString, Required: true, Positional: true},
			{Name: "json", Type: ParamBoolean, Default: false},
		},
		Handler: func(ctx context.Context, p Params) (any, error) {
			return p.String("id"), nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDef()))

	def, err := r.Get("tasks.get")
	require.NoError(t, err)
	assert.Equal(t, CategoryTasks, def.Category)
}

func TestGetUnknownCommandIsNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("nope")
	assert.True(t, errkit.IsNotFound(err))
}

func TestRegisterIsIdempotentByID(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDef()))
	require.NoError(t, r.Register(echoDef()))

	assert.Len(t, r.List(), 1)
}

func TestRegisterRejectsMultiplePositionals(t *testing.T) {
	r := New()
	def := echoDef()
	def.Params = append(def.Params, Param{Name: "extra", Type: ParamString, Positional: true})
	err := r.Register(def)
	assert.True(t, errkit.IsValidation(err))
}

func TestListIsSortedAndCached(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(CommandDef{ID: "z.last", Category: CategoryDebug, Handler: func(context.Context, Params) (any, error) { return nil, nil }}))
	require.NoError(t, r.Register(CommandDef{ID: "a.first", Category: CategoryDebug, Handler: func(context.Context, Params) (any, error) { return nil, nil }}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a.first", list[0].ID)
	assert.Equal(t, "z.last", list[1].ID)

	// second call should hit the cache and return the same ordering
	list2 := r.List()
	assert.Equal(t, list, list2)
}

func TestByCategoryFilters(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDef()))
	require.NoError(t, r.Register(CommandDef{ID: "session.start", Category: CategorySession, Handler: func(context.Context, Params) (any, error) { return nil, nil }}))

	tasks := r.ByCategory(CategoryTasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, "tasks.get", tasks[0].ID)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	r := New()
	def := echoDef()
	_, err := r.Validate(def, Params{})
	assert.True(t, errkit.IsValidation(err))
}

func TestValidateFillsDefault(t *testing.T) {
	r := New()
	def := echoDef()
	out, err := r.Validate(def, Params{"id": "md#1"})
	require.NoError(t, err)
	assert.Equal(t, false, out["json"])
}

func TestValidateCoercesStringBoolean(t *testing.T) {
	r := New()
	def := echoDef()
	out, err := r.Validate(def, Params{"id": "md#1", "json": "true"})
	require.NoError(t, err)
	assert.Equal(t, true, out["json"])
}

func TestValidateRejectsEnumOutsideValues(t *testing.T) {
	r := New()
	def := CommandDef{
		ID: "tasks.status.set",
		Params: ParamSchema{
			{Name: "status", Type: ParamEnum, Required: true, EnumValues: []string{"TODO", "DONE"}},
		},
		Handler: func(context.Context, Params) (any, error) { return nil, nil },
	}
	_, err := r.Validate(def, Params{"status": "BOGUS"})
	assert.True(t, errkit.IsValidation(err))
}

func TestExecuteInvokesHandlerWithValidatedParams(t *testing.T) {
	r := New()
	def := echoDef()
	require.NoError(t, r.Register(def))

	result, err := r.Execute(context.Background(), def, Params{"id": "md#42"})
	require.NoError(t, err)
	assert.Equal(t, "md#42", result)
}
