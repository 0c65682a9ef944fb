package taskid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundTrip(t *testing.T) {
	cases := []struct{ backend, local string }{
		{"md", "123"},
		{"gh", "456"},
		{"json", "abc-def"},
	}
	for _, c := range cases {
		s, err := Format(c.backend, c.local)
		require.NoError(t, err)

		parsed, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, c.backend, parsed.Backend)
		assert.Equal(t, c.local, parsed.Local)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	for _, bad := range []string{"123", "md#", "#123", "md#1#2", "1md#x"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestNormaliseLegacyForms(t *testing.T) {
	got, err := Normalise("123")
	require.NoError(t, err)
	assert.Equal(t, "md#123", got)

	got, err = Normalise("task#123")
	require.NoError(t, err)
	assert.Equal(t, "md#123", got)
}

func TestNormaliseIsIdempotent(t *testing.T) {
	once, err := Normalise("gh#456")
	require.NoError(t, err)
	twice, err := Normalise(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, "gh#456", once)
}

func TestNormaliseRejectsGarbage(t *testing.T) {
	_, err := Normalise("not-a-task-id-at-all!!")
	assert.Error(t, err)
}

func TestSessionNameIsGitBranchLegal(t *testing.T) {
	name := SessionName("md#123")
	assert.Equal(t, "task-md#123", name)
	assert.NotContains(t, name, " ")
	assert.NotContains(t, name, ":")
}

func TestTaskIDFromSessionNameInvertsSessionName(t *testing.T) {
	id := "gh#42"
	name := SessionName(id)

	got, ok := TaskIDFromSessionName(name)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = TaskIDFromSessionName("not-a-session-name")
	assert.False(t, ok)
}

func TestNextLocalID(t *testing.T) {
	assert.Equal(t, "1", NextLocalID(nil))
	assert.Equal(t, "4", NextLocalID([]string{"1", "3", "2"}))
	assert.Equal(t, "1", NextLocalID([]string{"not-a-number"}))
}
