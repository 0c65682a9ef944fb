package errkit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFound_RendersRemedyAndExitCode(t *testing.T) {
	err := NotFound("Session", "my-session", "Start one with: session start --task md#1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Session 'my-session' not found")
	assert.Contains(t, err.Error(), "session start --task md#1")
	assert.Equal(t, 2, CodeNotFound.ExitCode())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
}

func TestMergeConflict_CarriesFilesAndResolutionSteps(t *testing.T) {
	err := MergeConflict("pr/task-md#1", []string{"a.ts", "b.ts"})

	require.True(t, IsMergeConflict(err))
	assert.Contains(t, err.Error(), "git status")
	assert.Contains(t, err.Error(), "git merge --continue")

	structured, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"a.ts", "b.ts"}, structured.Data()["files"])
	assert.Equal(t, 4, CodeMergeConflict.ExitCode())
}

func TestBackendUnavailableClassifiesAndExitsSix(t *testing.T) {
	root := fmt.Errorf("connection refused")
	err := BackendUnavailable("github", root.Error())

	require.True(t, IsBackendUnavailable(err))
	assert.Equal(t, 6, CodeBackendUnavailable.ExitCode())
}

func TestRPCCodesAreStableAndDistinct(t *testing.T) {
	codes := []Code{
		CodeValidation, CodeNotFound, CodeAlreadyExists, CodeConflict,
		CodeMergeConflict, CodeTimeout, CodeRateLimited, CodePermissionDenied,
		CodeBackendUnavailable, CodeInternal,
	}
	seen := map[int]Code{}
	for _, c := range codes {
		rpc := c.RPCCode()
		if other, exists := seen[rpc]; exists {
			t.Fatalf("RPC code %d reused by %s and %s", rpc, other, c)
		}
		seen[rpc] = c
	}
}

func TestInternalWrapsNilSafely(t *testing.T) {
	err := Internal(nil)
	assert.Equal(t, "internal error", err.Error())
	assert.Nil(t, err.Unwrap())
}
