package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Valid(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join("testdata", "members.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All declarations valid (5 query(ies))")

	out, err = execute(t, "--format", "json", "validate", filepath.Join("testdata", "members.yaml"))
	require.NoError(t, err)
	var result ValidationResult
	decodeData(t, out, &result)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Queries)
	assert.Empty(t, result.Errors)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", filepath.Join("testdata", "invalid.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with 2 error(s)")

	var result ValidationResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	assert.False(t, result.Valid)

	var codes []string
	for _, e := range result.Errors {
		codes = append(codes, e.Code)
		assert.Contains(t, e.Source, "testdata/invalid.yaml:")
	}
	assert.ElementsMatch(t, []string{"E106", "E107"}, codes)
}

func TestValidate_Text(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join("testdata", "invalid.yaml"))
	require.Error(t, err)
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "E106: query.Member.findOlder")
	assert.Contains(t, out, "E107: query.Member.findLocked.lock")
}

func TestValidate_UnknownProperty(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", filepath.Join("testdata", "unknown_property.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	decodeData(t, out, &result)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "SPEC_PROPERTY", result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "Member.findByNickname")
}

func TestValidate_MissingPath(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join("testdata", "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "validate")
	assert.Error(t, err)
}
