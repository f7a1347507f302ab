package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/compiler"
	"github.com/roach88/entityctx/internal/faults"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("E001", "compilation failed", map[string]string{"file": "a.cue"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E001", resp.Error.Code)
	assert.Equal(t, "compilation failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, formatter.Success("All declarations valid"))
	assert.Contains(t, buf.String(), "All declarations valid")

	buf.Reset()
	require.NoError(t, formatter.Error("E001", "compilation failed", "hidden"))
	assert.Contains(t, buf.String(), "Error [E001]: compilation failed")
	assert.NotContains(t, buf.String(), "Details:")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("E001", "compilation failed", "shown"))
	assert.Contains(t, buf.String(), "Details: shown")
}

func TestOutputFormatter_Errors(t *testing.T) {
	errs := []CLIError{
		{Code: "E106", Message: "query.Member.a: both set", Source: "a.yaml:3:5"},
		{Code: "E107", Message: "query.Member.b: bad lock"},
	}

	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, formatter.Errors("Validation failed", errs))
	assert.Contains(t, buf.String(), "✗ Validation failed")
	assert.Contains(t, buf.String(), "a.yaml:3:5\n  E106: query.Member.a: both set")
	assert.Contains(t, buf.String(), "E107: query.Member.b: bad lock")

	buf.Reset()
	formatter.Format = "json"
	require.NoError(t, formatter.Errors("Validation failed", errs))
	var listed []CLIError
	resp := decodeData(t, buf.String(), &listed)
	assert.Equal(t, "E106", resp.Error.Code)
	assert.Equal(t, errs, listed)
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: tt.verbose}

			formatter.VerboseLog("Processing %s", "members.cue")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, diag.String(), "Processing members.cue")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestDescribeError(t *testing.T) {
	src := compiler.Source{File: "q.yaml", Line: 4, Column: 5}
	tests := []struct {
		name   string
		err    error
		code   string
		source string
	}{
		{"load", &LoadError{Code: ErrCodeNotFound, Message: "missing"}, ErrCodeNotFound, ""},
		{"syntax", &compiler.CompileError{Field: "query", Message: "must be a mapping", Source: src}, ErrCodeSyntax, "q.yaml:4:5"},
		{"apply", &compiler.ApplyError{Kind: "query", Name: "Member.findByNickname", Source: src, Err: faults.New(faults.CodeSpecProperty, "no property")}, "SPEC_PROPERTY", "q.yaml:4:5"},
		{"validation", compiler.ValidationError{Field: "query.Member.a", Code: compiler.ErrInvalidLock, Message: "bad"}, compiler.ErrInvalidLock, ""},
		{"fault", fmt.Errorf("open: %w", faults.New(faults.CodeStoreUnavailable, "down")), "STORE_UNAVAILABLE", ""},
		{"other", errors.New("boom"), ErrCodeGeneric, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describeError(tt.err)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.source, got.Source)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitFailure, "y", nil))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}
