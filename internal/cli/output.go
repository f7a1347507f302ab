package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/entityctx/internal/compiler"
	"github.com/roach88/entityctx/internal/faults"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Declarations invalid, demo check failed
	ExitCommandError = 2 // Command error (missing path, bad config, store unreachable)
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose/diagnostic output, defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses. Code is a CLI code
// ("E005"), a declaration code ("E105") or an engine fault code
// ("SPEC_PROPERTY").
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Errors outputs several errors under a one-line text heading, or as one
// JSON response whose data lists them all.
func (f *OutputFormatter) Errors(heading string, errs []CLIError) error {
	if len(errs) == 0 {
		return nil
	}
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "error", Error: &errs[0], Data: errs})
	}
	fmt.Fprintln(f.Writer, "✗ "+heading)
	fmt.Fprintln(f.Writer)
	for _, e := range errs {
		if e.Source != "" {
			fmt.Fprintln(f.Writer, e.Source)
		}
		fmt.Fprintf(f.Writer, "  %s: %s\n\n", e.Code, e.Message)
	}
	return nil
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// VerboseLog outputs a message only if verbose mode is enabled. It writes to
// ErrWriter when set so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// describeError turns any command error into a CLIError, keeping the most
// specific code available.
func describeError(err error) CLIError {
	out := CLIError{Code: ErrCodeGeneric, Message: err.Error()}

	var loadErr *LoadError
	var compileErr *compiler.CompileError
	var applyErr *compiler.ApplyError
	var validationErr compiler.ValidationError
	switch {
	case errors.As(err, &loadErr):
		out.Code, out.Message = loadErr.Code, loadErr.Message
	case errors.As(err, &compileErr):
		out.Code, out.Message = ErrCodeSyntax, compileErr.Field+": "+compileErr.Message
		out.Source = sourceString(compileErr.Source)
	case errors.As(err, &applyErr):
		out.Message = applyErr.Name + ": " + applyErr.Err.Error()
		out.Source = sourceString(applyErr.Source)
		if code := faults.CodeOf(applyErr.Err); code != "" {
			out.Code = string(code)
		}
	case errors.As(err, &validationErr):
		out.Code, out.Message = validationErr.Code, validationErr.Field+": "+validationErr.Message
		out.Source = sourceString(validationErr.Source)
	default:
		if code := faults.CodeOf(err); code != "" {
			out.Code = string(code)
		}
	}
	return out
}

func sourceString(s compiler.Source) string {
	if s.Line == 0 {
		return ""
	}
	return s.String()
}
