package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/entityctx/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool       `json:"valid"`
	Queries int        `json:"queries"`
	Errors  []CLIError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <declarations>",
		Short: "Check declarations without printing SQL",
		Long: `Check query and entity-graph declarations.

Names, duplicates and option combinations are checked first and every problem
is reported. When those pass, the declarations are registered against the
membership schema, which checks entities, properties, method names and query
text; registration stops at the first problem.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	decls, files, err := LoadDeclarations(path)
	if err != nil {
		return outputCommandError(formatter, err)
	}
	formatter.VerboseLog("Found %d declaration file(s) in %s", files, path)

	result := ValidationResult{Queries: len(decls.Queries)}
	for _, e := range compiler.Validate(decls) {
		result.Errors = append(result.Errors, describeError(e))
	}
	if len(result.Errors) == 0 {
		env, err := newEnvironment(opts, "")
		if err != nil {
			return outputCommandError(formatter, err)
		}
		if _, err := decls.Apply(env.registry); err != nil {
			result.Errors = append(result.Errors, describeError(err))
		}
	}

	if len(result.Errors) > 0 {
		return outputValidationErrors(formatter, result)
	}
	result.Valid = true
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ All declarations valid (%d query(ies))\n", result.Queries)
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		if err := formatter.encode(CLIResponse{Status: "error", Data: result, Error: &result.Errors[0]}); err != nil {
			return err
		}
	} else {
		_ = formatter.Errors("Validation failed", result.Errors)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}
