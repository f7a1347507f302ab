package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/entityctx/internal/compiler"
	"github.com/roach88/entityctx/internal/membership"
	"github.com/roach88/entityctx/internal/repository"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output  string // output file path
	Dialect string // driver name overriding the configured one
}

// CompiledQuery is one query definition and the SQL it compiles to.
type CompiledQuery struct {
	Name     string `json:"name"`
	Source   string `json:"source,omitempty"`
	SQL      string `json:"sql"`
	CountSQL string `json:"count_sql,omitempty"`
	Bulk     bool   `json:"bulk,omitempty"`
}

// CompilationResult holds the compiled queries of one declaration set.
type CompilationResult struct {
	Dialect string          `json:"dialect"`
	Graphs  []string        `json:"graphs,omitempty"`
	Queries []CompiledQuery `json:"queries"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [declarations]",
		Short: "Print the SQL of declared queries",
		Long: `Compile query and entity-graph declarations (a .cue/.yaml file or a
directory of them) against the membership schema and print the SQL of every
query, with its derived count query.

Without an argument the built-in member repository is compiled.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runCompile(opts, path, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the result as JSON to this file")
	cmd.Flags().StringVar(&opts.Dialect, "dialect", "", "target driver: sqlite3, sqlite, mysql or postgres (default from config)")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	env, err := newEnvironment(opts.RootOptions, opts.Dialect)
	if err != nil {
		return outputCommandError(formatter, err)
	}

	var result *CompilationResult
	if path == "" {
		result, err = compileBuiltin(env)
	} else {
		result, err = compileDeclarations(env, path, formatter)
	}
	if err != nil {
		return outputCommandError(formatter, err)
	}

	if opts.Output != "" {
		if err := writeResult(result, opts.Output); err != nil {
			return outputCommandError(formatter, &LoadError{Code: ErrCodeWriteFailed, Message: fmt.Sprintf("writing output file: %v", err), Err: err})
		}
	}
	return outputCompileSuccess(formatter, result, opts.Output)
}

func compileDeclarations(env *environment, path string, formatter *OutputFormatter) (*CompilationResult, error) {
	decls, files, err := LoadDeclarations(path)
	if err != nil {
		return nil, err
	}
	formatter.VerboseLog("Found %d declaration file(s) in %s", files, path)

	if errs := compiler.Validate(decls); len(errs) > 0 {
		return nil, errs[0]
	}
	defs, err := decls.Apply(env.registry)
	if err != nil {
		return nil, err
	}

	result := &CompilationResult{Dialect: env.cfg.Store.Driver}
	for _, g := range decls.Graphs {
		result.Graphs = append(result.Graphs, g.Name)
	}
	for i, def := range defs {
		formatter.VerboseLog("Compiled query: %s", def.Qualified())
		q := compiledQuery(def)
		q.Source = sourceString(decls.Queries[i].Source)
		result.Queries = append(result.Queries, q)
	}
	return result, nil
}

func compileBuiltin(env *environment) (*CompilationResult, error) {
	members, err := membership.NewMemberRepository(env.registry)
	if err != nil {
		return nil, err
	}
	result := &CompilationResult{Dialect: env.cfg.Store.Driver, Graphs: env.registry.Graphs().Names()}
	for _, def := range members.Queries() {
		result.Queries = append(result.Queries, compiledQuery(def))
	}
	return result, nil
}

func compiledQuery(def *repository.Definition) CompiledQuery {
	q := CompiledQuery{
		Name: def.Qualified(),
		SQL:  def.Statement().String(),
		Bulk: def.Bulk(),
	}
	if c := def.CountStatement(); c != nil {
		q.CountSQL = c.String()
	}
	return q
}

func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d query(ies) for %s\n\n", len(result.Queries), result.Dialect)
	for _, q := range result.Queries {
		if q.Source != "" {
			fmt.Fprintf(w, "%s (%s)\n", q.Name, q.Source)
		} else {
			fmt.Fprintln(w, q.Name)
		}
		fmt.Fprintf(w, "  %s\n", q.SQL)
		if q.CountSQL != "" {
			fmt.Fprintf(w, "  count: %s\n", q.CountSQL)
		}
		fmt.Fprintln(w)
	}
	if outputFile != "" {
		fmt.Fprintf(w, "Wrote compiled queries to %s\n", outputFile)
	}
	return nil
}

// outputCommandError reports err and maps it to an exit code: problems in
// the declarations are failures, everything else is a command error.
func outputCommandError(formatter *OutputFormatter, err error) error {
	e := describeError(err)
	if formatter.Format == "json" {
		_ = formatter.Errors(e.Message, []CLIError{e})
	} else {
		if e.Source != "" {
			fmt.Fprintln(formatter.Writer, e.Source)
		}
		_ = formatter.Error(e.Code, e.Message, nil)
	}
	code := ExitCommandError
	var ae *compiler.ApplyError
	var ve compiler.ValidationError
	if errors.As(err, &ae) || errors.As(err, &ve) {
		code = ExitFailure
	}
	return WrapExitError(code, fmt.Sprintf("%s: %s", e.Code, e.Message), nil)
}

func writeResult(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
