package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/compiler"
	"github.com/roach88/entityctx/internal/config"
	"github.com/roach88/entityctx/internal/membership"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/repository"
	"github.com/roach88/entityctx/internal/schema"
)

// Error code constants - unified across all CLI commands. Declaration
// validation codes (E100-E199) come from the compiler package.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No declaration files found
	ErrCodeSyntax      = "E004" // Malformed declaration file
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeConfig      = "E006" // Configuration invalid
	ErrCodeWriteFailed = "E007" // File write error
)

// LoadError represents an error that occurred while reading declarations.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadDeclarations reads the declaration file or directory at path.
func LoadDeclarations(path string) (*compiler.Declarations, int, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("declarations not found: %s", path), Err: err}
	}
	if err != nil {
		return nil, 0, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing declarations: %v", err), Err: err}
	}

	files := []string{path}
	if info.IsDir() {
		if files, err = compiler.FindFiles(path); err != nil {
			return nil, 0, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err), Err: err}
		}
		if len(files) == 0 {
			return nil, 0, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no declaration files found in %s", path)}
		}
	}

	all := &compiler.Declarations{}
	for _, f := range files {
		d, err := compiler.LoadFile(f)
		if err != nil {
			var ce *compiler.CompileError
			if errors.As(err, &ce) {
				return nil, 0, err
			}
			return nil, 0, &LoadError{Code: ErrCodeSyntax, Message: err.Error(), Err: err}
		}
		all.Merge(d)
	}
	return all, len(files), nil
}

// environment is the configured engine the commands work against: the
// membership schema and a query registry for the configured dialect.
type environment struct {
	cfg      *config.Config
	schema   *schema.Registry
	registry *repository.Registry
}

// newEnvironment loads the configuration named by opts. driver, when set,
// overrides the configured store driver.
func newEnvironment(opts *RootOptions, driver string) (*environment, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeConfig, Message: err.Error(), Err: err}
	}
	if driver != "" {
		cfg.Store.Driver = driver
	}
	dialect, err := querysql.DialectFor(cfg.Store.Driver)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeConfig, Message: err.Error(), Err: err}
	}
	reg, err := membership.NewSchema(audit.SystemClock{})
	if err != nil {
		return nil, err
	}
	comp := querysql.NewCompiler(dialect, reg, cfg.CompilerOptions()...)
	ropts := append(cfg.RepositoryOptions(), repository.WithCompiler(comp))
	return &environment{
		cfg:      cfg,
		schema:   reg,
		registry: repository.NewRegistry(reg, dialect, ropts...),
	}, nil
}
