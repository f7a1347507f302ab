package compiler

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation error codes (E100-E199)
const (
	ErrInvalidName       = "E100" // entity, query or graph name is not an identifier
	ErrDuplicateGraph    = "E101" // graph declared twice
	ErrInvalidGraphPath  = "E102" // empty or malformed association path
	ErrDuplicateNamed    = "E103" // named query declared twice
	ErrEmptyQuery        = "E104" // named query or query string is blank
	ErrDuplicateQuery    = "E105" // query declared twice
	ErrConflictingSource = "E106" // both query and named are set
	ErrInvalidLock       = "E107" // lock is not write, read or none
	ErrConflictingHints  = "E108" // clear combined with select-only hints
	ErrInvalidReference  = "E109" // named reference is not "<Entity>.<name>"
)

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	pathPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	refPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidationError is a schema-independent problem in a declaration set.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Source  Source `json:"-"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Source.Line > 0 {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Source, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks declarations without a schema: names, duplicates and
// option combinations. It reports every problem found. Entity, property and
// query-text checks happen in Apply, against the registry.
func Validate(d *Declarations) []ValidationError {
	var errs []ValidationError
	add := func(src Source, field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code, Source: src})
	}

	graphs := map[string]bool{}
	for _, g := range d.Graphs {
		field := "graph." + g.Name
		if !pathPattern.MatchString(g.Name) {
			add(g.Source, field, ErrInvalidName, "invalid graph name %q", g.Name)
		}
		if !identPattern.MatchString(g.Entity) {
			add(g.Source, field+".entity", ErrInvalidName, "invalid entity name %q", g.Entity)
		}
		if graphs[g.Name] {
			add(g.Source, field, ErrDuplicateGraph, "graph %q declared twice", g.Name)
		}
		graphs[g.Name] = true
		errs = append(errs, validatePaths(g.Source, field+".paths", g.Paths)...)
	}

	named := map[string]bool{}
	for _, n := range d.Named {
		qualified := n.Entity + "." + n.Name
		field := "named." + qualified
		if !identPattern.MatchString(n.Entity) || !identPattern.MatchString(n.Name) {
			add(n.Source, field, ErrInvalidName, "invalid named query name %q", qualified)
		}
		if named[qualified] {
			add(n.Source, field, ErrDuplicateNamed, "named query %q declared twice", qualified)
		}
		named[qualified] = true
		if strings.TrimSpace(n.Query) == "" {
			add(n.Source, field, ErrEmptyQuery, "query string is empty")
		}
	}

	queries := map[string]bool{}
	for _, q := range d.Queries {
		qualified := q.Entity + "." + q.Name
		field := "query." + qualified
		if !identPattern.MatchString(q.Entity) || !identPattern.MatchString(q.Name) {
			add(q.Source, field, ErrInvalidName, "invalid query name %q", qualified)
		}
		if queries[qualified] {
			add(q.Source, field, ErrDuplicateQuery, "query %q declared twice", qualified)
		}
		queries[qualified] = true

		if q.Query != "" && q.Named != "" {
			add(q.Source, field, ErrConflictingSource, "query and named are mutually exclusive")
		}
		if q.Named != "" && !refPattern.MatchString(q.Named) {
			add(q.Source, field+".named", ErrInvalidReference, "named reference %q is not <Entity>.<name>", q.Named)
		}
		if _, err := ParseLock(q.Lock); err != nil {
			add(q.Source, field+".lock", ErrInvalidLock, "%v", err)
		}
		if q.Clear && (q.ReadOnly || q.Graph != "" || len(q.Fetch) > 0 || q.Count != "") {
			add(q.Source, field+".clear", ErrConflictingHints, "clear applies to bulk statements, which take no select hints")
		}
		errs = append(errs, validatePaths(q.Source, field+".fetch", q.Fetch)...)
	}
	return errs
}

func validatePaths(src Source, field string, paths []string) []ValidationError {
	var errs []ValidationError
	for i, p := range paths {
		if !pathPattern.MatchString(p) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: fmt.Sprintf("invalid association path %q", p),
				Code:    ErrInvalidGraphPath,
				Source:  src,
			})
		}
	}
	return errs
}
