// Package compiler loads query declarations from CUE and YAML files and
// applies them to a query registry at startup.
//
// A declaration file has three optional top-level sections:
//
//	graph: "Member.withTeam": {entity: "Member", paths: ["team"]}
//
//	named: Member: byName: "select m from Member m where m.username = :username"
//
//	query: Member: {
//		findByUsername: {}
//		findOlder: {query: "select m from Member m where m.age > :age", readOnly: true}
//		bulkAgePlus: {query: "update Member m set m.age = m.age + 1 where m.age >= :age", clear: true}
//	}
//
// The YAML form uses the same keys. Declarations are applied in section
// order (graphs, named queries, queries) and, within a section, in file
// order.
package compiler

import (
	"fmt"
	"log/slog"

	"github.com/roach88/entityctx/internal/fetch"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/repository"
)

// Source locates a declaration in its file.
type Source struct {
	File   string
	Line   int
	Column int
}

func (s Source) String() string {
	switch {
	case s.File == "":
		return "<input>"
	case s.Line == 0:
		return s.File
	default:
		return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column)
	}
}

// GraphDecl declares a named entity graph.
type GraphDecl struct {
	Name   string
	Entity string
	Paths  []string
	Source Source
}

// NamedDecl declares a named query string.
type NamedDecl struct {
	Entity string
	Name   string
	Query  string
	Source Source
}

// QueryDecl declares one repository query.
type QueryDecl struct {
	Entity   string
	Name     string
	Query    string
	Named    string
	Count    string
	Graph    string
	Fetch    []string
	ReadOnly bool
	Lock     string
	Clear    bool
	Source   Source
}

// Spec converts the declaration to a repository spec.
func (q QueryDecl) Spec() (repository.Spec, error) {
	lock, err := ParseLock(q.Lock)
	if err != nil {
		return repository.Spec{}, err
	}
	return repository.Spec{
		Entity:             q.Entity,
		Name:               q.Name,
		Query:              q.Query,
		Named:              q.Named,
		CountQuery:         q.Count,
		Graph:              q.Graph,
		Fetch:              q.Fetch,
		ReadOnly:           q.ReadOnly,
		Lock:               lock,
		ClearAutomatically: q.Clear,
	}, nil
}

// ParseLock maps a lock hint name to its mode. The empty string and "none"
// mean no lock.
func ParseLock(s string) (queryir.LockMode, error) {
	switch s {
	case "", "none":
		return queryir.LockNone, nil
	case "write":
		return queryir.LockWrite, nil
	case "read":
		return queryir.LockRead, nil
	default:
		return queryir.LockNone, fmt.Errorf("unknown lock mode %q (want write, read or none)", s)
	}
}

// Declarations is the content of one or more declaration files.
type Declarations struct {
	Graphs  []GraphDecl
	Named   []NamedDecl
	Queries []QueryDecl
}

// Merge appends other's declarations.
func (d *Declarations) Merge(other *Declarations) {
	d.Graphs = append(d.Graphs, other.Graphs...)
	d.Named = append(d.Named, other.Named...)
	d.Queries = append(d.Queries, other.Queries...)
}

// Len returns the number of declarations.
func (d *Declarations) Len() int {
	return len(d.Graphs) + len(d.Named) + len(d.Queries)
}

// ApplyError reports the declaration that failed to register. The
// underlying error, usually a *faults.Error, is reachable with errors.As.
type ApplyError struct {
	Kind   string
	Name   string
	Source Source
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Source, e.Kind, e.Name, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Apply registers every declaration with reg and returns the definitions of
// the declared queries, in declaration order. It stops at the first
// failure.
func (d *Declarations) Apply(reg *repository.Registry) ([]*repository.Definition, error) {
	for _, g := range d.Graphs {
		if err := reg.Graphs().Register(g.graph()); err != nil {
			return nil, &ApplyError{Kind: "graph", Name: g.Name, Source: g.Source, Err: err}
		}
	}
	for _, n := range d.Named {
		if err := reg.RegisterNamed(n.Entity, n.Name, n.Query); err != nil {
			return nil, &ApplyError{Kind: "named query", Name: n.Entity + "." + n.Name, Source: n.Source, Err: err}
		}
	}
	defs := make([]*repository.Definition, 0, len(d.Queries))
	for _, q := range d.Queries {
		spec, err := q.Spec()
		if err == nil {
			var def *repository.Definition
			if def, err = reg.Declare(spec); err == nil {
				defs = append(defs, def)
				continue
			}
		}
		return nil, &ApplyError{Kind: "query", Name: q.Entity + "." + q.Name, Source: q.Source, Err: err}
	}
	slog.Info("declarations applied", "graphs", len(d.Graphs), "named", len(d.Named), "queries", len(defs))
	return defs, nil
}

func (g GraphDecl) graph() fetch.Graph {
	return fetch.Graph{Name: g.Name, Entity: g.Entity, Paths: g.Paths}
}
