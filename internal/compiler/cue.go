package compiler

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError reports a malformed declaration with its position.
type CompileError struct {
	Field   string
	Message string
	Source  Source
}

func (e *CompileError) Error() string {
	if e.Source.Line > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Source, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// queryKeys are the fields a query declaration may set.
var queryKeys = []string{"query", "named", "count", "graph", "fetch", "readOnly", "lock", "clear"}

type queryFields struct {
	Query    string   `json:"query"`
	Named    string   `json:"named"`
	Count    string   `json:"count"`
	Graph    string   `json:"graph"`
	Fetch    []string `json:"fetch"`
	ReadOnly bool     `json:"readOnly"`
	Lock     string   `json:"lock"`
	Clear    bool     `json:"clear"`
}

// ParseCUE compiles CUE source into declarations. filename is used in
// positions only.
func ParseCUE(src []byte, filename string) (*Declarations, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	return CompileCUE(v)
}

// CompileCUE extracts declarations from a CUE value.
//
//	v := cuecontext.New().CompileString(`query: Member: findByUsername: {}`)
//	decls, err := CompileCUE(v)
func CompileCUE(v cue.Value) (*Declarations, error) {
	if err := v.Validate(); err != nil {
		return nil, formatCUEError(err)
	}
	d := &Declarations{}

	if err := eachField(v, "graph", func(name string, gv cue.Value) error {
		g := GraphDecl{Name: name, Source: sourceOf(gv.Pos())}
		var err error
		if g.Entity, err = requiredString(gv, "entity", "graph."+name); err != nil {
			return err
		}
		pv := gv.LookupPath(cue.ParsePath("paths"))
		if !pv.Exists() {
			return &CompileError{Field: "graph." + name + ".paths", Message: "paths are required", Source: g.Source}
		}
		if err := pv.Decode(&g.Paths); err != nil {
			return formatCUEError(err)
		}
		d.Graphs = append(d.Graphs, g)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachEntity(v, "named", func(entity, name string, nv cue.Value) error {
		text, err := nv.String()
		if err != nil {
			return &CompileError{Field: "named." + entity + "." + name, Message: "must be a query string", Source: sourceOf(nv.Pos())}
		}
		d.Named = append(d.Named, NamedDecl{Entity: entity, Name: name, Query: text, Source: sourceOf(nv.Pos())})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachEntity(v, "query", func(entity, name string, qv cue.Value) error {
		field := "query." + entity + "." + name
		if qv.IncompleteKind() != cue.StructKind {
			return &CompileError{Field: field, Message: "must be a struct", Source: sourceOf(qv.Pos())}
		}
		iter, err := qv.Fields()
		if err != nil {
			return formatCUEError(err)
		}
		for iter.Next() {
			if !slices.Contains(queryKeys, iter.Label()) {
				return &CompileError{Field: field + "." + iter.Label(), Message: "unknown field", Source: sourceOf(iter.Value().Pos())}
			}
		}
		var f queryFields
		if err := qv.Decode(&f); err != nil {
			return formatCUEError(err)
		}
		d.Queries = append(d.Queries, f.decl(entity, name, sourceOf(qv.Pos())))
		return nil
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (f queryFields) decl(entity, name string, src Source) QueryDecl {
	return QueryDecl{
		Entity:   entity,
		Name:     name,
		Query:    f.Query,
		Named:    f.Named,
		Count:    f.Count,
		Graph:    f.Graph,
		Fetch:    f.Fetch,
		ReadOnly: f.ReadOnly,
		Lock:     f.Lock,
		Clear:    f.Clear,
		Source:   src,
	}
}

func eachField(v cue.Value, section string, fn func(name string, v cue.Value) error) error {
	sv := v.LookupPath(cue.ParsePath(section))
	if !sv.Exists() {
		return nil
	}
	iter, err := sv.Fields()
	if err != nil {
		return &CompileError{Field: section, Message: "must be a struct", Source: sourceOf(sv.Pos())}
	}
	for iter.Next() {
		if err := fn(iter.Label(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

// eachEntity walks a two-level section: entity name, then declaration name.
func eachEntity(v cue.Value, section string, fn func(entity, name string, v cue.Value) error) error {
	return eachField(v, section, func(entity string, ev cue.Value) error {
		iter, err := ev.Fields()
		if err != nil {
			return &CompileError{Field: section + "." + entity, Message: "must be a struct", Source: sourceOf(ev.Pos())}
		}
		for iter.Next() {
			if err := fn(entity, iter.Label(), iter.Value()); err != nil {
				return err
			}
		}
		return nil
	})
}

func requiredString(v cue.Value, key, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(key))
	if !fv.Exists() {
		return "", &CompileError{Field: field + "." + key, Message: key + " is required", Source: sourceOf(v.Pos())}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func sourceOf(pos token.Pos) Source {
	if !pos.IsValid() {
		return Source{}
	}
	return Source{File: pos.Filename(), Line: pos.Line(), Column: pos.Column()}
}

// formatCUEError keeps the first error of a CUE error list, with its
// position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	ce := &CompileError{Field: "cue", Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Source = sourceOf(positions[0])
	}
	return ce
}
