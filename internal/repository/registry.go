// Package repository runs registered queries inside a unit of work.
//
// Queries are declared once, at startup, with Define: a method name to
// derive, an explicit query string, or a reference to a named query, plus
// fetch directives and hints. Every declaration is derived, validated and
// compiled when it is defined, so a broken declaration fails at startup and
// never at execution.
//
// Entity results go through the session's identity map. Scalar and
// constructor projections bypass it. Bulk update and delete statements
// bypass it too: entities already managed by the session are stale afterwards
// unless the query clears the session automatically.
package repository

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"

	"github.com/roach88/entityctx/internal/derive"
	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/fetch"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/schema"
)

var tracer = otel.Tracer("entityctx/repository")

// Registry holds the compiled queries and named queries of an application.
//
// Thread-safety: Registry is safe for concurrent use. Definitions are
// expected at startup; execution may run on many goroutines, each with its
// own session.
type Registry struct {
	schema    *schema.Registry
	compiler  *querysql.Compiler
	graphs    *fetch.Graphs
	planner   *fetch.Planner
	autoClear bool

	named   *xsync.MapOf[string, queryir.Query]
	queries *xsync.MapOf[string, *Definition]
}

// Option configures a Registry.
type Option func(*Registry)

// WithGraphs sets the named entity graphs queries may reference.
func WithGraphs(g *fetch.Graphs) Option {
	return func(r *Registry) {
		r.graphs = g
	}
}

// WithCompiler shares a statement compiler. Sessions given the same compiler
// (session.WithCompiler) reuse its statement cache.
func WithCompiler(c *querysql.Compiler) Option {
	return func(r *Registry) {
		r.compiler = c
	}
}

// WithAutoClear makes every bulk statement clear the session after it runs,
// as if each query set Spec.ClearAutomatically. Default: off.
func WithAutoClear(on bool) Option {
	return func(r *Registry) {
		r.autoClear = on
	}
}

// NewRegistry creates a registry compiling for dialect.
func NewRegistry(reg *schema.Registry, dialect querysql.Dialect, opts ...Option) *Registry {
	r := &Registry{
		schema:  reg,
		named:   xsync.NewMapOf[string, queryir.Query](),
		queries: xsync.NewMapOf[string, *Definition](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.compiler == nil {
		r.compiler = querysql.NewCompiler(dialect, reg)
	}
	if r.graphs == nil {
		r.graphs = fetch.NewGraphs()
	}
	r.planner = fetch.NewPlanner(reg, r.graphs)
	return r
}

// Schema returns the entity registry.
func (r *Registry) Schema() *schema.Registry {
	return r.schema
}

// Compiler returns the statement compiler.
func (r *Registry) Compiler() *querysql.Compiler {
	return r.compiler
}

// Graphs returns the named entity graphs.
func (r *Registry) Graphs() *fetch.Graphs {
	return r.graphs
}

// RegisterNamed parses a query string and stores it as the named query
// "<entity>.<name>". A Spec whose Name matches a named query of its entity
// uses it instead of deriving the name.
func (r *Registry) RegisterNamed(entity, name, text string) error {
	if _, ok := r.schema.Entity(entity); !ok {
		return faults.New(faults.CodeSpecEntity, "named query %s: unknown entity %q", name, entity)
	}
	q, err := derive.Parse(r.schema, text)
	if err != nil {
		return withQuery(err, entity+"."+name)
	}
	if q.Root().Entity != entity {
		return faults.New(faults.CodeSpecNamedQuery, "named query %s.%s selects from %s", entity, name, q.Root().Entity).
			WithQuery(entity + "." + name)
	}
	if _, loaded := r.named.LoadOrStore(entity+"."+name, q); loaded {
		return faults.New(faults.CodeSpecNamedQuery, "named query %s.%s already registered", entity, name)
	}
	return nil
}

// Named returns the named query "<entity>.<name>".
func (r *Registry) Named(qualified string) (queryir.Query, bool) {
	return r.named.Load(qualified)
}

// Lookup returns the definition registered by Define.
func (r *Registry) Lookup(entity, name string) (*Definition, bool) {
	return r.queries.Load(entity + "." + name)
}

// Definitions returns every query registered by Define, sorted by qualified
// name.
func (r *Registry) Definitions() []*Definition {
	var out []*Definition
	r.queries.Range(func(_ string, d *Definition) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Qualified() < out[j].Qualified()
	})
	return out
}

func withQuery(err error, name string) error {
	if fe, ok := err.(*faults.Error); ok && fe.Query == "" {
		return fe.WithQuery(name)
	}
	return err
}
