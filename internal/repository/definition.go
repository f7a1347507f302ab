package repository

import (
	"github.com/roach88/entityctx/internal/derive"
	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/page"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/schema"
)

// Spec declares one query of an entity.
//
// The query comes from exactly one source: Query (an explicit query string),
// Named (a named query registered with RegisterNamed), or Name itself, which
// is derived as a method name unless a named query "<Entity>.<Name>" exists.
type Spec struct {
	// Entity is the root entity. Define fills it in from the result type.
	Entity string

	// Name identifies the query, and is the method name to derive when
	// neither Query nor Named is set.
	Name string

	Query string
	Named string

	// CountQuery replaces the derived COUNT query of Page and ProjectPage.
	CountQuery string

	// Graph and Fetch are eager-fetch directives: a named entity graph and
	// ad-hoc association paths, merged into fetch joins.
	Graph string
	Fetch []string

	// ReadOnly excludes loaded entities from dirty checking.
	ReadOnly bool

	// Lock adds a pessimistic lock clause where the dialect supports one.
	Lock queryir.LockMode

	// ClearAutomatically clears the session after a bulk update or delete.
	ClearAutomatically bool
}

// Definition is a derived, validated and compiled query.
type Definition struct {
	spec   Spec
	entity *schema.Entity
	query  queryir.Query
	params map[string]bool
	clear  bool

	stmt   *querysql.Statement
	window *querysql.Statement // pageable selects only
	count  *querysql.Statement // pageable selects only
}

// Spec returns the declaration.
func (d *Definition) Spec() Spec {
	return d.spec
}

// Qualified returns "<Entity>.<Name>".
func (d *Definition) Qualified() string {
	return d.spec.Entity + "." + d.spec.Name
}

// Query returns the intermediate representation, after fetch planning.
func (d *Definition) Query() queryir.Query {
	return d.query
}

// Statement returns the compiled statement.
func (d *Definition) Statement() *querysql.Statement {
	return d.stmt
}

// CountStatement returns the count statement used by paging, or nil when
// the query cannot be paged.
func (d *Definition) CountStatement() *querysql.Statement {
	return d.count
}

// Bulk reports whether the query is a bulk update or delete.
func (d *Definition) Bulk() bool {
	return d.stmt.Kind == querysql.KindUpdate || d.stmt.Kind == querysql.KindDelete
}

func (r *Registry) prepare(spec Spec) (*Definition, error) {
	e, ok := r.schema.Entity(spec.Entity)
	if !ok {
		return nil, faults.New(faults.CodeSpecEntity, "unknown entity %q", spec.Entity).WithQuery(spec.Name)
	}
	if spec.Name == "" {
		return nil, faults.New(faults.CodeSpecQuery, "query of %s has no name", e.Name)
	}
	d := &Definition{spec: spec, entity: e, clear: spec.ClearAutomatically || r.autoClear}

	q, err := r.resolve(spec, e)
	if err != nil {
		return nil, withQuery(err, d.Qualified())
	}
	if err := r.compile(d, q); err != nil {
		return nil, withQuery(err, d.Qualified())
	}

	d.params = map[string]bool{}
	for _, p := range queryir.Params(d.query) {
		d.params[p] = true
	}
	if d.count != nil {
		for _, p := range d.count.Params() {
			d.params[p] = true
		}
	}
	return d, nil
}

func (r *Registry) resolve(spec Spec, e *schema.Entity) (queryir.Query, error) {
	var (
		q   queryir.Query
		err error
	)
	switch {
	case spec.Query != "" && spec.Named != "":
		return nil, faults.New(faults.CodeSpecQuery, "a query string and a named query are mutually exclusive")
	case spec.Query != "":
		q, err = derive.Parse(r.schema, spec.Query)
	case spec.Named != "":
		var ok bool
		if q, ok = r.named.Load(spec.Named); !ok {
			return nil, faults.New(faults.CodeSpecNamedQuery, "named query %q is not registered", spec.Named)
		}
	default:
		if named, ok := r.named.Load(e.Name + "." + spec.Name); ok {
			q = named
		} else {
			q, err = derive.Method(r.schema, e.Name, spec.Name)
		}
	}
	if err != nil {
		return nil, err
	}
	if q.Root().Entity != e.Name {
		return nil, faults.New(faults.CodeSpecQuery, "query selects from %s, declared for %s", q.Root().Entity, e.Name)
	}
	return q, nil
}

func (r *Registry) compile(d *Definition, q queryir.Query) error {
	spec := d.spec
	sel, isSelect := q.(queryir.Select)
	if !isSelect {
		switch {
		case spec.Graph != "" || len(spec.Fetch) > 0:
			return faults.New(faults.CodeSpecModifying, "fetch directives do not apply to bulk statements")
		case spec.ReadOnly || spec.Lock != queryir.LockNone || spec.CountQuery != "":
			return faults.New(faults.CodeSpecModifying, "query hints do not apply to bulk statements")
		}
		stmt, err := r.compiler.Compile(q)
		if err != nil {
			return err
		}
		d.query, d.stmt = q, stmt
		return nil
	}

	if spec.ClearAutomatically {
		return faults.New(faults.CodeSpecModifying, "ClearAutomatically applies to bulk statements only")
	}
	if spec.Lock != queryir.LockNone {
		sel.Lock = spec.Lock
	}
	sel, err := r.planner.Plan(sel, spec.Graph, spec.Fetch)
	if err != nil {
		return err
	}
	if err := queryir.Validate(r.schema, sel); err != nil {
		return err
	}
	if d.stmt, err = r.compiler.Compile(sel); err != nil {
		return err
	}
	if d.stmt.Shape == querysql.ShapeEntity && d.stmt.Entities[0].Entity != d.entity {
		return faults.New(faults.CodeSpecQuery, "query returns %s, declared for %s", d.stmt.Entities[0].Entity.Name, d.entity.Name)
	}
	d.query = sel

	switch d.stmt.Shape {
	case querysql.ShapeEntity, querysql.ShapeScalar, querysql.ShapeConstructor:
	default:
		if spec.CountQuery != "" {
			return faults.New(faults.CodeSpecQuery, "count query given for a query that cannot be paged")
		}
		return nil
	}
	if d.window, err = r.compiler.CompileWindow(sel); err != nil {
		return err
	}
	d.count, err = r.countStatement(spec, sel)
	return err
}

func (r *Registry) countStatement(spec Spec, sel queryir.Select) (*querysql.Statement, error) {
	if spec.CountQuery == "" {
		return r.compiler.CompileCount(sel)
	}
	q, err := derive.Parse(r.schema, spec.CountQuery)
	if err != nil {
		return nil, err
	}
	cs, ok := q.(queryir.Select)
	if !ok {
		return nil, faults.New(faults.CodeSpecQuery, "count query must be a select")
	}
	if _, ok := cs.Projection.(queryir.CountProjection); !ok {
		return nil, faults.New(faults.CodeSpecQuery, "count query must select count(...)")
	}
	return r.compiler.Compile(cs)
}

// windowFor returns the window statement, re-sorted when the page request
// carries an ordering. Request orders follow the query's own ORDER BY.
func (d *Definition) windowFor(c *querysql.Compiler, sort []page.Order) (*querysql.Statement, error) {
	if len(sort) == 0 {
		return d.window, nil
	}
	sel := d.query.(queryir.Select)
	orders := append([]queryir.Order(nil), sel.OrderBy...)
	for _, o := range sort {
		if _, ok := d.entity.Property(o.Property); !ok {
			return nil, faults.New(faults.CodeInvalidSort, "%s has no property %q to sort by", d.entity.Name, o.Property)
		}
		orders = append(orders, queryir.Order{
			Path:      queryir.Path{Alias: sel.From.Alias, Property: o.Property},
			Direction: o.Direction,
		})
	}
	sel.OrderBy = orders
	return c.CompileWindow(sel)
}

func (d *Definition) checkParams(params Params) error {
	for name := range params {
		if !d.params[name] {
			return faults.New(faults.CodeParamUnknown, "parameter %q is not used by the query", name).WithQuery(d.Qualified())
		}
	}
	return nil
}

func (d *Definition) expect(op string, shapes ...querysql.Shape) error {
	for _, s := range shapes {
		if d.stmt.Shape == s {
			return nil
		}
	}
	return faults.New(faults.CodeSpecQuery, "%s cannot run a query of this shape", op).WithQuery(d.Qualified())
}
