package querysql

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/viccon/sturdyc"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/schema"
)

// Compiler compiles the intermediate representation to parameterized SQL for
// one dialect.
//
// CRITICAL: All values are parameterized (never interpolated). Literals from
// query strings become arguments too.
//
// Compiled statements are cached by a hash of the query, so repeated
// executions of a query (and of the same dynamic variant, such as one page
// ordering) compile once.
type Compiler struct {
	dialect Dialect
	reg     *schema.Registry
	cache   *sturdyc.Client[*Statement]
}

type options struct {
	capacity int
	shards   int
	ttl      time.Duration
}

// Option configures a Compiler.
type Option func(*options)

// WithCache sizes the compiled-statement cache.
func WithCache(capacity int, ttl time.Duration) Option {
	return func(o *options) {
		if capacity > 0 {
			o.capacity = capacity
		}
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// NewCompiler creates a compiler for dialect over the schema registry.
func NewCompiler(dialect Dialect, reg *schema.Registry, opts ...Option) *Compiler {
	o := options{capacity: 1024, shards: 8, ttl: time.Hour}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity < o.shards {
		o.shards = 1
	}
	return &Compiler{
		dialect: dialect,
		reg:     reg,
		cache:   sturdyc.New[*Statement](o.capacity, o.shards, o.ttl, 10),
	}
}

// Dialect returns the dialect the compiler targets.
func (c *Compiler) Dialect() Dialect {
	return c.dialect
}

// Registry returns the schema registry the compiler resolves names against.
func (c *Compiler) Registry() *schema.Registry {
	return c.reg
}

// CacheSize returns the number of cached statements.
func (c *Compiler) CacheSize() int {
	return c.cache.Size()
}

type variant string

const (
	variantPlain  variant = "plain"
	variantWindow variant = "window"
	variantCount  variant = "count"
)

func (c *Compiler) cached(v variant, subject any, build func() (*Statement, error)) (*Statement, error) {
	key := strconv.FormatUint(xxhash.Sum64String(fmt.Sprintf("%s|%s|%#v", c.dialect.Name, v, subject)), 16)
	hit := true
	stmt, err := c.cache.GetOrFetch(context.Background(), key, func(context.Context) (*Statement, error) {
		hit = false
		return build()
	})
	if err != nil {
		return nil, err
	}
	if !hit {
		slog.Debug("compiled statement", "dialect", c.dialect.Name, "variant", string(v), "sql", stmt.String())
	}
	return stmt, nil
}

// Compile converts a query to a statement template.
func (c *Compiler) Compile(q queryir.Query) (*Statement, error) {
	if q == nil {
		return nil, fmt.Errorf("cannot compile nil query")
	}
	return c.cached(variantPlain, q, func() (*Statement, error) {
		switch query := q.(type) {
		case queryir.Select:
			return c.compileSelect(query, false)
		case queryir.Update:
			return c.compileUpdate(query)
		case queryir.Delete:
			return c.compileDelete(query)
		default:
			return nil, fmt.Errorf("unsupported query type: %T", q)
		}
	})
}

// CompileWindow compiles a select that takes a LIMIT/OFFSET window at bind
// time. Entity selects are ordered by the root identity after the declared
// ordering, so consecutive windows never overlap or skip rows.
func (c *Compiler) CompileWindow(sel queryir.Select) (*Statement, error) {
	return c.cached(variantWindow, sel, func() (*Statement, error) {
		return c.compileSelect(sel, true)
	})
}

// CompileCount compiles the count query derived from sel (see CountQuery).
// A distinct scalar or constructor projection counts its distinct rows
// through a subquery, since they need not map one to one to root entities.
func (c *Compiler) CompileCount(sel queryir.Select) (*Statement, error) {
	return c.cached(variantCount, sel, func() (*Statement, error) {
		if _, entity := sel.Projection.(queryir.EntityProjection); sel.Distinct && !entity {
			return c.compileDistinctCount(sel)
		}
		return c.compileSelect(CountQuery(sel), false)
	})
}

func (c *Compiler) compileDistinctCount(sel queryir.Select) (*Statement, error) {
	sel.OrderBy, sel.Limit, sel.Lock = nil, 0, queryir.LockNone
	inner, err := c.compileSelect(sel, false)
	if err != nil {
		return nil, err
	}
	segments := make([]segment, 0, len(inner.segments)+2)
	segments = append(segments, segment{text: "SELECT COUNT(*) FROM ("})
	segments = append(segments, inner.segments...)
	segments = append(segments, segment{text: ") distinct_rows"})
	return &Statement{
		Kind:     KindSelect,
		Shape:    ShapeCount,
		Width:    1,
		dialect:  inner.dialect,
		segments: segments,
	}, nil
}

// CountQuery derives a COUNT query over the same predicate and joins as sel.
// Ordering, locking and row caps are dropped. Fetch joins only load data, so
// they become plain joins, and left fetch joins the predicate does not
// reference are removed: a to-one left join never changes the row count.
func CountQuery(sel queryir.Select) queryir.Select {
	referenced := map[string]bool{}
	collectAliases(sel.Where, referenced)

	kept := make([]queryir.Join, 0, len(sel.Joins))
	for i := len(sel.Joins) - 1; i >= 0; i-- {
		j := sel.Joins[i]
		if j.Fetch && j.Kind == queryir.LeftJoin && !referenced[j.Alias] {
			continue
		}
		j.Fetch = false
		referenced[j.Path.Alias] = true
		kept = append([]queryir.Join{j}, kept...)
	}

	count := queryir.CountProjection{Path: queryir.Path{Alias: sel.From.Alias}, Distinct: sel.Distinct}
	if ep, ok := sel.Projection.(queryir.EntityProjection); ok {
		count.Path.Alias = ep.Alias
	}
	return queryir.Select{
		From:       sel.From,
		Projection: count,
		Joins:      kept,
		Where:      sel.Where,
	}
}

func collectAliases(p queryir.Predicate, into map[string]bool) {
	var operand func(o queryir.Operand)
	operand = func(o queryir.Operand) {
		switch op := o.(type) {
		case queryir.Path:
			into[op.Alias] = true
		case queryir.Arith:
			operand(op.Left)
			operand(op.Right)
		}
	}
	switch pred := p.(type) {
	case queryir.Compare:
		operand(pred.Left)
		operand(pred.Right)
	case queryir.In:
		operand(pred.Operand)
	case queryir.IsNull:
		operand(pred.Operand)
	case queryir.Like:
		operand(pred.Operand)
		operand(pred.Pattern)
	case queryir.Between:
		operand(pred.Operand)
		operand(pred.Low)
		operand(pred.High)
	case queryir.And:
		for _, sub := range pred.Predicates {
			collectAliases(sub, into)
		}
	case queryir.Or:
		for _, sub := range pred.Predicates {
			collectAliases(sub, into)
		}
	case queryir.Not:
		collectAliases(pred.Predicate, into)
	}
}

// builder accumulates SQL text and argument slots.
type builder struct {
	c       *Compiler
	scope   *queryir.Scope
	aliases map[string]string // IR alias → SQL alias
	qualify bool

	buf      strings.Builder
	segments []segment
}

func (c *Compiler) newBuilder(q queryir.Query, qualify bool) (*builder, error) {
	scope, err := queryir.NewScope(c.reg, q)
	if err != nil {
		return nil, err
	}
	b := &builder{c: c, scope: scope, aliases: map[string]string{}, qualify: qualify}
	for i, alias := range scope.Aliases() {
		b.aliases[alias] = "t" + strconv.Itoa(i)
	}
	return b, nil
}

func (b *builder) write(parts ...string) {
	for _, p := range parts {
		b.buf.WriteString(p)
	}
}

func (b *builder) slot(a *arg) {
	b.segments = append(b.segments, segment{text: b.buf.String(), arg: a})
	b.buf.Reset()
}

func (b *builder) finish(kind Kind) *Statement {
	if b.buf.Len() > 0 {
		b.segments = append(b.segments, segment{text: b.buf.String()})
	}
	return &Statement{Kind: kind, dialect: b.c.dialect, segments: b.segments}
}

func (b *builder) column(alias, column string) string {
	if !b.qualify {
		return column
	}
	return b.aliases[alias] + "." + column
}

func (b *builder) path(p queryir.Path) (string, error) {
	_, prop, err := b.scope.Resolve(p)
	if err != nil {
		return "", err
	}
	return b.column(p.Alias, prop.Column), nil
}

func (b *builder) entityColumns(alias string, e *schema.Entity) []string {
	cols := e.Columns()
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = b.column(alias, col)
	}
	return out
}

func (c *Compiler) compileSelect(sel queryir.Select, window bool) (*Statement, error) {
	b, err := c.newBuilder(sel, true)
	if err != nil {
		return nil, err
	}
	root, _ := b.scope.Entity(sel.From.Alias)

	b.write("SELECT ")
	if sel.Distinct {
		b.write("DISTINCT ")
	}
	stmt := &Statement{}
	if err := b.projection(sel, stmt); err != nil {
		return nil, err
	}

	b.write(" FROM ", root.Table, " ", b.aliases[sel.From.Alias])
	for _, j := range sel.Joins {
		owner, _ := b.scope.Entity(j.Path.Alias)
		target, _ := b.scope.Entity(j.Alias)
		assoc, _ := owner.Association(j.Path.Property)
		b.write(" ", j.Kind.String(), " JOIN ", target.Table, " ", b.aliases[j.Alias],
			" ON ", b.column(j.Path.Alias, assoc.Column), " = ", b.column(j.Alias, target.ID.Column))
	}

	if sel.Where != nil {
		b.write(" WHERE ")
		if err := b.predicate(sel.Where); err != nil {
			return nil, err
		}
	}

	orders := sel.OrderBy
	if window && stmt.Shape == ShapeEntity {
		orders = withTiebreaker(orders, sel.From.Alias, root)
	}
	if len(orders) > 0 {
		b.write(" ORDER BY ")
		for i, o := range orders {
			if i > 0 {
				b.write(", ")
			}
			col, err := b.path(o.Path)
			if err != nil {
				return nil, err
			}
			b.write(col, " ", o.Direction.String())
		}
	}

	switch {
	case window:
		b.write(" LIMIT ")
		b.slot(&arg{kind: argLimit})
		b.write(" OFFSET ")
		b.slot(&arg{kind: argOffset})
	case stmt.Shape == ShapeExists:
		b.write(" LIMIT 1")
	case sel.Limit > 0:
		b.write(" LIMIT ", strconv.Itoa(sel.Limit))
	}

	if c.dialect.Locking {
		switch sel.Lock {
		case queryir.LockWrite:
			b.write(" FOR UPDATE")
		case queryir.LockRead:
			b.write(" FOR SHARE")
		}
	}

	out := b.finish(KindSelect)
	out.Shape = stmt.Shape
	out.Entities = stmt.Entities
	out.Width = stmt.Width
	out.Constructor = stmt.Constructor
	out.window = window
	if window {
		out.limit = sel.Limit
	}
	return out, nil
}

func withTiebreaker(orders []queryir.Order, alias string, root *schema.Entity) []queryir.Order {
	for _, o := range orders {
		if o.Path.Alias == alias && o.Path.Property == root.ID.Name {
			return orders
		}
	}
	out := append([]queryir.Order(nil), orders...)
	return append(out, queryir.Order{Path: queryir.Path{Alias: alias, Property: root.ID.Name}})
}

func (b *builder) projection(sel queryir.Select, stmt *Statement) error {
	switch proj := sel.Projection.(type) {
	case queryir.EntityProjection:
		e, _ := b.scope.Entity(proj.Alias)
		cols := b.entityColumns(proj.Alias, e)
		stmt.Shape = ShapeEntity
		stmt.Entities = []EntityColumns{{Entity: e, Offset: 0, Owner: -1}}
		groups := map[string]int{proj.Alias: 0}
		for _, j := range sel.Joins {
			if !j.Fetch {
				continue
			}
			owner, ok := groups[j.Path.Alias]
			if !ok {
				return faults.New(faults.CodeSpecQuery, "fetch join %s is not reachable from the selected entity", j.Path)
			}
			ownerEntity := stmt.Entities[owner].Entity
			assoc, _ := ownerEntity.Association(j.Path.Property)
			target, _ := b.scope.Entity(j.Alias)
			groups[j.Alias] = len(stmt.Entities)
			stmt.Entities = append(stmt.Entities, EntityColumns{
				Entity:      target,
				Offset:      len(cols),
				Owner:       owner,
				Association: assoc,
			})
			cols = append(cols, b.entityColumns(j.Alias, target)...)
		}
		stmt.Width = len(cols)
		b.write(strings.Join(cols, ", "))

	case queryir.ScalarProjection:
		cols, err := b.paths(proj.Paths)
		if err != nil {
			return err
		}
		stmt.Shape = ShapeScalar
		stmt.Width = len(cols)
		b.write(strings.Join(cols, ", "))

	case queryir.ConstructorProjection:
		cols, err := b.paths(proj.Args)
		if err != nil {
			return err
		}
		stmt.Shape = ShapeConstructor
		stmt.Constructor = proj.Constructor
		stmt.Width = len(cols)
		b.write(strings.Join(cols, ", "))

	case queryir.CountProjection:
		stmt.Shape = ShapeCount
		stmt.Width = 1
		switch {
		case proj.Path.Property != "":
			col, err := b.path(proj.Path)
			if err != nil {
				return err
			}
			if proj.Distinct {
				b.write("COUNT(DISTINCT ", col, ")")
			} else {
				b.write("COUNT(", col, ")")
			}
		case proj.Distinct:
			e, ok := b.scope.Entity(proj.Path.Alias)
			if !ok {
				return faults.New(faults.CodeSpecQuery, "count: alias %q is not declared", proj.Path.Alias)
			}
			b.write("COUNT(DISTINCT ", b.column(proj.Path.Alias, e.ID.Column), ")")
		default:
			b.write("COUNT(*)")
		}

	case queryir.ExistsProjection:
		stmt.Shape = ShapeExists
		stmt.Width = 1
		b.write("1")

	default:
		return fmt.Errorf("unsupported projection: %T", sel.Projection)
	}
	return nil
}

func (b *builder) paths(paths []queryir.Path) ([]string, error) {
	cols := make([]string, len(paths))
	for i, p := range paths {
		col, err := b.path(p)
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return cols, nil
}

func (b *builder) predicate(p queryir.Predicate) error {
	switch pred := p.(type) {
	case queryir.Compare:
		if err := b.operand(pred.Left, queryir.LikeRaw, false); err != nil {
			return err
		}
		b.write(" ", string(pred.Op), " ")
		return b.operand(pred.Right, queryir.LikeRaw, false)

	case queryir.In:
		path, ok := pred.Operand.(queryir.Path)
		if !ok {
			return fmt.Errorf("IN requires a property path, got %T", pred.Operand)
		}
		col, err := b.path(path)
		if err != nil {
			return err
		}
		b.slot(&arg{kind: argIn, param: pred.List.Name, expr: col, negate: pred.Negate})
		return nil

	case queryir.IsNull:
		if err := b.operand(pred.Operand, queryir.LikeRaw, false); err != nil {
			return err
		}
		if pred.Negate {
			b.write(" IS NOT NULL")
		} else {
			b.write(" IS NULL")
		}
		return nil

	case queryir.Like:
		if err := b.operand(pred.Operand, queryir.LikeRaw, false); err != nil {
			return err
		}
		if pred.Negate {
			b.write(" NOT LIKE ")
		} else {
			b.write(" LIKE ")
		}
		if err := b.operand(pred.Pattern, pred.Mode, false); err != nil {
			return err
		}
		if pred.Mode != queryir.LikeRaw {
			b.write(" ESCAPE '", likeEscape, "'")
		}
		return nil

	case queryir.Between:
		if err := b.operand(pred.Operand, queryir.LikeRaw, false); err != nil {
			return err
		}
		b.write(" BETWEEN ")
		if err := b.operand(pred.Low, queryir.LikeRaw, false); err != nil {
			return err
		}
		b.write(" AND ")
		return b.operand(pred.High, queryir.LikeRaw, false)

	case queryir.And:
		if len(pred.Predicates) == 0 {
			b.write("1 = 1")
			return nil
		}
		for i, sub := range pred.Predicates {
			if i > 0 {
				b.write(" AND ")
			}
			if err := b.predicate(sub); err != nil {
				return err
			}
		}
		return nil

	case queryir.Or:
		if len(pred.Predicates) == 0 {
			b.write("1 = 0")
			return nil
		}
		b.write("(")
		for i, sub := range pred.Predicates {
			if i > 0 {
				b.write(" OR ")
			}
			if err := b.predicate(sub); err != nil {
				return err
			}
		}
		b.write(")")
		return nil

	case queryir.Not:
		b.write("NOT (")
		if err := b.predicate(pred.Predicate); err != nil {
			return err
		}
		b.write(")")
		return nil

	default:
		return fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (b *builder) operand(o queryir.Operand, like queryir.LikeMode, nested bool) error {
	switch op := o.(type) {
	case queryir.Path:
		col, err := b.path(op)
		if err != nil {
			return err
		}
		b.write(col)
	case queryir.Param:
		b.slot(&arg{kind: argParam, param: op.Name, like: like})
	case queryir.Literal:
		b.slot(&arg{kind: argLiteral, value: op.Value})
	case queryir.Arith:
		if nested {
			b.write("(")
		}
		if err := b.operand(op.Left, queryir.LikeRaw, true); err != nil {
			return err
		}
		b.write(" ", string(op.Op), " ")
		if err := b.operand(op.Right, queryir.LikeRaw, true); err != nil {
			return err
		}
		if nested {
			b.write(")")
		}
	default:
		return fmt.Errorf("unsupported operand type: %T", o)
	}
	return nil
}

func (c *Compiler) compileUpdate(u queryir.Update) (*Statement, error) {
	b, err := c.newBuilder(u, false)
	if err != nil {
		return nil, err
	}
	root, _ := b.scope.Entity(u.From.Alias)
	b.write("UPDATE ", root.Table, " SET ")
	for i, a := range u.Set {
		if i > 0 {
			b.write(", ")
		}
		prop, ok := root.Property(a.Property)
		if !ok {
			return nil, faults.New(faults.CodeSpecProperty, "update: %s has no property %q", root.Name, a.Property)
		}
		b.write(prop.Column, " = ")
		if err := b.operand(a.Value, queryir.LikeRaw, false); err != nil {
			return nil, err
		}
	}
	if u.Where != nil {
		b.write(" WHERE ")
		if err := b.predicate(u.Where); err != nil {
			return nil, err
		}
	}
	out := b.finish(KindUpdate)
	out.Shape = ShapeNone
	return out, nil
}

func (c *Compiler) compileDelete(d queryir.Delete) (*Statement, error) {
	b, err := c.newBuilder(d, false)
	if err != nil {
		return nil, err
	}
	root, _ := b.scope.Entity(d.From.Alias)
	b.write("DELETE FROM ", root.Table)
	if d.Where != nil {
		b.write(" WHERE ")
		if err := b.predicate(d.Where); err != nil {
			return nil, err
		}
	}
	out := b.finish(KindDelete)
	out.Shape = ShapeNone
	return out, nil
}
