package repository

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/page"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/session"
)

// Params binds named query parameters. A slice value binds an IN list.
type Params map[string]any

// Query is a defined query whose entity results are *T.
type Query[T any] struct {
	reg *Registry
	def *Definition
}

// Define derives, validates and compiles spec and registers it under
// "<Entity>.<Name>". T is the root entity type; spec.Entity may be left
// empty.
func Define[T any](r *Registry, spec Spec) (*Query[T], error) {
	q, err := prepare[T](r, spec)
	if err != nil {
		return nil, err
	}
	if err := r.store(q.def); err != nil {
		return nil, err
	}
	return q, nil
}

// Declare registers spec without binding a result type. Declarations loaded
// from files go through Declare; Bind returns their typed handles.
func (r *Registry) Declare(spec Spec) (*Definition, error) {
	d, err := r.prepare(spec)
	if err != nil {
		return nil, err
	}
	if err := r.store(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Bind returns the typed handle of a query registered by Define or Declare.
func Bind[T any](r *Registry, entity, name string) (*Query[T], error) {
	d, ok := r.Lookup(entity, name)
	if !ok {
		return nil, faults.New(faults.CodeSpecQuery, "query %s.%s is not declared", entity, name)
	}
	e, err := schema.EntityFor[T](r.schema)
	if err != nil {
		return nil, withQuery(err, d.Qualified())
	}
	if e != d.entity {
		return nil, faults.New(faults.CodeSpecEntity, "query declared for %s bound to %s", d.entity.Name, e.Name).
			WithQuery(d.Qualified())
	}
	return &Query[T]{reg: r, def: d}, nil
}

func (r *Registry) store(d *Definition) error {
	if _, loaded := r.queries.LoadOrStore(d.Qualified(), d); loaded {
		return faults.New(faults.CodeSpecQuery, "query %s is already defined", d.Qualified())
	}
	slog.Debug("query defined", "query", d.Qualified(), "sql", d.stmt.String())
	return nil
}

func prepare[T any](r *Registry, spec Spec) (*Query[T], error) {
	e, err := schema.EntityFor[T](r.schema)
	if err != nil {
		return nil, withQuery(err, spec.Name)
	}
	if spec.Entity == "" {
		spec.Entity = e.Name
	} else if spec.Entity != e.Name {
		return nil, faults.New(faults.CodeSpecEntity, "query declared for %s with result type %s", spec.Entity, e.Name).
			WithQuery(spec.Name)
	}
	d, err := r.prepare(spec)
	if err != nil {
		return nil, err
	}
	return &Query[T]{reg: r, def: d}, nil
}

// Definition returns the compiled definition.
func (q *Query[T]) Definition() *Definition {
	return q.def
}

// List returns every matching entity, in query order.
func (q *Query[T]) List(ctx context.Context, s *session.Session, params Params) (out []*T, err error) {
	ctx, span := q.start(ctx, "list")
	defer finish(span, &err)

	text, args, err := q.bind(ctx, s, "List", params, querysql.ShapeEntity)
	if err != nil {
		return nil, err
	}
	return q.load(ctx, s, q.def.stmt, text, args)
}

// One returns the single matching entity. Zero rows is not an error: ok is
// false. More than one row is a NON_UNIQUE_RESULT error.
func (q *Query[T]) One(ctx context.Context, s *session.Session, params Params) (_ *T, ok bool, err error) {
	ctx, span := q.start(ctx, "one")
	defer finish(span, &err)

	text, args, err := q.bind(ctx, s, "One", params, querysql.ShapeEntity)
	if err != nil {
		return nil, false, err
	}
	rows, err := q.load(ctx, s, q.def.stmt, text, args)
	if err != nil {
		return nil, false, err
	}
	switch len(rows) {
	case 0:
		return nil, false, nil
	case 1:
		return rows[0], true, nil
	default:
		return nil, false, faults.New(faults.CodeNonUniqueResult,
			"single-result query matched %d rows", len(rows)).WithQuery(q.def.Qualified())
	}
}

// Page returns one page of matching entities together with the total count.
// The content and count queries run independently.
func (q *Query[T]) Page(ctx context.Context, s *session.Session, params Params, req page.Request) (_ page.Page[*T], err error) {
	ctx, span := q.start(ctx, "page", attribute.Int("page.index", req.Index), attribute.Int("page.size", req.Size))
	defer finish(span, &err)

	stmt, err := q.window(ctx, s, "Page", params, req, querysql.ShapeEntity)
	if err != nil {
		return page.Page[*T]{}, err
	}
	text, args, err := stmt.BindWindow(params, req.Size, req.Offset())
	if err != nil {
		return page.Page[*T]{}, err
	}
	content, err := q.load(ctx, s, stmt, text, args)
	if err != nil {
		return page.Page[*T]{}, err
	}
	total, err := q.def.total(ctx, s, params)
	if err != nil {
		return page.Page[*T]{}, err
	}
	return page.Page[*T]{Content: content, Total: total, Index: req.Index, Size: req.Size}, nil
}

// Slice returns one page of matching entities without counting them. It
// fetches one row more than the page size to learn whether a next slice
// exists.
func (q *Query[T]) Slice(ctx context.Context, s *session.Session, params Params, req page.Request) (_ page.Slice[*T], err error) {
	ctx, span := q.start(ctx, "slice", attribute.Int("page.index", req.Index), attribute.Int("page.size", req.Size))
	defer finish(span, &err)

	stmt, err := q.window(ctx, s, "Slice", params, req, querysql.ShapeEntity)
	if err != nil {
		return page.Slice[*T]{}, err
	}
	text, args, err := stmt.BindWindow(params, req.Size+1, req.Offset())
	if err != nil {
		return page.Slice[*T]{}, err
	}
	rows, err := q.load(ctx, s, stmt, text, args)
	if err != nil {
		return page.Slice[*T]{}, err
	}
	return page.NewSlice(rows, req), nil
}

// Count runs a count query.
func (q *Query[T]) Count(ctx context.Context, s *session.Session, params Params) (n int64, err error) {
	ctx, span := q.start(ctx, "count")
	defer finish(span, &err)

	text, args, err := q.bind(ctx, s, "Count", params, querysql.ShapeCount)
	if err != nil {
		return 0, err
	}
	return scanCount(ctx, s, text, args)
}

// Exists runs an exists query.
func (q *Query[T]) Exists(ctx context.Context, s *session.Session, params Params) (found bool, err error) {
	ctx, span := q.start(ctx, "exists")
	defer finish(span, &err)

	text, args, err := q.bind(ctx, s, "Exists", params, querysql.ShapeExists)
	if err != nil {
		return false, err
	}
	rows, err := s.Rows(ctx, text, args)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found = rows.Next()
	return found, rows.Err()
}

// Exec runs a bulk update or delete and returns the number of affected rows.
//
// The statement bypasses the session's identity map. Entities of the mutated
// type that the session already manages keep their old state until the
// session is cleared or they are reloaded; unless the query clears the
// session automatically, that hazard is logged as a warning.
func (q *Query[T]) Exec(ctx context.Context, s *session.Session, params Params) (n int64, err error) {
	ctx, span := q.start(ctx, "exec")
	defer finish(span, &err)

	if !q.def.Bulk() {
		return 0, faults.New(faults.CodeSpecModifying, "Exec runs bulk update and delete statements only").
			WithQuery(q.def.Qualified())
	}
	text, args, err := q.bind(ctx, s, "Exec", params, querysql.ShapeNone)
	if err != nil {
		return 0, err
	}
	if !q.def.clear {
		if managed := s.Managed(q.def.entity.Name); managed > 0 {
			slog.Warn("bulk statement leaves managed entities stale",
				"query", q.def.Qualified(),
				"entity", q.def.entity.Name,
				"managed", managed,
				"session", s.ID(),
			)
		}
	}
	n, err = s.Exec(ctx, text, args)
	if err != nil {
		return 0, err
	}
	if q.def.clear {
		s.Clear()
	}
	span.SetAttributes(attribute.Int64("rows.affected", n))
	return n, nil
}

func (q *Query[T]) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, q.def, op, attrs...)
}

// bind checks the query shape and parameters, flushes the session when its
// flush mode asks for it, and binds the plain statement.
func (q *Query[T]) bind(ctx context.Context, s *session.Session, op string, params Params, shapes ...querysql.Shape) (string, []any, error) {
	if err := q.def.prepareRun(ctx, s, op, params, shapes...); err != nil {
		return "", nil, err
	}
	return q.def.stmt.Bind(params)
}

func (q *Query[T]) window(ctx context.Context, s *session.Session, op string, params Params, req page.Request, shapes ...querysql.Shape) (*querysql.Statement, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := q.def.prepareRun(ctx, s, op, params, shapes...); err != nil {
		return nil, err
	}
	return q.def.windowFor(q.reg.compiler, req.Sort)
}

func (q *Query[T]) load(ctx context.Context, s *session.Session, stmt *querysql.Statement, text string, args []any) ([]*T, error) {
	rows, err := s.Load(ctx, stmt, text, args, q.def.spec.ReadOnly)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(rows))
	for i, r := range rows {
		out[i] = r.(*T)
	}
	return out, nil
}

func (d *Definition) prepareRun(ctx context.Context, s *session.Session, op string, params Params, shapes ...querysql.Shape) error {
	if err := d.expect(op, shapes...); err != nil {
		return err
	}
	if err := d.checkParams(params); err != nil {
		return err
	}
	return s.AutoFlush(ctx)
}

func (d *Definition) total(ctx context.Context, s *session.Session, params Params) (int64, error) {
	text, args, err := d.count.Bind(params)
	if err != nil {
		return 0, err
	}
	return scanCount(ctx, s, text, args)
}

func scanCount(ctx context.Context, s *session.Session, text string, args []any) (int64, error) {
	rows, err := s.Rows(ctx, text, args)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	var n int64
	if err := rows.Scan(&n); err != nil {
		return 0, err
	}
	return n, rows.Err()
}

func startSpan(ctx context.Context, d *Definition, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("query", d.Qualified()),
		attribute.String("entity", d.entity.Name),
	)
	return tracer.Start(ctx, "repository."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
