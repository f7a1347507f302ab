package repository

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/page"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/session"
	"github.com/roach88/entityctx/internal/store"
)

// Scalars runs a single-column scalar query and converts every value to V.
// Results are plain values: the identity map is not involved.
//
//	names, err := repository.Scalars[string](ctx, s, usernames, nil)
func Scalars[V, T any](ctx context.Context, s *session.Session, q *Query[T], params Params) (out []V, err error) {
	ctx, span := q.start(ctx, "scalars")
	defer finish(span, &err)

	if q.def.stmt.Shape == querysql.ShapeScalar && q.def.stmt.Width != 1 {
		return nil, faults.New(faults.CodeSpecQuery, "Scalars needs one column, query selects %d", q.def.stmt.Width).
			WithQuery(q.def.Qualified())
	}
	text, args, err := q.bind(ctx, s, "Scalars", params, querysql.ShapeScalar)
	if err != nil {
		return nil, err
	}
	rows, err := scanRows(ctx, s, text, args, 1)
	if err != nil {
		return nil, err
	}
	out = make([]V, len(rows))
	for i, row := range rows {
		if err := schema.Convert(&out[i], row[0]); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", q.def.Qualified(), i, err)
		}
	}
	return out, nil
}

// Tuples runs a scalar query and returns the raw column values of each row.
func Tuples[T any](ctx context.Context, s *session.Session, q *Query[T], params Params) (out [][]any, err error) {
	ctx, span := q.start(ctx, "tuples")
	defer finish(span, &err)

	text, args, err := q.bind(ctx, s, "Tuples", params, querysql.ShapeScalar)
	if err != nil {
		return nil, err
	}
	return scanRows(ctx, s, text, args, q.def.stmt.Width)
}

// Project runs a constructor projection and returns one D per row, built by
// the constructor the query names. D is the constructor's result type.
//
//	dtos, err := repository.Project[*MemberDto](ctx, s, memberDtos, nil)
func Project[D, T any](ctx context.Context, s *session.Session, q *Query[T], params Params) (out []D, err error) {
	ctx, span := q.start(ctx, "project")
	defer finish(span, &err)

	text, args, err := q.bind(ctx, s, "Project", params, querysql.ShapeConstructor)
	if err != nil {
		return nil, err
	}
	return project[D](ctx, s, q.reg, q.def.stmt, text, args)
}

// ProjectPage is Page for a constructor projection.
func ProjectPage[D, T any](ctx context.Context, s *session.Session, q *Query[T], params Params, req page.Request) (_ page.Page[D], err error) {
	ctx, span := q.start(ctx, "project_page", attribute.Int("page.index", req.Index), attribute.Int("page.size", req.Size))
	defer finish(span, &err)

	stmt, err := q.window(ctx, s, "ProjectPage", params, req, querysql.ShapeConstructor)
	if err != nil {
		return page.Page[D]{}, err
	}
	text, args, err := stmt.BindWindow(params, req.Size, req.Offset())
	if err != nil {
		return page.Page[D]{}, err
	}
	content, err := project[D](ctx, s, q.reg, stmt, text, args)
	if err != nil {
		return page.Page[D]{}, err
	}
	total, err := q.def.total(ctx, s, params)
	if err != nil {
		return page.Page[D]{}, err
	}
	return page.Page[D]{Content: content, Total: total, Index: req.Index, Size: req.Size}, nil
}

func project[D any](ctx context.Context, s *session.Session, r *Registry, stmt *querysql.Statement, text string, args []any) ([]D, error) {
	ctor, ok := r.schema.Constructor(stmt.Constructor)
	if !ok {
		return nil, faults.New(faults.CodeSpecConstructor, "constructor %q is not registered", stmt.Constructor)
	}
	rows, err := scanRows(ctx, s, text, args, stmt.Width)
	if err != nil {
		return nil, err
	}
	out := make([]D, len(rows))
	for i, row := range rows {
		v, err := ctor.Call(row)
		if err != nil {
			return nil, err
		}
		d, ok := v.(D)
		if !ok {
			var zero D
			return nil, faults.New(faults.CodeSpecConstructor, "constructor %s returns %T, not %T", ctor.Name, v, zero)
		}
		out[i] = d
	}
	return out, nil
}

func scanRows(ctx context.Context, s *session.Session, text string, args []any, width int) ([][]any, error) {
	rows, err := s.Rows(ctx, text, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, width)
		ptrs := make([]any, width)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, store.Classify(fmt.Errorf("scan row: %w", err))
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
