package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/store"
)

// Load runs an entity-shaped statement and resolves every row through the
// identity map. The result holds one root instance per row, in row order;
// rows with the same identity yield the same instance.
//
// Fetch-joined associations are resolved from the same row. Other
// associations stay unresolved and load lazily through this session.
// Instances first loaded by a read-only load are excluded from dirty
// checking.
func (s *Session) Load(ctx context.Context, stmt *querysql.Statement, text string, args []any, readOnly bool) ([]any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if stmt.Shape != querysql.ShapeEntity {
		return nil, fmt.Errorf("load: statement does not select entities")
	}
	rows, err := s.tx.Query(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		vals := make([]any, stmt.Width)
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, store.Classify(fmt.Errorf("scan row: %w", err))
		}
		root, err := s.materialize(stmt, vals, readOnly)
		if err != nil {
			return nil, err
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Rows runs a statement whose results are not entities (scalars,
// constructor arguments, counts). Callers must close the rows.
func (s *Session) Rows(ctx context.Context, text string, args []any) (*store.Rows, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.tx.Query(ctx, text, args...)
}

// Exec runs a bulk statement and returns the number of affected rows. The
// identity map is not consulted or updated.
func (s *Session) Exec(ctx context.Context, text string, args []any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.tx.Exec(ctx, text, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Classify(fmt.Errorf("rows affected: %w", err))
	}
	return n, nil
}

// AutoFlush flushes when the session is in FlushAuto mode. Query runners
// call it before executing a query or bulk statement.
func (s *Session) AutoFlush(ctx context.Context) error {
	if s.flushMode != FlushAuto {
		return nil
	}
	return s.Flush(ctx)
}

func (s *Session) materialize(stmt *querysql.Statement, vals []any, readOnly bool) (any, error) {
	instances := make([]any, len(stmt.Entities))
	for i, g := range stmt.Entities {
		cols := vals[g.Offset : g.Offset+g.Entity.ColumnCount()]
		inst, err := s.resolve(g.Entity, cols, readOnly)
		if err != nil {
			return nil, err
		}
		instances[i] = inst
		if g.Owner < 0 || inst == nil || instances[g.Owner] == nil {
			continue
		}
		ref, err := stmt.Entities[g.Owner].Entity.RefOf(instances[g.Owner], g.Association)
		if err != nil {
			return nil, err
		}
		// A managed owner may have been re-pointed in memory; only an
		// unresolved reference to this very row is filled in.
		if ref.ReferenceTarget() == nil {
			if id, _ := g.Entity.IDOf(inst); ref.ReferenceID() == id {
				ref.SetReferenceTarget(inst)
			}
		}
	}
	return instances[0], nil
}

func (s *Session) resolve(e *schema.Entity, cols []any, readOnly bool) (any, error) {
	if cols[0] == nil {
		// unmatched left join
		return nil, nil
	}
	id, err := e.NormalizeID(cols[0])
	if err != nil {
		return nil, err
	}
	if en, ok := s.byKey[key{e.Name, id}]; ok {
		return en.instance, nil
	}

	inst := e.New()
	if err := e.Assign(inst, cols); err != nil {
		return nil, fmt.Errorf("load %s: %w", e.Name, err)
	}
	if err := s.bindLoaders(e, inst); err != nil {
		return nil, err
	}
	en := &entry{entity: e, instance: inst, state: stateManaged, readOnly: readOnly}
	if err := en.remember(); err != nil {
		return nil, err
	}
	s.track(en)
	return inst, nil
}

func (s *Session) bindLoaders(e *schema.Entity, inst any) error {
	for i := range e.Associations {
		a := &e.Associations[i]
		ref, err := e.RefOf(inst, a)
		if err != nil {
			return err
		}
		id := ref.ReferenceID()
		if id == nil {
			continue
		}
		target, err := e.Target(a)
		if err != nil {
			return err
		}
		owner, assoc := e.Name, a.Name
		ref.BindLoader(func(ctx context.Context) (any, error) {
			slog.Debug("lazy load", "session", s.id, "entity", target.Name, "id", id)
			v, ok, err := s.Find(ctx, target.Name, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%s#%v referenced by %s.%s does not exist", target.Name, id, owner, assoc)
			}
			return v, nil
		})
	}
	return nil
}
