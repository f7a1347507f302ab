package repository

import (
	"context"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/page"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/session"
)

// Repository provides the generic operations every entity supports, and
// defines the entity's own queries.
type Repository[T any] struct {
	reg    *Registry
	entity *schema.Entity
	all    *Query[T]
	count  *Query[T]
}

// New creates the repository of entity T, registered in the schema as
// entityName.
func New[T any](reg *Registry, entityName string) (*Repository[T], error) {
	e, err := schema.EntityFor[T](reg.schema)
	if err != nil {
		return nil, err
	}
	if e.Name != entityName {
		return nil, faults.New(faults.CodeSpecEntity, "%s is registered as %s", entityName, e.Name)
	}
	all, err := prepare[T](reg, Spec{Name: "findAll"})
	if err != nil {
		return nil, err
	}
	count, err := prepare[T](reg, Spec{Name: "count"})
	if err != nil {
		return nil, err
	}
	return &Repository[T]{reg: reg, entity: e, all: all, count: count}, nil
}

// Entity returns the entity metadata.
func (r *Repository[T]) Entity() *schema.Entity {
	return r.entity
}

// Define defines a query of this repository's entity.
func (r *Repository[T]) Define(spec Spec) (*Query[T], error) {
	return Define[T](r.reg, spec)
}

// Save persists a new entity, or merges a detached one and returns the
// managed instance. An entity the session already manages is returned as is.
func (r *Repository[T]) Save(ctx context.Context, s *session.Session, entity *T) (*T, error) {
	if s.Contains(entity) {
		return entity, nil
	}
	if _, ok := r.entity.IDOf(entity); !ok {
		if err := s.Persist(entity); err != nil {
			return nil, err
		}
		return entity, nil
	}
	merged, err := s.Merge(ctx, entity)
	if err != nil {
		return nil, err
	}
	return merged.(*T), nil
}

// FindByID returns the entity with the given identity. ok is false when no
// such row exists.
func (r *Repository[T]) FindByID(ctx context.Context, s *session.Session, id any) (*T, bool, error) {
	return session.Get[T](ctx, s, id)
}

// ExistsByID reports whether a row with the given identity exists.
func (r *Repository[T]) ExistsByID(ctx context.Context, s *session.Session, id any) (bool, error) {
	_, ok, err := s.Find(ctx, r.entity.Name, id)
	return ok, err
}

// FindAll returns every entity. Association paths in fetch are loaded in the
// same statement.
func (r *Repository[T]) FindAll(ctx context.Context, s *session.Session, fetch ...string) ([]*T, error) {
	q := r.all
	if len(fetch) > 0 {
		var err error
		if q, err = prepare[T](r.reg, Spec{Name: "findAll", Fetch: fetch}); err != nil {
			return nil, err
		}
	}
	return q.List(ctx, s, nil)
}

// FindAllPage returns one page of all entities.
func (r *Repository[T]) FindAllPage(ctx context.Context, s *session.Session, req page.Request) (page.Page[*T], error) {
	return r.all.Page(ctx, s, nil, req)
}

// Count returns the number of rows.
func (r *Repository[T]) Count(ctx context.Context, s *session.Session) (int64, error) {
	return r.count.Count(ctx, s, nil)
}

// Delete schedules a managed entity for deletion at the next flush.
func (r *Repository[T]) Delete(s *session.Session, entity *T) error {
	return s.Remove(entity)
}

// DeleteByID loads the entity with the given identity and schedules it for
// deletion. A missing row is not an error.
func (r *Repository[T]) DeleteByID(ctx context.Context, s *session.Session, id any) error {
	v, ok, err := r.FindByID(ctx, s, id)
	if err != nil || !ok {
		return err
	}
	return s.Remove(v)
}
