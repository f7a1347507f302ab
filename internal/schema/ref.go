package schema

import (
	"context"
	"fmt"
	"reflect"
	"slices"
)

// Reference is the type-erased view of Ref[T] used by the schema and the
// session. Application code uses Ref[T] directly.
type Reference interface {
	ReferenceID() any
	ReferenceTarget() any
	ReferenceType() reflect.Type
	SetReferenceID(id any)
	SetReferenceTarget(target any)
	BindLoader(load func(ctx context.Context) (any, error))
}

// Ref is a lazy to-one association, the owning side of a relationship. The
// column holding the foreign key is declared with the field's db tag:
//
//	Team schema.Ref[Team] `db:"team_id"`
//
// A Ref loaded from the store knows the target identity. The target instance
// is either resolved eagerly by a fetch plan or on the first Load, which goes
// through the owning unit of work's identity map.
type Ref[T any] struct {
	id     any
	target *T
	loader func(ctx context.Context) (any, error)
}

// RefTo returns a reference pointing at target.
func RefTo[T any](target *T) Ref[T] {
	return Ref[T]{target: target}
}

// Set points the reference at target. A nil target clears it.
func (r *Ref[T]) Set(target *T) {
	r.target = target
	r.id = nil
	r.loader = nil
}

// IsNil reports whether the reference points nowhere.
func (r *Ref[T]) IsNil() bool {
	return r.target == nil && r.id == nil
}

// Loaded reports whether the target instance is resolved.
func (r *Ref[T]) Loaded() bool {
	return r.target != nil
}

// Peek returns the target without loading it. Nil when unresolved.
func (r *Ref[T]) Peek() *T {
	return r.target
}

// ID returns the target identity as last read from the store. Nil when the
// reference was set in memory and not flushed since.
func (r *Ref[T]) ID() any {
	return r.id
}

// Load returns the target, triggering a secondary fetch through the unit of
// work that loaded the owner when it is not yet resolved.
func (r *Ref[T]) Load(ctx context.Context) (*T, error) {
	if r.target != nil || r.id == nil {
		return r.target, nil
	}
	if r.loader == nil {
		return nil, fmt.Errorf("reference to %v is detached from its unit of work", r.id)
	}
	v, err := r.loader(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("reference loader returned %T, want %T", v, r.target)
	}
	r.target = t
	return t, nil
}

func (r *Ref[T]) ReferenceID() any { return r.id }

func (r *Ref[T]) ReferenceTarget() any {
	if r.target == nil {
		return nil
	}
	return r.target
}

func (r *Ref[T]) ReferenceType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (r *Ref[T]) SetReferenceID(id any) {
	r.id = id
}

func (r *Ref[T]) SetReferenceTarget(target any) {
	if target == nil {
		r.target = nil
		return
	}
	r.target = target.(*T)
}

func (r *Ref[T]) BindLoader(load func(ctx context.Context) (any, error)) {
	r.loader = load
}

// Associate performs both halves of a bidirectional assignment: it points the
// owning-side reference at target and appends owner to the target's inverse
// collection, removing it from the previous target's collection if that one
// is loaded. Only the owning side is persisted.
//
//	schema.Associate(member, &member.Team, team, func(t *Team) *[]*Member { return &t.Members })
func Associate[O, T any](owner *O, ref *Ref[T], target *T, inverse func(*T) *[]*O) {
	if prev := ref.Peek(); prev != nil && prev != target && inverse != nil {
		coll := inverse(prev)
		*coll = slices.DeleteFunc(*coll, func(o *O) bool { return o == owner })
	}
	ref.Set(target)
	if target == nil || inverse == nil {
		return
	}
	coll := inverse(target)
	if !slices.Contains(*coll, owner) {
		*coll = append(*coll, owner)
	}
}
