package session

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/schema"
)

// Persist makes a new entity managed. It is inserted at the next flush, after
// every entity persisted before it; the store assigns its identity then.
//
// The PrePersist listener and the audit hook run immediately. Persisting an
// instance that is already managed is a no-op, and persisting a removed
// instance cancels the removal. An entity that already carries an identity
// but is not managed is detached: use Merge.
func (s *Session) Persist(entity any) error {
	if err := s.check(); err != nil {
		return err
	}
	e, err := s.reg.EntityOf(entity)
	if err != nil {
		return err
	}
	if en, ok := s.byPtr[entity]; ok {
		if en.state == stateRemoved {
			en.state = stateManaged
		}
		return nil
	}
	if id, ok := e.IDOf(entity); ok {
		return faults.New(faults.CodeDetachedEntity, "%s#%v is not managed by this session", e.Name, id)
	}

	if e.Listeners.PrePersist != nil {
		e.Listeners.PrePersist(entity)
	}
	s.hook.OnPersist(entity)

	s.track(&entry{entity: e, instance: entity, state: stateNew, stamp: e.AuditStamp(entity)})
	return nil
}

// Merge copies the state of a detached entity onto the managed instance with
// the same identity, loading it first if needed, and returns the managed
// instance. An entity without an identity is persisted and returned as is.
// A detached entity whose row no longer exists is persisted as a new row; one
// whose managed instance was removed in this session is rejected.
func (s *Session) Merge(ctx context.Context, entity any) (any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	e, err := s.reg.EntityOf(entity)
	if err != nil {
		return nil, err
	}
	if _, ok := s.byPtr[entity]; ok {
		return entity, nil
	}
	id, ok := e.IDOf(entity)
	if !ok {
		return entity, s.Persist(entity)
	}
	if typed, err := e.NormalizeID(id); err == nil {
		if en, ok := s.byKey[key{e.Name, typed}]; ok && en.state == stateRemoved {
			return nil, faults.New(faults.CodeDetachedEntity, "%s#%v is scheduled for removal in this session", e.Name, id)
		}
	}

	managed, found, err := s.Find(ctx, e.Name, id)
	if err != nil {
		return nil, err
	}
	if !found {
		fresh := e.New()
		reflect.ValueOf(fresh).Elem().Set(reflect.ValueOf(entity).Elem())
		if err := e.SetID(fresh, reflect.Zero(e.ID.Type).Interface()); err != nil {
			return nil, err
		}
		return fresh, s.Persist(fresh)
	}
	reflect.ValueOf(managed).Elem().Set(reflect.ValueOf(entity).Elem())
	return managed, nil
}

// Remove schedules a managed entity for deletion at the next flush. A new
// entity that was never flushed is simply forgotten.
func (s *Session) Remove(entity any) error {
	if err := s.check(); err != nil {
		return err
	}
	en, ok := s.byPtr[entity]
	if !ok {
		return faults.New(faults.CodeDetachedEntity, "%T is not managed by this session", entity)
	}
	switch en.state {
	case stateNew:
		s.untrack(en)
	case stateManaged:
		en.state = stateRemoved
	}
	return nil
}

// MarkDirty forces an UPDATE of a managed entity at the next flush even when
// no mapped value changed.
func (s *Session) MarkDirty(entity any) error {
	if err := s.check(); err != nil {
		return err
	}
	en, ok := s.byPtr[entity]
	if !ok {
		return faults.New(faults.CodeDetachedEntity, "%T is not managed by this session", entity)
	}
	en.dirty = true
	return nil
}

// Contains reports whether entity is a managed (or new, not removed)
// instance of this session.
func (s *Session) Contains(entity any) bool {
	en, ok := s.byPtr[entity]
	return ok && en.state != stateRemoved
}

// Managed returns the number of managed instances of the named entity,
// including new ones and excluding removed ones.
func (s *Session) Managed(name string) int {
	n := 0
	for _, en := range s.order {
		if en.entity.Name == name && en.state != stateRemoved {
			n++
		}
	}
	return n
}

// Detach evicts one instance. Its pending changes are discarded.
func (s *Session) Detach(entity any) {
	if en, ok := s.byPtr[entity]; ok {
		s.untrack(en)
	}
}

// Clear evicts every managed instance. Pending changes are discarded, so
// flush first to keep them. Instances loaded afterwards are fresh copies read
// from the store.
func (s *Session) Clear() {
	slog.Debug("persistence context cleared", "session", s.id, "evicted", len(s.order))
	s.reset()
}

// Find returns the managed instance of the named entity with the given
// identity, reading the row only when it is not already managed. The second
// result is false when no such row exists; that is not an error.
func (s *Session) Find(ctx context.Context, name string, id any) (any, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	e, ok := s.reg.Entity(name)
	if !ok {
		return nil, false, faults.New(faults.CodeUnknownEntity, "unknown entity %q", name)
	}
	typed, err := e.NormalizeID(id)
	if err != nil {
		return nil, false, faults.Wrap(faults.CodeParamType, err, "find %s", name)
	}
	if en, ok := s.byKey[key{e.Name, typed}]; ok {
		if en.state == stateRemoved {
			return nil, false, nil
		}
		return en.instance, true, nil
	}

	ctx, span := tracer.Start(ctx, "find", trace.WithAttributes(
		attribute.String("entity", e.Name),
	))
	defer span.End()

	stmt, err := s.compiler.Compile(byID(e))
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	text, args, err := stmt.Bind(map[string]any{"id": typed})
	if err != nil {
		return nil, false, err
	}
	rows, err := s.Load(ctx, stmt, text, args, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Get is Find for a statically known entity type.
func Get[T any](ctx context.Context, s *Session, id any) (*T, bool, error) {
	e, err := schema.EntityFor[T](s.reg)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := s.Find(ctx, e.Name, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return v.(*T), true, nil
}

func byID(e *schema.Entity) queryir.Select {
	return queryir.Select{
		From:       queryir.Source{Entity: e.Name, Alias: "e"},
		Projection: queryir.EntityProjection{Alias: "e"},
		Where: queryir.Compare{
			Left:  queryir.Path{Alias: "e", Property: e.ID.Name},
			Op:    queryir.OpEq,
			Right: queryir.Param{Name: "id"},
		},
	}
}

func (s *Session) track(en *entry) {
	s.seq++
	en.seq = s.seq
	s.order = append(s.order, en)
	s.byPtr[en.instance] = en
	if en.state != stateNew {
		id, _ := en.entity.IDOf(en.instance)
		s.byKey[key{en.entity.Name, id}] = en
	}
}

func (s *Session) untrack(en *entry) {
	delete(s.byPtr, en.instance)
	if id, ok := en.entity.IDOf(en.instance); ok {
		if cur, ok := s.byKey[key{en.entity.Name, id}]; ok && cur == en {
			delete(s.byKey, key{en.entity.Name, id})
		}
	}
	for i, o := range s.order {
		if o == en {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// snapshot encodes the mapped column values of the entry's instance.
func snapshot(en *entry) ([]byte, error) {
	values, err := en.entity.Values(en.instance)
	if err != nil {
		return nil, err
	}
	b, err := msgpack.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", en.entity.Name, err)
	}
	return b, nil
}

func (en *entry) remember() error {
	snap, err := snapshot(en)
	if err != nil {
		return err
	}
	en.snapshot = snap
	en.stamp = en.entity.AuditStamp(en.instance)
	en.dirty = false
	return nil
}
