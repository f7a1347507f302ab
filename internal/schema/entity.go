package schema

import (
	"fmt"
	"reflect"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/faults"
)

// Field maps one scalar struct field to a column.
type Field struct {
	// Name is the logical property name used by query specifications.
	Name string

	// Column is the store column name.
	Column string

	// Type is the Go type of the struct field.
	Type reflect.Type

	// Audit marks the columns owned by the audit hook.
	Audit bool

	index []int
}

// Association maps an owning-side Ref[T] field to its foreign-key column.
type Association struct {
	Name   string
	Column string

	targetType reflect.Type
	index      []int
}

// Listeners are per-entity lifecycle callbacks invoked by the session during
// flush, in addition to the audit hook.
type Listeners struct {
	PrePersist func(entity any)
	PreUpdate  func(entity any)
	PreRemove  func(entity any)
}

// Property is a resolved property reference: either a scalar field (including
// the identity) or an association.
type Property struct {
	Name        string
	Column      string
	Association *Association
}

// IsAssociation reports whether the property is a to-one association.
func (p Property) IsAssociation() bool {
	return p.Association != nil
}

// Entity is the registered mapping of one struct type to one table.
//
// Column order, used for every generated SELECT and INSERT, is: identity,
// scalar fields in declaration order, then association foreign keys.
type Entity struct {
	Name         string
	Table        string
	ID           Field
	Fields       []Field
	Associations []Association
	Audited      bool
	Listeners    Listeners

	typ      reflect.Type
	registry *Registry
	props    map[string]Property
}

// Type returns the struct type (not the pointer type).
func (e *Entity) Type() reflect.Type {
	return e.typ
}

// New allocates a zero entity and returns a pointer to it.
func (e *Entity) New() any {
	return reflect.New(e.typ).Interface()
}

// Owns reports whether entity is a pointer to this entity's struct type.
func (e *Entity) Owns(entity any) bool {
	t := reflect.TypeOf(entity)
	return t != nil && t.Kind() == reflect.Pointer && t.Elem() == e.typ
}

// Property resolves a logical property name.
func (e *Entity) Property(name string) (Property, bool) {
	p, ok := e.props[name]
	return p, ok
}

// Association returns the named association.
func (e *Entity) Association(name string) (*Association, bool) {
	p, ok := e.props[name]
	if !ok || p.Association == nil {
		return nil, false
	}
	return p.Association, true
}

// Columns returns every mapped column in canonical order.
func (e *Entity) Columns() []string {
	cols := make([]string, 0, 1+len(e.Fields)+len(e.Associations))
	cols = append(cols, e.ID.Column)
	for _, f := range e.Fields {
		cols = append(cols, f.Column)
	}
	for _, a := range e.Associations {
		cols = append(cols, a.Column)
	}
	return cols
}

// ColumnCount returns len(Columns()).
func (e *Entity) ColumnCount() int {
	return 1 + len(e.Fields) + len(e.Associations)
}

// Target returns the entity an association points to.
func (e *Entity) Target(a *Association) (*Entity, error) {
	return e.registry.byType(a.targetType)
}

func (e *Entity) value(entity any) (reflect.Value, error) {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Type() != e.typ {
		return reflect.Value{}, faults.New(faults.CodeUnknownEntity, "%T is not a *%s", entity, e.typ.Name())
	}
	return v.Elem(), nil
}

// IDOf returns the identity of entity and whether it is assigned (non-zero).
func (e *Entity) IDOf(entity any) (any, bool) {
	v, err := e.value(entity)
	if err != nil {
		return nil, false
	}
	f := v.FieldByIndex(e.ID.index)
	if f.IsZero() {
		return nil, false
	}
	return f.Interface(), true
}

// SetID assigns the identity of entity, converting the store value.
func (e *Entity) SetID(entity any, id any) error {
	v, err := e.value(entity)
	if err != nil {
		return err
	}
	return assign(v.FieldByIndex(e.ID.index), id)
}

// Values extracts column values in canonical order. Association columns hold
// the target identity; a reference to an entity that has no identity yet is a
// TRANSIENT_REFERENCE error.
func (e *Entity) Values(entity any) ([]any, error) {
	v, err := e.value(entity)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, e.ColumnCount())
	out = append(out, v.FieldByIndex(e.ID.index).Interface())
	for _, f := range e.Fields {
		out = append(out, v.FieldByIndex(f.index).Interface())
	}
	for i := range e.Associations {
		id, err := e.refValue(v, &e.Associations[i])
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (e *Entity) refValue(v reflect.Value, a *Association) (any, error) {
	ref := e.Ref(v, a)
	target := ref.ReferenceTarget()
	if target == nil {
		return ref.ReferenceID(), nil
	}
	te, err := e.Target(a)
	if err != nil {
		return nil, err
	}
	id, ok := te.IDOf(target)
	if !ok {
		return nil, faults.New(faults.CodeTransientReference,
			"%s.%s points at a %s that has not been persisted", e.Name, a.Name, te.Name)
	}
	return id, nil
}

// Ref returns the Reference stored in association a of the struct value v.
func (e *Entity) Ref(v reflect.Value, a *Association) Reference {
	return v.FieldByIndex(a.index).Addr().Interface().(Reference)
}

// RefOf returns the Reference for association a of entity.
func (e *Entity) RefOf(entity any, a *Association) (Reference, error) {
	v, err := e.value(entity)
	if err != nil {
		return nil, err
	}
	return e.Ref(v, a), nil
}

// Assign writes column values in canonical order into entity. Association
// columns set the reference identity and leave the target unresolved.
func (e *Entity) Assign(entity any, values []any) error {
	if len(values) != e.ColumnCount() {
		return fmt.Errorf("%s: got %d values for %d columns", e.Name, len(values), e.ColumnCount())
	}
	v, err := e.value(entity)
	if err != nil {
		return err
	}
	if err := assign(v.FieldByIndex(e.ID.index), values[0]); err != nil {
		return fmt.Errorf("%s.%s: %w", e.Name, e.ID.Name, err)
	}
	for i, f := range e.Fields {
		if err := assign(v.FieldByIndex(f.index), values[1+i]); err != nil {
			return fmt.Errorf("%s.%s: %w", e.Name, f.Name, err)
		}
	}
	base := 1 + len(e.Fields)
	for i := range e.Associations {
		a := &e.Associations[i]
		ref := e.Ref(v, a)
		id := values[base+i]
		ref.SetReferenceTarget(nil)
		if id == nil {
			ref.SetReferenceID(nil)
			continue
		}
		te, err := e.Target(a)
		if err != nil {
			return err
		}
		typed := reflect.New(te.ID.Type).Elem()
		if err := assign(typed, id); err != nil {
			return fmt.Errorf("%s.%s: %w", e.Name, a.Name, err)
		}
		ref.SetReferenceID(typed.Interface())
	}
	return nil
}

// NormalizeID converts a caller-supplied identity to the identity field type
// so it can be used as an identity-map key.
func (e *Entity) NormalizeID(id any) (any, error) {
	typed := reflect.New(e.ID.Type).Elem()
	if err := assign(typed, id); err != nil {
		return nil, fmt.Errorf("%s identity: %w", e.Name, err)
	}
	return typed.Interface(), nil
}

// AuditStamp returns the stamp values of entity, or the zero stamp when the
// entity does not opt into auditing.
func (e *Entity) AuditStamp(entity any) audit.Stamp {
	if s := audit.StampOf(entity); s != nil {
		return *s
	}
	return audit.Stamp{}
}
