// Package schema holds the entity metadata registry: the mapping from Go
// structs to tables, columns and to-one associations.
//
// The registry is built once at startup by calling Register for every entity
// type. Nothing in this package reflects over a struct after registration;
// the session and the query compiler work purely from the recorded metadata.
package schema

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/faults"
)

var (
	referenceType = reflect.TypeOf((*Reference)(nil)).Elem()
	auditableType = reflect.TypeOf((*audit.Auditable)(nil)).Elem()
)

// Registry maps entity names and Go types to their metadata, and holds the
// constructor table used by projections.
type Registry struct {
	entities     *xsync.MapOf[string, *Entity]
	types        *xsync.MapOf[reflect.Type, *Entity]
	constructors *xsync.MapOf[string, *Constructor]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entities:     xsync.NewMapOf[string, *Entity](),
		types:        xsync.NewMapOf[reflect.Type, *Entity](),
		constructors: xsync.NewMapOf[string, *Constructor](),
	}
}

// Option customizes an entity registration.
type Option func(*Entity)

// WithListeners attaches lifecycle callbacks to the entity.
func WithListeners(l Listeners) Option {
	return func(e *Entity) {
		e.Listeners = l
	}
}

// Register maps struct type T to table under the logical entity name.
//
// Fields are mapped from their db tag: `db:"col"` for a scalar column,
// `db:"col,id"` for the store-assigned identity, and `db:"col"` on a Ref[X]
// field for a to-one association whose foreign key is col. Untagged fields and
// fields tagged `db:"-"` are not persisted. Embedded structs are flattened,
// which is how audit.Stamp contributes its two columns.
func Register[T any](reg *Registry, name, table string, opts ...Option) (*Entity, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, faults.New(faults.CodeSpecEntity, "entity %s: %s is not a struct", name, t)
	}
	if _, exists := reg.entities.Load(name); exists {
		return nil, faults.New(faults.CodeSpecEntity, "entity %s already registered", name)
	}

	e := &Entity{
		Name:     name,
		Table:    table,
		typ:      t,
		registry: reg,
		props:    make(map[string]Property),
		Audited:  reflect.PointerTo(t).Implements(auditableType),
	}
	for _, opt := range opts {
		opt(e)
	}

	var hasID bool
	if err := e.collect(t, nil, &hasID); err != nil {
		return nil, err
	}
	if !hasID {
		return nil, faults.New(faults.CodeSpecEntity, "entity %s: no field tagged as identity", name)
	}

	e.props[e.ID.Name] = Property{Name: e.ID.Name, Column: e.ID.Column}
	for _, f := range e.Fields {
		if _, dup := e.props[f.Name]; dup {
			return nil, faults.New(faults.CodeSpecEntity, "entity %s: duplicate property %s", name, f.Name)
		}
		e.props[f.Name] = Property{Name: f.Name, Column: f.Column}
	}
	for i := range e.Associations {
		a := &e.Associations[i]
		if _, dup := e.props[a.Name]; dup {
			return nil, faults.New(faults.CodeSpecEntity, "entity %s: duplicate property %s", name, a.Name)
		}
		e.props[a.Name] = Property{Name: a.Name, Column: a.Column, Association: a}
	}

	if _, loaded := reg.entities.LoadOrStore(name, e); loaded {
		return nil, faults.New(faults.CodeSpecEntity, "entity %s already registered", name)
	}
	reg.types.Store(t, e)
	return e, nil
}

func (e *Entity) collect(t reflect.Type, prefix []int, hasID *bool) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), prefix...), i)

		tag, tagged := sf.Tag.Lookup("db")
		if tag == "-" {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && !tagged {
			if err := e.collect(sf.Type, index, hasID); err != nil {
				return err
			}
			continue
		}
		if !tagged || !sf.IsExported() {
			continue
		}

		column, opts := parseTag(tag)
		if column == "" {
			return faults.New(faults.CodeSpecEntity, "entity %s: field %s has an empty column name", e.Name, sf.Name)
		}
		prop := propertyName(sf.Name)

		switch {
		case reflect.PointerTo(sf.Type).Implements(referenceType):
			target := reflect.New(sf.Type).Interface().(Reference).ReferenceType()
			e.Associations = append(e.Associations, Association{
				Name:       prop,
				Column:     column,
				targetType: target,
				index:      index,
			})
		case opts["id"]:
			if *hasID {
				return faults.New(faults.CodeSpecEntity, "entity %s: more than one identity field", e.Name)
			}
			*hasID = true
			e.ID = Field{Name: prop, Column: column, Type: sf.Type, index: index}
		default:
			e.Fields = append(e.Fields, Field{
				Name:   prop,
				Column: column,
				Type:   sf.Type,
				Audit:  len(prefix) > 0 && t == reflect.TypeOf(audit.Stamp{}),
				index:  index,
			})
		}
	}
	return nil
}

// Entity returns the entity registered under name.
func (r *Registry) Entity(name string) (*Entity, bool) {
	return r.entities.Load(name)
}

// MustEntity is Entity for callers that already validated the name.
func (r *Registry) MustEntity(name string) *Entity {
	e, ok := r.entities.Load(name)
	if !ok {
		panic(fmt.Sprintf("schema: entity %q not registered", name))
	}
	return e
}

// EntityOf returns the entity whose struct type is the pointee of entity.
func (r *Registry) EntityOf(entity any) (*Entity, error) {
	t := reflect.TypeOf(entity)
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, faults.New(faults.CodeUnknownEntity, "%T is not a pointer to a registered entity", entity)
	}
	return r.byType(t.Elem())
}

// EntityFor returns the entity registered for struct type T.
func EntityFor[T any](r *Registry) (*Entity, error) {
	return r.byType(reflect.TypeOf((*T)(nil)).Elem())
}

func (r *Registry) byType(t reflect.Type) (*Entity, error) {
	e, ok := r.types.Load(t)
	if !ok {
		return nil, faults.New(faults.CodeUnknownEntity, "type %s is not a registered entity", t)
	}
	return e, nil
}

// Names returns every registered entity name, sorted.
func (r *Registry) Names() []string {
	var names []string
	r.entities.Range(func(name string, _ *Entity) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Check verifies that every association points at a registered entity. Call it
// once after all Register calls.
func (r *Registry) Check() error {
	for _, name := range r.Names() {
		e := r.MustEntity(name)
		for i := range e.Associations {
			if _, err := e.Target(&e.Associations[i]); err != nil {
				return faults.Wrap(faults.CodeSpecEntity, err, "entity %s association %s", e.Name, e.Associations[i].Name)
			}
		}
	}
	return nil
}
