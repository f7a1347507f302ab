package schema

import (
	"fmt"
	"reflect"

	"github.com/roach88/entityctx/internal/faults"
)

// Constructor is a registered projection target: a function building a
// transfer object from the projected columns, in order.
type Constructor struct {
	Name   string
	Result reflect.Type
	Params []reflect.Type

	fn reflect.Value
}

// Arity returns the number of columns the constructor consumes.
func (c *Constructor) Arity() int {
	return len(c.Params)
}

// Call converts each column value to the matching parameter type and invokes
// the constructor.
func (c *Constructor) Call(values []any) (any, error) {
	if len(values) != len(c.Params) {
		return nil, fmt.Errorf("constructor %s: got %d values, want %d", c.Name, len(values), len(c.Params))
	}
	args := make([]reflect.Value, len(values))
	for i, v := range values {
		arg, err := ConvertTo(c.Params[i], v)
		if err != nil {
			return nil, fmt.Errorf("constructor %s argument %d: %w", c.Name, i, err)
		}
		args[i] = arg
	}
	return c.fn.Call(args)[0].Interface(), nil
}

// RegisterConstructor records fn as the projection target called name. fn must
// be a non-variadic function returning exactly one value, usually a pointer to
// the transfer object:
//
//	schema.RegisterConstructor(reg, "MemberDto", NewMemberDto)
//
// Query strings reference it as `new MemberDto(m.id, m.username, t.name)`.
func RegisterConstructor(reg *Registry, name string, fn any) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return faults.New(faults.CodeSpecConstructor, "constructor %s: %T is not a function", name, fn)
	}
	t := v.Type()
	if t.IsVariadic() || t.NumOut() != 1 {
		return faults.New(faults.CodeSpecConstructor, "constructor %s: must be non-variadic with one result", name)
	}
	c := &Constructor{Name: name, Result: t.Out(0), fn: v}
	for i := 0; i < t.NumIn(); i++ {
		c.Params = append(c.Params, t.In(i))
	}
	if _, loaded := reg.constructors.LoadOrStore(name, c); loaded {
		return faults.New(faults.CodeSpecConstructor, "constructor %s already registered", name)
	}
	return nil
}

// Constructor returns the projection target registered under name.
func (r *Registry) Constructor(name string) (*Constructor, bool) {
	return r.constructors.Load(name)
}
