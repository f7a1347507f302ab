package queryir

import (
	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/schema"
)

// Scope maps the aliases declared by a query to their entities.
//
// It is built once per query by NewScope and shared by the validator and the
// SQL compiler, so both resolve paths identically.
type Scope struct {
	reg     *schema.Registry
	aliases map[string]*schema.Entity
	order   []string
}

// NewScope declares the root alias and every join alias of q, in order.
// Joins must reference an alias declared before them.
func NewScope(reg *schema.Registry, q Query) (*Scope, error) {
	root := q.Root()
	e, ok := reg.Entity(root.Entity)
	if !ok {
		return nil, faults.New(faults.CodeSpecEntity, "unknown entity %q", root.Entity)
	}
	if root.Alias == "" {
		return nil, faults.New(faults.CodeSpecQuery, "entity %s has no alias", root.Entity)
	}
	s := &Scope{reg: reg, aliases: map[string]*schema.Entity{root.Alias: e}, order: []string{root.Alias}}

	sel, ok := q.(Select)
	if !ok {
		return s, nil
	}
	for _, j := range sel.Joins {
		if err := s.declare(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scope) declare(j Join) error {
	owner, ok := s.aliases[j.Path.Alias]
	if !ok {
		return faults.New(faults.CodeSpecQuery, "join %s: alias %q is not declared", j.Path, j.Path.Alias)
	}
	assoc, ok := owner.Association(j.Path.Property)
	if !ok {
		return faults.New(faults.CodeSpecProperty, "join %s: %s has no association %q", j.Path, owner.Name, j.Path.Property)
	}
	if _, dup := s.aliases[j.Alias]; dup || j.Alias == "" {
		return faults.New(faults.CodeSpecQuery, "join %s: alias %q is empty or already declared", j.Path, j.Alias)
	}
	target, err := owner.Target(assoc)
	if err != nil {
		return faults.Wrap(faults.CodeSpecEntity, err, "join %s", j.Path)
	}
	s.aliases[j.Alias] = target
	s.order = append(s.order, j.Alias)
	return nil
}

// Entity returns the entity bound to alias.
func (s *Scope) Entity(alias string) (*schema.Entity, bool) {
	e, ok := s.aliases[alias]
	return e, ok
}

// Aliases returns the declared aliases in declaration order.
func (s *Scope) Aliases() []string {
	return s.order
}

// Resolve returns the entity and property a path refers to.
func (s *Scope) Resolve(p Path) (*schema.Entity, schema.Property, error) {
	e, ok := s.aliases[p.Alias]
	if !ok {
		return nil, schema.Property{}, faults.New(faults.CodeSpecQuery, "path %s: alias %q is not declared", p, p.Alias)
	}
	if p.Property == "" {
		return nil, schema.Property{}, faults.New(faults.CodeSpecQuery, "path %s: a property is required here", p)
	}
	prop, ok := e.Property(p.Property)
	if !ok {
		return nil, schema.Property{}, faults.New(faults.CodeSpecProperty, "path %s: %s has no property %q", p, e.Name, p.Property)
	}
	return e, prop, nil
}

// Validate checks q against the registry and returns the first specification
// error found, or nil.
//
// Validate is a pure function with no side effects.
func Validate(reg *schema.Registry, q Query) error {
	if q == nil {
		return faults.New(faults.CodeSpecQuery, "nil query")
	}
	scope, err := NewScope(reg, q)
	if err != nil {
		return err
	}
	v := &validator{scope: scope, reg: reg}

	switch query := q.(type) {
	case Select:
		return v.validateSelect(query)
	case Update:
		return v.validateUpdate(query)
	case Delete:
		return v.predicate(query.Where)
	default:
		return faults.New(faults.CodeSpecQuery, "unknown query type %T", q)
	}
}

type validator struct {
	scope *Scope
	reg   *schema.Registry
}

func (v *validator) validateSelect(sel Select) error {
	if err := v.projection(sel.Projection); err != nil {
		return err
	}
	_, isEntity := sel.Projection.(EntityProjection)
	for _, j := range sel.Joins {
		if j.Fetch && !isEntity {
			return faults.New(faults.CodeSpecQuery, "fetch join %s requires an entity projection", j.Path)
		}
	}
	if sel.Lock != LockNone && !isEntity {
		return faults.New(faults.CodeSpecQuery, "lock hint requires an entity projection")
	}
	if sel.Limit < 0 {
		return faults.New(faults.CodeSpecQuery, "negative limit %d", sel.Limit)
	}
	if err := v.predicate(sel.Where); err != nil {
		return err
	}
	for _, o := range sel.OrderBy {
		if _, _, err := v.scope.Resolve(o.Path); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateUpdate(u Update) error {
	if len(u.Set) == 0 {
		return faults.New(faults.CodeSpecQuery, "update of %s sets nothing", u.From.Entity)
	}
	root, _ := v.scope.Entity(u.From.Alias)
	for _, a := range u.Set {
		prop, ok := root.Property(a.Property)
		if !ok {
			return faults.New(faults.CodeSpecProperty, "update: %s has no property %q", root.Name, a.Property)
		}
		if prop.Column == root.ID.Column {
			return faults.New(faults.CodeSpecQuery, "update: identity %s.%s is immutable", root.Name, a.Property)
		}
		if err := v.operand(a.Value); err != nil {
			return err
		}
	}
	return v.predicate(u.Where)
}

func (v *validator) projection(p Projection) error {
	switch proj := p.(type) {
	case EntityProjection:
		if _, ok := v.scope.Entity(proj.Alias); !ok {
			return faults.New(faults.CodeSpecQuery, "projection: alias %q is not declared", proj.Alias)
		}
	case ScalarProjection:
		if len(proj.Paths) == 0 {
			return faults.New(faults.CodeSpecQuery, "projection: empty column list")
		}
		for _, path := range proj.Paths {
			if _, _, err := v.scope.Resolve(path); err != nil {
				return err
			}
		}
	case ConstructorProjection:
		c, ok := v.reg.Constructor(proj.Constructor)
		if !ok {
			return faults.New(faults.CodeSpecConstructor, "constructor %q is not registered", proj.Constructor)
		}
		if c.Arity() != len(proj.Args) {
			return faults.New(faults.CodeSpecConstructor,
				"constructor %s takes %d arguments, query projects %d columns", proj.Constructor, c.Arity(), len(proj.Args))
		}
		for _, path := range proj.Args {
			if _, _, err := v.scope.Resolve(path); err != nil {
				return err
			}
		}
	case CountProjection:
		if proj.Path.Property != "" {
			if _, _, err := v.scope.Resolve(proj.Path); err != nil {
				return err
			}
		} else if proj.Path.Alias != "" {
			if _, ok := v.scope.Entity(proj.Path.Alias); !ok {
				return faults.New(faults.CodeSpecQuery, "count: alias %q is not declared", proj.Path.Alias)
			}
		}
	case ExistsProjection:
	case nil:
		return faults.New(faults.CodeSpecQuery, "select has no projection")
	default:
		return faults.New(faults.CodeSpecQuery, "unknown projection %T", p)
	}
	return nil
}

func (v *validator) predicate(p Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case Compare:
		if err := v.operand(pred.Left); err != nil {
			return err
		}
		return v.operand(pred.Right)
	case In:
		if pred.List.Name == "" {
			return faults.New(faults.CodeSpecQuery, "in: list parameter has no name")
		}
		if _, ok := pred.Operand.(Path); !ok {
			return faults.New(faults.CodeSpecQuery, "in: left side must be a property path")
		}
		return v.operand(pred.Operand)
	case IsNull:
		return v.operand(pred.Operand)
	case Like:
		if err := v.operand(pred.Operand); err != nil {
			return err
		}
		if _, isParam := pred.Pattern.(Param); !isParam && pred.Mode != LikeRaw {
			return faults.New(faults.CodeSpecQuery, "like: wildcard modes need a parameter pattern")
		}
		return v.operand(pred.Pattern)
	case Between:
		for _, o := range []Operand{pred.Operand, pred.Low, pred.High} {
			if err := v.operand(o); err != nil {
				return err
			}
		}
		return nil
	case And:
		return v.predicates(pred.Predicates)
	case Or:
		return v.predicates(pred.Predicates)
	case Not:
		return v.predicate(pred.Predicate)
	default:
		return faults.New(faults.CodeSpecQuery, "unknown predicate %T", p)
	}
}

func (v *validator) predicates(ps []Predicate) error {
	for _, p := range ps {
		if err := v.predicate(p); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) operand(o Operand) error {
	switch op := o.(type) {
	case Path:
		_, _, err := v.scope.Resolve(op)
		return err
	case Param:
		if op.Name == "" {
			return faults.New(faults.CodeSpecQuery, "parameter has no name")
		}
		return nil
	case Literal:
		switch op.Value.(type) {
		case string, int64, float64, bool, nil:
			return nil
		}
		return faults.New(faults.CodeSpecQuery, "unsupported literal %T", op.Value)
	case Arith:
		if err := v.operand(op.Left); err != nil {
			return err
		}
		return v.operand(op.Right)
	default:
		return faults.New(faults.CodeSpecQuery, "unknown operand %T", o)
	}
}

// Params returns the parameter names referenced by q, in order of first
// appearance.
func Params(q Query) []string {
	c := &paramCollector{seen: map[string]bool{}}
	switch query := q.(type) {
	case Select:
		c.predicate(query.Where)
	case Update:
		for _, a := range query.Set {
			c.operand(a.Value)
		}
		c.predicate(query.Where)
	case Delete:
		c.predicate(query.Where)
	}
	return c.names
}

type paramCollector struct {
	seen  map[string]bool
	names []string
}

func (c *paramCollector) add(name string) {
	if !c.seen[name] {
		c.seen[name] = true
		c.names = append(c.names, name)
	}
}

func (c *paramCollector) predicate(p Predicate) {
	switch pred := p.(type) {
	case Compare:
		c.operand(pred.Left)
		c.operand(pred.Right)
	case In:
		c.operand(pred.Operand)
		c.add(pred.List.Name)
	case IsNull:
		c.operand(pred.Operand)
	case Like:
		c.operand(pred.Operand)
		c.operand(pred.Pattern)
	case Between:
		c.operand(pred.Operand)
		c.operand(pred.Low)
		c.operand(pred.High)
	case And:
		for _, sub := range pred.Predicates {
			c.predicate(sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			c.predicate(sub)
		}
	case Not:
		c.predicate(pred.Predicate)
	}
}

func (c *paramCollector) operand(o Operand) {
	switch op := o.(type) {
	case Param:
		c.add(op.Name)
	case Arith:
		c.operand(op.Left)
		c.operand(op.Right)
	}
}
