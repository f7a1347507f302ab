// Package derive turns query specifications into the intermediate query
// representation: repository method names (Method) and query strings (Parse).
//
// Both entry points run once, when a query is registered. A specification
// that cannot be derived fails there with a specification error and never
// reaches execution.
package derive

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/schema"
)

// Subject is what a derived query returns.
type Subject int

const (
	SubjectFind Subject = iota
	SubjectCount
	SubjectExists
	SubjectDelete
)

var subjectPrefixes = []struct {
	prefix  string
	subject Subject
}{
	{"find", SubjectFind},
	{"read", SubjectFind},
	{"get", SubjectFind},
	{"query", SubjectFind},
	{"search", SubjectFind},
	{"stream", SubjectFind},
	{"count", SubjectCount},
	{"exists", SubjectExists},
	{"delete", SubjectDelete},
	{"remove", SubjectDelete},
}

type operator struct {
	keyword string
	params  int
	build   func(path queryir.Path, params []queryir.Param) queryir.Predicate
}

func compare(op queryir.CompareOp) func(queryir.Path, []queryir.Param) queryir.Predicate {
	return func(path queryir.Path, ps []queryir.Param) queryir.Predicate {
		return queryir.Compare{Left: path, Op: op, Right: ps[0]}
	}
}

func like(mode queryir.LikeMode, negate bool) func(queryir.Path, []queryir.Param) queryir.Predicate {
	return func(path queryir.Path, ps []queryir.Param) queryir.Predicate {
		return queryir.Like{Operand: path, Pattern: ps[0], Mode: mode, Negate: negate}
	}
}

func literal(v bool) func(queryir.Path, []queryir.Param) queryir.Predicate {
	return func(path queryir.Path, _ []queryir.Param) queryir.Predicate {
		return queryir.Compare{Left: path, Op: queryir.OpEq, Right: queryir.Literal{Value: v}}
	}
}

func isNull(negate bool) func(queryir.Path, []queryir.Param) queryir.Predicate {
	return func(path queryir.Path, _ []queryir.Param) queryir.Predicate {
		return queryir.IsNull{Operand: path, Negate: negate}
	}
}

func in(negate bool) func(queryir.Path, []queryir.Param) queryir.Predicate {
	return func(path queryir.Path, ps []queryir.Param) queryir.Predicate {
		return queryir.In{Operand: path, List: ps[0], Negate: negate}
	}
}

// operators is ordered so that the longest keyword sharing a suffix is tried
// first ("GreaterThanEqual" before "GreaterThan", "NotIn" before "In").
var operators = []operator{
	{"IsGreaterThanEqual", 1, compare(queryir.OpGe)},
	{"GreaterThanEqual", 1, compare(queryir.OpGe)},
	{"IsLessThanEqual", 1, compare(queryir.OpLe)},
	{"LessThanEqual", 1, compare(queryir.OpLe)},
	{"IsGreaterThan", 1, compare(queryir.OpGt)},
	{"GreaterThan", 1, compare(queryir.OpGt)},
	{"IsLessThan", 1, compare(queryir.OpLt)},
	{"LessThan", 1, compare(queryir.OpLt)},
	{"IsAfter", 1, compare(queryir.OpGt)},
	{"After", 1, compare(queryir.OpGt)},
	{"IsBefore", 1, compare(queryir.OpLt)},
	{"Before", 1, compare(queryir.OpLt)},
	{"IsBetween", 2, between},
	{"Between", 2, between},
	{"IsNotNull", 0, isNull(true)},
	{"NotNull", 0, isNull(true)},
	{"IsNull", 0, isNull(false)},
	{"Null", 0, isNull(false)},
	{"IsNotLike", 1, like(queryir.LikeRaw, true)},
	{"NotLike", 1, like(queryir.LikeRaw, true)},
	{"IsLike", 1, like(queryir.LikeRaw, false)},
	{"Like", 1, like(queryir.LikeRaw, false)},
	{"IsStartingWith", 1, like(queryir.LikePrefix, false)},
	{"StartingWith", 1, like(queryir.LikePrefix, false)},
	{"StartsWith", 1, like(queryir.LikePrefix, false)},
	{"IsEndingWith", 1, like(queryir.LikeSuffix, false)},
	{"EndingWith", 1, like(queryir.LikeSuffix, false)},
	{"EndsWith", 1, like(queryir.LikeSuffix, false)},
	{"IsNotContaining", 1, like(queryir.LikeContains, true)},
	{"NotContaining", 1, like(queryir.LikeContains, true)},
	{"IsContaining", 1, like(queryir.LikeContains, false)},
	{"Containing", 1, like(queryir.LikeContains, false)},
	{"Contains", 1, like(queryir.LikeContains, false)},
	{"IsNotIn", 1, in(true)},
	{"NotIn", 1, in(true)},
	{"IsIn", 1, in(false)},
	{"In", 1, in(false)},
	{"IsTrue", 0, literal(true)},
	{"True", 0, literal(true)},
	{"IsFalse", 0, literal(false)},
	{"False", 0, literal(false)},
	{"IsNot", 1, compare(queryir.OpNe)},
	{"Not", 1, compare(queryir.OpNe)},
	{"Equals", 1, compare(queryir.OpEq)},
	{"Is", 1, compare(queryir.OpEq)},
}

func between(path queryir.Path, ps []queryir.Param) queryir.Predicate {
	return queryir.Between{Operand: path, Low: ps[0], High: ps[1]}
}

var (
	limitPattern = regexp.MustCompile(`^(First|Top)(\d*)`)
	orSplit      = regexp.MustCompile(`Or(\p{Lu})`)
	andSplit     = regexp.MustCompile(`And(\p{Lu})`)
	orderSplit   = regexp.MustCompile(`(Asc|Desc)(\p{Lu})`)
)

// Method derives a query from a repository method name over entity:
//
//	findByUsernameAndAgeGreaterThan  → m.username = :username AND m.age > :age
//	findTop3ByOrderByAgeDesc         → ORDER BY m.age DESC LIMIT 3
//	findByTeamName                   → JOIN m.team team WHERE team.name = :teamName
//	countByAge, existsByUsername, deleteByAgeLessThan
//
// Parameters are named after the property they constrain (the last segment
// of a nested property, prefixed by the association: teamName). Between binds
// <prop>Start and <prop>End. A repeated property gets a numeric suffix
// (age, age2).
func Method(reg *schema.Registry, entity, name string) (queryir.Query, error) {
	root, ok := reg.Entity(entity)
	if !ok {
		return nil, faults.New(faults.CodeSpecEntity, "unknown entity %q", entity).WithQuery(name)
	}
	q, err := deriveMethod(reg, root, name)
	if err != nil {
		if fe, ok := err.(*faults.Error); ok {
			return nil, fe.WithQuery(name)
		}
		return nil, err
	}
	if err := queryir.Validate(reg, q); err != nil {
		return nil, err
	}
	slog.Debug("derived query method", "entity", entity, "method", name)
	return q, nil
}

type methodDeriver struct {
	root   *schema.Entity
	alias  string
	joins  []queryir.Join
	params map[string]int
}

func deriveMethod(reg *schema.Registry, root *schema.Entity, name string) (queryir.Query, error) {
	subject, rest, ok := splitSubject(name)
	if !ok {
		return nil, faults.New(faults.CodeSpecMethod, "method %q does not start with a query prefix", name)
	}

	byIdx := strings.Index(rest, "By")
	var head, criteria string
	switch {
	case byIdx >= 0:
		head, criteria = rest[:byIdx], rest[byIdx+2:]
	case rest == "" || rest == "All" || rest == root.Name || rest == "All"+root.Name:
		head = rest
	default:
		return nil, faults.New(faults.CodeSpecMethod, "method %q has no By clause", name)
	}

	d := &methodDeriver{root: root, alias: aliasFor(root.Name), params: map[string]int{}}

	sel := queryir.Select{From: queryir.Source{Entity: root.Name, Alias: d.alias}}
	if strings.HasPrefix(head, "Distinct") {
		sel.Distinct = true
		head = strings.TrimPrefix(head, "Distinct")
	}
	if m := limitPattern.FindStringSubmatch(head); m != nil {
		sel.Limit = 1
		if m[2] != "" {
			n, err := strconv.Atoi(m[2])
			if err != nil || n < 1 {
				return nil, faults.New(faults.CodeSpecMethod, "invalid result limit %q", m[0])
			}
			sel.Limit = n
		}
		head = head[len(m[0]):]
	}
	if head != "" && head != "All" && head != root.Name && head != "All"+root.Name && head != root.Name+"s" {
		return nil, faults.New(faults.CodeSpecMethod, "unsupported subject %q", head)
	}

	orderPart := ""
	if idx := orderByIndex(criteria); idx >= 0 {
		criteria, orderPart = criteria[:idx], criteria[idx+len("OrderBy"):]
	}

	where, err := d.criteria(criteria)
	if err != nil {
		return nil, err
	}
	orders, err := d.orders(orderPart)
	if err != nil {
		return nil, err
	}

	switch subject {
	case SubjectCount:
		if sel.Limit > 0 {
			return nil, faults.New(faults.CodeSpecMethod, "count queries cannot limit results")
		}
		sel.Projection = queryir.CountProjection{Path: queryir.Path{Alias: d.alias}, Distinct: sel.Distinct}
		sel.Distinct = false
		orders = nil
	case SubjectExists:
		sel.Projection = queryir.ExistsProjection{}
		orders = nil
	case SubjectDelete:
		if len(d.joins) > 0 || len(orders) > 0 || sel.Limit > 0 || sel.Distinct {
			return nil, faults.New(faults.CodeSpecMethod, "delete methods support plain criteria only")
		}
		return queryir.Delete{From: sel.From, Where: where}, nil
	default:
		sel.Projection = queryir.EntityProjection{Alias: d.alias}
	}
	sel.Where = where
	sel.Joins = d.joins
	sel.OrderBy = orders
	return sel, nil
}

// SubjectOf reports the subject of a derivable method name.
func SubjectOf(name string) (Subject, bool) {
	s, _, ok := splitSubject(name)
	return s, ok
}

func splitSubject(name string) (Subject, string, bool) {
	for _, sp := range subjectPrefixes {
		if strings.HasPrefix(name, sp.prefix) {
			rest := name[len(sp.prefix):]
			if rest != "" && !unicode.IsUpper([]rune(rest)[0]) {
				continue
			}
			return sp.subject, rest, true
		}
	}
	return 0, "", false
}

// orderByIndex finds the OrderBy clause, which may also start the criteria
// ("findByOrderByAgeDesc").
func orderByIndex(criteria string) int {
	if strings.HasPrefix(criteria, "OrderBy") {
		return 0
	}
	return strings.Index(criteria, "OrderBy")
}

func aliasFor(entity string) string {
	return strings.ToLower(entity[:1])
}

func (d *methodDeriver) criteria(s string) (queryir.Predicate, error) {
	if s == "" {
		return nil, nil
	}
	var ors []queryir.Predicate
	for _, orPart := range splitKeyword(s, orSplit) {
		var ands []queryir.Predicate
		for _, part := range splitKeyword(orPart, andSplit) {
			pred, err := d.part(part)
			if err != nil {
				return nil, err
			}
			ands = append(ands, pred)
		}
		if len(ands) == 1 {
			ors = append(ors, ands[0])
		} else {
			ors = append(ors, queryir.And{Predicates: ands})
		}
	}
	if len(ors) == 1 {
		return ors[0], nil
	}
	return queryir.Or{Predicates: ors}, nil
}

// splitKeyword splits s at every occurrence of a keyword followed by an
// upper-case letter, keeping that letter.
func splitKeyword(s string, re *regexp.Regexp) []string {
	var parts []string
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(s, -1) {
		parts = append(parts, s[last:m[0]])
		last = m[2]
	}
	return append(parts, s[last:])
}

func (d *methodDeriver) part(part string) (queryir.Predicate, error) {
	if part == "" {
		return nil, faults.New(faults.CodeSpecMethod, "empty criterion")
	}
	for _, op := range operators {
		if !strings.HasSuffix(part, op.keyword) || len(part) == len(op.keyword) {
			continue
		}
		path, paramBase, err := d.property(strings.TrimSuffix(part, op.keyword))
		if err != nil {
			continue
		}
		return op.build(path, d.bind(paramBase, op)), nil
	}
	path, paramBase, err := d.property(part)
	if err != nil {
		return nil, err
	}
	return queryir.Compare{Left: path, Op: queryir.OpEq, Right: d.bind(paramBase, operator{params: 1})[0]}, nil
}

func (d *methodDeriver) bind(base string, op operator) []queryir.Param {
	switch op.params {
	case 0:
		return nil
	case 2:
		return []queryir.Param{d.param(base + "Start"), d.param(base + "End")}
	default:
		return []queryir.Param{d.param(base)}
	}
}

func (d *methodDeriver) param(name string) queryir.Param {
	d.params[name]++
	if n := d.params[name]; n > 1 {
		return queryir.Param{Name: fmt.Sprintf("%s%d", name, n)}
	}
	return queryir.Param{Name: name}
}

// property resolves a capitalized property expression ("Username",
// "TeamName", "Team_Name") to a path, joining one to-one association when the
// expression traverses it. It returns the path and the parameter base name.
func (d *methodDeriver) property(expr string) (queryir.Path, string, error) {
	if expr == "" {
		return queryir.Path{}, "", faults.New(faults.CodeSpecMethod, "missing property")
	}
	if head, tail, ok := strings.Cut(expr, "_"); ok {
		return d.nested(head, tail, expr)
	}
	if _, ok := d.root.Property(lowerFirst(expr)); ok {
		name := lowerFirst(expr)
		return queryir.Path{Alias: d.alias, Property: name}, name, nil
	}
	runes := []rune(expr)
	for i := len(runes) - 1; i > 0; i-- {
		if !unicode.IsUpper(runes[i]) {
			continue
		}
		if path, base, err := d.nested(string(runes[:i]), string(runes[i:]), expr); err == nil {
			return path, base, nil
		}
	}
	return queryir.Path{}, "", faults.New(faults.CodeSpecProperty, "%s has no property %q", d.root.Name, lowerFirst(expr))
}

func (d *methodDeriver) nested(head, tail, expr string) (queryir.Path, string, error) {
	assocName := lowerFirst(head)
	assoc, ok := d.root.Association(assocName)
	if !ok {
		return queryir.Path{}, "", faults.New(faults.CodeSpecProperty, "%s has no association %q", d.root.Name, assocName)
	}
	target, err := d.root.Target(assoc)
	if err != nil {
		return queryir.Path{}, "", err
	}
	prop := lowerFirst(tail)
	if _, ok := target.Property(prop); !ok {
		return queryir.Path{}, "", faults.New(faults.CodeSpecProperty, "%s has no property %q (in %s)", target.Name, prop, expr)
	}
	alias := d.joinAlias(assocName)
	return queryir.Path{Alias: alias, Property: prop}, assocName + upperFirst(prop), nil
}

func (d *methodDeriver) joinAlias(assoc string) string {
	for _, j := range d.joins {
		if j.Path.Property == assoc {
			return j.Alias
		}
	}
	d.joins = append(d.joins, queryir.Join{
		Kind:  queryir.InnerJoin,
		Path:  queryir.Path{Alias: d.alias, Property: assoc},
		Alias: assoc,
	})
	return assoc
}

func (d *methodDeriver) orders(s string) ([]queryir.Order, error) {
	if s == "" {
		return nil, nil
	}
	var out []queryir.Order
	for _, part := range splitOrders(s) {
		o := queryir.Order{}
		switch {
		case strings.HasSuffix(part, "Desc"):
			o.Direction = queryir.Desc
			part = strings.TrimSuffix(part, "Desc")
		case strings.HasSuffix(part, "Asc"):
			part = strings.TrimSuffix(part, "Asc")
		}
		path, _, err := d.property(part)
		if err != nil {
			return nil, err
		}
		o.Path = path
		out = append(out, o)
	}
	return out, nil
}

// splitOrders splits "AgeDescUsername" into ["AgeDesc", "Username"].
func splitOrders(s string) []string {
	var parts []string
	last := 0
	for _, m := range orderSplit.FindAllStringSubmatchIndex(s, -1) {
		parts = append(parts, s[last:m[3]])
		last = m[4]
	}
	return append(parts, s[last:])
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
