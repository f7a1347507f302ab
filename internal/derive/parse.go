package derive

import (
	"strconv"
	"strings"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/schema"
)

// Parse turns a query string into the intermediate representation.
//
// The accepted language is a small entity query language over logical
// property names:
//
//	select m from Member m left join fetch m.team t where m.username = :name
//	select m.username from Member m
//	select new MemberDto(m.id, m.username, t.name) from Member m join m.team t
//	select count(m) from Member m
//	select m from Member m where m.username in :names order by m.age desc
//	update Member m set m.age = m.age + 1 where m.age >= :age
//	delete from Member m where m.team is null
//
// Parameters are named (`:name`). Positional parameters (`?1`) are rejected
// with a SPEC_POSITIONAL_PARAM error. Multi-segment paths (`m.team.name`)
// join the association implicitly.
//
// The result is validated against the registry before it is returned.
func Parse(reg *schema.Registry, text string) (queryir.Query, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	for _, t := range toks {
		if t.kind == tokPositional {
			return nil, faults.New(faults.CodeSpecPositionalParam,
				"positional parameter %s at %d: bind parameters by name (:name)", t.text, t.pos)
		}
	}

	p := &parser{reg: reg, toks: toks, aliases: map[string]*schema.Entity{}}
	var q queryir.Query
	switch {
	case p.peek().is("select"):
		q, err = p.parseSelect()
	case p.peek().is("update"):
		q, err = p.parseUpdate()
	case p.peek().is("delete"):
		q, err = p.parseDelete()
	default:
		err = p.errorf("expected select, update or delete")
	}
	if err != nil {
		return nil, err
	}
	if !p.at(tokEOF) {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	if err := queryir.Validate(reg, q); err != nil {
		return nil, err
	}
	return q, nil
}

type parser struct {
	reg  *schema.Registry
	toks []token
	pos  int

	root    queryir.Source
	aliases map[string]*schema.Entity
	joins   []queryir.Join
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) at(kind tokenKind) bool {
	return p.peek().kind == kind
}

func (p *parser) accept(s string) bool {
	if p.peek().is(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.accept(s) {
		return p.errorf("expected %q, found %q", s, p.peek().text)
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.errorf("expected identifier, found %q", t.text)
	}
	p.pos++
	return t.text, nil
}

func (p *parser) errorf(format string, args ...any) error {
	err := faults.New(faults.CodeSpecQuery, format, args...)
	err.Message += " at " + strconv.Itoa(p.peek().pos)
	return err
}

var reserved = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "left": true, "inner": true,
	"outer": true, "fetch": true, "on": true, "order": true, "by": true, "and": true, "or": true,
	"not": true, "in": true, "is": true, "null": true, "like": true, "between": true, "set": true,
	"update": true, "delete": true, "new": true, "count": true, "distinct": true, "as": true,
	"asc": true, "desc": true, "true": true, "false": true,
}

// entitySource parses `Entity [as] alias`.
func (p *parser) entitySource() error {
	name, err := p.ident()
	if err != nil {
		return err
	}
	e, ok := p.reg.Entity(name)
	if !ok {
		return faults.New(faults.CodeSpecEntity, "unknown entity %q", name)
	}
	p.accept("as")
	alias, err := p.ident()
	if err != nil {
		return err
	}
	if reserved[strings.ToLower(alias)] {
		return p.errorf("entity %s needs an alias", name)
	}
	p.root = queryir.Source{Entity: e.Name, Alias: alias}
	p.aliases[alias] = e
	return nil
}

func (p *parser) parseSelect() (queryir.Query, error) {
	if err := p.expect("select"); err != nil {
		return nil, err
	}
	sel := queryir.Select{Distinct: p.accept("distinct")}

	// The select list refers to aliases declared later in FROM, so remember
	// where it starts and come back to it once the sources are known.
	listStart := p.pos
	depth := 0
	for !(depth == 0 && p.peek().is("from")) {
		if p.at(tokEOF) {
			return nil, p.errorf("expected from")
		}
		switch {
		case p.peek().is("("):
			depth++
		case p.peek().is(")"):
			depth--
		}
		p.next()
	}
	p.next()
	if err := p.entitySource(); err != nil {
		return nil, err
	}
	if err := p.parseJoins(); err != nil {
		return nil, err
	}
	afterFrom := p.pos

	p.pos = listStart
	proj, err := p.parseProjection()
	if err != nil {
		return nil, err
	}
	if !p.peek().is("from") {
		return nil, p.errorf("expected from after select list")
	}
	sel.Projection = proj
	p.pos = afterFrom

	if p.accept("where") {
		if sel.Where, err = p.parseOr(); err != nil {
			return nil, err
		}
	}
	if p.accept("order") {
		if err := p.expect("by"); err != nil {
			return nil, err
		}
		for {
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			o := queryir.Order{Path: path}
			if p.accept("desc") {
				o.Direction = queryir.Desc
			} else {
				p.accept("asc")
			}
			sel.OrderBy = append(sel.OrderBy, o)
			if !p.accept(",") {
				break
			}
		}
	}
	sel.From = p.root
	sel.Joins = p.joins
	return sel, nil
}

func (p *parser) parseJoins() error {
	for {
		kind := queryir.InnerJoin
		switch {
		case p.accept("left"):
			p.accept("outer")
			kind = queryir.LeftJoin
			if err := p.expect("join"); err != nil {
				return err
			}
		case p.accept("inner"):
			if err := p.expect("join"); err != nil {
				return err
			}
		case p.accept("join"):
		default:
			return nil
		}
		fetch := p.accept("fetch")
		owner, err := p.ident()
		if err != nil {
			return err
		}
		if err := p.expect("."); err != nil {
			return err
		}
		assoc, err := p.ident()
		if err != nil {
			return err
		}
		p.accept("as")
		alias := ""
		if p.at(tokIdent) && !reserved[strings.ToLower(p.peek().text)] {
			alias = p.next().text
		}
		if _, err := p.join(kind, queryir.Path{Alias: owner, Property: assoc}, alias, fetch); err != nil {
			return err
		}
	}
}

// join declares a join of path. An empty alias reuses the first join over the
// same path, or generates one; a new alias joins the association again, so a
// fetch join and a filtering join can cover the same path.
func (p *parser) join(kind queryir.JoinKind, path queryir.Path, alias string, fetch bool) (string, error) {
	for i, j := range p.joins {
		if j.Path == path && (alias == "" || alias == j.Alias) {
			p.joins[i].Fetch = j.Fetch || fetch
			return j.Alias, nil
		}
	}
	owner, ok := p.aliases[path.Alias]
	if !ok {
		return "", faults.New(faults.CodeSpecQuery, "join %s: alias %q is not declared", path, path.Alias)
	}
	a, ok := owner.Association(path.Property)
	if !ok {
		return "", faults.New(faults.CodeSpecProperty, "join %s: %s has no association %q", path, owner.Name, path.Property)
	}
	target, err := owner.Target(a)
	if err != nil {
		return "", err
	}
	if alias == "" {
		alias = path.Alias + "_" + path.Property
	}
	if _, dup := p.aliases[alias]; dup {
		return "", p.errorf("alias %q declared twice", alias)
	}
	p.aliases[alias] = target
	p.joins = append(p.joins, queryir.Join{Kind: kind, Path: path, Alias: alias, Fetch: fetch})
	return alias, nil
}

func (p *parser) parseProjection() (queryir.Projection, error) {
	switch {
	case p.accept("new"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		// Accept package-qualified names; the last segment is the constructor.
		for p.accept(".") {
			if name, err = p.ident(); err != nil {
				return nil, err
			}
		}
		if err := p.expect("("); err != nil {
			return nil, err
		}
		var args []queryir.Path
		for {
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			args = append(args, path)
			if !p.accept(",") {
				break
			}
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return queryir.ConstructorProjection{Constructor: name, Args: args}, nil

	case p.peek().is("count") && p.toks[p.pos+1].is("("):
		p.pos += 2
		c := queryir.CountProjection{Distinct: p.accept("distinct")}
		path, err := p.parsePathOrAlias()
		if err != nil {
			return nil, err
		}
		c.Path = path
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return c, nil
	}

	var paths []queryir.Path
	for {
		path, err := p.parsePathOrAlias()
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
		if !p.accept(",") {
			break
		}
	}
	if len(paths) == 1 && paths[0].Property == "" {
		return queryir.EntityProjection{Alias: paths[0].Alias}, nil
	}
	for _, path := range paths {
		if path.Property == "" {
			return nil, p.errorf("alias %s cannot be mixed with columns", path.Alias)
		}
	}
	return queryir.ScalarProjection{Paths: paths}, nil
}

func (p *parser) parsePathOrAlias() (queryir.Path, error) {
	if p.at(tokIdent) && !p.toks[p.pos+1].is(".") {
		alias := p.next().text
		if _, ok := p.aliases[alias]; !ok {
			return queryir.Path{}, faults.New(faults.CodeSpecQuery, "alias %q is not declared", alias)
		}
		return queryir.Path{Alias: alias}, nil
	}
	return p.parsePath()
}

// parsePath parses alias.prop[.prop...]. Intermediate segments must be
// associations and are joined implicitly.
func (p *parser) parsePath() (queryir.Path, error) {
	alias, err := p.ident()
	if err != nil {
		return queryir.Path{}, err
	}
	if _, ok := p.aliases[alias]; !ok {
		return queryir.Path{}, faults.New(faults.CodeSpecQuery, "alias %q is not declared", alias)
	}
	if err := p.expect("."); err != nil {
		return queryir.Path{}, err
	}
	prop, err := p.ident()
	if err != nil {
		return queryir.Path{}, err
	}
	for p.accept(".") {
		next, err := p.ident()
		if err != nil {
			return queryir.Path{}, err
		}
		if alias, err = p.join(queryir.InnerJoin, queryir.Path{Alias: alias, Property: prop}, "", false); err != nil {
			return queryir.Path{}, err
		}
		prop = next
	}
	return queryir.Path{Alias: alias, Property: prop}, nil
}

func (p *parser) parseOr() (queryir.Predicate, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	preds := []queryir.Predicate{first}
	for p.accept("or") {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		preds = append(preds, next)
	}
	if len(preds) == 1 {
		return first, nil
	}
	return queryir.Or{Predicates: preds}, nil
}

func (p *parser) parseAnd() (queryir.Predicate, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	preds := []queryir.Predicate{first}
	for p.accept("and") {
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		preds = append(preds, next)
	}
	if len(preds) == 1 {
		return first, nil
	}
	return queryir.And{Predicates: preds}, nil
}

func (p *parser) parseNot() (queryir.Predicate, error) {
	if p.accept("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return queryir.Not{Predicate: inner}, nil
	}
	return p.parseCondition()
}

// isGroupedCondition looks ahead from an opening parenthesis to decide
// whether it groups a condition or an arithmetic expression.
func (p *parser) isGroupedCondition() bool {
	depth := 0
	for i := p.pos; i < len(p.toks); i++ {
		t := p.toks[i]
		switch {
		case t.is("("):
			depth++
		case t.is(")"):
			depth--
			if depth == 0 {
				return false
			}
		case depth == 1 && (t.is("and") || t.is("or") || t.is("not") || t.is("is") ||
			t.is("in") || t.is("like") || t.is("between") || isCompareSymbol(t)):
			return true
		case t.kind == tokEOF:
			return false
		}
	}
	return false
}

func isCompareSymbol(t token) bool {
	if t.kind != tokSymbol {
		return false
	}
	_, ok := compareOps[t.text]
	return ok
}

var compareOps = map[string]queryir.CompareOp{
	"=":  queryir.OpEq,
	"<>": queryir.OpNe,
	"!=": queryir.OpNe,
	">":  queryir.OpGt,
	">=": queryir.OpGe,
	"<":  queryir.OpLt,
	"<=": queryir.OpLe,
}

func (p *parser) parseCondition() (queryir.Predicate, error) {
	if p.peek().is("(") && p.isGroupedCondition() {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	left, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if t := p.peek(); isCompareSymbol(t) {
		p.next()
		right, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return queryir.Compare{Left: left, Op: compareOps[t.text], Right: right}, nil
	}

	if p.accept("is") {
		negate := p.accept("not")
		if err := p.expect("null"); err != nil {
			return nil, err
		}
		return queryir.IsNull{Operand: left, Negate: negate}, nil
	}

	negate := p.accept("not")
	switch {
	case p.accept("in"):
		paren := p.accept("(")
		if !p.at(tokParam) {
			return nil, p.errorf("in expects a list parameter")
		}
		name := p.next().text
		if paren {
			if err := p.expect(")"); err != nil {
				return nil, err
			}
		}
		return queryir.In{Operand: left, List: queryir.Param{Name: name}, Negate: negate}, nil
	case p.accept("like"):
		pattern, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return queryir.Like{Operand: left, Pattern: pattern, Negate: negate}, nil
	case p.accept("between"):
		low, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect("and"); err != nil {
			return nil, err
		}
		high, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		var pred queryir.Predicate = queryir.Between{Operand: left, Low: low, High: high}
		if negate {
			pred = queryir.Not{Predicate: pred}
		}
		return pred, nil
	}
	return nil, p.errorf("expected comparison, found %q", p.peek().text)
}

func (p *parser) parseExpr() (queryir.Operand, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek().is("+") || p.peek().is("-") {
		op := queryir.ArithOp(p.next().text)
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = queryir.Arith{Left: left, Op: op, Right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (queryir.Operand, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.peek().is("*") || p.peek().is("/") {
		op := queryir.ArithOp(p.next().text)
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = queryir.Arith{Left: left, Op: op, Right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (queryir.Operand, error) {
	t := p.peek()
	switch {
	case t.kind == tokParam:
		p.next()
		return queryir.Param{Name: t.text}, nil
	case t.kind == tokString:
		p.next()
		return queryir.Literal{Value: t.text}, nil
	case t.kind == tokInt:
		p.next()
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid integer %q", t.text)
		}
		return queryir.Literal{Value: n}, nil
	case t.kind == tokFloat:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", t.text)
		}
		return queryir.Literal{Value: f}, nil
	case t.is("true"), t.is("false"):
		p.next()
		return queryir.Literal{Value: strings.EqualFold(t.text, "true")}, nil
	case t.is("("):
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return inner, nil
	case t.is("-"):
		p.next()
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return queryir.Arith{Left: queryir.Literal{Value: int64(0)}, Op: queryir.OpSub, Right: inner}, nil
	case t.kind == tokIdent:
		return p.parsePath()
	}
	return nil, p.errorf("unexpected %q", t.text)
}

func (p *parser) parseUpdate() (queryir.Query, error) {
	if err := p.expect("update"); err != nil {
		return nil, err
	}
	if err := p.entitySource(); err != nil {
		return nil, err
	}
	if err := p.expect("set"); err != nil {
		return nil, err
	}
	u := queryir.Update{From: p.root}
	for {
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		if path.Alias != p.root.Alias {
			return nil, p.errorf("update can only set properties of %s", p.root.Alias)
		}
		if err := p.expect("="); err != nil {
			return nil, err
		}
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		u.Set = append(u.Set, queryir.Assignment{Property: path.Property, Value: value})
		if !p.accept(",") {
			break
		}
	}
	var err error
	if p.accept("where") {
		if u.Where, err = p.parseOr(); err != nil {
			return nil, err
		}
	}
	if len(p.joins) > 0 {
		return nil, p.errorf("update cannot navigate associations")
	}
	return u, nil
}

func (p *parser) parseDelete() (queryir.Query, error) {
	if err := p.expect("delete"); err != nil {
		return nil, err
	}
	p.accept("from")
	if err := p.entitySource(); err != nil {
		return nil, err
	}
	d := queryir.Delete{From: p.root}
	var err error
	if p.accept("where") {
		if d.Where, err = p.parseOr(); err != nil {
			return nil, err
		}
	}
	if len(p.joins) > 0 {
		return nil, p.errorf("delete cannot navigate associations")
	}
	return d, nil
}
