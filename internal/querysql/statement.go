package querysql

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/schema"
)

// Kind is the statement type.
type Kind int

const (
	KindSelect Kind = iota
	KindInsert
	KindUpdate
	KindDelete
)

// Shape describes how result columns map back to values.
type Shape int

const (
	ShapeEntity Shape = iota
	ShapeScalar
	ShapeConstructor
	ShapeCount
	ShapeExists
	ShapeNone
)

// EntityColumns locates one entity's columns in a result row.
type EntityColumns struct {
	Entity *schema.Entity
	Offset int

	// Owner and Association are set for fetch-joined entities: the entity
	// whose reference this row resolves. Owner indexes Statement.Entities.
	Owner       int
	Association *schema.Association
}

// Statement is a compiled statement template. Binding turns it into SQL text
// plus driver arguments; the template itself never changes, so one Statement
// serves every execution of a query.
type Statement struct {
	Kind  Kind
	Shape Shape

	// Entities lists the entity column groups of an entity-shaped select:
	// the root first, then every fetch join in join order.
	Entities []EntityColumns

	// Width is the number of result columns.
	Width int

	// Constructor is the projection target of a constructor-shaped select.
	Constructor string

	// Returning is set when the insert reports the identity in a result row.
	Returning bool

	dialect  Dialect
	segments []segment
	limit    int  // static row cap, 0 = none
	window   bool // ends with LIMIT ? OFFSET ?
}

type argKind int

const (
	argParam argKind = iota
	argLiteral
	argIn
	argLimit
	argOffset
	argPositional
)

type segment struct {
	text string
	arg  *arg
}

type arg struct {
	kind    argKind
	param   string
	value   any
	like    queryir.LikeMode
	expr    string // left side of an IN list
	negate  bool
	ordinal int // position for argPositional
}

// Params returns the named parameters the statement binds, in order of first
// appearance.
func (s *Statement) Params() []string {
	seen := map[string]bool{}
	var names []string
	for _, seg := range s.segments {
		if seg.arg == nil || (seg.arg.kind != argParam && seg.arg.kind != argIn) {
			continue
		}
		if !seen[seg.arg.param] {
			seen[seg.arg.param] = true
			names = append(names, seg.arg.param)
		}
	}
	return names
}

// Windowed reports whether the statement takes a LIMIT/OFFSET window.
func (s *Statement) Windowed() bool {
	return s.window
}

// String renders the template with one placeholder per argument and IN
// lists shown as a single placeholder. Meant for display, not execution.
func (s *Statement) String() string {
	var b strings.Builder
	n := 0
	for _, seg := range s.segments {
		b.WriteString(seg.text)
		if seg.arg == nil {
			continue
		}
		n++
		if seg.arg.kind == argIn {
			if seg.arg.negate {
				fmt.Fprintf(&b, "%s NOT IN (%s)", seg.arg.expr, s.dialect.placeholder(n))
			} else {
				fmt.Fprintf(&b, "%s IN (%s)", seg.arg.expr, s.dialect.placeholder(n))
			}
			continue
		}
		b.WriteString(s.dialect.placeholder(n))
	}
	return b.String()
}

// Bind renders the statement for the given named parameters. Every
// parameter the statement references must be present; extra entries are
// ignored so one parameter set can serve a content query and its count query.
func (s *Statement) Bind(params map[string]any) (string, []any, error) {
	return s.bind(params, nil, 0, 0)
}

// BindWindow is Bind for a windowed statement.
func (s *Statement) BindWindow(params map[string]any, limit, offset int) (string, []any, error) {
	if !s.window {
		return "", nil, fmt.Errorf("statement has no window")
	}
	if s.limit > 0 {
		// A static cap (Top3) bounds the rows visible to any window.
		remaining := s.limit - offset
		if remaining < 0 {
			remaining = 0
		}
		if limit > remaining {
			limit = remaining
		}
	}
	return s.bind(params, nil, limit, offset)
}

// BindValues binds positional arguments in order. Used for statements built
// from entity metadata (insert, update by id, delete by id).
func (s *Statement) BindValues(values ...any) (string, []any, error) {
	return s.bind(nil, values, 0, 0)
}

func (s *Statement) bind(params map[string]any, values []any, limit, offset int) (string, []any, error) {
	var b strings.Builder
	args := make([]any, 0, len(s.segments))
	used := 0

	add := func(v any) {
		args = append(args, v)
		b.WriteString(s.dialect.placeholder(len(args)))
	}

	for _, seg := range s.segments {
		b.WriteString(seg.text)
		a := seg.arg
		if a == nil {
			continue
		}
		switch a.kind {
		case argLiteral:
			add(a.value)
		case argPositional:
			if a.ordinal >= len(values) {
				return "", nil, fmt.Errorf("statement expects more than %d values", len(values))
			}
			add(values[a.ordinal])
			used++
		case argLimit:
			add(limit)
		case argOffset:
			add(offset)
		case argParam:
			v, ok := params[a.param]
			if !ok {
				return "", nil, faults.New(faults.CodeParamMissing, "parameter %q is not bound", a.param)
			}
			if a.like != queryir.LikeRaw {
				pattern, err := likePattern(a.param, v, a.like)
				if err != nil {
					return "", nil, err
				}
				v = pattern
			}
			add(v)
		case argIn:
			v, ok := params[a.param]
			if !ok {
				return "", nil, faults.New(faults.CodeParamMissing, "parameter %q is not bound", a.param)
			}
			items, err := expand(a.param, v)
			if err != nil {
				return "", nil, err
			}
			if len(items) == 0 {
				// IN () is not valid SQL; an empty list matches no row.
				if a.negate {
					b.WriteString("1 = 1")
				} else {
					b.WriteString("1 = 0")
				}
				continue
			}
			b.WriteString(a.expr)
			if a.negate {
				b.WriteString(" NOT")
			}
			b.WriteString(" IN (")
			for i, item := range items {
				if i > 0 {
					b.WriteString(", ")
				}
				add(item)
			}
			b.WriteString(")")
		}
	}
	if values != nil && used != len(values) {
		return "", nil, fmt.Errorf("statement binds %d values, got %d", used, len(values))
	}
	return b.String(), args, nil
}

// expand flattens a slice or array parameter into IN list elements.
func expand(name string, v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, faults.New(faults.CodeParamType, "parameter %q must be a slice for IN, got %T", name, v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// likeEscape is the escape character of generated LIKE patterns. '!' needs no
// escaping inside a string literal on any supported store.
const likeEscape = "!"

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func likePattern(name string, v any, mode queryir.LikeMode) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", faults.New(faults.CodeParamType, "parameter %q must be a string for LIKE, got %T", name, v)
	}
	s = likeEscaper.Replace(s)
	switch mode {
	case queryir.LikePrefix:
		return s + "%", nil
	case queryir.LikeSuffix:
		return "%" + s, nil
	default:
		return "%" + s + "%", nil
	}
}
