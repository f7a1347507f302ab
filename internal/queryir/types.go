package queryir

// Query is a complete statement: Select, Update or Delete.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode() // Marker method - seals interface to this package
	Root() Source
}

// Projection is the result shape of a Select.
//
// Projection types:
//   - EntityProjection: managed entity instances of one alias
//   - ScalarProjection: a list of column values per row
//   - ConstructorProjection: a transfer object built by a registered constructor
//   - CountProjection: a single row count
//   - ExistsProjection: whether at least one row matches
type Projection interface {
	projectionNode()
}

// Predicate is a boolean condition in WHERE or ON position.
type Predicate interface {
	predicateNode()
}

// Operand is a value-producing expression: a property path, a named
// parameter, a literal or arithmetic over operands.
type Operand interface {
	operandNode()
}

// Source is the root entity of a statement and the alias it is referred to by.
type Source struct {
	Entity string // Registered entity name (e.g., "Member")
	Alias  string // Alias used by paths (e.g., "m")
}

// Select reads rows of the root entity.
//
// Semantics:
//
//	SELECT [DISTINCT] <projection> FROM <from> <joins> WHERE <where>
//	ORDER BY <order> [LIMIT <limit>] [FOR UPDATE|FOR SHARE]
//
// Example (findByUsernameAndAgeGreaterThan):
//
//	Select{
//	  From:       Source{Entity: "Member", Alias: "m"},
//	  Projection: EntityProjection{Alias: "m"},
//	  Where: And{Predicates: []Predicate{
//	    Compare{Left: Path{Alias: "m", Property: "username"}, Op: OpEq, Right: Param{Name: "username"}},
//	    Compare{Left: Path{Alias: "m", Property: "age"}, Op: OpGt, Right: Param{Name: "age"}},
//	  }},
//	}
//
// Limit is a static row cap from the specification (First3, Top10); paging
// applies its own window on top and never raises the static cap.
type Select struct {
	From       Source
	Distinct   bool
	Projection Projection
	Joins      []Join
	Where      Predicate // nil = no filter
	OrderBy    []Order
	Limit      int // 0 = unbounded
	Lock       LockMode
}

func (Select) queryNode()     {}
func (s Select) Root() Source { return s.From }

// Update is a bulk update statement. It bypasses the identity map.
//
// Semantics:
//
//	UPDATE <from> SET <set> WHERE <where>
type Update struct {
	From  Source
	Set   []Assignment
	Where Predicate
}

func (Update) queryNode()     {}
func (u Update) Root() Source { return u.From }

// Delete is a bulk delete statement. It bypasses the identity map.
type Delete struct {
	From  Source
	Where Predicate
}

func (Delete) queryNode()     {}
func (d Delete) Root() Source { return d.From }

// Assignment is one `path = value` clause of an Update.
type Assignment struct {
	Property string // Property of the root entity
	Value    Operand
}

// JoinKind selects inner or left outer join semantics.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

func (k JoinKind) String() string {
	if k == LeftJoin {
		return "LEFT"
	}
	return "INNER"
}

// Join follows a to-one association from an already declared alias.
//
// Fetch marks a fetch join: the target's columns are selected alongside the
// root entity and the association is resolved from the same row instead of a
// secondary fetch.
type Join struct {
	Kind  JoinKind
	Path  Path   // Owner alias + association property (e.g., m.team)
	Alias string // Alias of the joined entity (e.g., "t")
	Fetch bool
}

// Direction is the sort direction of an Order.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "DESC"
	}
	return "ASC"
}

// Order is one ORDER BY term.
type Order struct {
	Path      Path
	Direction Direction
}

// LockMode is an opt-in pessimistic lock hint.
type LockMode int

const (
	LockNone  LockMode = iota
	LockWrite          // FOR UPDATE
	LockRead           // FOR SHARE
)

func (m LockMode) String() string {
	switch m {
	case LockWrite:
		return "write"
	case LockRead:
		return "read"
	default:
		return "none"
	}
}

// EntityProjection selects full entity rows of Alias.
type EntityProjection struct {
	Alias string
}

func (EntityProjection) projectionNode() {}

// ScalarProjection selects the listed paths. A path naming an association
// selects its foreign key column.
type ScalarProjection struct {
	Paths []Path
}

func (ScalarProjection) projectionNode() {}

// ConstructorProjection builds a transfer object per row by calling the
// constructor registered under Constructor with Args, in order.
type ConstructorProjection struct {
	Constructor string
	Args        []Path
}

func (ConstructorProjection) projectionNode() {}

// CountProjection counts matching rows. With a non-empty Path.Property the
// count is over that property; Distinct counts distinct values.
type CountProjection struct {
	Path     Path
	Distinct bool
}

func (CountProjection) projectionNode() {}

// ExistsProjection reports whether any row matches.
type ExistsProjection struct{}

func (ExistsProjection) projectionNode() {}

// CompareOp is a binary comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "<>"
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
)

// Compare is `<left> <op> <right>`.
type Compare struct {
	Left  Operand
	Op    CompareOp
	Right Operand
}

func (Compare) predicateNode() {}

// In is `<operand> [NOT] IN (<list>)`. List is a parameter bound to a slice;
// the compiler expands it to one placeholder per element at bind time. An
// empty list matches nothing (or everything, when negated).
type In struct {
	Operand Operand
	List    Param
	Negate  bool
}

func (In) predicateNode() {}

// IsNull is `<operand> IS [NOT] NULL`.
type IsNull struct {
	Operand Operand
	Negate  bool
}

func (IsNull) predicateNode() {}

// LikeMode controls how the bound pattern value is wrapped with wildcards.
type LikeMode int

const (
	LikeRaw      LikeMode = iota // value used as given
	LikePrefix                   // value + "%" (StartingWith)
	LikeSuffix                   // "%" + value (EndingWith)
	LikeContains                 // "%" + value + "%" (Containing)
)

// Like is `<operand> [NOT] LIKE <pattern>`.
type Like struct {
	Operand Operand
	Pattern Operand
	Mode    LikeMode
	Negate  bool
}

func (Like) predicateNode() {}

// Between is `<operand> BETWEEN <low> AND <high>`.
type Between struct {
	Operand Operand
	Low     Operand
	High    Operand
}

func (Between) predicateNode() {}

// And is a conjunction. Empty = always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is a disjunction. Empty = always false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not negates a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Path references a property of an aliased entity. An empty Property refers
// to the alias itself (the entity in projection position).
type Path struct {
	Alias    string
	Property string
}

func (Path) operandNode() {}

func (p Path) String() string {
	if p.Property == "" {
		return p.Alias
	}
	return p.Alias + "." + p.Property
}

// Param is a named parameter.
type Param struct {
	Name string
}

func (Param) operandNode() {}

// Literal is a constant written in a query string: string, int64, float64
// or bool.
type Literal struct {
	Value any
}

func (Literal) operandNode() {}

// ArithOp is a binary arithmetic operator.
type ArithOp string

const (
	OpAdd ArithOp = "+"
	OpSub ArithOp = "-"
	OpMul ArithOp = "*"
	OpDiv ArithOp = "/"
)

// Arith is `<left> <op> <right>`, used in update assignments
// (`set m.age = m.age + 1`) and comparisons.
type Arith struct {
	Left  Operand
	Op    ArithOp
	Right Operand
}

func (Arith) operandNode() {}
