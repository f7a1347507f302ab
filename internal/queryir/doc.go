// Package queryir defines the intermediate query representation shared by
// every query specification form.
//
// ARCHITECTURE:
//
// Three specification forms normalize to the same IR, and one compiler
// consumes it:
//
//	[method name]   ─┐
//	[query string]  ─┼→ [Query IR] → [querysql.Compiler] → dialect SQL
//	[named query]   ─┘
//
// The IR is deliberately independent of SQL text: it names entities,
// aliases and logical properties, never tables or columns. The compiler
// resolves names through the schema registry.
//
// SEALED INTERFACES:
//
// Query, Projection, Predicate and Operand are sealed interfaces using the
// marker method pattern. Only types in this package implement them, so the
// compiler's type switches are exhaustive.
//
//	switch q := query.(type) {
//	case Select:
//	    // SELECT ... FROM ... [JOIN ...] [WHERE ...] [ORDER BY ...]
//	case Update:
//	    // UPDATE ... SET ... [WHERE ...]
//	case Delete:
//	    // DELETE FROM ... [WHERE ...]
//	}
//
// PARAMETERS:
//
// Parameters are always named (Param{Name: "username"}). The IR has no
// positional parameter form; binding by position is rejected by the query
// string parser before an IR is ever produced.
//
// VALIDATION:
//
// Validate checks a query against the schema registry: every alias must be
// declared, every property must exist on the aliased entity, joins must
// follow associations, and constructor projections must match the arity of
// the registered constructor. Validation failures are specification errors
// and are raised when a query is registered, never at execution time.
package queryir
