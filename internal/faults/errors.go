// Package faults defines the error taxonomy shared by every layer of the
// persistence context.
//
// Four categories are distinguishable by callers:
//
//   - Specification errors: a query declaration that can never run. Raised
//     when the declaration is registered, never at execution time.
//   - Cardinality errors: more than one row for a single-result query.
//     Zero rows is not an error anywhere in this module.
//   - Store errors: failures reported by the database driver, classified as
//     retryable (timeouts, lock contention, lost connections) or fatal.
//   - Usage errors: the caller passed something the call cannot accept
//     (missing parameter, invalid page request, transient reference).
//
// Consistency hazards (bulk mutation without context invalidation) are not
// errors; they are logged at warn level by the repository package.
package faults

import (
	"errors"
	"fmt"
)

// Code identifies the precise failure.
type Code string

// Specification errors.
const (
	CodeSpecMethod          Code = "SPEC_METHOD"
	CodeSpecQuery           Code = "SPEC_QUERY"
	CodeSpecProperty        Code = "SPEC_PROPERTY"
	CodeSpecConstructor     Code = "SPEC_CONSTRUCTOR"
	CodeSpecNamedQuery      Code = "SPEC_NAMED_QUERY"
	CodeSpecGraph           Code = "SPEC_GRAPH"
	CodeSpecPositionalParam Code = "SPEC_POSITIONAL_PARAM"
	CodeSpecModifying       Code = "SPEC_MODIFYING"
	CodeSpecEntity          Code = "SPEC_ENTITY"
)

// Cardinality errors.
const (
	CodeNonUniqueResult Code = "NON_UNIQUE_RESULT"
)

// Store errors.
const (
	CodeStoreTimeout     Code = "STORE_TIMEOUT"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeStoreConstraint  Code = "STORE_CONSTRAINT"
	CodeStoreFailure     Code = "STORE_FAILURE"
)

// Usage errors.
const (
	CodeParamMissing       Code = "PARAM_MISSING"
	CodeParamUnknown       Code = "PARAM_UNKNOWN"
	CodeParamType          Code = "PARAM_TYPE"
	CodeInvalidPage        Code = "INVALID_PAGE"
	CodeInvalidSort        Code = "INVALID_SORT"
	CodeTransientReference Code = "TRANSIENT_REFERENCE"
	CodeDetachedEntity     Code = "DETACHED_ENTITY"
	CodeAuditTampered      Code = "AUDIT_TAMPERED"
	CodeSessionClosed      Code = "SESSION_CLOSED"
	CodeUnknownEntity      Code = "UNKNOWN_ENTITY"
)

// Category groups codes into the four caller-visible families.
type Category int

const (
	CategoryUsage Category = iota
	CategorySpecification
	CategoryCardinality
	CategoryStore
)

func (c Category) String() string {
	switch c {
	case CategorySpecification:
		return "specification"
	case CategoryCardinality:
		return "cardinality"
	case CategoryStore:
		return "store"
	default:
		return "usage"
	}
}

// Category returns the family the code belongs to.
func (c Code) Category() Category {
	switch c {
	case CodeSpecMethod, CodeSpecQuery, CodeSpecProperty, CodeSpecConstructor,
		CodeSpecNamedQuery, CodeSpecGraph, CodeSpecPositionalParam, CodeSpecModifying,
		CodeSpecEntity:
		return CategorySpecification
	case CodeNonUniqueResult:
		return CategoryCardinality
	case CodeStoreTimeout, CodeStoreUnavailable, CodeStoreConstraint, CodeStoreFailure:
		return CategoryStore
	default:
		return CategoryUsage
	}
}

// Error is the structured error returned across the module.
type Error struct {
	// Code identifies the failure.
	Code Code

	// Message is a human-readable description.
	Message string

	// Query names the query declaration involved, if any.
	Query string

	// Retryable is set for store errors the driver classified as transient.
	Retryable bool

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Query != "" {
		msg = fmt.Sprintf("%s (query=%s)", msg, e.Query)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithQuery returns a copy of e tagged with a query name.
func (e *Error) WithQuery(name string) *Error {
	cp := *e
	cp.Query = name
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

func categoryOf(err error) (Category, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code.Category(), true
	}
	return 0, false
}

// IsSpecification reports whether err is a registration-time specification error.
func IsSpecification(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategorySpecification
}

// IsNonUnique reports whether err is a non-unique single-result error.
func IsNonUnique(err error) bool {
	return Is(err, CodeNonUniqueResult)
}

// IsStore reports whether err originated in the store driver.
func IsStore(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryStore
}

// IsUsage reports whether err is a caller usage error.
func IsUsage(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryUsage
}

// IsRetryable reports whether err is a store error classified as transient.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
