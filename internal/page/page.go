// Package page holds the paging request and result types.
//
// A Page carries a total element count and is produced by running a content
// query plus a count query. A Slice carries no total; whether a next slice
// exists is learned by fetching one row more than the slice size.
package page

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
)

// Order sorts by one property of the queried entity.
type Order struct {
	Property  string
	Direction queryir.Direction
}

// Asc sorts by property in ascending order.
func Asc(property string) Order {
	return Order{Property: property, Direction: queryir.Asc}
}

// Desc sorts by property in descending order.
func Desc(property string) Order {
	return Order{Property: property, Direction: queryir.Desc}
}

// Request selects one page: a zero-based index, a size of at least one, and
// an optional ordering applied in addition to the query's own ORDER BY.
type Request struct {
	Index int
	Size  int
	Sort  []Order
}

// Of builds a request.
func Of(index, size int, sort ...Order) Request {
	return Request{Index: index, Size: size, Sort: sort}
}

// Validate reports an INVALID_PAGE error for a negative index or a size
// below one.
func (r Request) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Index, validation.Min(0)),
		validation.Field(&r.Size, validation.Required, validation.Min(1)),
		validation.Field(&r.Sort, validation.Each(validation.By(validOrder))),
	)
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if errors.As(err, &errs) {
		if _, ok := errs["Sort"]; ok {
			return faults.Wrap(faults.CodeInvalidSort, err, "invalid sort")
		}
	}
	return faults.Wrap(faults.CodeInvalidPage, err, "invalid page request (index %d, size %d)", r.Index, r.Size)
}

func validOrder(v any) error {
	o, _ := v.(Order)
	if o.Property == "" {
		return errors.New("property is required")
	}
	if o.Direction != queryir.Asc && o.Direction != queryir.Desc {
		return errors.New("unknown direction")
	}
	return nil
}

// Offset is the number of rows before the first row of the page.
func (r Request) Offset() int {
	return r.Index * r.Size
}

// Next returns the request for the following page.
func (r Request) Next() Request {
	r.Index++
	return r
}

// Page is one page of results with the total number of matching rows.
type Page[T any] struct {
	Content []T
	Total   int64
	Index   int
	Size    int
}

// IsFirst reports whether this is the first page.
func (p Page[T]) IsFirst() bool {
	return p.Index == 0
}

// HasNext reports whether rows exist after this page.
func (p Page[T]) HasNext() bool {
	return int64(p.Index+1)*int64(p.Size) < p.Total
}

// IsLast reports whether no rows exist after this page.
func (p Page[T]) IsLast() bool {
	return !p.HasNext()
}

// TotalPages is ceil(Total / Size).
func (p Page[T]) TotalPages() int {
	if p.Size <= 0 {
		return 0
	}
	return int((p.Total + int64(p.Size) - 1) / int64(p.Size))
}

// Len returns the number of elements on this page.
func (p Page[T]) Len() int {
	return len(p.Content)
}

// Slice is one page of results without a total count.
type Slice[T any] struct {
	Content []T
	Index   int
	Size    int

	// More is set when the probe row beyond this slice was found.
	More bool
}

// IsFirst reports whether this is the first slice.
func (s Slice[T]) IsFirst() bool {
	return s.Index == 0
}

// HasNext reports whether rows exist after this slice.
func (s Slice[T]) HasNext() bool {
	return s.More
}

// Len returns the number of elements in this slice.
func (s Slice[T]) Len() int {
	return len(s.Content)
}

// NewSlice builds a slice from up to size+1 fetched rows: the extra row, if
// present, only signals that a next slice exists and is dropped.
func NewSlice[T any](rows []T, r Request) Slice[T] {
	s := Slice[T]{Content: rows, Index: r.Index, Size: r.Size}
	if len(rows) > r.Size {
		s.Content = rows[:r.Size]
		s.More = true
	}
	return s
}

// Map converts the content of a page and keeps its metadata.
func Map[T, U any](p Page[T], fn func(T) U) Page[U] {
	out := Page[U]{Total: p.Total, Index: p.Index, Size: p.Size}
	out.Content = make([]U, len(p.Content))
	for i, v := range p.Content {
		out.Content[i] = fn(v)
	}
	return out
}

// MapSlice converts the content of a slice and keeps its metadata.
func MapSlice[T, U any](s Slice[T], fn func(T) U) Slice[U] {
	out := Slice[U]{Index: s.Index, Size: s.Size, More: s.More}
	out.Content = make([]U, len(s.Content))
	for i, v := range s.Content {
		out.Content[i] = fn(v)
	}
	return out
}
