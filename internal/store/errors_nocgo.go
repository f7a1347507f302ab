//go:build !cgo

package store

import "github.com/roach88/entityctx/internal/faults"

// mattn/go-sqlite3 is a stub without cgo and never returns its error type.
func classifyCgoSQLite(error) (faults.Code, bool, bool) {
	return "", false, false
}
