//go:build cgo

package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/entityctx/internal/faults"
)

func classifyCgoSQLite(err error) (faults.Code, bool, bool) {
	var liteErr sqlite3.Error
	if !errors.As(err, &liteErr) {
		return "", false, false
	}
	code, retryable := sqliteCode(int(liteErr.Code))
	return code, retryable, true
}
