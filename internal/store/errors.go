package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/roach88/entityctx/internal/faults"
)

// Classify converts a driver error to a store fault. Errors that already
// carry a fault code are returned unchanged, as is nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		return err
	}
	code, retryable := classify(err)
	return &faults.Error{
		Code:      code,
		Message:   "store operation failed",
		Retryable: retryable,
		Err:       err,
	}
}

func classify(err error) (faults.Code, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return faults.CodeStoreTimeout, true
	case errors.Is(err, context.Canceled):
		return faults.CodeStoreFailure, false
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, mysql.ErrInvalidConn):
		return faults.CodeStoreUnavailable, true
	}

	if code, retryable, ok := classifyCgoSQLite(err); ok {
		return code, retryable
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return sqliteCode(liteErr.Code() & 0xff)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlCode(myErr.Number)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return postgresCode(pqErr.Code)
	}

	return faults.CodeStoreFailure, false
}

// sqliteCode maps a primary SQLite result code.
func sqliteCode(code int) (faults.Code, bool) {
	switch code {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return faults.CodeStoreUnavailable, true
	case sqlite3lib.SQLITE_INTERRUPT:
		return faults.CodeStoreTimeout, true
	case sqlite3lib.SQLITE_CONSTRAINT:
		return faults.CodeStoreConstraint, false
	default:
		return faults.CodeStoreFailure, false
	}
}

// mysqlCode maps a MySQL server error number.
func mysqlCode(number uint16) (faults.Code, bool) {
	switch number {
	case 1205: // ER_LOCK_WAIT_TIMEOUT
		return faults.CodeStoreTimeout, true
	case 3024: // ER_QUERY_TIMEOUT
		return faults.CodeStoreTimeout, true
	case 1213: // ER_LOCK_DEADLOCK
		return faults.CodeStoreUnavailable, true
	case 1040, 1053, 2002, 2003, 2006, 2013:
		return faults.CodeStoreUnavailable, true
	case 1048, 1062, 1216, 1217, 1451, 1452, 3819:
		return faults.CodeStoreConstraint, false
	default:
		return faults.CodeStoreFailure, false
	}
}

// postgresCode maps a SQLSTATE.
func postgresCode(code pq.ErrorCode) (faults.Code, bool) {
	if code == "57014" { // query_canceled, raised by statement_timeout
		return faults.CodeStoreTimeout, true
	}
	switch code.Class() {
	case "08", "53", "57", "40":
		// connection exception, insufficient resources, operator
		// intervention, transaction rollback (serialization, deadlock)
		return faults.CodeStoreUnavailable, true
	case "23":
		return faults.CodeStoreConstraint, false
	default:
		return faults.CodeStoreFailure, false
	}
}
