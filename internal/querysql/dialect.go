package querysql

import (
	"fmt"
	"strconv"
)

// Dialect captures the SQL differences between supported stores.
type Dialect struct {
	// Name is the database/sql driver name.
	Name string

	// Numbered selects $1, $2, ... placeholders instead of ?.
	Numbered bool

	// Returning appends RETURNING <id> to inserts instead of relying on
	// LastInsertId.
	Returning bool

	// Locking enables FOR UPDATE / FOR SHARE. SQLite locks the whole database
	// for writers and has no row lock clauses, so lock hints are dropped.
	Locking bool
}

var (
	// SQLite is the dialect of mattn/go-sqlite3 (driver "sqlite3").
	SQLite = Dialect{Name: "sqlite3"}

	// SQLitePure is the dialect of modernc.org/sqlite (driver "sqlite").
	SQLitePure = Dialect{Name: "sqlite"}

	// MySQL is the dialect of go-sql-driver/mysql.
	MySQL = Dialect{Name: "mysql", Locking: true}

	// Postgres is the dialect of lib/pq.
	Postgres = Dialect{Name: "postgres", Numbered: true, Returning: true, Locking: true}
)

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3":
		return SQLite, nil
	case "sqlite":
		return SQLitePure, nil
	case "mysql":
		return MySQL, nil
	case "postgres":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

func (d Dialect) placeholder(n int) string {
	if d.Numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
