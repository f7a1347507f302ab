package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/querysql"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: "sqlite3",
		DSN:    MemoryDSN(strings.ReplaceAll(t.Name(), "/", "_")),
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Script(context.Background(), `
		CREATE TABLE parent (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE);
		CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER NOT NULL REFERENCES parent(id));
	`))
	return s
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: path})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, querysql.SQLite, s.Dialect())

	var fk int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestTx_CommitAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO parent (name) VALUES (?)", "kept")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	tx, err = s.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO parent (name) VALUES (?)", "discarded")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	rows, err := s.Query(ctx, "SELECT name FROM parent ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"kept"}, names)
}

func TestExec_ConstraintViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "INSERT INTO parent (name) VALUES (?)", "dup")
	require.NoError(t, err)
	_, err = s.Exec(ctx, "INSERT INTO parent (name) VALUES (?)", "dup")

	require.Error(t, err)
	assert.True(t, faults.IsStore(err))
	assert.Equal(t, faults.CodeStoreConstraint, faults.CodeOf(err))
	assert.False(t, faults.IsRetryable(err))

	_, err = s.Exec(ctx, "INSERT INTO child (parent_id) VALUES (?)", 999)
	assert.Equal(t, faults.CodeStoreConstraint, faults.CodeOf(err), "foreign keys are enforced")
}

func TestExec_DeadlineIsRetryableTimeout(t *testing.T) {
	s := openTestStore(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := s.Exec(ctx, "INSERT INTO parent (name) VALUES (?)", "late")
	require.Error(t, err)
	assert.Equal(t, faults.CodeStoreTimeout, faults.CodeOf(err))
	assert.True(t, faults.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestObserver_CountsStatements(t *testing.T) {
	counter := &Counter{}
	s := openTestStore(t, WithObserver(counter.Observe))
	ctx := context.Background()
	counter.Reset()

	_, err := s.Exec(ctx, "INSERT INTO parent (name) VALUES (?)", "a")
	require.NoError(t, err)
	rows, err := s.Query(ctx, "SELECT id FROM parent")
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	assert.Equal(t, 2, counter.Count())
	assert.Equal(t, 1, counter.Selects())
	assert.Equal(t, []string{"INSERT INTO parent (name) VALUES (?)", "SELECT id FROM parent"}, counter.Statements())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      faults.Code
		retryable bool
	}{
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), faults.CodeStoreTimeout, true},
		{"canceled", context.Canceled, faults.CodeStoreFailure, false},
		{"bad conn", driver.ErrBadConn, faults.CodeStoreUnavailable, true},
		{"conn done", sql.ErrConnDone, faults.CodeStoreUnavailable, true},
		{"mysql invalid conn", mysql.ErrInvalidConn, faults.CodeStoreUnavailable, true},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, faults.CodeStoreTimeout, true},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, faults.CodeStoreUnavailable, true},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, faults.CodeStoreConstraint, false},
		{"mysql syntax", &mysql.MySQLError{Number: 1064}, faults.CodeStoreFailure, false},
		{"pq unique", &pq.Error{Code: "23505"}, faults.CodeStoreConstraint, false},
		{"pq serialization", &pq.Error{Code: "40001"}, faults.CodeStoreUnavailable, true},
		{"pq statement timeout", &pq.Error{Code: "57014"}, faults.CodeStoreTimeout, true},
		{"pq connection", &pq.Error{Code: "08006"}, faults.CodeStoreUnavailable, true},
		{"pq syntax", &pq.Error{Code: "42601"}, faults.CodeStoreFailure, false},
		{"unknown", errors.New("boom"), faults.CodeStoreFailure, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			var fe *faults.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.code, fe.Code)
			assert.Equal(t, tt.retryable, fe.Retryable)
			assert.ErrorIs(t, err, tt.err, "driver error stays reachable")
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, Classify(nil))

	already := faults.New(faults.CodeParamMissing, "x")
	assert.Same(t, already, Classify(already))
}

func TestMySQLConfig_DSN(t *testing.T) {
	dsn := MySQLConfig{Host: "db", Port: 3306, User: "app", Password: "secret", Database: "members"}.DSN()

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "secret", cfg.Passwd)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "members", cfg.DBName)
	assert.True(t, cfg.ParseTime)
}
