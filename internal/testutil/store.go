package testutil

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/store"
)

// OpenStore opens a private in-memory SQLite database named after the test
// and creates the fixture tables in it. The store is closed when the test
// ends.
func OpenStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite3",
		DSN:    store.MemoryDSN(name),
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Script(context.Background(), FixtureDDL))
	return st
}

// Ages returns the ages stored in the member table, ordered by age.
func Ages(t testing.TB, st *store.Store) []int {
	t.Helper()
	rows, err := st.Query(context.Background(), "SELECT age FROM member ORDER BY age")
	require.NoError(t, err)
	defer rows.Close()
	var ages []int
	for rows.Next() {
		var age int
		require.NoError(t, rows.Scan(&age))
		ages = append(ages, age)
	}
	require.NoError(t, rows.Err())
	return ages
}
