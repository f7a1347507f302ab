package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Golden returns a goldie instance reading fixtures from testdata/golden
// with the .golden suffix.
//
// To regenerate golden files, run:
//
//	go test ./internal/... -update
func Golden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// StatementTrace renders executed statements one per line, numbered in
// execution order, under a "# name" header.
func StatementTrace(name string, statements []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", name)
	for i, s := range statements {
		fmt.Fprintf(&b, "%d %s\n", i+1, strings.Join(strings.Fields(s), " "))
	}
	return []byte(b.String())
}

// AssertStatements compares the statement trace against
// testdata/golden/<name>.golden.
func AssertStatements(t *testing.T, name string, statements []string) {
	t.Helper()
	Golden(t).Assert(t, name, StatementTrace(name, statements))
}
