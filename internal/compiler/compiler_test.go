package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/repository"
	"github.com/roach88/entityctx/internal/testutil"
)

func queryNames(d *Declarations) []string {
	var names []string
	for _, q := range d.Queries {
		names = append(names, q.Entity+"."+q.Name)
	}
	return names
}

var fixtureQueries = []string{
	"Member.byName",
	"Member.findByUsernameAndAgeGreaterThan",
	"Member.findOlder",
	"Member.findAllWithTeams",
	"Member.bulkAgePlus",
}

func TestLoadFile_FormatsAgree(t *testing.T) {
	for _, file := range []string{"members.cue", "members.yaml"} {
		t.Run(file, func(t *testing.T) {
			d, err := LoadFile(filepath.Join("testdata", file))
			require.NoError(t, err)

			require.Len(t, d.Graphs, 1)
			assert.Equal(t, GraphDecl{Name: "Member.withTeam", Entity: "Member", Paths: []string{"team"}, Source: d.Graphs[0].Source}, d.Graphs[0])

			require.Len(t, d.Named, 1)
			assert.Equal(t, "select m from Member m where m.username = :username", d.Named[0].Query)

			assert.ElementsMatch(t, fixtureQueries, queryNames(d))
			for _, q := range d.Queries {
				assert.Equal(t, filepath.Join("testdata", file), q.Source.File)
				assert.Positive(t, q.Source.Line)
				switch q.Name {
				case "findOlder":
					assert.True(t, q.ReadOnly)
					assert.Equal(t, "write", q.Lock)
				case "bulkAgePlus":
					assert.True(t, q.Clear)
				case "findAllWithTeams":
					assert.Equal(t, "Member.withTeam", q.Graph)
				}
			}
			assert.Empty(t, Validate(d))
		})
	}
}

func TestParseYAML_KeepsOrder(t *testing.T) {
	d, err := LoadFile(filepath.Join("testdata", "members.yaml"))
	require.NoError(t, err)
	assert.Equal(t, fixtureQueries, queryNames(d))
	assert.Equal(t, 13, d.Queries[1].Source.Line)
}

func TestParseYAML_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"unknown section", "queries: {}\n", "queries"},
		{"unknown query field", "query:\n  Member:\n    findAll:\n      sort: age\n", "query.Member.findAll.sort"},
		{"graph without paths", "graph:\n  g:\n    entity: Member\n", "graph.g.paths"},
		{"named not a string", "named:\n  Member:\n    byName: [1]\n", "named.Member.byName"},
		{"section not a mapping", "query: [1, 2]\n", "query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.src), "decl.yaml")
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
			assert.Equal(t, "decl.yaml", ce.Source.File)
		})
	}

	d, err := ParseYAML(nil, "empty.yaml")
	require.NoError(t, err)
	assert.Zero(t, d.Len())
}

func TestCompileCUE_Errors(t *testing.T) {
	ctx := cuecontext.New()
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"unknown query field", `query: Member: findAll: {sort: "age"}`, "query.Member.findAll.sort"},
		{"query not a struct", `query: Member: findAll: "x"`, "query.Member.findAll"},
		{"graph without entity", `graph: g: {paths: ["team"]}`, "graph.g.entity"},
		{"named not a string", `named: Member: byName: 1`, "named.Member.byName"},
		{"conflict", `query: Member: findAll: {query: "a"} & {query: "b"}`, "cue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileCUE(ctx.CompileString(tt.src))
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(`query: Member: findByAge: {}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "team"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team", "b.yml"), []byte("query:\n  Team:\n    findByName:\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	d, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Member.findByAge", "Team.findByName"}, queryNames(d))

	_, err = LoadDir(t.TempDir())
	assert.ErrorContains(t, err, "no declaration files")

	_, err = LoadFile(filepath.Join(dir, "README.md"))
	assert.ErrorContains(t, err, "unsupported declaration format")
}

func TestValidate(t *testing.T) {
	d := &Declarations{
		Graphs: []GraphDecl{
			{Name: "Member.g", Entity: "Member", Paths: []string{"team"}},
			{Name: "Member.g", Entity: "Member", Paths: []string{"team..name"}},
		},
		Named: []NamedDecl{
			{Entity: "Member", Name: "q", Query: "  "},
		},
		Queries: []QueryDecl{
			{Entity: "Member", Name: "a", Query: "select m from Member m", Named: "Member.q"},
			{Entity: "Member", Name: "a", Lock: "exclusive"},
			{Entity: "Member", Name: "b", Named: "q"},
			{Entity: "Member", Name: "c", Clear: true, ReadOnly: true},
			{Entity: "Member", Name: "bad-name"},
		},
	}
	var codes []string
	for _, e := range Validate(d) {
		codes = append(codes, e.Code)
	}
	assert.ElementsMatch(t, []string{
		ErrDuplicateGraph, ErrInvalidGraphPath,
		ErrEmptyQuery,
		ErrConflictingSource, ErrDuplicateQuery, ErrInvalidLock,
		ErrInvalidReference, ErrConflictingHints, ErrInvalidName,
	}, codes)
}

func newRegistry(t *testing.T) *repository.Registry {
	t.Helper()
	return repository.NewRegistry(testutil.Registry(t), querysql.SQLite)
}

func TestApply(t *testing.T) {
	d, err := LoadFile(filepath.Join("testdata", "members.cue"))
	require.NoError(t, err)
	reg := newRegistry(t)

	defs, err := d.Apply(reg)
	require.NoError(t, err)
	require.Len(t, defs, len(fixtureQueries))

	_, ok := reg.Graphs().Lookup("Member.withTeam")
	assert.True(t, ok)

	older, ok := reg.Lookup("Member", "findOlder")
	require.True(t, ok)
	assert.True(t, older.Spec().ReadOnly)
	assert.Equal(t, queryir.LockWrite, older.Spec().Lock)

	bulk, ok := reg.Lookup("Member", "bulkAgePlus")
	require.True(t, ok)
	assert.True(t, bulk.Bulk())

	withTeams, ok := reg.Lookup("Member", "findAllWithTeams")
	require.True(t, ok)
	assert.Contains(t, withTeams.Statement().String(), "JOIN team")

	q, err := repository.Bind[testutil.Member](reg, "Member", "byName")
	require.NoError(t, err)
	assert.Equal(t, "Member.byName", q.Definition().Qualified())

	_, err = repository.Bind[testutil.Team](reg, "Member", "byName")
	assert.Equal(t, faults.CodeSpecEntity, faults.CodeOf(err))
}

func TestApply_ReportsSource(t *testing.T) {
	d, err := ParseYAML([]byte("query:\n  Member:\n    findByNickname:\n"), "bad.yaml")
	require.NoError(t, err)

	_, err = d.Apply(newRegistry(t))
	var ae *ApplyError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "Member.findByNickname", ae.Name)
	assert.Equal(t, 3, ae.Source.Line)
	assert.Equal(t, faults.CodeSpecProperty, faults.CodeOf(err))
	assert.Contains(t, err.Error(), "bad.yaml:3:")

	d = &Declarations{Queries: []QueryDecl{{Entity: "Member", Name: "findAll", Lock: "exclusive"}}}
	_, err = d.Apply(newRegistry(t))
	assert.ErrorContains(t, err, "unknown lock mode")
}
