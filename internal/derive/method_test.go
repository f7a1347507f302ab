package derive_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/derive"
	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/testutil"
)

var memberSource = queryir.Source{Entity: "Member", Alias: "m"}

func mpath(prop string) queryir.Path {
	return queryir.Path{Alias: "m", Property: prop}
}

func param(name string) queryir.Param {
	return queryir.Param{Name: name}
}

func TestMethod_UsernameAndAgeGreaterThan(t *testing.T) {
	reg := testutil.Registry(t)

	q, err := derive.Method(reg, "Member", "findByUsernameAndAgeGreaterThan")
	require.NoError(t, err)

	assert.Equal(t, queryir.Select{
		From:       memberSource,
		Projection: queryir.EntityProjection{Alias: "m"},
		Where: queryir.And{Predicates: []queryir.Predicate{
			queryir.Compare{Left: mpath("username"), Op: queryir.OpEq, Right: param("username")},
			queryir.Compare{Left: mpath("age"), Op: queryir.OpGt, Right: param("age")},
		}},
	}, q)
	assert.Equal(t, []string{"username", "age"}, queryir.Params(q))
}

func TestMethod_Operators(t *testing.T) {
	reg := testutil.Registry(t)

	tests := []struct {
		method string
		want   queryir.Predicate
	}{
		{"findByUsername", queryir.Compare{Left: mpath("username"), Op: queryir.OpEq, Right: param("username")}},
		{"findByUsernameIs", queryir.Compare{Left: mpath("username"), Op: queryir.OpEq, Right: param("username")}},
		{"findByUsernameNot", queryir.Compare{Left: mpath("username"), Op: queryir.OpNe, Right: param("username")}},
		{"findByAgeGreaterThanEqual", queryir.Compare{Left: mpath("age"), Op: queryir.OpGe, Right: param("age")}},
		{"findByAgeLessThan", queryir.Compare{Left: mpath("age"), Op: queryir.OpLt, Right: param("age")}},
		{"findByAgeBetween", queryir.Between{Operand: mpath("age"), Low: param("ageStart"), High: param("ageEnd")}},
		{"findByUsernameIn", queryir.In{Operand: mpath("username"), List: param("username")}},
		{"findByUsernameNotIn", queryir.In{Operand: mpath("username"), List: param("username"), Negate: true}},
		{"findByTeamIsNull", queryir.IsNull{Operand: mpath("team")}},
		{"findByTeamNotNull", queryir.IsNull{Operand: mpath("team"), Negate: true}},
		{"findByUsernameLike", queryir.Like{Operand: mpath("username"), Pattern: param("username")}},
		{"findByUsernameStartingWith", queryir.Like{Operand: mpath("username"), Pattern: param("username"), Mode: queryir.LikePrefix}},
		{"findByUsernameEndingWith", queryir.Like{Operand: mpath("username"), Pattern: param("username"), Mode: queryir.LikeSuffix}},
		{"findByUsernameContaining", queryir.Like{Operand: mpath("username"), Pattern: param("username"), Mode: queryir.LikeContains}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			q, err := derive.Method(reg, "Member", tt.method)
			require.NoError(t, err)
			sel, ok := q.(queryir.Select)
			require.True(t, ok)
			assert.Equal(t, tt.want, sel.Where)
		})
	}
}

func TestMethod_OrAndRepeatedParams(t *testing.T) {
	reg := testutil.Registry(t)

	q, err := derive.Method(reg, "Member", "findByAgeLessThanOrAgeGreaterThan")
	require.NoError(t, err)

	sel := q.(queryir.Select)
	assert.Equal(t, queryir.Or{Predicates: []queryir.Predicate{
		queryir.Compare{Left: mpath("age"), Op: queryir.OpLt, Right: param("age")},
		queryir.Compare{Left: mpath("age"), Op: queryir.OpGt, Right: param("age2")},
	}}, sel.Where)
}

func TestMethod_NestedProperty(t *testing.T) {
	reg := testutil.Registry(t)

	for _, method := range []string{"findByTeamName", "findByTeam_Name"} {
		t.Run(method, func(t *testing.T) {
			q, err := derive.Method(reg, "Member", method)
			require.NoError(t, err)

			sel := q.(queryir.Select)
			assert.Equal(t, []queryir.Join{{Kind: queryir.InnerJoin, Path: mpath("team"), Alias: "team"}}, sel.Joins)
			assert.Equal(t, queryir.Compare{
				Left:  queryir.Path{Alias: "team", Property: "name"},
				Op:    queryir.OpEq,
				Right: param("teamName"),
			}, sel.Where)
		})
	}
}

func TestMethod_SubjectModifiers(t *testing.T) {
	reg := testutil.Registry(t)

	q, err := derive.Method(reg, "Member", "findTop3ByOrderByAgeDesc")
	require.NoError(t, err)
	sel := q.(queryir.Select)
	assert.Equal(t, 3, sel.Limit)
	assert.Nil(t, sel.Where)
	assert.Equal(t, []queryir.Order{{Path: mpath("age"), Direction: queryir.Desc}}, sel.OrderBy)

	q, err = derive.Method(reg, "Member", "findFirstByUsernameOrderByAgeDescUsernameAsc")
	require.NoError(t, err)
	sel = q.(queryir.Select)
	assert.Equal(t, 1, sel.Limit)
	assert.Equal(t, []queryir.Order{
		{Path: mpath("age"), Direction: queryir.Desc},
		{Path: mpath("username"), Direction: queryir.Asc},
	}, sel.OrderBy)

	q, err = derive.Method(reg, "Member", "findDistinctByAge")
	require.NoError(t, err)
	assert.True(t, q.(queryir.Select).Distinct)

	q, err = derive.Method(reg, "Member", "findAll")
	require.NoError(t, err)
	assert.Nil(t, q.(queryir.Select).Where)
}

func TestMethod_Subjects(t *testing.T) {
	reg := testutil.Registry(t)

	q, err := derive.Method(reg, "Member", "countByAge")
	require.NoError(t, err)
	assert.Equal(t, queryir.CountProjection{Path: queryir.Path{Alias: "m"}}, q.(queryir.Select).Projection)

	q, err = derive.Method(reg, "Member", "existsByUsername")
	require.NoError(t, err)
	assert.Equal(t, queryir.ExistsProjection{}, q.(queryir.Select).Projection)

	q, err = derive.Method(reg, "Member", "deleteByAgeLessThan")
	require.NoError(t, err)
	assert.Equal(t, queryir.Delete{
		From:  memberSource,
		Where: queryir.Compare{Left: mpath("age"), Op: queryir.OpLt, Right: param("age")},
	}, q)

	s, ok := derive.SubjectOf("existsByUsername")
	assert.True(t, ok)
	assert.Equal(t, derive.SubjectExists, s)
}

func TestMethod_SpecificationErrors(t *testing.T) {
	reg := testutil.Registry(t)

	tests := []struct {
		method string
		code   faults.Code
	}{
		{"fetchByUsername", faults.CodeSpecMethod},
		{"findByNickname", faults.CodeSpecProperty},
		{"findByUsernameAndNickname", faults.CodeSpecProperty},
		{"findByTeamColor", faults.CodeSpecProperty},
		{"findSomethingByUsername", faults.CodeSpecMethod},
		{"findUsername", faults.CodeSpecMethod},
		{"deleteByTeamName", faults.CodeSpecMethod},
		{"findByAgeOrderByNickname", faults.CodeSpecProperty},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := derive.Method(reg, "Member", tt.method)
			require.Error(t, err)
			assert.True(t, faults.IsSpecification(err))
			assert.Equal(t, tt.code, faults.CodeOf(err))
		})
	}
}

func TestMethod_UnknownEntity(t *testing.T) {
	reg := testutil.Registry(t)

	_, err := derive.Method(reg, "Ghost", "findByName")
	assert.True(t, faults.Is(err, faults.CodeSpecEntity))
}
