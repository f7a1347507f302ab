package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/schema"
)

// Team is the association target of the test fixture schema.
type Team struct {
	ID      int64     `db:"team_id,id"`
	Name    string    `db:"name"`
	Members []*Member `db:"-"`
}

// Member is the audited owning side of the test fixture schema.
type Member struct {
	ID       int64             `db:"member_id,id"`
	Username string            `db:"username"`
	Age      int               `db:"age"`
	Team     schema.Ref[Team]  `db:"team_id"`
	audit.Stamp
}

// MemberView is a transfer object for constructor projections.
type MemberView struct {
	ID       int64
	Username string
	TeamName string
}

// NewMemberView is registered as the "MemberView" constructor.
func NewMemberView(id int64, username, teamName string) *MemberView {
	return &MemberView{ID: id, Username: username, TeamName: teamName}
}

// FixtureDDL creates the fixture tables on SQLite.
const FixtureDDL = `
CREATE TABLE team (
	team_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name    TEXT NOT NULL
);
CREATE TABLE member (
	member_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	username           TEXT NOT NULL,
	age                INTEGER NOT NULL,
	created_date       TIMESTAMP,
	last_modified_date TIMESTAMP,
	team_id            INTEGER REFERENCES team(team_id)
);
`

// Registry builds the fixture schema: entities "Member" (table member) and
// "Team" (table team), plus the MemberView constructor.
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := schema.Register[Team](reg, "Team", "team")
	require.NoError(t, err)
	_, err = schema.Register[Member](reg, "Member", "member")
	require.NoError(t, err)
	require.NoError(t, reg.Check())
	require.NoError(t, schema.RegisterConstructor(reg, "MemberView", NewMemberView))
	return reg
}
