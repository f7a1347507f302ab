// Package membership is the reference domain: members belonging to teams,
// a member transfer object, and a repository declaring every query form the
// engine supports.
package membership

import (
	"fmt"
	"time"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/schema"
)

// Team groups members. Members is the inverse side of Member.Team; it is
// kept in memory by ChangeTeam and never persisted.
type Team struct {
	ID      int64     `db:"team_id,id"`
	Name    string    `db:"name"`
	Members []*Member `db:"-"`
}

// NewTeam creates a transient team.
func NewTeam(name string) *Team {
	return &Team{Name: name}
}

// Member is the owning side of the member/team association. Its audit
// timestamps are maintained by the session's audit hook.
type Member struct {
	ID       int64            `db:"member_id,id"`
	Username string           `db:"username"`
	Age      int              `db:"age"`
	Team     schema.Ref[Team] `db:"team_id"`
	audit.Stamp
}

// NewMember creates a transient member, joining team when it is not nil.
func NewMember(username string, age int, team *Team) *Member {
	m := &Member{Username: username, Age: age}
	if team != nil {
		m.ChangeTeam(team)
	}
	return m
}

// ChangeTeam moves the member to team, updating both sides of the
// association.
func (m *Member) ChangeTeam(team *Team) {
	schema.Associate(m, &m.Team, team, teamMembers)
}

func teamMembers(t *Team) *[]*Member {
	return &t.Members
}

func (m *Member) String() string {
	return fmt.Sprintf("Member(id=%d, username=%s, age=%d)", m.ID, m.Username, m.Age)
}

// MemberDto is the constructor projection of a member with its team name.
type MemberDto struct {
	ID       int64
	Username string
	TeamName string
}

// NewMemberDto is registered as the "MemberDto" constructor.
func NewMemberDto(id int64, username, teamName string) *MemberDto {
	return &MemberDto{ID: id, Username: username, TeamName: teamName}
}

// Item is audited by its own lifecycle listeners instead of audit.Stamp.
type Item struct {
	ID          int64     `db:"item_id,id"`
	Name        string    `db:"name"`
	CreatedDate time.Time `db:"created_date"`
	UpdatedDate time.Time `db:"updated_date"`
}

// itemListeners stamps both dates on persist and the update date before
// every update.
func itemListeners(clock audit.Clock) schema.Listeners {
	return schema.Listeners{
		PrePersist: func(entity any) {
			it := entity.(*Item)
			now := clock.Now()
			it.CreatedDate, it.UpdatedDate = now, now
		},
		PreUpdate: func(entity any) {
			entity.(*Item).UpdatedDate = clock.Now()
		},
	}
}
