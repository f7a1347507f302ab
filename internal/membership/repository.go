package membership

import (
	"context"

	"github.com/roach88/entityctx/internal/fetch"
	"github.com/roach88/entityctx/internal/page"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/repository"
	"github.com/roach88/entityctx/internal/session"
)

// GraphAll fetches a member's team.
const GraphAll = "Member.all"

// MemberRepository is the member repository: the generic CRUD operations plus
// one declared query per supported query form.
type MemberRepository struct {
	*repository.Repository[Member]

	byUsernameAndAgeGreaterThan *repository.Query[Member]
	user                        *repository.Query[Member]
	usernames                   *repository.Query[Member]
	dtos                        *repository.Query[Member]
	byName                      *repository.Query[Member]
	byNames                     *repository.Query[Member]
	byAge                       *repository.Query[Member]
	allCountBy                  *repository.Query[Member]
	bulkAgePlus                 *repository.Query[Member]
	bulkAgePlusClearing         *repository.Query[Member]
	deleteByAgeLessThan         *repository.Query[Member]
	allWithTeam                 *repository.Query[Member]
	entityGraph                 *repository.Query[Member]
	byUsername                  *repository.Query[Member]
	namedEntityGraph            *repository.Query[Member]
	readOnlyByUsername          *repository.Query[Member]
	pageReadOnlyByUsername      *repository.Query[Member]
	lockByUsername              *repository.Query[Member]
	countByAge                  *repository.Query[Member]
	existsByUsername            *repository.Query[Member]
	top3ByAge                   *repository.Query[Member]
	byTeamName                  *repository.Query[Member]
}

// TeamRepository is the team repository.
type TeamRepository struct {
	*repository.Repository[Team]
}

// NewTeamRepository creates the team repository.
func NewTeamRepository(reg *repository.Registry) (*TeamRepository, error) {
	r, err := repository.New[Team](reg, EntityTeam)
	if err != nil {
		return nil, err
	}
	return &TeamRepository{Repository: r}, nil
}

// NewMemberRepository registers the member graph, the named query
// Member.findByUsername and every member query with reg.
func NewMemberRepository(reg *repository.Registry) (*MemberRepository, error) {
	base, err := repository.New[Member](reg, EntityMember)
	if err != nil {
		return nil, err
	}
	if err := reg.Graphs().Register(fetch.Graph{Name: GraphAll, Entity: EntityMember, Paths: []string{"team"}}); err != nil {
		return nil, err
	}
	if err := reg.RegisterNamed(EntityMember, "findByUsername", "select m from Member m where m.username = :username"); err != nil {
		return nil, err
	}

	r := &MemberRepository{Repository: base}
	decls := []struct {
		q    **repository.Query[Member]
		spec repository.Spec
	}{
		{&r.byUsernameAndAgeGreaterThan, repository.Spec{Name: "findByUsernameAndAgeGreaterThan"}},
		{&r.user, repository.Spec{
			Name:  "findUser",
			Query: "select m from Member m where m.username = :username and m.age = :age",
		}},
		{&r.usernames, repository.Spec{Name: "findUsernameList", Query: "select m.username from Member m"}},
		{&r.dtos, repository.Spec{
			Name:  "findMemberDto",
			Query: "select new MemberDto(m.id, m.username, t.name) from Member m join m.team t",
		}},
		{&r.byName, repository.Spec{Name: "findMembers", Query: "select m from Member m where m.username = :name"}},
		{&r.byNames, repository.Spec{Name: "findByNames", Query: "select m from Member m where m.username in :names"}},
		{&r.byAge, repository.Spec{Name: "findByAge"}},
		{&r.allCountBy, repository.Spec{
			Name:       "findMemberAllCountBy",
			Query:      "select m from Member m left join m.team t",
			CountQuery: "select count(m.username) from Member m",
		}},
		{&r.bulkAgePlus, repository.Spec{
			Name:  "bulkAgePlus",
			Query: "update Member m set m.age = m.age + 1 where m.age >= :age",
		}},
		{&r.bulkAgePlusClearing, repository.Spec{
			Name:               "bulkAgePlusClearing",
			Query:              "update Member m set m.age = m.age + 1 where m.age >= :age",
			ClearAutomatically: true,
		}},
		{&r.deleteByAgeLessThan, repository.Spec{Name: "deleteByAgeLessThan"}},
		{&r.allWithTeam, repository.Spec{Name: "findAll", Fetch: []string{"team"}}},
		{&r.entityGraph, repository.Spec{Name: "findMemberEntityGraph", Query: "select m from Member m", Fetch: []string{"team"}}},
		{&r.byUsername, repository.Spec{Name: "findByUsername", Fetch: []string{"team"}}},
		{&r.namedEntityGraph, repository.Spec{Name: "findMemberNamedEntityGraph", Query: "select m from Member m", Graph: GraphAll}},
		{&r.readOnlyByUsername, repository.Spec{
			Name:     "findReadOnlyByUsername",
			Query:    "select m from Member m where m.username = :username",
			ReadOnly: true,
		}},
		{&r.pageReadOnlyByUsername, repository.Spec{
			Name:     "findPageByUsername",
			Query:    "select m from Member m where m.username = :username",
			ReadOnly: true,
		}},
		{&r.lockByUsername, repository.Spec{
			Name:  "findLockByUsername",
			Query: "select m from Member m where m.username = :username",
			Lock:  queryir.LockWrite,
		}},
		{&r.countByAge, repository.Spec{Name: "countByAge"}},
		{&r.existsByUsername, repository.Spec{Name: "existsByUsername"}},
		{&r.top3ByAge, repository.Spec{Name: "findTop3ByOrderByAgeDesc"}},
		{&r.byTeamName, repository.Spec{Name: "findByTeamNameOrderByUsernameAsc"}},
	}
	for _, d := range decls {
		q, err := repository.Define[Member](reg, d.spec)
		if err != nil {
			return nil, err
		}
		*d.q = q
	}
	return r, nil
}

// FindByUsernameAndAgeGreaterThan returns the members named username older
// than age.
func (r *MemberRepository) FindByUsernameAndAgeGreaterThan(ctx context.Context, s *session.Session, username string, age int) ([]*Member, error) {
	return r.byUsernameAndAgeGreaterThan.List(ctx, s, repository.Params{"username": username, "age": age})
}

// FindUser returns the members with the given username and age.
func (r *MemberRepository) FindUser(ctx context.Context, s *session.Session, username string, age int) ([]*Member, error) {
	return r.user.List(ctx, s, repository.Params{"username": username, "age": age})
}

// FindUsernameList returns every username.
func (r *MemberRepository) FindUsernameList(ctx context.Context, s *session.Session) ([]string, error) {
	return repository.Scalars[string](ctx, s, r.usernames, nil)
}

// FindMemberDto returns a MemberDto per member with a team.
func (r *MemberRepository) FindMemberDto(ctx context.Context, s *session.Session) ([]*MemberDto, error) {
	return repository.Project[*MemberDto](ctx, s, r.dtos, nil)
}

// FindMembers returns the single member named name.
func (r *MemberRepository) FindMembers(ctx context.Context, s *session.Session, name string) (*Member, bool, error) {
	return r.byName.One(ctx, s, repository.Params{"name": name})
}

// FindByNames returns the members whose username is in names.
func (r *MemberRepository) FindByNames(ctx context.Context, s *session.Session, names []string) ([]*Member, error) {
	return r.byNames.List(ctx, s, repository.Params{"names": names})
}

// FindByAge returns a page of the members of the given age.
func (r *MemberRepository) FindByAge(ctx context.Context, s *session.Session, age int, req page.Request) (page.Page[*Member], error) {
	return r.byAge.Page(ctx, s, repository.Params{"age": age}, req)
}

// FindSliceByAge is FindByAge without the count query.
func (r *MemberRepository) FindSliceByAge(ctx context.Context, s *session.Session, age int, req page.Request) (page.Slice[*Member], error) {
	return r.byAge.Slice(ctx, s, repository.Params{"age": age}, req)
}

// FindMemberAllCountBy returns a page of all members, counted without the
// team join.
func (r *MemberRepository) FindMemberAllCountBy(ctx context.Context, s *session.Session, req page.Request) (page.Page[*Member], error) {
	return r.allCountBy.Page(ctx, s, nil, req)
}

// BulkAgePlus adds one year to every member aged age or older and returns
// the number of rows changed. Members already loaded by s keep their old age.
func (r *MemberRepository) BulkAgePlus(ctx context.Context, s *session.Session, age int) (int64, error) {
	return r.bulkAgePlus.Exec(ctx, s, repository.Params{"age": age})
}

// BulkAgePlusClearing is BulkAgePlus followed by s.Clear.
func (r *MemberRepository) BulkAgePlusClearing(ctx context.Context, s *session.Session, age int) (int64, error) {
	return r.bulkAgePlusClearing.Exec(ctx, s, repository.Params{"age": age})
}

// DeleteByAgeLessThan deletes the members younger than age.
func (r *MemberRepository) DeleteByAgeLessThan(ctx context.Context, s *session.Session, age int) (int64, error) {
	return r.deleteByAgeLessThan.Exec(ctx, s, repository.Params{"age": age})
}

// FindAllWithTeam returns every member with its team fetched.
func (r *MemberRepository) FindAllWithTeam(ctx context.Context, s *session.Session) ([]*Member, error) {
	return r.allWithTeam.List(ctx, s, nil)
}

// FindMemberEntityGraph returns every member with its team fetched, from an
// explicit query.
func (r *MemberRepository) FindMemberEntityGraph(ctx context.Context, s *session.Session) ([]*Member, error) {
	return r.entityGraph.List(ctx, s, nil)
}

// FindByUsername runs the named query Member.findByUsername with the team
// fetched.
func (r *MemberRepository) FindByUsername(ctx context.Context, s *session.Session, username string) ([]*Member, error) {
	return r.byUsername.List(ctx, s, repository.Params{"username": username})
}

// FindMemberNamedEntityGraph returns every member through the Member.all
// graph.
func (r *MemberRepository) FindMemberNamedEntityGraph(ctx context.Context, s *session.Session) ([]*Member, error) {
	return r.namedEntityGraph.List(ctx, s, nil)
}

// FindReadOnlyByUsername loads a member that is never dirty checked.
func (r *MemberRepository) FindReadOnlyByUsername(ctx context.Context, s *session.Session, username string) (*Member, bool, error) {
	return r.readOnlyByUsername.One(ctx, s, repository.Params{"username": username})
}

// FindPageByUsername returns a read-only page of the members named username.
func (r *MemberRepository) FindPageByUsername(ctx context.Context, s *session.Session, username string, req page.Request) (page.Page[*Member], error) {
	return r.pageReadOnlyByUsername.Page(ctx, s, repository.Params{"username": username}, req)
}

// FindLockByUsername loads the members named username with a write lock
// where the store supports one.
func (r *MemberRepository) FindLockByUsername(ctx context.Context, s *session.Session, username string) ([]*Member, error) {
	return r.lockByUsername.List(ctx, s, repository.Params{"username": username})
}

// CountByAge counts the members of the given age.
func (r *MemberRepository) CountByAge(ctx context.Context, s *session.Session, age int) (int64, error) {
	return r.countByAge.Count(ctx, s, repository.Params{"age": age})
}

// ExistsByUsername reports whether a member named username exists.
func (r *MemberRepository) ExistsByUsername(ctx context.Context, s *session.Session, username string) (bool, error) {
	return r.existsByUsername.Exists(ctx, s, repository.Params{"username": username})
}

// FindTop3ByAge returns the three oldest members.
func (r *MemberRepository) FindTop3ByAge(ctx context.Context, s *session.Session) ([]*Member, error) {
	return r.top3ByAge.List(ctx, s, nil)
}

// FindByTeamName returns the members of the named team, by username.
func (r *MemberRepository) FindByTeamName(ctx context.Context, s *session.Session, teamName string) ([]*Member, error) {
	return r.byTeamName.List(ctx, s, repository.Params{"teamName": teamName})
}

// Queries returns the compiled definitions of every declared member query.
func (r *MemberRepository) Queries() []*repository.Definition {
	qs := []*repository.Query[Member]{
		r.byUsernameAndAgeGreaterThan, r.user, r.usernames, r.dtos, r.byName, r.byNames,
		r.byAge, r.allCountBy, r.bulkAgePlus, r.bulkAgePlusClearing, r.deleteByAgeLessThan,
		r.allWithTeam, r.entityGraph, r.byUsername, r.namedEntityGraph, r.readOnlyByUsername,
		r.pageReadOnlyByUsername, r.lockByUsername, r.countByAge, r.existsByUsername,
		r.top3ByAge, r.byTeamName,
	}
	out := make([]*repository.Definition, len(qs))
	for i, q := range qs {
		out[i] = q.Definition()
	}
	return out
}
