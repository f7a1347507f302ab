package membership

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/page"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/repository"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/session"
	"github.com/roach88/entityctx/internal/store"
	"github.com/roach88/entityctx/internal/testutil"
)

type fixture struct {
	st      *store.Store
	schema  *schema.Registry
	clock   *testutil.FrozenClock
	counter *store.Counter
	members *MemberRepository
	teams   *TeamRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{clock: testutil.NewFrozenClock(testutil.Epoch), counter: &store.Counter{}}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.Open(ctx, store.Config{Driver: "sqlite3", DSN: store.MemoryDSN(name)}, store.WithObserver(f.counter.Observe))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, Install(ctx, st))
	f.st = st

	f.schema, err = NewSchema(f.clock)
	require.NoError(t, err)
	reg := repository.NewRegistry(f.schema, st.Dialect())
	f.members, err = NewMemberRepository(reg)
	require.NoError(t, err)
	f.teams, err = NewTeamRepository(reg)
	require.NoError(t, err)
	return f
}

func (f *fixture) open(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.Open(context.Background(), f.st, f.schema,
		session.WithAuditHook(audit.NewHook(f.clock, false)),
		session.WithIDGenerator(testutil.NewSequenceIDGenerator("membership")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Rollback() })
	return s
}

// seed stores teamA and teamB, then the given members, alternating teams.
func (f *fixture) seed(t *testing.T, members ...*Member) {
	t.Helper()
	s := f.open(t)
	teamA, teamB := NewTeam("teamA"), NewTeam("teamB")
	require.NoError(t, s.Persist(teamA))
	require.NoError(t, s.Persist(teamB))
	for i, m := range members {
		if m.Team.IsNil() {
			if i%2 == 0 {
				m.ChangeTeam(teamA)
			} else {
				m.ChangeTeam(teamB)
			}
		}
		require.NoError(t, s.Persist(m))
	}
	require.NoError(t, s.Commit(context.Background()))
}

func names(ms []*Member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Username
	}
	return out
}

func TestMember_ChangeTeam(t *testing.T) {
	teamA, teamB := NewTeam("teamA"), NewTeam("teamB")
	m := NewMember("member1", 10, teamA)
	assert.Same(t, teamA, m.Team.Peek())
	assert.Equal(t, []*Member{m}, teamA.Members)

	m.ChangeTeam(teamB)
	assert.Same(t, teamB, m.Team.Peek())
	assert.Empty(t, teamA.Members)
	assert.Equal(t, []*Member{m}, teamB.Members)
	assert.Equal(t, "Member(id=0, username=member1, age=10)", m.String())
}

func TestRepository_SaveAndFind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.open(t)
	m := NewMember("memberA", 10, nil)
	saved, err := f.members.Save(ctx, s, m)
	require.NoError(t, err)
	assert.Same(t, m, saved)
	require.NoError(t, s.Commit(ctx))
	require.NotZero(t, m.ID)

	s = f.open(t)
	found, ok, err := f.members.FindByID(ctx, s, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	again, _, err := f.members.FindByID(ctx, s, m.ID)
	require.NoError(t, err)
	assert.Same(t, found, again, "one instance per identity in a session")

	byName, err := f.members.FindByUsername(ctx, s, "memberA")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Same(t, found, byName[0])

	n, err := f.members.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, f.members.Delete(s, found))
	require.NoError(t, s.Commit(ctx))

	s = f.open(t)
	ok, err = f.members.ExistsByID(ctx, s, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAudit_MemberStamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := testutil.Epoch

	s := f.open(t)
	m := NewMember("member1", 10, nil)
	require.NoError(t, s.Persist(m))
	require.NoError(t, s.Commit(ctx))

	f.clock.Advance(time.Hour)
	s = f.open(t)
	loaded, _, err := f.members.FindByID(ctx, s, m.ID)
	require.NoError(t, err)
	loaded.Username = "member2"
	require.NoError(t, s.Commit(ctx))

	s = f.open(t)
	loaded, _, err = f.members.FindByID(ctx, s, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "member2", loaded.Username)
	assert.WithinDuration(t, created, loaded.Created(), 0)
	assert.WithinDuration(t, created.Add(time.Hour), loaded.LastModified(), 0)
}

func TestAudit_ItemListeners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.open(t)
	it := &Item{Name: "book"}
	require.NoError(t, s.Persist(it))
	assert.Equal(t, testutil.Epoch, it.CreatedDate)
	assert.Equal(t, testutil.Epoch, it.UpdatedDate)
	require.NoError(t, s.Commit(ctx))

	f.clock.Advance(time.Minute)
	s = f.open(t)
	loaded, ok, err := session.Get[Item](ctx, s, it.ID)
	require.NoError(t, err)
	require.True(t, ok)
	loaded.Name = "pen"
	require.NoError(t, s.Flush(ctx))
	assert.WithinDuration(t, testutil.Epoch, loaded.CreatedDate, 0)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), loaded.UpdatedDate)
}

func TestRepository_DerivedAndExplicitQueries(t *testing.T) {
	f := newFixture(t)
	f.seed(t, NewMember("AAA", 10, nil), NewMember("AAA", 20, nil), NewMember("BBB", 30, nil))
	ctx := context.Background()
	s := f.open(t)

	older, err := f.members.FindByUsernameAndAgeGreaterThan(ctx, s, "AAA", 15)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, 20, older[0].Age)

	user, err := f.members.FindUser(ctx, s, "AAA", 10)
	require.NoError(t, err)
	require.Len(t, user, 1)
	assert.Equal(t, 10, user[0].Age)

	usernames, err := f.members.FindUsernameList(ctx, s)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAA", "AAA", "BBB"}, usernames)

	byNames, err := f.members.FindByNames(ctx, s, []string{"AAA", "BBB"})
	require.NoError(t, err)
	assert.Len(t, byNames, 3)

	n, err := f.members.CountByAge(ctx, s, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := f.members.ExistsByUsername(ctx, s, "BBB")
	require.NoError(t, err)
	assert.True(t, found)

	top, err := f.members.FindTop3ByAge(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 20, 10}, []int{top[0].Age, top[1].Age, top[2].Age})

	teamA, err := f.members.FindByTeamName(ctx, s, "teamA")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, names(teamA))

	teams, err := f.teams.FindAll(ctx, s)
	require.NoError(t, err)
	assert.Len(t, teams, 2)
}

func TestRepository_Cardinality(t *testing.T) {
	f := newFixture(t)
	f.seed(t, NewMember("AAA", 10, nil), NewMember("BBB", 20, nil), NewMember("BBB", 30, nil))
	ctx := context.Background()
	s := f.open(t)

	m, ok, err := f.members.FindMembers(ctx, s, "AAA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, m.Age)

	m, ok, err = f.members.FindMembers(ctx, s, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, m)

	empty, err := f.members.FindByNames(ctx, s, []string{"nobody"})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, _, err = f.members.FindMembers(ctx, s, "BBB")
	assert.True(t, faults.IsNonUnique(err))
}

func TestRepository_Paging(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		NewMember("member1", 10, nil),
		NewMember("member2", 10, nil),
		NewMember("member3", 10, nil),
		NewMember("member4", 10, nil),
		NewMember("member5", 10, nil),
	)
	ctx := context.Background()
	s := f.open(t)

	p, err := f.members.FindByAge(ctx, s, 10, page.Of(0, 3, page.Desc("username")))
	require.NoError(t, err)
	assert.Equal(t, []string{"member5", "member4", "member3"}, names(p.Content))
	assert.Equal(t, int64(5), p.Total)
	assert.Equal(t, 0, p.Index)
	assert.Equal(t, 2, p.TotalPages())
	assert.True(t, p.IsFirst())
	assert.True(t, p.HasNext())

	p, err = f.members.FindByAge(ctx, s, 10, page.Of(1, 3, page.Desc("username")))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	assert.False(t, p.HasNext())

	sl, err := f.members.FindSliceByAge(ctx, s, 10, page.Of(0, 3, page.Desc("username")))
	require.NoError(t, err)
	assert.Equal(t, 3, sl.Len())
	assert.True(t, sl.HasNext())

	dtos := page.Map(p, func(m *Member) string { return m.Username })
	assert.Equal(t, []string{"member2", "member1"}, dtos.Content)

	f.counter.Reset()
	all, err := f.members.FindMemberAllCountBy(ctx, s, page.Of(0, 2, page.Asc("username")))
	require.NoError(t, err)
	assert.Equal(t, int64(5), all.Total)
	assert.Equal(t, []string{"member1", "member2"}, names(all.Content))
	assert.Equal(t, 2, f.counter.Selects())

	ro, err := f.members.FindPageByUsername(ctx, s, "member1", page.Of(0, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ro.Total)
}

func TestRepository_BulkAgePlus(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		NewMember("member1", 10, nil),
		NewMember("member2", 19, nil),
		NewMember("member3", 20, nil),
		NewMember("member4", 21, nil),
		NewMember("member5", 40, nil),
	)
	ctx := context.Background()
	s := f.open(t)

	member5, ok, err := f.members.FindMembers(ctx, s, "member5")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.members.BulkAgePlus(ctx, s, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 40, member5.Age, "loaded instances are not refreshed")
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []int{10, 19, 21, 22, 41}, testutil.Ages(t, f.st))

	s = f.open(t)
	member5, _, err = f.members.FindMembers(ctx, s, "member5")
	require.NoError(t, err)
	_, err = f.members.BulkAgePlusClearing(ctx, s, 20)
	require.NoError(t, err)
	assert.False(t, s.Contains(member5))
	fresh, _, err := f.members.FindMembers(ctx, s, "member5")
	require.NoError(t, err)
	assert.Equal(t, 42, fresh.Age)
	require.NoError(t, s.Commit(ctx))

	s = f.open(t)
	deleted, err := f.members.DeleteByAgeLessThan(ctx, s, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []int{22, 23, 42}, testutil.Ages(t, f.st))
}

func TestRepository_ConstructorProjection(t *testing.T) {
	f := newFixture(t)
	f.seed(t, NewMember("AAA", 10, nil))
	ctx := context.Background()
	s := f.open(t)

	dtos, err := f.members.FindMemberDto(ctx, s)
	require.NoError(t, err)
	require.Len(t, dtos, 1)
	assert.Equal(t, "AAA", dtos[0].Username)
	assert.Equal(t, "teamA", dtos[0].TeamName)
	assert.NotZero(t, dtos[0].ID)
	assert.Equal(t, 0, s.Managed(EntityMember))
}

func TestRepository_LazyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	team := NewTeam("teamA")
	require.NoError(t, s.Persist(team))
	m := NewMember("member1", 10, team)
	require.NoError(t, s.Persist(m))
	require.NoError(t, s.Flush(ctx))
	s.Clear()

	f.counter.Reset()
	found, ok, err := f.members.FindByID(ctx, s, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, m, found)
	assert.Equal(t, "member1", found.Username)
	assert.False(t, found.Team.Loaded())
	assert.Equal(t, 1, f.counter.Selects())

	loaded, err := found.Team.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "teamA", loaded.Name)
	assert.Equal(t, 2, f.counter.Selects(), "the team is fetched on first access")
}

func TestRepository_EagerFetch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, NewMember("member1", 10, nil), NewMember("member2", 20, nil))
	ctx := context.Background()

	lookups := map[string]func(*session.Session) ([]*Member, error){
		"plain": func(s *session.Session) ([]*Member, error) { return f.members.FindAll(ctx, s) },
		"fetch": func(s *session.Session) ([]*Member, error) { return f.members.FindAllWithTeam(ctx, s) },
		"entity graph": func(s *session.Session) ([]*Member, error) {
			return f.members.FindMemberEntityGraph(ctx, s)
		},
		"named entity graph": func(s *session.Session) ([]*Member, error) {
			return f.members.FindMemberNamedEntityGraph(ctx, s)
		},
		"named query with fetch": func(s *session.Session) ([]*Member, error) {
			return f.members.FindByUsername(ctx, s, "member1")
		},
	}
	for name, lookup := range lookups {
		t.Run(name, func(t *testing.T) {
			s := f.open(t)
			f.counter.Reset()
			members, err := lookup(s)
			require.NoError(t, err)
			require.NotEmpty(t, members)
			for _, m := range members {
				team, err := m.Team.Load(ctx)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(team.Name, "team"))
			}
			want := 1
			if name == "plain" {
				want += len(members)
			}
			assert.Equal(t, want, f.counter.Selects())
			require.NoError(t, s.Commit(ctx))
		})
	}
}

func TestRepository_ReadOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, NewMember("member1", 10, nil))
	ctx := context.Background()

	s := f.open(t)
	m, ok, err := f.members.FindReadOnlyByUsername(ctx, s, "member1")
	require.NoError(t, err)
	require.True(t, ok)
	m.Username = "member2"
	require.NoError(t, s.Commit(ctx))

	s = f.open(t)
	found, err := f.members.FindByUsername(ctx, s, "member1")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestRepository_Lock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, NewMember("member1", 10, nil))
	ctx := context.Background()

	s := f.open(t)
	locked, err := f.members.FindLockByUsername(ctx, s, "member1")
	require.NoError(t, err)
	assert.Len(t, locked, 1)

	reg, err := NewSchema(audit.SystemClock{})
	require.NoError(t, err)
	pg, err := NewMemberRepository(repository.NewRegistry(reg, querysql.Postgres))
	require.NoError(t, err)
	var lockSQL string
	for _, d := range pg.Queries() {
		if d.Spec().Name == "findLockByUsername" {
			lockSQL = d.Statement().String()
		}
	}
	assert.Contains(t, lockSQL, "FOR UPDATE")
}

func TestNewMemberRepository_Registers(t *testing.T) {
	reg, err := NewSchema(audit.SystemClock{})
	require.NoError(t, err)
	r := repository.NewRegistry(reg, querysql.SQLite)
	members, err := NewMemberRepository(r)
	require.NoError(t, err)

	_, ok := r.Graphs().Lookup(GraphAll)
	assert.True(t, ok)
	_, ok = r.Named("Member.findByUsername")
	assert.True(t, ok)
	assert.Len(t, r.Definitions(), len(members.Queries()))

	bulk, ok := r.Lookup(EntityMember, "bulkAgePlus")
	require.True(t, ok)
	assert.True(t, bulk.Bulk())

	_, err = NewMemberRepository(r)
	assert.Equal(t, faults.CodeSpecGraph, faults.CodeOf(err), "declarations are registered once")
}

func TestSession_FlushOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, NewMember("member1", 10, nil), NewMember("member2", 20, nil))
	ctx := context.Background()

	s := f.open(t)
	m1, _, err := f.members.FindMembers(ctx, s, "member1")
	require.NoError(t, err)
	m2, _, err := f.members.FindMembers(ctx, s, "member2")
	require.NoError(t, err)

	f.counter.Reset()
	require.NoError(t, f.members.Delete(s, m2))
	m1.Age = 11
	_, err = f.members.Save(ctx, s, NewMember("member3", 30, nil))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	testutil.AssertStatements(t, "flush_order", f.counter.Statements())
	assert.Equal(t, session.Stats{Inserted: 1, Updated: 1, Deleted: 1}, s.Stats())
}
