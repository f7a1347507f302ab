package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/session"
	"github.com/roach88/entityctx/internal/store"
	"github.com/roach88/entityctx/internal/testutil"
)

type fixture struct {
	st      *store.Store
	reg     *schema.Registry
	counter *store.Counter
	clock   *testutil.StepClock
	hook    *audit.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:     testutil.Registry(t),
		counter: &store.Counter{},
		clock:   testutil.NewStepClock(testutil.Epoch, time.Second),
	}
	f.st = testutil.OpenStore(t, store.WithObserver(f.counter.Observe))
	f.hook = audit.NewHook(f.clock, false)
	return f
}

func (f *fixture) open(t *testing.T, opts ...session.Option) *session.Session {
	t.Helper()
	base := []session.Option{
		session.WithAuditHook(f.hook),
		session.WithIDGenerator(testutil.NewSequenceIDGenerator("")),
	}
	s, err := session.Open(context.Background(), f.st, f.reg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Rollback() })
	return s
}

// seed persists entities in order and commits.
func (f *fixture) seed(t *testing.T, entities ...any) {
	t.Helper()
	s := f.open(t)
	for _, e := range entities {
		require.NoError(t, s.Persist(e))
	}
	require.NoError(t, s.Commit(context.Background()))
}

func allMembers(join bool) queryir.Select {
	sel := queryir.Select{
		From:       queryir.Source{Entity: "Member", Alias: "m"},
		Projection: queryir.EntityProjection{Alias: "m"},
		OrderBy:    []queryir.Order{{Path: queryir.Path{Alias: "m", Property: "username"}}},
	}
	if join {
		sel.Joins = []queryir.Join{{
			Kind:  queryir.LeftJoin,
			Path:  queryir.Path{Alias: "m", Property: "team"},
			Alias: "t",
			Fetch: true,
		}}
	}
	return sel
}

func load(t *testing.T, s *session.Session, sel queryir.Select, readOnly bool) []any {
	t.Helper()
	stmt, err := s.Compiler().Compile(sel)
	require.NoError(t, err)
	text, args, err := stmt.Bind(nil)
	require.NoError(t, err)
	out, err := s.Load(context.Background(), stmt, text, args, readOnly)
	require.NoError(t, err)
	return out
}

func TestSession_PersistAssignsIdentityAtFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	team := &testutil.Team{Name: "red"}
	m := &testutil.Member{Username: "alice", Age: 30, Team: schema.RefTo(team)}
	require.NoError(t, s.Persist(team))
	require.NoError(t, s.Persist(m))
	assert.Zero(t, m.ID)
	assert.True(t, s.Contains(m))

	require.NoError(t, s.Flush(ctx))
	assert.NotZero(t, team.ID)
	assert.NotZero(t, m.ID)
	assert.Equal(t, session.Stats{Inserted: 2}, s.Stats())

	got, ok, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, m, got)

	require.NoError(t, s.Commit(ctx))
	assert.True(t, s.Closed())

	rows, err := f.st.Query(ctx, "SELECT team_id FROM member WHERE member_id = ?", m.ID)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var teamID int64
	require.NoError(t, rows.Scan(&teamID))
	assert.Equal(t, team.ID, teamID)
}

func TestSession_FindReturnsManagedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	f.counter.Reset()

	first, ok, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	first.Username = "changed in memory"

	second, ok, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.counter.Selects())

	// A query that returns the same row resolves to the managed instance
	// and leaves its fields alone.
	out := load(t, s, allMembers(false), false)
	require.Len(t, out, 1)
	assert.Same(t, first, out[0])
	assert.Equal(t, "changed in memory", first.Username)
}

func TestSession_FindAbsentAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)

	v, ok, err := s.Find(ctx, "Member", 999)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)

	_, _, err = s.Find(ctx, "Nope", 1)
	assert.True(t, faults.Is(err, faults.CodeUnknownEntity))

	_, _, err = s.Find(ctx, "Member", "not a number")
	assert.True(t, faults.Is(err, faults.CodeParamType))
}

func TestSession_ClearEvictsInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	first, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	first.Age = 99

	s.Clear()
	assert.Equal(t, 0, s.Managed("Member"))

	second, ok, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, 30, second.Age)
}

func TestSession_DirtyChecking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)

	f.counter.Reset()
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, f.counter.Count(), "clean entities are not written")

	got.Age = 31
	require.NoError(t, s.Flush(ctx))
	stmts := f.counter.Statements()
	require.Len(t, stmts, 1)
	assert.True(t, strings.HasPrefix(stmts[0], "UPDATE member SET"))
	assert.Equal(t, 1, s.Stats().Updated)

	f.counter.Reset()
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, f.counter.Count(), "flush resets the snapshot")

	require.NoError(t, s.MarkDirty(got))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, f.counter.Count())
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, []int{31}, testutil.Ages(t, f.st))
}

func TestSession_ReadOnlyEntitiesAreNotFlushed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &testutil.Member{Username: "alice", Age: 30})

	s := f.open(t)
	out := load(t, s, allMembers(false), true)
	require.Len(t, out, 1)
	out[0].(*testutil.Member).Age = 77

	f.counter.Reset()
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 0, f.counter.Count())
	assert.Equal(t, []int{30}, testutil.Ages(t, f.st))
}

func TestSession_AuditTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)
	assert.True(t, m.Created().Equal(testutil.Epoch))
	assert.True(t, m.LastModified().Equal(testutil.Epoch))

	for i := 1; i <= 2; i++ {
		s := f.open(t)
		got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
		require.NoError(t, err)
		got.Age++
		require.NoError(t, s.Commit(ctx))
	}

	s := f.open(t)
	got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Created().Equal(testutil.Epoch), "created %v", got.Created())
	assert.True(t, got.LastModified().Equal(testutil.Epoch.Add(2*time.Second)), "modified %v", got.LastModified())
}

func TestSession_AuditTamper(t *testing.T) {
	t.Run("lenient reverts", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		m := &testutil.Member{Username: "alice", Age: 30}
		f.seed(t, m)

		s := f.open(t)
		got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
		require.NoError(t, err)
		got.CreatedDate = testutil.Epoch.Add(-time.Hour)
		require.NoError(t, s.Flush(ctx))
		assert.True(t, got.Created().Equal(testutil.Epoch))
		assert.Equal(t, 0, s.Stats().Updated)
	})

	t.Run("strict rejects", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		m := &testutil.Member{Username: "alice", Age: 30}
		f.seed(t, m)

		s := f.open(t, session.WithAuditHook(audit.NewHook(f.clock, true)))
		got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
		require.NoError(t, err)
		got.LastModifiedDate = testutil.Epoch.Add(time.Hour)
		err = s.Commit(ctx)
		assert.True(t, faults.Is(err, faults.CodeAuditTampered))
		assert.True(t, s.Closed())
	})

	t.Run("lenient reverts before first flush", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		s := f.open(t)
		m := &testutil.Member{Username: "alice", Age: 30}
		require.NoError(t, s.Persist(m))
		m.CreatedDate = testutil.Epoch.Add(-24 * time.Hour)
		m.LastModifiedDate = testutil.Epoch.Add(-24 * time.Hour)
		require.NoError(t, s.Commit(ctx))
		assert.True(t, m.Created().Equal(testutil.Epoch), "created %v", m.Created())

		s = f.open(t)
		got, ok, err := session.Get[testutil.Member](ctx, s, m.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Created().Equal(testutil.Epoch), "stored created %v", got.Created())
		assert.True(t, got.LastModified().Equal(testutil.Epoch), "stored modified %v", got.LastModified())
	})

	t.Run("strict rejects before first flush", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		s := f.open(t, session.WithAuditHook(audit.NewHook(f.clock, true)))
		m := &testutil.Member{Username: "alice", Age: 30}
		require.NoError(t, s.Persist(m))
		m.CreatedDate = testutil.Epoch.Add(-24 * time.Hour)
		err := s.Commit(ctx)
		assert.True(t, faults.Is(err, faults.CodeAuditTampered), "%v", err)
		assert.Empty(t, testutil.Ages(t, f.st))
	})
}

func TestSession_Remove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	require.NoError(t, s.Remove(got))
	assert.False(t, s.Contains(got))

	_, ok, err := s.Find(ctx, "Member", m.ID)
	require.NoError(t, err)
	assert.False(t, ok, "removed instances are not found")

	fresh := &testutil.Member{Username: "never", Age: 1}
	require.NoError(t, s.Persist(fresh))
	require.NoError(t, s.Remove(fresh))

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, session.Stats{Deleted: 1}, s.Stats())
	assert.Empty(t, testutil.Ages(t, f.st))
}

func TestSession_PersistRemovedCancelsRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	require.NoError(t, s.Remove(got))
	require.NoError(t, s.Persist(got))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []int{30}, testutil.Ages(t, f.st))
}

func TestSession_UsageErrors(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	err := s.Persist(&testutil.Member{ID: 5, Username: "detached"})
	assert.True(t, faults.Is(err, faults.CodeDetachedEntity))

	err = s.Remove(&testutil.Member{Username: "stranger"})
	assert.True(t, faults.Is(err, faults.CodeDetachedEntity))

	err = s.MarkDirty(&testutil.Member{Username: "stranger"})
	assert.True(t, faults.Is(err, faults.CodeDetachedEntity))

	err = s.Persist(&struct{ X int }{})
	assert.True(t, faults.Is(err, faults.CodeUnknownEntity))
}

func TestSession_TransientReference(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	team := &testutil.Team{Name: "late"}
	require.NoError(t, s.Persist(&testutil.Member{Username: "alice", Team: schema.RefTo(team)}))
	require.NoError(t, s.Persist(team))

	err := s.Flush(context.Background())
	assert.True(t, faults.Is(err, faults.CodeTransientReference))
}

func TestSession_LazyReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := &testutil.Team{Name: "red"}
	m := &testutil.Member{Username: "alice", Age: 30, Team: schema.RefTo(team)}
	f.seed(t, team, m)

	s := f.open(t)
	got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	assert.False(t, got.Team.Loaded())
	assert.Equal(t, team.ID, got.Team.ID())

	f.counter.Reset()
	loaded, err := got.Team.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "red", loaded.Name)
	assert.Equal(t, 1, f.counter.Selects())

	managed, _, err := session.Get[testutil.Team](ctx, s, team.ID)
	require.NoError(t, err)
	assert.Same(t, loaded, managed)
	require.NoError(t, s.Commit(ctx))

	other := f.open(t)
	unloaded, _, err := session.Get[testutil.Member](ctx, other, m.ID)
	require.NoError(t, err)
	require.NoError(t, other.Commit(ctx))

	_, err = unloaded.Team.Load(ctx)
	assert.True(t, faults.Is(err, faults.CodeSessionClosed))
}

func TestSession_FetchJoinResolvesReferences(t *testing.T) {
	f := newFixture(t)
	team := &testutil.Team{Name: "red"}
	f.seed(t,
		team,
		&testutil.Member{Username: "alice", Age: 30, Team: schema.RefTo(team)},
		&testutil.Member{Username: "bob", Age: 31, Team: schema.RefTo(team)},
		&testutil.Member{Username: "carol", Age: 32},
	)

	s := f.open(t)
	f.counter.Reset()
	out := load(t, s, allMembers(true), false)
	require.Len(t, out, 3)

	alice, bob, carol := out[0].(*testutil.Member), out[1].(*testutil.Member), out[2].(*testutil.Member)
	require.True(t, alice.Team.Loaded())
	require.True(t, bob.Team.Loaded())
	assert.Same(t, alice.Team.Peek(), bob.Team.Peek())
	assert.Equal(t, "red", alice.Team.Peek().Name)
	assert.True(t, carol.Team.IsNil())
	assert.Equal(t, 1, f.counter.Selects())
	assert.Equal(t, 1, s.Managed("Team"))
}

func TestSession_Merge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	detached := &testutil.Member{ID: m.ID, Username: "renamed", Age: 31}
	merged, err := s.Merge(ctx, detached)
	require.NoError(t, err)
	assert.NotSame(t, detached, merged)
	assert.True(t, s.Contains(merged))
	assert.False(t, s.Contains(detached))

	gone := &testutil.Member{ID: 4242, Username: "ghost", Age: 40}
	revived, err := s.Merge(ctx, gone)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	assert.NotEqual(t, int64(4242), revived.(*testutil.Member).ID)

	assert.Equal(t, []int{31, 40}, testutil.Ages(t, f.st))
}

func TestSession_MergeRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	managed, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	require.NoError(t, s.Remove(managed))

	_, err = s.Merge(ctx, &testutil.Member{ID: m.ID, Username: "alice", Age: 31})
	assert.True(t, faults.Is(err, faults.CodeDetachedEntity), "%v", err)
	assert.Equal(t, 0, s.Managed("Member"))

	require.NoError(t, s.Commit(ctx))
	assert.Empty(t, testutil.Ages(t, f.st))
}

func TestSession_AutoFlush(t *testing.T) {
	tests := []struct {
		mode    session.FlushMode
		flushed bool
	}{
		{session.FlushAuto, true},
		{session.FlushCommit, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			f := newFixture(t)
			s := f.open(t, session.WithFlushMode(tt.mode))
			m := &testutil.Member{Username: "alice", Age: 30}
			require.NoError(t, s.Persist(m))
			require.NoError(t, s.AutoFlush(context.Background()))
			assert.Equal(t, tt.flushed, m.ID != 0)
		})
	}
}

func TestSession_CommitFailureDetaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &testutil.Member{Username: "alice", Age: 30}
	f.seed(t, m)

	s := f.open(t)
	got, _, err := session.Get[testutil.Member](ctx, s, m.ID)
	require.NoError(t, err)
	// Ending the transaction underneath the session makes the final commit fail.
	_, err = s.Exec(ctx, "COMMIT", nil)
	require.NoError(t, err)

	require.Error(t, s.Commit(ctx))
	assert.True(t, s.Closed())
	assert.False(t, s.Contains(got))
	assert.Equal(t, 0, s.Managed("Member"))
}

func TestSession_ClosedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t)
	require.NoError(t, s.Commit(ctx))

	assert.True(t, faults.Is(s.Persist(&testutil.Member{}), faults.CodeSessionClosed))
	assert.True(t, faults.Is(s.Flush(ctx), faults.CodeSessionClosed))
	assert.True(t, faults.Is(s.Commit(ctx), faults.CodeSessionClosed))
	_, err := s.Exec(ctx, "DELETE FROM member", nil)
	assert.True(t, faults.Is(err, faults.CodeSessionClosed))
	assert.NoError(t, s.Rollback())
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := session.Run(ctx, f.st, f.reg, func(s *session.Session) error {
		if err := s.Persist(&testutil.Member{Username: "alice", Age: 30}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, testutil.Ages(t, f.st))

	err = session.Run(ctx, f.st, f.reg, func(s *session.Session) error {
		return s.Persist(&testutil.Member{Username: "alice", Age: 30})
	})
	require.NoError(t, err)
	assert.Equal(t, []int{30}, testutil.Ages(t, f.st))

	assert.Panics(t, func() {
		_ = session.Run(ctx, f.st, f.reg, func(s *session.Session) error {
			panic("kaboom")
		})
	})
	assert.Equal(t, []int{30}, testutil.Ages(t, f.st))
}

func TestSession_Exec(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		&testutil.Member{Username: "a", Age: 10},
		&testutil.Member{Username: "b", Age: 20},
	)

	s := f.open(t)
	n, err := s.Exec(ctx, "UPDATE member SET age = age + 1 WHERE age >= ?", []any{20})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []int{10, 21}, testutil.Ages(t, f.st))
}
