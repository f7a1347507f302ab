// Package session implements the unit of work: the per-transaction identity
// map of managed entities, snapshot-based dirty checking, and the ordered
// flush that writes pending changes.
//
// A Session is confined to one goroutine and one store transaction. It is
// opened at the start of a transactional operation, accumulates managed
// entities, flushes at commit (or earlier, see FlushMode) and is discarded at
// transaction end.
//
// INVARIANTS:
//   - One live instance per (entity, identity): loading a row whose identity
//     is already managed returns the managed instance and does not overwrite
//     its fields from the store
//   - Flush order: inserts, then updates, then deletes, each group in
//     registration order
//   - Bulk statements bypass the identity map; instances loaded before a bulk
//     statement are stale until Clear or reload
package session

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/querysql"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/store"
)

var tracer = otel.Tracer("entityctx/session")

// FlushMode controls when pending changes reach the store.
type FlushMode int

const (
	// FlushAuto flushes before every query and bulk statement run through
	// the session, so queries observe the session's own pending writes.
	FlushAuto FlushMode = iota

	// FlushCommit defers writes to Commit or an explicit Flush.
	FlushCommit
)

func (m FlushMode) String() string {
	if m == FlushCommit {
		return "commit"
	}
	return "auto"
}

// IDGenerator generates session ids for log correlation.
// Implemented by UUIDv7Generator (production) and
// testutil.SequenceIDGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 session ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

type key struct {
	entity string
	id     any
}

type state int

const (
	stateNew state = iota
	stateManaged
	stateRemoved
)

type entry struct {
	entity   *schema.Entity
	instance any
	state    state
	seq      int

	snapshot []byte      // encoded column values as of the last load or flush
	stamp    audit.Stamp // audit values as of the last load or flush
	readOnly bool
	dirty    bool
}

// Session is a unit of work over one store transaction.
//
// Thread-safety: a Session must not be used from more than one goroutine.
type Session struct {
	id        string
	reg       *schema.Registry
	store     *store.Store
	tx        *store.Tx
	compiler  *querysql.Compiler
	hook      *audit.Hook
	flushMode FlushMode
	txOptions *sql.TxOptions
	idGen     IDGenerator

	byKey  map[key]*entry
	byPtr  map[any]*entry
	order  []*entry
	seq    int
	closed bool

	stats Stats
}

// Stats counts the rows written by the session's flushes.
type Stats struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Option configures a Session.
type Option func(*Session)

// WithFlushMode sets the flush mode. Default: FlushAuto.
func WithFlushMode(m FlushMode) Option {
	return func(s *Session) {
		s.flushMode = m
	}
}

// WithAuditHook sets the audit hook. Default: system clock, lenient.
func WithAuditHook(h *audit.Hook) Option {
	return func(s *Session) {
		s.hook = h
	}
}

// WithCompiler shares a statement compiler (and its cache) across sessions.
func WithCompiler(c *querysql.Compiler) Option {
	return func(s *Session) {
		s.compiler = c
	}
}

// WithIDGenerator sets the session id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Session) {
		s.idGen = g
	}
}

// WithTxOptions sets the isolation level and read-only flag of the
// transaction.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(s *Session) {
		s.txOptions = opts
	}
}

// Open begins a transaction and returns a session bound to it.
func Open(ctx context.Context, st *store.Store, reg *schema.Registry, opts ...Option) (*Session, error) {
	s := &Session{
		reg:   reg,
		store: st,
		byKey: make(map[key]*entry),
		byPtr: make(map[any]*entry),
		idGen: UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compiler == nil {
		s.compiler = querysql.NewCompiler(st.Dialect(), reg)
	}
	if s.hook == nil {
		s.hook = audit.NewHook(nil, false)
	}
	s.id = s.idGen.Generate()

	tx, err := st.Begin(ctx, s.txOptions)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	slog.Info("unit of work opened", "session", s.id, "flush_mode", s.flushMode.String())
	return s, nil
}

// Run opens a session, calls fn, and commits when fn returns nil. The session
// is rolled back when fn returns an error or panics.
func Run(ctx context.Context, st *store.Store, reg *schema.Registry, fn func(*Session) error, opts ...Option) (err error) {
	s, err := Open(ctx, st, reg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback()
			panic(p)
		}
	}()
	if err := fn(s); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "session", s.id, "error", rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Registry returns the schema registry.
func (s *Session) Registry() *schema.Registry {
	return s.reg
}

// Compiler returns the statement compiler.
func (s *Session) Compiler() *querysql.Compiler {
	return s.compiler
}

// FlushMode returns the session's flush mode.
func (s *Session) FlushMode() FlushMode {
	return s.flushMode
}

// Stats returns the write counts of all flushes so far.
func (s *Session) Stats() Stats {
	return s.stats
}

// Commit flushes pending changes and commits the transaction. A failed flush
// rolls the transaction back. The session is closed and its instances are
// detached either way.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.Flush(ctx); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "session", s.id, "error", rbErr)
		}
		return err
	}
	s.closed = true
	if err := s.tx.Commit(); err != nil {
		slog.Error("commit failed", "session", s.id, "error", err)
		s.reset()
		return err
	}
	slog.Info("unit of work committed",
		"session", s.id,
		"inserted", s.stats.Inserted,
		"updated", s.stats.Updated,
		"deleted", s.stats.Deleted,
	)
	s.reset()
	return nil
}

// Rollback discards pending changes and aborts the transaction. Managed
// instances are detached.
func (s *Session) Rollback() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.tx.Rollback()
	slog.Info("unit of work rolled back", "session", s.id, "managed", len(s.order))
	s.reset()
	return err
}

// Closed reports whether the session was committed or rolled back.
func (s *Session) Closed() bool {
	return s.closed
}

func (s *Session) check() error {
	if s.closed {
		return faults.New(faults.CodeSessionClosed, "session %s is closed", s.id)
	}
	return nil
}

func (s *Session) reset() {
	s.byKey = make(map[key]*entry)
	s.byPtr = make(map[any]*entry)
	s.order = nil
}
