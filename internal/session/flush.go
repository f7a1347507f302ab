package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/entityctx/internal/faults"
)

// Flush writes pending changes: inserts of new entities, then updates of
// dirty managed entities, then deletes of removed entities, each group in
// registration order. Read-only entities are never updated.
//
// An entity is dirty when MarkDirty was called or when its mapped values
// differ from the snapshot taken at load or at the previous flush. Before the
// UPDATE of a dirty entity the PreUpdate listener and the audit hook run.
func (s *Session) Flush(ctx context.Context) (err error) {
	if err := s.check(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "flush", trace.WithAttributes(
		attribute.String("session", s.id),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var stats Stats
	for _, en := range s.entriesIn(stateNew) {
		if err := s.insert(ctx, en); err != nil {
			return err
		}
		stats.Inserted++
	}
	for _, en := range s.entriesIn(stateManaged) {
		updated, err := s.update(ctx, en)
		if err != nil {
			return err
		}
		if updated {
			stats.Updated++
		}
	}
	for _, en := range s.entriesIn(stateRemoved) {
		if err := s.delete(ctx, en); err != nil {
			return err
		}
		stats.Deleted++
	}

	s.stats.Inserted += stats.Inserted
	s.stats.Updated += stats.Updated
	s.stats.Deleted += stats.Deleted
	if stats != (Stats{}) {
		slog.Debug("flushed",
			"session", s.id,
			"inserted", stats.Inserted,
			"updated", stats.Updated,
			"deleted", stats.Deleted,
		)
	}
	return nil
}

func (s *Session) entriesIn(st state) []*entry {
	var out []*entry
	for _, en := range s.order {
		if en.state == st {
			out = append(out, en)
		}
	}
	return out
}

func (s *Session) insert(ctx context.Context, en *entry) error {
	e := en.entity
	if err := s.hook.Guard(en.instance, en.stamp); err != nil {
		return err
	}
	values, err := e.Values(en.instance)
	if err != nil {
		return err
	}
	stmt, err := s.compiler.Insert(e)
	if err != nil {
		return err
	}
	text, args, err := stmt.BindValues(values[1:]...)
	if err != nil {
		return err
	}

	var id any
	if stmt.Returning {
		rows, err := s.tx.Query(ctx, text, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("insert %s: no identity returned", e.Name)
		}
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("insert %s: %w", e.Name, err)
		}
	} else {
		res, err := s.tx.Exec(ctx, text, args...)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("insert %s: last insert id: %w", e.Name, err)
		}
	}

	if err := e.SetID(en.instance, id); err != nil {
		return fmt.Errorf("insert %s: %w", e.Name, err)
	}
	typed, _ := e.IDOf(en.instance)
	if _, dup := s.byKey[key{e.Name, typed}]; dup {
		return faults.New(faults.CodeStoreFailure, "insert %s: store reused identity %v", e.Name, typed)
	}
	en.state = stateManaged
	s.byKey[key{e.Name, typed}] = en
	return en.remember()
}

func (s *Session) update(ctx context.Context, en *entry) (bool, error) {
	if en.readOnly {
		return false, nil
	}
	e := en.entity
	if err := s.hook.Guard(en.instance, en.stamp); err != nil {
		return false, err
	}
	snap, err := snapshot(en)
	if err != nil {
		return false, err
	}
	if !en.dirty && bytes.Equal(snap, en.snapshot) {
		return false, nil
	}

	if e.Listeners.PreUpdate != nil {
		e.Listeners.PreUpdate(en.instance)
	}
	s.hook.OnUpdate(en.instance)

	values, err := e.Values(en.instance)
	if err != nil {
		return false, err
	}
	stmt, err := s.compiler.UpdateByID(e)
	if err != nil {
		return false, err
	}
	text, args, err := stmt.BindValues(append(values[1:], values[0])...)
	if err != nil {
		return false, err
	}
	if _, err := s.tx.Exec(ctx, text, args...); err != nil {
		return false, err
	}
	return true, en.remember()
}

func (s *Session) delete(ctx context.Context, en *entry) error {
	e := en.entity
	if e.Listeners.PreRemove != nil {
		e.Listeners.PreRemove(en.instance)
	}
	id, _ := e.IDOf(en.instance)
	stmt, err := s.compiler.DeleteByID(e)
	if err != nil {
		return err
	}
	text, args, err := stmt.BindValues(id)
	if err != nil {
		return err
	}
	if _, err := s.tx.Exec(ctx, text, args...); err != nil {
		return err
	}
	s.untrack(en)
	return nil
}
