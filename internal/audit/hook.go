package audit

import (
	"log/slog"

	"github.com/roach88/entityctx/internal/faults"
)

// Hook stamps audit timestamps during flush.
//
// Strict controls what happens when a caller wrote an audit field directly:
// when false the write is reverted and logged, when true Guard returns an
// AUDIT_TAMPERED error and the flush fails.
type Hook struct {
	Clock  Clock
	Strict bool
}

// NewHook creates a hook reading time from clock. A nil clock means SystemClock.
func NewHook(clock Clock, strict bool) *Hook {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Hook{Clock: clock, Strict: strict}
}

// OnPersist sets both timestamps on first insert. No-op for entities without
// a Stamp.
func (h *Hook) OnPersist(entity any) {
	s := StampOf(entity)
	if s == nil {
		return
	}
	now := h.Clock.Now()
	s.CreatedDate = now
	s.LastModifiedDate = now
}

// Guard compares the entity's stamp with the values last written to the store
// and reverts or rejects direct writes. prior is the stamp as of the last
// load or flush.
func (h *Hook) Guard(entity any, prior Stamp) error {
	s := StampOf(entity)
	if s == nil {
		return nil
	}
	createdChanged := !s.CreatedDate.Equal(prior.CreatedDate)
	modifiedChanged := !s.LastModifiedDate.Equal(prior.LastModifiedDate)
	if !createdChanged && !modifiedChanged {
		return nil
	}
	if h.Strict {
		return faults.New(faults.CodeAuditTampered,
			"audit fields are maintained by the audit hook and cannot be written directly")
	}
	slog.Warn("audit field write ignored",
		"created_changed", createdChanged,
		"modified_changed", modifiedChanged,
	)
	s.CreatedDate = prior.CreatedDate
	s.LastModifiedDate = prior.LastModifiedDate
	return nil
}

// OnUpdate advances the modification timestamp of a dirty entity. The
// creation timestamp is never changed here.
func (h *Hook) OnUpdate(entity any) {
	s := StampOf(entity)
	if s == nil {
		return
	}
	s.LastModifiedDate = h.Clock.Now()
}
