// Package audit maintains creation and modification timestamps on entities
// that opt in by embedding Stamp.
//
// The session calls the Hook from inside Flush: OnPersist for rows being
// inserted, Guard and OnUpdate for dirty rows being updated. Entities that do
// not embed Stamp are never touched.
package audit

import "time"

// Stamp carries the two audit timestamps. Embed it in an entity struct to
// opt into auditing:
//
//	type Member struct {
//		ID       int64  `db:"member_id,id"`
//		Username string `db:"username"`
//		audit.Stamp
//	}
//
// The fields are exported so the schema can map them to columns; callers
// should treat them as read-only. Writes made outside the hook are either
// reverted or rejected at flush time depending on Hook.Strict.
type Stamp struct {
	CreatedDate      time.Time `db:"created_date"`
	LastModifiedDate time.Time `db:"last_modified_date"`
}

// Created returns the creation timestamp.
func (s *Stamp) Created() time.Time {
	return s.CreatedDate
}

// LastModified returns the last-modification timestamp.
func (s *Stamp) LastModified() time.Time {
	return s.LastModifiedDate
}

// AuditStamp exposes the embedded stamp to the hook.
func (s *Stamp) AuditStamp() *Stamp {
	return s
}

// Auditable is implemented by every struct that embeds Stamp.
type Auditable interface {
	AuditStamp() *Stamp
}

// StampOf returns the stamp of entity, or nil when it does not opt in.
func StampOf(entity any) *Stamp {
	if a, ok := entity.(Auditable); ok {
		return a.AuditStamp()
	}
	return nil
}
