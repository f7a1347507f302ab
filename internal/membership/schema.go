package membership

import (
	"context"
	"fmt"

	"github.com/roach88/entityctx/internal/audit"
	"github.com/roach88/entityctx/internal/schema"
	"github.com/roach88/entityctx/internal/store"
)

// Entity names.
const (
	EntityTeam   = "Team"
	EntityMember = "Member"
	EntityItem   = "Item"
)

// DDL creates the membership tables on SQLite.
const DDL = `
CREATE TABLE IF NOT EXISTS team (
	team_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS member (
	member_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	username           TEXT NOT NULL,
	age                INTEGER NOT NULL,
	team_id            INTEGER REFERENCES team(team_id),
	created_date       TIMESTAMP,
	last_modified_date TIMESTAMP
);
CREATE INDEX IF NOT EXISTS member_team ON member(team_id);
CREATE TABLE IF NOT EXISTS item (
	item_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL,
	created_date TIMESTAMP,
	updated_date TIMESTAMP
);
`

// NewSchema registers the membership entities and the MemberDto
// constructor. clock stamps Item's listener-maintained dates.
func NewSchema(clock audit.Clock) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	if _, err := schema.Register[Team](reg, EntityTeam, "team"); err != nil {
		return nil, err
	}
	if _, err := schema.Register[Member](reg, EntityMember, "member"); err != nil {
		return nil, err
	}
	if _, err := schema.Register[Item](reg, EntityItem, "item", schema.WithListeners(itemListeners(clock))); err != nil {
		return nil, err
	}
	if err := reg.Check(); err != nil {
		return nil, err
	}
	if err := schema.RegisterConstructor(reg, "MemberDto", NewMemberDto); err != nil {
		return nil, err
	}
	return reg, nil
}

// Install creates the membership tables.
func Install(ctx context.Context, st *store.Store) error {
	if err := st.Script(ctx, DDL); err != nil {
		return fmt.Errorf("install membership schema: %w", err)
	}
	return nil
}
