package querysql

import (
	"strings"

	"github.com/roach88/entityctx/internal/schema"
)

// Entity statements are built from mapping metadata, not from queries. They
// bind positional values in schema.Entity.Values order (non-identity columns)
// with the identity last where one is needed.

// Insert compiles the insert of one e row. The identity column is omitted;
// the store assigns it.
func (c *Compiler) Insert(e *schema.Entity) (*Statement, error) {
	return c.cached("insert", e.Name, func() (*Statement, error) {
		b := &builder{c: c}
		cols := nonIDColumns(e)
		b.write("INSERT INTO ", e.Table, " (", strings.Join(cols, ", "), ") VALUES (")
		for i := range cols {
			if i > 0 {
				b.write(", ")
			}
			b.slot(&arg{kind: argPositional, ordinal: i})
		}
		b.write(")")
		if c.dialect.Returning {
			b.write(" RETURNING ", e.ID.Column)
		}
		stmt := b.finish(KindInsert)
		stmt.Shape = ShapeNone
		stmt.Returning = c.dialect.Returning
		return stmt, nil
	})
}

// UpdateByID compiles the full-row update of one e row by identity.
func (c *Compiler) UpdateByID(e *schema.Entity) (*Statement, error) {
	return c.cached("update", e.Name, func() (*Statement, error) {
		b := &builder{c: c}
		cols := nonIDColumns(e)
		b.write("UPDATE ", e.Table, " SET ")
		for i, col := range cols {
			if i > 0 {
				b.write(", ")
			}
			b.write(col, " = ")
			b.slot(&arg{kind: argPositional, ordinal: i})
		}
		b.write(" WHERE ", e.ID.Column, " = ")
		b.slot(&arg{kind: argPositional, ordinal: len(cols)})
		stmt := b.finish(KindUpdate)
		stmt.Shape = ShapeNone
		return stmt, nil
	})
}

// DeleteByID compiles the delete of one e row by identity.
func (c *Compiler) DeleteByID(e *schema.Entity) (*Statement, error) {
	return c.cached("delete", e.Name, func() (*Statement, error) {
		b := &builder{c: c}
		b.write("DELETE FROM ", e.Table, " WHERE ", e.ID.Column, " = ")
		b.slot(&arg{kind: argPositional, ordinal: 0})
		stmt := b.finish(KindDelete)
		stmt.Shape = ShapeNone
		return stmt, nil
	})
}

func nonIDColumns(e *schema.Entity) []string {
	return e.Columns()[1:]
}
