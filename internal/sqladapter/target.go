package sqladapter

import "github.com/jackc/pgx/v5"

// Target is a concrete (schema, table) location inside the shared
// database. It is produced exclusively by the routing helper; the
// adapter never derives one on its own, so every identifier reaching
// this package has already been through routing's tenant-prefixing
// logic (spec invariant I1).
type Target struct {
	Schema string
	Table  string
}

// String is the "schema.table" form used in log fields and error
// messages, not SQL.
func (t Target) String() string {
	return t.Schema + "." + t.Table
}

// quotedSchema returns the schema identifier, double-quoted, safe for
// direct interpolation into DDL (spec invariant I4). pgx.Identifier.
// Sanitize quotes each part and escapes embedded quotes, so a tenant id
// containing `"` or `.` cannot alter statement structure.
func (t Target) quotedSchema() string {
	return pgx.Identifier{t.Schema}.Sanitize()
}

// quotedTable returns the fully-qualified "schema"."table" identifier.
func (t Target) quotedTable() string {
	return pgx.Identifier{t.Schema, t.Table}.Sanitize()
}
