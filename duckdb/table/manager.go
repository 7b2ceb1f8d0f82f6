// Package table implements the Table Manager, spec §4.E: idempotently
// creating a plan's destination table with a surrogate sequence-backed
// primary key, mapping each column's semantic type to a DuckDB storage
// type. Grounded on the reference adapter's database/sql-over-go-duckdb
// style (internal/adapter/duckdb.go in the example pack).
package table

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	viewdef "github.com/gofhir/fhirview"
	"github.com/gofhir/fhirview/dbpool"
)

// semanticStorage is the semantic-type → DuckDB storage-type map from spec
// §4.E. Unknown or unset semantic types fall back to VARCHAR.
var semanticStorage = map[string]string{
	"boolean":      "BOOLEAN",
	"integer":      "INTEGER",
	"positiveint":  "INTEGER",
	"unsignedint":  "INTEGER",
	"integer64":    "BIGINT",
	"decimal":      "DOUBLE",
	"date":         "DATE",
	"datetime":     "TIMESTAMP",
	"instant":      "TIMESTAMP",
	"time":         "TIME",
	"base64binary": "BLOB",
	"string":       "VARCHAR",
	"uri":          "VARCHAR",
	"code":         "VARCHAR",
	"markdown":     "VARCHAR",
	"id":           "VARCHAR",
	"url":          "VARCHAR",
	"uuid":         "VARCHAR",
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Manager creates destination tables from compiled Plans.
type Manager struct {
	pool *dbpool.Pool
}

// New creates a Manager backed by pool.
func New(pool *dbpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// EnsureTable creates plan's destination table and backing sequence if they
// don't already exist; an existing table of any schema is left untouched,
// per spec §4.E's "succeeds if the table exists with any schema".
func (m *Manager) EnsureTable(ctx context.Context, plan *viewdef.Plan) error {
	tableName := plan.Table()
	if !identifierPattern.MatchString(tableName) {
		return fmt.Errorf("table: view name %q does not produce a valid table identifier", plan.Name)
	}

	lease, err := m.pool.Acquire()
	if err != nil {
		return fmt.Errorf("table: acquire connection: %w", err)
	}
	defer lease.Release()

	seqName := tableName + "_id_seq"
	if _, err := lease.Conn.ExecContext(ctx, fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS "%s"`, seqName)); err != nil {
		return fmt.Errorf("table: create sequence %q: %w", seqName, err)
	}

	ddl, err := createTableStatement(tableName, seqName, plan.Columns)
	if err != nil {
		return err
	}
	if _, err := lease.Conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("table: create table %q: %w", tableName, err)
	}

	return nil
}

// createTableStatement builds the CREATE TABLE IF NOT EXISTS statement: a
// surrogate "id" primary key defaulting to the next sequence value,
// followed by declared columns in declaration order, per spec §4.E.
func createTableStatement(tableName, seqName string, columns []viewdef.Column) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS "%s" (`, tableName)
	fmt.Fprintf(&b, `"id" BIGINT PRIMARY KEY DEFAULT nextval('%s')`, seqName)

	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if seen[col.Name] {
			continue
		}
		seen[col.Name] = true
		if !identifierPattern.MatchString(col.Name) {
			return "", fmt.Errorf("table: column %q is not a valid identifier", col.Name)
		}
		fmt.Fprintf(&b, `, "%s" %s`, col.Name, storageType(col))
	}
	b.WriteByte(')')
	return b.String(), nil
}

// storageType resolves a column's DuckDB storage type: an "ansi/type" tag
// overrides the semantic-type map, and collection=true wraps the result as
// an array type.
func storageType(col viewdef.Column) string {
	base := "VARCHAR"
	if override, ok := col.TagValue("ansi/type"); ok && override != "" {
		base = override
	} else if mapped, ok := semanticStorage[strings.ToLower(col.Type)]; ok {
		base = mapped
	}
	if col.Collection {
		return base + "[]"
	}
	return base
}

// ColumnNames returns the ordered, deduplicated list of a plan's column
// names — the tuple the Upsert Engine binds row values against.
func ColumnNames(columns []viewdef.Column) []string {
	names := make([]string, 0, len(columns))
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		names = append(names, c.Name)
	}
	return names
}
