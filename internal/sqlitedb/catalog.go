package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/spidergen/spidergen/internal/spider"
)

const tableDefinitionsQuery = `SELECT sql FROM sqlite_master WHERE type = 'table' AND sql IS NOT NULL`

var ErrMultipleStatements = errors.New("sql contains more than one statement")

type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// RenderSchema joins the CREATE TABLE statements of db with newlines, in the
// order the catalog returns them. Views, indexes and triggers are left out.
func RenderSchema(ctx context.Context, db Querier) (string, error) {
	rows, err := db.QueryContext(ctx, tableDefinitionsQuery)
	if err != nil {
		return "", fmt.Errorf("query sqlite_master: %w", err)
	}
	defer func() { _ = rows.Close() }()

	statements := make([]string, 0)
	for rows.Next() {
		var statement string
		if err := rows.Scan(&statement); err != nil {
			return "", fmt.Errorf("scan table definition: %w", err)
		}
		statements = append(statements, statement)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate table definitions: %w", err)
	}
	return strings.Join(statements, "\n"), nil
}

// RenderAll renders every materialized schema, keyed by db_id.
func RenderAll(ctx context.Context, schemas map[string]*spider.Schema) (map[string]string, error) {
	rendered := make(map[string]string, len(schemas))
	for _, dbID := range SortedIDs(schemas) {
		schema := schemas[dbID]
		if schema.DB == nil {
			return nil, fmt.Errorf("render %q: database is not materialized", dbID)
		}
		text, err := RenderSchema(ctx, schema.DB)
		if err != nil {
			return nil, fmt.Errorf("render %q: %w", dbID, err)
		}
		rendered[dbID] = text
	}
	return rendered, nil
}

// Explain asks SQLite to plan sqlText without running it. Input holding more
// than one statement is rejected before it reaches the driver, which would
// otherwise run every statement after the first.
func Explain(ctx context.Context, db Querier, sqlText string) error {
	statement, more := firstStatement(sqlText)
	if more {
		return ErrMultipleStatements
	}
	trimmed := strings.TrimSpace(statement)
	if trimmed == "" {
		return fmt.Errorf("sql is required")
	}
	rows, err := db.QueryContext(ctx, "EXPLAIN "+trimmed)
	if err != nil {
		return fmt.Errorf("explain: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("explain: %w", err)
	}
	return nil
}

// firstStatement returns sqlText up to its first semicolon outside quotes,
// identifiers and comments, and whether another statement follows it.
func firstStatement(sqlText string) (string, bool) {
	for i := 0; i < len(sqlText); i++ {
		switch c := sqlText[i]; {
		case c == '\'' || c == '"' || c == '`':
			i = skipPast(sqlText, i+1, string(c))
		case c == '[':
			i = skipPast(sqlText, i+1, "]")
		case strings.HasPrefix(sqlText[i:], "--"):
			i = skipPast(sqlText, i+2, "\n")
		case strings.HasPrefix(sqlText[i:], "/*"):
			i = skipPast(sqlText, i+2, "*/")
		case c == ';':
			return sqlText[:i], hasStatement(sqlText[i+1:])
		}
	}
	return sqlText, false
}

// hasStatement reports whether s holds anything besides whitespace, comments
// and empty statements.
func hasStatement(s string) bool {
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == ';' || unicode.IsSpace(rune(s[i])):
		case strings.HasPrefix(s[i:], "--"):
			i = skipPast(s, i+2, "\n")
		case strings.HasPrefix(s[i:], "/*"):
			i = skipPast(s, i+2, "*/")
		default:
			return true
		}
	}
	return false
}

// skipPast returns the index of the last byte of the first terminator at or
// after from, or len(s) when s ends first. Doubled quotes need no special
// case: the scan simply reopens the quoted run at the second quote.
func skipPast(s string, from int, terminator string) int {
	idx := strings.Index(s[from:], terminator)
	if idx < 0 {
		return len(s)
	}
	return from + idx + len(terminator) - 1
}
