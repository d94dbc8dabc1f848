// Package spider reads the Spider benchmark's question sets and table metadata.
package spider

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
)

// Question is one benchmark example. Fields other than the question text and
// its database id are ignored.
type Question struct {
	Question string `json:"question"`
	DBID     string `json:"db_id"`
}

type ForeignKey struct {
	Column     int
	References int
}

// Schema describes one benchmark database as listed in tables.json. DB is
// nil until the database has been materialized.
type Schema struct {
	DBID                string
	TableNames          []string
	TableNamesOriginal  []string
	ColumnNames         []Column
	ColumnNamesOriginal []Column
	ColumnTypes         []string
	PrimaryKeys         []int
	ForeignKeys         []ForeignKey

	DB *sql.DB
}

// Column is a (table index, column name) pair; TableIndex is -1 for the "*"
// pseudo column.
type Column struct {
	TableIndex int
	Name       string
}

// DatabasePath locates a database file as {dir}/{subdir}/{db_id}/{db_id}.{ext}.
func DatabasePath(dir, subdir, dbID, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "sqlite"
	}
	return filepath.Join(dir, subdir, dbID, fmt.Sprintf("%s.%s", dbID, ext))
}
