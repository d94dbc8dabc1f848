// Package sqlitedb copies Spider SQLite databases into memory and reads their
// catalogs.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/spidergen/spidergen/internal/spider"
)

const driverName = "sqlite3"

var ErrDatabaseMissing = errors.New("database file not found")

// uriPathEscaper escapes the bytes SQLite's URI parser treats specially in the
// path component of a file: URI.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func readOnlyURI(path string) string {
	return "file:" + uriPathEscaper.Replace(path) + "?mode=ro"
}

// Materialize copies the SQLite file at path into a fresh in-memory database
// using the online backup API. The file-backed connection never outlives the
// call, and the copy is returned with query_only set so nothing can modify it.
func Materialize(ctx context.Context, path string) (*sql.DB, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseMissing, path)
		}
		return nil, fmt.Errorf("stat database %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("database path %q is a directory", path)
	}

	source, err := sql.Open(driverName, readOnlyURI(path))
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	defer func() { _ = source.Close() }()

	dest, err := OpenMemory()
	if err != nil {
		return nil, err
	}
	if err := backup(ctx, dest, source); err != nil {
		_ = dest.Close()
		return nil, fmt.Errorf("copy database %q into memory: %w", path, err)
	}
	// Applies to the single pinned connection for the lifetime of dest.
	if _, err := dest.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		_ = dest.Close()
		return nil, fmt.Errorf("mark %q copy read-only: %w", path, err)
	}
	return dest, nil
}

// OpenMemory opens an empty in-memory database pinned to a single connection,
// since every new SQLite connection to ":memory:" would see its own database.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return db, nil
}

func backup(ctx context.Context, dest, source *sql.DB) error {
	destConn, err := dest.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire destination connection: %w", err)
	}
	defer func() { _ = destConn.Close() }()

	sourceConn, err := source.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire source connection: %w", err)
	}
	defer func() { _ = sourceConn.Close() }()

	return destConn.Raw(func(destRaw any) error {
		return sourceConn.Raw(func(sourceRaw any) error {
			destSQLite, ok := destRaw.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected destination driver connection %T", destRaw)
			}
			sourceSQLite, ok := sourceRaw.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected source driver connection %T", sourceRaw)
			}

			b, err := destSQLite.Backup("main", sourceSQLite, "main")
			if err != nil {
				return fmt.Errorf("start backup: %w", err)
			}
			done, err := b.Step(-1)
			if err != nil {
				_ = b.Finish()
				return fmt.Errorf("backup step: %w", err)
			}
			if !done {
				_ = b.Finish()
				return fmt.Errorf("backup did not complete in a single step")
			}
			if err := b.Finish(); err != nil {
				return fmt.Errorf("finish backup: %w", err)
			}
			return nil
		})
	})
}

// Materializer attaches an in-memory copy of every schema's database file.
type Materializer struct {
	Dir       string
	Subdir    string
	Extension string
	// OnMaterialized is called after each successful copy.
	OnMaterialized func(dbID string)
}

// MaterializeAll walks schemas in db_id order and stops at the first failure;
// connections attached before the failure stay attached so the caller can
// release them with CloseAll.
func (m *Materializer) MaterializeAll(ctx context.Context, schemas map[string]*spider.Schema) error {
	for _, dbID := range SortedIDs(schemas) {
		if err := ctx.Err(); err != nil {
			return err
		}
		schema := schemas[dbID]
		if schema.DB != nil {
			continue
		}
		db, err := Materialize(ctx, spider.DatabasePath(m.Dir, m.Subdir, dbID, m.Extension))
		if err != nil {
			return fmt.Errorf("materialize %q: %w", dbID, err)
		}
		schema.DB = db
		if m.OnMaterialized != nil {
			m.OnMaterialized(dbID)
		}
	}
	return nil
}

func CloseAll(schemas map[string]*spider.Schema) {
	for _, schema := range schemas {
		if schema.DB != nil {
			_ = schema.DB.Close()
			schema.DB = nil
		}
	}
}

func SortedIDs(schemas map[string]*spider.Schema) []string {
	ids := make([]string, 0, len(schemas))
	for id := range schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
