package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/spidergen/spidergen/internal/query"
	"github.com/spidergen/spidergen/internal/results"
)

// Engine loads manifests into an in-process DuckDB. Remote manifests are
// downloaded to a temp dir first; local ones are read in place.
type Engine struct {
	Stores results.StoreFactory
}

func NewEngine(stores results.StoreFactory) *Engine {
	return &Engine{Stores: stores}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if len(request.Sources) == 0 {
		return query.Result{}, fmt.Errorf("at least one manifest is required")
	}

	start := time.Now()
	workDir, err := os.MkdirTemp("", "spidergen-report-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create report temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	groupedPaths := map[string][]string{}
	var scannedBytes int64

	for index, source := range request.Sources {
		view := source.View
		if view == "" {
			view = query.DefaultView
		}
		localPath, size, err := e.localize(ctx, workDir, index, view, source.Location)
		if err != nil {
			return query.Result{}, err
		}
		groupedPaths[view] = append(groupedPaths[view], localPath)
		scannedBytes += size
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	views := make([]string, 0, len(groupedPaths))
	for view := range groupedPaths {
		views = append(views, view)
	}
	sort.Strings(views)
	for _, view := range views {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(view), quoteStringArray(groupedPaths[view]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return query.Result{}, fmt.Errorf("create view %q: %w", view, err)
		}
	}

	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:      columns,
		Rows:         resultRows,
		ScannedFiles: len(request.Sources),
		ScannedBytes: scannedBytes,
		Duration:     time.Since(start),
	}, nil
}

func (e *Engine) localize(ctx context.Context, workDir string, index int, view string, location results.Destination) (string, int64, error) {
	if !location.Remote() {
		info, err := os.Stat(location.Path)
		if err != nil {
			return "", 0, fmt.Errorf("stat manifest %q: %w", location.Path, err)
		}
		abs, err := filepath.Abs(location.Path)
		if err != nil {
			return "", 0, fmt.Errorf("resolve manifest %q: %w", location.Path, err)
		}
		return abs, info.Size(), nil
	}

	if e.Stores == nil {
		return "", 0, fmt.Errorf("object storage is not configured for %s", location)
	}
	store, err := e.Stores(ctx, location.Bucket)
	if err != nil {
		return "", 0, fmt.Errorf("open bucket %q: %w", location.Bucket, err)
	}
	reader, err := store.Get(ctx, location.Key)
	if err != nil {
		return "", 0, fmt.Errorf("get manifest %s: %w", location, err)
	}
	defer func() { _ = reader.Close() }()

	localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(view), index))
	size, err := writeFile(localPath, reader)
	if err != nil {
		return "", 0, fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return localPath, size, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "manifest"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
