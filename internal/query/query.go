// Package query runs ad-hoc SQL over prediction manifests.
package query

import (
	"context"
	"time"

	"github.com/spidergen/spidergen/internal/results"
)

// DefaultView is the view name manifests are exposed under when a source does
// not name one.
const DefaultView = "predictions"

// DefaultReportSQL summarizes manifests by database and outcome.
const DefaultReportSQL = `SELECT db_id, status, COUNT(*) AS questions, CAST(AVG(latency_ms) AS BIGINT) AS avg_latency_ms
FROM predictions
GROUP BY db_id, status
ORDER BY db_id, status`

// Source is one manifest file exposed under View.
type Source struct {
	View     string
	Location results.Destination
}

type Request struct {
	SQL      string
	RowLimit int
	Sources  []Source
}

type Result struct {
	Columns      []string
	Rows         [][]any
	ScannedFiles int
	ScannedBytes int64
	Duration     time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
