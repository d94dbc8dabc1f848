package results

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ManifestRow records how one question was answered during a run.
type ManifestRow struct {
	RunID      string `parquet:"run_id"`
	Index      int64  `parquet:"question_index"`
	DBID       string `parquet:"db_id"`
	Question   string `parquet:"question"`
	RawOutput  string `parquet:"raw_output"`
	SQL        string `parquet:"predicted_sql"`
	Status     string `parquet:"status"`
	Error      string `parquet:"error"`
	Validated  bool   `parquet:"validated"`
	LatencyMs  int64  `parquet:"latency_ms"`
	Model      string `parquet:"model"`
	FinishedMs int64  `parquet:"finished_unix_ms"`
}

func EncodeManifest(rows []ManifestRow) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("manifest rows are required")
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[ManifestRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *Writer) WriteManifest(ctx context.Context, dest Destination, rows []ManifestRow) error {
	data, err := EncodeManifest(rows)
	if err != nil {
		return err
	}
	return w.write(ctx, dest, data, "application/vnd.apache.parquet")
}
