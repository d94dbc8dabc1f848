// Package postgres stores the run ledger in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spidergen/spidergen/internal/ledger"
)

var _ ledger.Repository = (*Repository)(nil)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}

func (r *Repository) CreateRun(ctx context.Context, in ledger.CreateRunInput) (ledger.Run, error) {
	if in.RunID == "" {
		return ledger.Run{}, fmt.Errorf("run id is required")
	}

	query := `
INSERT INTO prediction_run (run_id, model, temperature, max_tokens, questions_path, question_count, status)
VALUES ($1, $2, $3, $4, $5, $6, 'running')
RETURNING started_at`
	var startedAt time.Time
	if err := r.db.QueryRowContext(ctx, query,
		in.RunID,
		in.Model,
		in.Temperature,
		in.MaxTokens,
		in.QuestionsPath,
		in.QuestionCount,
	).Scan(&startedAt); err != nil {
		return ledger.Run{}, fmt.Errorf("create run: %w", err)
	}
	return ledger.Run{
		RunID:         in.RunID,
		Model:         in.Model,
		Temperature:   in.Temperature,
		MaxTokens:     in.MaxTokens,
		QuestionsPath: in.QuestionsPath,
		QuestionCount: in.QuestionCount,
		Status:        ledger.RunStatusRunning,
		StartedAt:     startedAt,
	}, nil
}

// RecordPrediction upserts by (run_id, question_index) so a retried write
// replaces the earlier row.
func (r *Repository) RecordPrediction(ctx context.Context, in ledger.RecordPredictionInput) error {
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO prediction (run_id, question_index, db_id, question, predicted_sql, status, error, latency_ms)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
ON CONFLICT (run_id, question_index)
DO UPDATE SET predicted_sql = EXCLUDED.predicted_sql, status = EXCLUDED.status, error = EXCLUDED.error, latency_ms = EXCLUDED.latency_ms`,
		in.RunID,
		in.Index,
		in.DBID,
		in.Question,
		in.SQL,
		in.Status,
		in.Error,
		in.LatencyMs,
	); err != nil {
		return fmt.Errorf("record prediction %d: %w", in.Index, err)
	}
	return nil
}

func (r *Repository) CompleteRun(ctx context.Context, in ledger.CompleteRunInput) error {
	status := in.Status
	if status == "" {
		status = ledger.RunStatusCompleted
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE prediction_run
SET status = $2, succeeded = $3, failed = $4, finished_at = NOW()
WHERE run_id = $1`, in.RunID, status, in.Succeeded, in.Failed)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run rows affected: %w", err)
	}
	if rows == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, runID string) (ledger.Run, error) {
	query := `
SELECT run_id, model, temperature, max_tokens, questions_path, question_count, status, succeeded, failed, started_at, finished_at
FROM prediction_run
WHERE run_id = $1`

	var run ledger.Run
	var finishedAt sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&run.RunID,
		&run.Model,
		&run.Temperature,
		&run.MaxTokens,
		&run.QuestionsPath,
		&run.QuestionCount,
		&run.Status,
		&run.Succeeded,
		&run.Failed,
		&run.StartedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Run{}, ledger.ErrNotFound
		}
		return ledger.Run{}, fmt.Errorf("get run: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func (r *Repository) ListPredictions(ctx context.Context, runID string) ([]ledger.Prediction, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, question_index, db_id, question, predicted_sql, status, COALESCE(error, ''), latency_ms, created_at
FROM prediction
WHERE run_id = $1
ORDER BY question_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	predictions := make([]ledger.Prediction, 0)
	for rows.Next() {
		var p ledger.Prediction
		if err := rows.Scan(
			&p.RunID,
			&p.Index,
			&p.DBID,
			&p.Question,
			&p.SQL,
			&p.Status,
			&p.Error,
			&p.LatencyMs,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		predictions = append(predictions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}
	return predictions, nil
}
