// Package ledger defines the optional record of prediction runs.
package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger: not found")

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateRun(ctx context.Context, in CreateRunInput) (Run, error)
	RecordPrediction(ctx context.Context, in RecordPredictionInput) error
	CompleteRun(ctx context.Context, in CompleteRunInput) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListPredictions(ctx context.Context, runID string) ([]Prediction, error)
}

type Run struct {
	RunID         string
	Model         string
	Temperature   float64
	MaxTokens     int
	QuestionsPath string
	QuestionCount int
	Status        string
	Succeeded     int
	Failed        int
	StartedAt     time.Time
	FinishedAt    *time.Time
}

type Prediction struct {
	RunID     string
	Index     int
	DBID      string
	Question  string
	SQL       string
	Status    string
	Error     string
	LatencyMs int64
	CreatedAt time.Time
}

type CreateRunInput struct {
	RunID         string
	Model         string
	Temperature   float64
	MaxTokens     int
	QuestionsPath string
	QuestionCount int
}

type RecordPredictionInput struct {
	RunID     string
	Index     int
	DBID      string
	Question  string
	SQL       string
	Status    string
	Error     string
	LatencyMs int64
}

type CompleteRunInput struct {
	RunID     string
	Status    string
	Succeeded int
	Failed    int
}
