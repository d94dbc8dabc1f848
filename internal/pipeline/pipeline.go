// Package pipeline runs the question → schema → prompt → completion → file
// flow for one benchmark split.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spidergen/spidergen/internal/config"
	"github.com/spidergen/spidergen/internal/ledger"
	"github.com/spidergen/spidergen/internal/nl2sql"
	"github.com/spidergen/spidergen/internal/observability"
	"github.com/spidergen/spidergen/internal/results"
	"github.com/spidergen/spidergen/internal/spider"
	"github.com/spidergen/spidergen/internal/sqlitedb"
)

type Materializer interface {
	MaterializeAll(ctx context.Context, schemas map[string]*spider.Schema) error
}

// Ledger is the subset of ledger.Repository a run writes to.
type Ledger interface {
	CreateRun(ctx context.Context, in ledger.CreateRunInput) (ledger.Run, error)
	RecordPrediction(ctx context.Context, in ledger.RecordPredictionInput) error
	CompleteRun(ctx context.Context, in ledger.CompleteRunInput) error
}

type Config struct {
	QuestionsPath string
	TablesPath    string
	Output        results.Destination
	Manifest      *results.Destination
	Workers       int
	OnError       config.FailurePolicy
	ErrorSentinel string
	Validate      bool
	Model         string
	Temperature   float64
	MaxTokens     int
}

type Runner struct {
	Config       Config
	Materializer Materializer
	Translator   nl2sql.Translator
	Writer       *results.Writer
	Ledger       Ledger
	Logger       *slog.Logger
	Clock        func() time.Time
	NewRunID     func() string

	stage Stage
}

type Summary struct {
	RunID            string        `json:"run_id"`
	Questions        int           `json:"questions"`
	Databases        int           `json:"databases"`
	Succeeded        int           `json:"succeeded"`
	Failed           int           `json:"failed"`
	ValidationFailed int           `json:"validation_failed"`
	Output           string        `json:"output"`
	Manifest         string        `json:"manifest,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Stage reports how far the last call to Run progressed.
func (r *Runner) Stage() Stage {
	return r.stage
}

func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if err := r.ensureDefaults(); err != nil {
		return Summary{}, wrap(KindConfig, "validate runner", err)
	}
	r.stage = StageIdle
	start := r.Clock()

	runID := r.NewRunID()
	ctx = observability.ContextWithRunID(ctx, runID)
	logger := observability.LoggerForRun(ctx, r.Logger)
	summary := Summary{RunID: runID, Output: r.Config.Output.String()}

	logger.InfoContext(ctx, "reading questions", slog.String("path", r.Config.QuestionsPath))
	questions, err := spider.LoadQuestions(r.Config.QuestionsPath)
	if err != nil {
		return summary, wrap(KindConfig, "load questions", err)
	}
	summary.Questions = len(questions)
	r.advance(StageQuestionsLoaded)
	logger.InfoContext(ctx, "questions loaded", slog.Int("count", len(questions)))

	logger.InfoContext(ctx, "loading schemas", slog.String("path", r.Config.TablesPath))
	schemas, err := spider.LoadTables(r.Config.TablesPath)
	if err != nil {
		return summary, wrap(KindConfig, "load schemas", err)
	}
	summary.Databases = len(schemas)
	if err := checkKnownDatabases(questions, schemas); err != nil {
		return summary, wrap(KindDataAccess, "resolve databases", err)
	}
	r.advance(StageSchemasLoaded)

	defer sqlitedb.CloseAll(schemas)
	logger.InfoContext(ctx, "loading database connections", slog.Int("databases", len(schemas)))
	if err := r.Materializer.MaterializeAll(ctx, schemas); err != nil {
		return summary, wrap(KindDataAccess, "materialize databases", err)
	}
	r.advance(StageDatabasesMaterialized)

	rendered, err := sqlitedb.RenderAll(ctx, schemas)
	if err != nil {
		return summary, wrap(KindDataAccess, "render schemas", err)
	}
	r.advance(StageSchemasRendered)

	if r.Ledger != nil {
		if _, err := r.Ledger.CreateRun(ctx, ledger.CreateRunInput{
			RunID:         runID,
			Model:         r.Config.Model,
			Temperature:   r.Config.Temperature,
			MaxTokens:     r.Config.MaxTokens,
			QuestionsPath: r.Config.QuestionsPath,
			QuestionCount: len(questions),
		}); err != nil {
			return summary, wrap(KindOutput, "create ledger run", err)
		}
	}

	r.advance(StageGenerating)
	logger.InfoContext(ctx, "generating sql queries", slog.Int("questions", len(questions)), slog.Int("workers", r.Config.Workers))
	outcome, err := r.generate(ctx, logger, runID, questions, schemas, rendered)
	summary.Succeeded = outcome.succeeded
	summary.Failed = outcome.failed
	summary.ValidationFailed = outcome.validationFailed
	if err != nil {
		r.completeLedgerRun(ctx, logger, runID, ledger.RunStatusFailed, outcome)
		return summary, err
	}

	logger.InfoContext(ctx, "writing predicted sqls", slog.String("output", r.Config.Output.String()))
	if err := r.Writer.WriteLines(ctx, r.Config.Output, outcome.predictions); err != nil {
		r.completeLedgerRun(ctx, logger, runID, ledger.RunStatusFailed, outcome)
		return summary, wrap(KindOutput, "write predictions", err)
	}
	if r.Config.Manifest != nil && len(outcome.rows) > 0 {
		if err := r.Writer.WriteManifest(ctx, *r.Config.Manifest, outcome.rows); err != nil {
			r.completeLedgerRun(ctx, logger, runID, ledger.RunStatusFailed, outcome)
			return summary, wrap(KindOutput, "write manifest", err)
		}
		summary.Manifest = r.Config.Manifest.String()
	}
	r.advance(StageWritten)

	r.completeLedgerRun(ctx, logger, runID, ledger.RunStatusCompleted, outcome)
	summary.Duration = r.Clock().Sub(start)
	observability.MarkRunFinished(r.Clock())
	r.advance(StageDone)
	logger.InfoContext(ctx, "run finished",
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("validation_failed", summary.ValidationFailed),
		slog.String("duration", summary.Duration.String()),
	)
	return summary, nil
}

type generation struct {
	predictions      []string
	rows             []results.ManifestRow
	succeeded        int
	failed           int
	validationFailed int
}

type answer struct {
	done      bool
	sql       string
	raw       string
	model     string
	err       error
	latency   time.Duration
	validated bool
	invalid   bool
}

// generate fans questions out to at most Workers concurrent completions.
// Answers are stored by question index so output order never depends on
// completion order.
func (r *Runner) generate(
	ctx context.Context,
	logger *slog.Logger,
	runID string,
	questions []spider.Question,
	schemas map[string]*spider.Schema,
	rendered map[string]string,
) (generation, error) {
	answers := make([]answer, len(questions))
	total := len(questions)
	var completed atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.Config.Workers)
	for i := range questions {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			question := questions[i]
			a := r.answer(groupCtx, logger, question, schemas[question.DBID], rendered[question.DBID])
			answers[i] = a
			r.recordPrediction(groupCtx, logger, runID, i, question, a)
			done := completed.Add(1)
			logger.InfoContext(groupCtx, "generated sql",
				slog.Int("index", i),
				slog.String("db_id", question.DBID),
				slog.Int64("done", done),
				slog.Int("total", total),
				slog.Bool("ok", a.err == nil),
				slog.String("duration", a.latency.String()),
			)

			if a.err != nil {
				logger.WarnContext(groupCtx, "generation failed",
					slog.Int("index", i),
					slog.String("db_id", question.DBID),
					slog.Any("error", a.err),
				)
				if r.Config.OnError == config.FailureAbort {
					return wrap(KindGeneration, fmt.Sprintf("question %d (%s)", i, question.DBID), a.err)
				}
				return nil
			}
			return nil
		})
	}
	waitErr := group.Wait()

	out := generation{
		predictions: make([]string, len(questions)),
		rows:        make([]results.ManifestRow, 0, len(questions)),
	}
	finishedMs := r.Clock().UnixMilli()
	for i, a := range answers {
		row := results.ManifestRow{
			RunID:      runID,
			Index:      int64(i),
			DBID:       questions[i].DBID,
			Question:   questions[i].Question,
			RawOutput:  a.raw,
			Status:     results.StatusOK,
			Validated:  a.validated,
			LatencyMs:  a.latency.Milliseconds(),
			Model:      a.model,
			FinishedMs: finishedMs,
		}
		switch {
		case !a.done:
			out.predictions[i] = r.Config.ErrorSentinel
			row.Status = results.StatusError
			row.Error = "not attempted"
		case a.err != nil:
			out.failed++
			out.predictions[i] = r.Config.ErrorSentinel
			row.Status = results.StatusError
			row.Error = a.err.Error()
		default:
			out.succeeded++
			out.predictions[i] = a.sql
		}
		if a.invalid {
			out.validationFailed++
		}
		row.SQL = out.predictions[i]
		out.rows = append(out.rows, row)
	}

	if waitErr != nil {
		if IsKind(waitErr, KindGeneration) {
			return out, waitErr
		}
		return out, wrap(KindGeneration, "generate", waitErr)
	}
	if err := ctx.Err(); err != nil {
		return out, wrap(KindGeneration, "generate", err)
	}
	return out, nil
}

func (r *Runner) answer(ctx context.Context, logger *slog.Logger, question spider.Question, schema *spider.Schema, schemaText string) answer {
	observability.TrackInFlight(1)
	started := time.Now()
	result, err := r.Translator.Translate(ctx, nl2sql.Request{
		DBID:     question.DBID,
		Question: question.Question,
		Schema:   schemaText,
	})
	elapsed := time.Since(started)
	observability.TrackInFlight(-1)
	observability.ObserveCompletion(err == nil, elapsed)

	if err != nil {
		return answer{done: true, err: err, latency: elapsed}
	}
	sql := results.Normalize(result.SQL)
	if sql == "" {
		err := fmt.Errorf("%w: normalized prediction is empty", nl2sql.ErrEmptyCompletion)
		return answer{done: true, err: err, raw: result.Raw, latency: elapsed}
	}

	a := answer{done: true, sql: sql, raw: result.Raw, model: result.Model, latency: elapsed}
	if r.Config.Validate && schema != nil && schema.DB != nil {
		if err := sqlitedb.Explain(ctx, schema.DB, sql); err != nil {
			observability.IncrementValidationFailures()
			a.invalid = true
			logger.WarnContext(ctx, "predicted sql failed validation",
				slog.String("db_id", question.DBID),
				slog.Any("error", err),
			)
		} else {
			a.validated = true
		}
	}
	return a
}

func (r *Runner) recordPrediction(ctx context.Context, logger *slog.Logger, runID string, index int, question spider.Question, a answer) {
	if r.Ledger == nil {
		return
	}
	in := ledger.RecordPredictionInput{
		RunID:     runID,
		Index:     index,
		DBID:      question.DBID,
		Question:  question.Question,
		SQL:       a.sql,
		Status:    results.StatusOK,
		LatencyMs: a.latency.Milliseconds(),
	}
	if a.err != nil {
		in.SQL = r.Config.ErrorSentinel
		in.Status = results.StatusError
		in.Error = a.err.Error()
	}
	if err := r.Ledger.RecordPrediction(ctx, in); err != nil {
		logger.WarnContext(ctx, "failed to record prediction", slog.Int("index", index), slog.Any("error", err))
	}
}

func (r *Runner) completeLedgerRun(ctx context.Context, logger *slog.Logger, runID, status string, outcome generation) {
	if r.Ledger == nil {
		return
	}
	// The run context may already be cancelled after an abort.
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.Ledger.CompleteRun(completeCtx, ledger.CompleteRunInput{
		RunID:     runID,
		Status:    status,
		Succeeded: outcome.succeeded,
		Failed:    outcome.failed,
	}); err != nil {
		logger.WarnContext(ctx, "failed to complete ledger run", slog.Any("error", err))
	}
}

func (r *Runner) advance(next Stage) {
	if next > r.stage {
		r.stage = next
	}
}

func (r *Runner) ensureDefaults() error {
	if r.Materializer == nil {
		return errors.New("materializer is required")
	}
	if r.Translator == nil {
		return errors.New("translator is required")
	}
	if r.Writer == nil {
		r.Writer = &results.Writer{}
	}
	if r.Clock == nil {
		r.Clock = time.Now
	}
	if r.NewRunID == nil {
		r.NewRunID = uuid.NewString
	}
	if r.Config.Workers <= 0 {
		r.Config.Workers = 1
	}
	if r.Config.OnError == "" {
		r.Config.OnError = config.FailureSentinel
	}
	if r.Config.ErrorSentinel == "" {
		r.Config.ErrorSentinel = config.DefaultErrorSentinel
	}
	if r.Config.Output.Path == "" && !r.Config.Output.Remote() {
		return errors.New("output destination is required")
	}
	return nil
}

// checkKnownDatabases fails on the first question whose db_id has no schema,
// listing every missing id.
func checkKnownDatabases(questions []spider.Question, schemas map[string]*spider.Schema) error {
	missing := map[string]struct{}{}
	for _, question := range questions {
		if _, ok := schemas[question.DBID]; !ok {
			missing[question.DBID] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	ids := make([]string, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Errorf("%w: %v", ErrUnknownDatabase, ids)
}
