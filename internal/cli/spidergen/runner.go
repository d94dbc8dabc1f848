package spidergen

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spidergen/spidergen/internal/config"
	"github.com/spidergen/spidergen/internal/ledger"
	"github.com/spidergen/spidergen/internal/ledger/postgres"
	"github.com/spidergen/spidergen/internal/nl2sql"
	"github.com/spidergen/spidergen/internal/observability"
	"github.com/spidergen/spidergen/internal/pipeline"
	"github.com/spidergen/spidergen/internal/query"
	"github.com/spidergen/spidergen/internal/query/duckdb"
	"github.com/spidergen/spidergen/internal/results"
	"github.com/spidergen/spidergen/internal/spider"
	"github.com/spidergen/spidergen/internal/sqlitedb"
	"github.com/spidergen/spidergen/internal/storage/s3"
)

const (
	ExitOK         = 0
	ExitInput      = 1
	ExitGeneration = 2
	ExitOutput     = 3
)

type Options struct {
	Lookup     config.LookupFunc
	HTTPClient *http.Client
	// Stores overrides the S3 factory built from config.
	Stores results.StoreFactory
	// Ledger overrides the Postgres ledger opened from SPIDERGEN_LEDGER_DSN.
	Ledger ledger.Repository
	Stdout io.Writer
	Stderr io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	lookup := defaults.Lookup
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}

	cfg, err := config.Load("spidergen", lookup)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %v\n", err)
		return ExitInput
	}

	fs := flag.NewFlagSet("spidergen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { writeUsage(stderr, fs) }

	fs.StringVar(&cfg.Paths.Input, "input", cfg.Paths.Input, "questions JSON file")
	fs.StringVar(&cfg.Paths.Output, "output", cfg.Paths.Output, "predictions file, local path or s3://bucket/key")
	fs.StringVar(&cfg.Paths.BenchmarkDir, "dir", cfg.Paths.BenchmarkDir, "benchmark root directory")
	fs.StringVar(&cfg.Paths.TablesFile, "tables", cfg.Paths.TablesFile, "tables metadata file, relative to -dir")
	fs.StringVar(&cfg.Paths.DBSubdir, "db", cfg.Paths.DBSubdir, "database directory, relative to -dir")
	fs.StringVar(&cfg.Paths.Manifest, "manifest", cfg.Paths.Manifest, "optional parquet manifest, local path or s3://bucket/key")
	fs.StringVar(&cfg.AI.BaseURL, "base-url", cfg.AI.BaseURL, "OpenAI-compatible API base URL")
	fs.StringVar(&cfg.AI.Model, "model", cfg.AI.Model, "the model to use for the SQL generation")
	fs.Float64Var(&cfg.AI.Temperature, "temperature", cfg.AI.Temperature, "sampling temperature, between 0 and 2")
	fs.IntVar(&cfg.AI.MaxTokens, "max-tokens", cfg.AI.MaxTokens, "maximum number of tokens to generate")
	fs.IntVar(&cfg.AI.MaxTokens, "max_tokens", cfg.AI.MaxTokens, "alias of -max-tokens")
	fs.DurationVar(&cfg.AI.Timeout, "timeout", cfg.AI.Timeout, "per-completion timeout (e.g. 60s)")
	fs.IntVar(&cfg.Generation.Workers, "workers", cfg.Generation.Workers, "concurrent completions")
	onError := fs.String("on-error", string(cfg.Generation.OnError), "failure policy: abort|sentinel")
	fs.BoolVar(&cfg.Generation.Validate, "validate", cfg.Generation.Validate, "EXPLAIN each prediction against its database")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitInput
	}
	cfg.Generation.OnError = config.FailurePolicy(strings.ToLower(strings.TrimSpace(*onError)))
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %v\n", err)
		return ExitInput
	}

	logger := observability.NewLogger(cfg, stderr)
	c := &command{cfg: cfg, opts: defaults, stdout: stdout, stderr: stderr, logger: logger}

	name := "predict"
	rest := []string(nil)
	if fs.NArg() > 0 {
		name = strings.TrimSpace(fs.Arg(0))
		rest = fs.Args()[1:]
	}
	switch name {
	case "predict":
		return c.predict(ctx)
	case "schema":
		return c.schema(ctx, rest)
	case "report":
		return c.report(ctx, rest)
	case "runs":
		return c.runs(ctx, rest)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		writeUsage(stderr, fs)
		return ExitInput
	}
}

type command struct {
	cfg    config.Config
	opts   Options
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func (c *command) predict(ctx context.Context) int {
	output, err := results.ParseDestination(c.cfg.Paths.Output)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "config error: %v\n", err)
		return ExitInput
	}
	var manifest *results.Destination
	if strings.TrimSpace(c.cfg.Paths.Manifest) != "" {
		dest, err := results.ParseDestination(c.cfg.Paths.Manifest)
		if err != nil {
			_, _ = fmt.Fprintf(c.stderr, "config error: %v\n", err)
			return ExitInput
		}
		manifest = &dest
	}

	translator, err := nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
		BaseURL:      c.cfg.AI.BaseURL,
		APIKey:       c.cfg.AI.APIKey,
		Model:        c.cfg.AI.Model,
		Temperature:  c.cfg.AI.Temperature,
		MaxTokens:    c.cfg.AI.MaxTokens,
		Timeout:      c.cfg.AI.Timeout,
		SystemPrompt: c.cfg.AI.SystemPrompt,
		HTTPClient:   c.opts.HTTPClient,
	})
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "config error: %v\n", err)
		return ExitInput
	}

	runLedger, closeLedger, err := c.openLedger(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "ledger error: %v\n", err)
		return ExitInput
	}
	defer closeLedger()

	runner := &pipeline.Runner{
		Config: pipeline.Config{
			QuestionsPath: c.cfg.Paths.Input,
			TablesPath:    filepath.Join(c.cfg.Paths.BenchmarkDir, c.cfg.Paths.TablesFile),
			Output:        output,
			Manifest:      manifest,
			Workers:       c.cfg.Generation.Workers,
			OnError:       c.cfg.Generation.OnError,
			ErrorSentinel: c.cfg.Generation.ErrorSentinel,
			Validate:      c.cfg.Generation.Validate,
			Model:         translator.Model(),
			Temperature:   c.cfg.AI.Temperature,
			MaxTokens:     c.cfg.AI.MaxTokens,
		},
		Materializer: &sqlitedb.Materializer{
			Dir:       c.cfg.Paths.BenchmarkDir,
			Subdir:    c.cfg.Paths.DBSubdir,
			Extension: c.cfg.Paths.DBExtension,
			OnMaterialized: func(string) {
				observability.IncrementDatabasesMaterialized()
			},
		},
		Translator: translator,
		Writer:     &results.Writer{Stores: c.stores()},
		Ledger:     runLedger,
		Logger:     c.logger,
	}

	summary, runErr := runner.Run(ctx)
	c.writeMetrics()
	if runErr != nil {
		_, _ = fmt.Fprintf(c.stderr, "%v\n", runErr)
		return ExitCode(runErr)
	}

	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err == nil {
		_, _ = fmt.Fprintln(c.stdout, string(encoded))
	}
	if summary.Failed > 0 {
		_, _ = fmt.Fprintf(c.stderr, "%d of %d questions failed and were written as %q\n", summary.Failed, summary.Questions, c.cfg.Generation.ErrorSentinel)
		return ExitGeneration
	}
	return ExitOK
}

func (c *command) schema(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		_, _ = fmt.Fprintln(c.stderr, "usage: spidergen [flags] schema <db_id>")
		return ExitInput
	}
	dbID := strings.TrimSpace(args[0])

	schemas, err := spider.LoadTables(filepath.Join(c.cfg.Paths.BenchmarkDir, c.cfg.Paths.TablesFile))
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "config error: %v\n", err)
		return ExitInput
	}
	if _, ok := schemas[dbID]; !ok {
		_, _ = fmt.Fprintf(c.stderr, "data access error: %v: %s\n", pipeline.ErrUnknownDatabase, dbID)
		return ExitInput
	}

	db, err := sqlitedb.Materialize(ctx, spider.DatabasePath(c.cfg.Paths.BenchmarkDir, c.cfg.Paths.DBSubdir, dbID, c.cfg.Paths.DBExtension))
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "data access error: %v\n", err)
		return ExitInput
	}
	defer func() { _ = db.Close() }()

	text, err := sqlitedb.RenderSchema(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "data access error: %v\n", err)
		return ExitInput
	}
	if text != "" {
		_, _ = fmt.Fprintln(c.stdout, text)
	}
	return ExitOK
}

func (c *command) report(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("spidergen report", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	sqlText := fs.String("sql", query.DefaultReportSQL, "SQL to run over the predictions view")
	limit := fs.Int("limit", 0, "maximum number of rows to print; 0 means all")
	if err := fs.Parse(args); err != nil {
		return ExitInput
	}

	locations := fs.Args()
	if len(locations) == 0 && strings.TrimSpace(c.cfg.Paths.Manifest) != "" {
		locations = []string{c.cfg.Paths.Manifest}
	}
	if len(locations) == 0 {
		_, _ = fmt.Fprintln(c.stderr, "usage: spidergen [flags] report [-sql SQL] [-limit N] <manifest>...")
		return ExitInput
	}

	sources := make([]query.Source, 0, len(locations))
	for _, raw := range locations {
		dest, err := results.ParseDestination(raw)
		if err != nil {
			_, _ = fmt.Fprintf(c.stderr, "config error: %v\n", err)
			return ExitInput
		}
		sources = append(sources, query.Source{View: query.DefaultView, Location: dest})
	}

	engine := duckdb.NewEngine(c.stores())
	result, err := engine.Execute(ctx, query.Request{SQL: *sqlText, RowLimit: *limit, Sources: sources})
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "report failed: %v\n", err)
		return ExitInput
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = formatCell(value)
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return ExitOutput
	}
	c.logger.DebugContext(ctx, "report finished",
		slog.Int("rows", len(result.Rows)),
		slog.Int("files", result.ScannedFiles),
		slog.Int64("bytes", result.ScannedBytes),
		slog.String("duration", result.Duration.String()),
	)
	return ExitOK
}

type runDetail struct {
	Run         ledger.Run          `json:"run"`
	Predictions []ledger.Prediction `json:"predictions"`
}

func (c *command) runs(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		_, _ = fmt.Fprintln(c.stderr, "usage: spidergen [flags] runs <run_id>")
		return ExitInput
	}
	runID := strings.TrimSpace(args[0])

	repo, closeLedger, err := c.openLedger(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "ledger error: %v\n", err)
		return ExitInput
	}
	defer closeLedger()
	if repo == nil {
		_, _ = fmt.Fprintln(c.stderr, "ledger error: SPIDERGEN_LEDGER_DSN is not set")
		return ExitInput
	}

	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "ledger error: %v\n", err)
		return ExitInput
	}
	predictions, err := repo.ListPredictions(ctx, runID)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "ledger error: %v\n", err)
		return ExitInput
	}

	encoded, err := json.MarshalIndent(runDetail{Run: run, Predictions: predictions}, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "encode run: %v\n", err)
		return ExitOutput
	}
	if _, err := fmt.Fprintln(c.stdout, string(encoded)); err != nil {
		return ExitOutput
	}
	return ExitOK
}

func (c *command) stores() results.StoreFactory {
	if c.opts.Stores != nil {
		return c.opts.Stores
	}
	if strings.TrimSpace(c.cfg.ObjectStore.Endpoint) == "" {
		return nil
	}
	return s3.Factory(s3.Config{
		Endpoint:         c.cfg.ObjectStore.Endpoint,
		Region:           c.cfg.ObjectStore.Region,
		AccessKeyID:      c.cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  c.cfg.ObjectStore.SecretAccessKey,
		UseSSL:           c.cfg.ObjectStore.UseSSL,
		AutoCreateBucket: c.cfg.ObjectStore.AutoCreateBucket,
	})
}

// openLedger returns a nil repository when no ledger is configured. A
// configured ledger must answer a health check before it is handed out.
func (c *command) openLedger(ctx context.Context) (ledger.Repository, func(), error) {
	if c.opts.Ledger != nil {
		if err := c.opts.Ledger.HealthCheck(ctx); err != nil {
			return nil, func() {}, err
		}
		return c.opts.Ledger, func() {}, nil
	}
	if strings.TrimSpace(c.cfg.Ledger.DSN) == "" {
		return nil, func() {}, nil
	}
	db, err := postgres.Open(ctx, postgres.DBConfig{
		DSN:             c.cfg.Ledger.DSN,
		MaxOpenConns:    c.cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    c.cfg.Ledger.MaxIdleConns,
		ConnMaxIdleTime: c.cfg.Ledger.ConnMaxIdleTime,
		ConnMaxLifetime: c.cfg.Ledger.ConnMaxLifetime,
	})
	if err != nil {
		return nil, func() {}, err
	}
	repo := postgres.NewRepository(db)
	if err := repo.HealthCheck(ctx); err != nil {
		_ = db.Close()
		return nil, func() {}, err
	}
	return repo, func() { _ = db.Close() }, nil
}

func (c *command) writeMetrics() {
	path := strings.TrimSpace(c.cfg.Observability.MetricsTextfile)
	if path == "" {
		return
	}
	if err := observability.WriteTextfile(path); err != nil {
		c.logger.Warn("failed to write metrics textfile", slog.String("path", path), slog.Any("error", err))
	}
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	kind, ok := pipeline.KindOf(err)
	if !ok {
		return ExitInput
	}
	switch kind {
	case pipeline.KindGeneration:
		return ExitGeneration
	case pipeline.KindOutput:
		return ExitOutput
	default:
		return ExitInput
	}
}

func formatCell(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(typed)
	}
}

func writeUsage(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintln(w, "usage: spidergen [flags] [command]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  predict            generate one SQL query per question (default)")
	_, _ = fmt.Fprintln(w, "  schema <db_id>     print the CREATE TABLE statements sent for a database")
	_, _ = fmt.Fprintln(w, "  report [-sql SQL] <manifest>...")
	_, _ = fmt.Fprintln(w, "                     run SQL over prediction manifests")
	_, _ = fmt.Fprintln(w, "  runs <run_id>      print a ledger run and its predictions")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "flags:")
	fs.PrintDefaults()
}
