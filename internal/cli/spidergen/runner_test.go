package spidergen

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spidergen/spidergen/internal/ledger"
	"github.com/spidergen/spidergen/internal/pipeline"
	"github.com/spidergen/spidergen/internal/storage"
)

const tablesJSON = `[
  {
    "db_id": "concert_singer",
    "table_names": ["singer"],
    "table_names_original": ["singer"],
    "column_names": [[-1, "*"], [0, "singer id"], [0, "name"]],
    "column_names_original": [[-1, "*"], [0, "Singer_ID"], [0, "Name"]],
    "column_types": ["text", "number", "text"],
    "primary_keys": [1],
    "foreign_keys": []
  }
]`

type chatServer struct {
	mu       sync.Mutex
	prompts  []string
	auth     []string
	bodies   []map[string]any
	failWith int
}

func (c *chatServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		messages, _ := body["messages"].([]any)
		user := ""
		if len(messages) == 2 {
			user, _ = messages[1].(map[string]any)["content"].(string)
		}

		c.mu.Lock()
		c.prompts = append(c.prompts, user)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		c.bodies = append(c.bodies, body)
		failWith := c.failWith
		c.mu.Unlock()

		if failWith != 0 {
			http.Error(w, "upstream unavailable", failWith)
			return
		}
		answer := "SELECT 1"
		if strings.Contains(user, "How many singers") {
			answer = "```sql\nSELECT count(*)\nFROM singer\n```"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini-2024-07-18",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": answer}},
			},
		})
	}
}

func setupBenchmark(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tables.json"), tablesJSON)
	writeFile(t, filepath.Join(dir, "dev.json"), `[
		{"question": "How many singers do we have?", "db_id": "concert_singer"},
		{"question": "What is the name of every singer?", "db_id": "concert_singer"}
	]`)

	dbPath := filepath.Join(dir, "database", "concert_singer", "concert_singer.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer func() { _ = db.Close() }()
	for _, statement := range []string{
		`CREATE TABLE singer (Singer_ID int PRIMARY KEY, Name text)`,
		`CREATE INDEX singer_name ON singer(Name)`,
		`INSERT INTO singer VALUES (1, 'Joe')`,
	} {
		if _, err := db.Exec(statement); err != nil {
			t.Fatalf("exec %q: %v", statement, err)
		}
	}
	return dir
}

func envLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestRunPredictEndToEnd(t *testing.T) {
	dir := setupBenchmark(t)
	chat := &chatServer{}
	srv := httptest.NewServer(chat.handler(t))
	defer srv.Close()

	output := filepath.Join(dir, "results", "dev_pred.sql")
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-input", filepath.Join(dir, "dev.json"),
		"-output", output,
		"-dir", dir,
		"-base-url", srv.URL,
		"-max_tokens", "256",
		"predict",
	}, Options{
		Lookup: envLookup(map[string]string{"OPENAI_API_KEY": "sk-test", "SPIDERGEN_PROFILE": "test"}),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if code != ExitOK {
		t.Fatalf("Run() code = %d, stderr = %s", code, stderr.String())
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := string(data); got != "SELECT count(*) FROM singer\nSELECT 1\n" {
		t.Fatalf("output = %q", got)
	}

	if len(chat.prompts) != 2 {
		t.Fatalf("chat calls = %d", len(chat.prompts))
	}
	wantPrompt := "### Database Schema:\nCREATE TABLE singer (Singer_ID int PRIMARY KEY, Name text)\n### Question:\nHow many singers do we have?\n### SQL Query:\n"
	if chat.prompts[0] != wantPrompt {
		t.Fatalf("prompt = %q, want %q", chat.prompts[0], wantPrompt)
	}
	if chat.auth[0] != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", chat.auth[0])
	}
	if chat.bodies[0]["max_tokens"] != float64(256) || chat.bodies[0]["model"] != "gpt-4o-mini" {
		t.Fatalf("body = %v", chat.bodies[0])
	}

	var summary pipeline.Summary
	if err := json.Unmarshal(stdout.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v (stdout=%s)", err, stdout.String())
	}
	if summary.Questions != 2 || summary.Succeeded != 2 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunPredictExitCodes(t *testing.T) {
	dir := setupBenchmark(t)
	chat := &chatServer{failWith: http.StatusTooManyRequests}
	srv := httptest.NewServer(chat.handler(t))
	defer srv.Close()

	base := []string{
		"-input", filepath.Join(dir, "dev.json"),
		"-output", filepath.Join(dir, "out", "pred.sql"),
		"-dir", dir,
		"-base-url", srv.URL,
	}
	lookup := envLookup(map[string]string{"OPENAI_API_KEY": "sk-test", "SPIDERGEN_PROFILE": "test"})

	// Sentinel policy still writes the file but reports the failures.
	code := Run(context.Background(), base, Options{Lookup: lookup})
	if code != ExitGeneration {
		t.Fatalf("sentinel code = %d", code)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "pred.sql"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "SELECT 1\nSELECT 1\n" {
		t.Fatalf("output = %q", data)
	}

	abortOutput := filepath.Join(dir, "abort", "pred.sql")
	args := append(append([]string{}, base...), "-on-error", "abort", "-output", abortOutput)
	if code := Run(context.Background(), args, Options{Lookup: lookup}); code != ExitGeneration {
		t.Fatalf("abort code = %d", code)
	}
	if _, err := os.Stat(abortOutput); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("abort output should not exist: %v", err)
	}

	missing := append(append([]string{}, base...), "-input", filepath.Join(dir, "missing.json"))
	if code := Run(context.Background(), missing, Options{Lookup: lookup}); code != ExitInput {
		t.Fatalf("missing input code = %d", code)
	}

	if code := Run(context.Background(), []string{"-temperature", "3"}, Options{Lookup: lookup}); code != ExitInput {
		t.Fatalf("invalid temperature code = %d", code)
	}
	if code := Run(context.Background(), []string{"-workers", "0"}, Options{Lookup: lookup}); code != ExitInput {
		t.Fatalf("invalid workers code = %d", code)
	}
	if code := Run(context.Background(), []string{"frobnicate"}, Options{Lookup: lookup}); code != ExitInput {
		t.Fatalf("unknown command code = %d", code)
	}
}

func TestRunPredictOutputErrorExitCode(t *testing.T) {
	dir := setupBenchmark(t)
	chat := &chatServer{}
	srv := httptest.NewServer(chat.handler(t))
	defer srv.Close()

	// A regular file where the output directory should be.
	blocker := filepath.Join(dir, "blocked")
	writeFile(t, blocker, "not a directory")

	code := Run(context.Background(), []string{
		"-input", filepath.Join(dir, "dev.json"),
		"-output", filepath.Join(blocker, "pred.sql"),
		"-dir", dir,
		"-base-url", srv.URL,
	}, Options{Lookup: envLookup(map[string]string{"OPENAI_API_KEY": "sk-test"})})
	if code != ExitOutput {
		t.Fatalf("code = %d", code)
	}
}

func TestRunPredictWritesRemoteOutputAndManifestThenReports(t *testing.T) {
	dir := setupBenchmark(t)
	chat := &chatServer{}
	srv := httptest.NewServer(chat.handler(t))
	defer srv.Close()

	store := &memoryStore{objects: map[string][]byte{}}
	stores := func(_ context.Context, bucket string) (storage.ObjectStore, error) {
		if bucket != "evals" {
			return nil, fmt.Errorf("unexpected bucket %q", bucket)
		}
		return store, nil
	}
	lookup := envLookup(map[string]string{"OPENAI_API_KEY": "sk-test"})

	code := Run(context.Background(), []string{
		"-input", filepath.Join(dir, "dev.json"),
		"-output", "s3://evals/runs/dev_pred.sql",
		"-manifest", "s3://evals/runs/manifest.parquet",
		"-dir", dir,
		"-base-url", srv.URL,
	}, Options{Lookup: lookup, Stores: stores})
	if code != ExitOK {
		t.Fatalf("predict code = %d", code)
	}
	if got := string(store.objects["runs/dev_pred.sql"]); got != "SELECT count(*) FROM singer\nSELECT 1\n" {
		t.Fatalf("remote output = %q", got)
	}
	if len(store.objects["runs/manifest.parquet"]) == 0 {
		t.Fatal("expected manifest upload")
	}

	var stdout bytes.Buffer
	code = Run(context.Background(), []string{"report", "s3://evals/runs/manifest.parquet"}, Options{
		Lookup: lookup,
		Stores: stores,
		Stdout: &stdout,
	})
	if code != ExitOK {
		t.Fatalf("report code = %d", code)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("report = %q", stdout.String())
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 3 || fields[0] != "concert_singer" || fields[1] != "ok" || fields[2] != "2" {
		t.Fatalf("report row = %q", lines[1])
	}
}

func TestRunSchemaPrintsRenderedCatalog(t *testing.T) {
	dir := setupBenchmark(t)
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"-dir", dir, "schema", "concert_singer"}, Options{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if code != ExitOK {
		t.Fatalf("code = %d, stderr = %s", code, stderr.String())
	}
	if got := stdout.String(); got != "CREATE TABLE singer (Singer_ID int PRIMARY KEY, Name text)\n" {
		t.Fatalf("stdout = %q", got)
	}

	if code := Run(context.Background(), []string{"-dir", dir, "schema", "ghost"}, Options{}); code != ExitInput {
		t.Fatalf("unknown db code = %d", code)
	}
	if code := Run(context.Background(), []string{"-dir", dir, "schema"}, Options{}); code != ExitInput {
		t.Fatalf("missing db_id code = %d", code)
	}
}

func TestRunPredictRecordsLedgerThenRunsShowsIt(t *testing.T) {
	dir := setupBenchmark(t)
	chat := &chatServer{}
	srv := httptest.NewServer(chat.handler(t))
	defer srv.Close()

	repo := newMemoryLedger()
	lookup := envLookup(map[string]string{"OPENAI_API_KEY": "sk-test"})
	var predictOut bytes.Buffer
	code := Run(context.Background(), []string{
		"-input", filepath.Join(dir, "dev.json"),
		"-output", filepath.Join(dir, "results", "dev_pred.sql"),
		"-dir", dir,
		"-base-url", srv.URL,
	}, Options{Lookup: lookup, Ledger: repo, Stdout: &predictOut})
	if code != ExitOK {
		t.Fatalf("predict code = %d", code)
	}
	if repo.healthChecks != 1 {
		t.Fatalf("health checks = %d", repo.healthChecks)
	}
	var summary pipeline.Summary
	if err := json.Unmarshal(predictOut.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code = Run(context.Background(), []string{"runs", summary.RunID}, Options{
		Lookup: lookup,
		Ledger: repo,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if code != ExitOK {
		t.Fatalf("runs code = %d, stderr = %s", code, stderr.String())
	}
	var detail runDetail
	if err := json.Unmarshal(stdout.Bytes(), &detail); err != nil {
		t.Fatalf("decode run detail: %v (stdout=%s)", err, stdout.String())
	}
	if detail.Run.RunID != summary.RunID || detail.Run.Status != ledger.RunStatusCompleted || detail.Run.Succeeded != 2 {
		t.Fatalf("run = %+v", detail.Run)
	}
	if len(detail.Predictions) != 2 || detail.Predictions[0].SQL != "SELECT count(*) FROM singer" || detail.Predictions[1].Index != 1 {
		t.Fatalf("predictions = %+v", detail.Predictions)
	}

	if code := Run(context.Background(), []string{"runs", "no-such-run"}, Options{Lookup: lookup, Ledger: repo}); code != ExitInput {
		t.Fatalf("unknown run code = %d", code)
	}
	if code := Run(context.Background(), []string{"runs", summary.RunID}, Options{Lookup: lookup}); code != ExitInput {
		t.Fatalf("runs without ledger code = %d", code)
	}
}

func TestRunPredictRefusesUnhealthyLedger(t *testing.T) {
	dir := setupBenchmark(t)
	chat := &chatServer{}
	srv := httptest.NewServer(chat.handler(t))
	defer srv.Close()

	repo := newMemoryLedger()
	repo.healthErr = errors.New("connection refused")
	output := filepath.Join(dir, "results", "dev_pred.sql")
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-input", filepath.Join(dir, "dev.json"),
		"-output", output,
		"-dir", dir,
		"-base-url", srv.URL,
	}, Options{Lookup: envLookup(map[string]string{"OPENAI_API_KEY": "sk-test"}), Ledger: repo, Stderr: &stderr})
	if code != ExitInput {
		t.Fatalf("code = %d", code)
	}
	if !strings.Contains(stderr.String(), "connection refused") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if len(chat.prompts) != 0 {
		t.Fatalf("chat calls = %d", len(chat.prompts))
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("output should not exist: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{&pipeline.Error{Kind: pipeline.KindConfig, Op: "load", Err: errors.New("x")}, ExitInput},
		{&pipeline.Error{Kind: pipeline.KindDataAccess, Op: "load", Err: errors.New("x")}, ExitInput},
		{fmt.Errorf("wrapped: %w", &pipeline.Error{Kind: pipeline.KindGeneration, Op: "gen", Err: errors.New("x")}), ExitGeneration},
		{&pipeline.Error{Kind: pipeline.KindOutput, Op: "write", Err: errors.New("x")}, ExitOutput},
		{errors.New("plain"), ExitInput},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

type memoryLedger struct {
	mu           sync.Mutex
	healthErr    error
	healthChecks int
	runs         map[string]ledger.Run
	predictions  map[string][]ledger.Prediction
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{runs: map[string]ledger.Run{}, predictions: map[string][]ledger.Prediction{}}
}

func (m *memoryLedger) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthChecks++
	return m.healthErr
}

func (m *memoryLedger) CreateRun(_ context.Context, in ledger.CreateRunInput) (ledger.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := ledger.Run{
		RunID:         in.RunID,
		Model:         in.Model,
		Temperature:   in.Temperature,
		MaxTokens:     in.MaxTokens,
		QuestionsPath: in.QuestionsPath,
		QuestionCount: in.QuestionCount,
		Status:        ledger.RunStatusRunning,
	}
	m.runs[in.RunID] = run
	return run, nil
}

func (m *memoryLedger) RecordPrediction(_ context.Context, in ledger.RecordPredictionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[in.RunID] = append(m.predictions[in.RunID], ledger.Prediction{
		RunID:     in.RunID,
		Index:     in.Index,
		DBID:      in.DBID,
		Question:  in.Question,
		SQL:       in.SQL,
		Status:    in.Status,
		Error:     in.Error,
		LatencyMs: in.LatencyMs,
	})
	return nil
}

func (m *memoryLedger) CompleteRun(_ context.Context, in ledger.CompleteRunInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[in.RunID]
	if !ok {
		return ledger.ErrNotFound
	}
	run.Status = in.Status
	run.Succeeded = in.Succeeded
	run.Failed = in.Failed
	m.runs[in.RunID] = run
	return nil
}

func (m *memoryLedger) GetRun(_ context.Context, runID string) (ledger.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ledger.Run{}, ledger.ErrNotFound
	}
	return run, nil
}

func (m *memoryLedger) ListPredictions(_ context.Context, runID string) ([]ledger.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ledger.Prediction(nil), m.predictions[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
