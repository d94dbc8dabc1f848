package nl2sql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTranslateSendsChatRequest(t *testing.T) {
	var got chatRequest
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini-2024","choices":[{"message":{"content":"SELECT count(*) FROM singer"}}]}`))
	}))
	defer srv.Close()

	translator, err := NewOpenAITranslator(OpenAIConfig{
		BaseURL:     srv.URL + "/",
		APIKey:      "sk-test",
		Model:       "gpt-4o-mini",
		Temperature: 0,
		MaxTokens:   256,
		Timeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}

	result, err := translator.Translate(context.Background(), Request{
		DBID:     "concert_singer",
		Question: "How many singers are there?",
		Schema:   "CREATE TABLE singer (id int)",
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT count(*) FROM singer" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if result.Model != "gpt-4o-mini-2024" {
		t.Fatalf("Model = %q", result.Model)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if got.Model != "gpt-4o-mini" || got.MaxTokens != 256 || got.Temperature != 0 {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Messages[0].Content != DefaultSystemPrompt {
		t.Fatalf("system prompt = %q", got.Messages[0].Content)
	}
	if !strings.Contains(got.Messages[1].Content, "How many singers are there?") {
		t.Fatalf("user prompt = %q", got.Messages[1].Content)
	}
}

func TestTranslateStripsMarkdownFence(t *testing.T) {
	srv := stubServer(http.StatusOK, `{"choices":[{"message":{"content":"`+"```sql\\nSELECT 1\\n```"+`"}}]}`)
	defer srv.Close()

	result, err := newTestTranslator(t, srv.URL).Translate(context.Background(), Request{Question: "q"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT 1" {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := map[string]struct {
		status    int
		body      string
		wantEmpty bool
	}{
		"http error":    {status: http.StatusTooManyRequests, body: `{"error":"rate limited"}`},
		"bad json":      {status: http.StatusOK, body: `{`},
		"no choices":    {status: http.StatusOK, body: `{"choices":[]}`, wantEmpty: true},
		"blank content": {status: http.StatusOK, body: `{"choices":[{"message":{"content":"  \n "}}]}`, wantEmpty: true},
		"fence only":    {status: http.StatusOK, body: `{"choices":[{"message":{"content":"` + "```sql```" + `"}}]}`, wantEmpty: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			srv := stubServer(tc.status, tc.body)
			defer srv.Close()

			_, err := newTestTranslator(t, srv.URL).Translate(context.Background(), Request{Question: "q"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.wantEmpty && !errors.Is(err, ErrEmptyCompletion) {
				t.Fatalf("error = %v, want ErrEmptyCompletion", err)
			}
		})
	}
}

func TestNewOpenAITranslatorValidation(t *testing.T) {
	if _, err := NewOpenAITranslator(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
	if _, err := NewOpenAITranslator(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: "http://x", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	if translator.Model() != "gpt-4o-mini" {
		t.Fatalf("Model() = %q", translator.Model())
	}
}

func stubServer(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func newTestTranslator(t *testing.T, baseURL string) *OpenAITranslator {
	t.Helper()
	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: baseURL, APIKey: "k", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	return translator
}
