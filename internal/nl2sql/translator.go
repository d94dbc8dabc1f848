package nl2sql

import "context"

type Request struct {
	DBID         string `json:"db_id"`
	Question     string `json:"question"`
	Schema       string `json:"schema"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type Result struct {
	SQL      string `json:"sql"`
	Raw      string `json:"raw"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Translator turns one question into SQL with a single completion round trip.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
