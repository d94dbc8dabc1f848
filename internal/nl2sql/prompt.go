package nl2sql

import "strings"

const DefaultSystemPrompt = `You are an expert SQL assistant specialized in converting natural language queries into accurate SQLite queries.
When given a question, you will convert it to a valid SQLite query based on the provided database schema.
Output ONLY the SQL query without any additional formatting - no markdown, no code blocks, no backticks, no 'sql' prefix.`

const (
	schemaHeader   = "### Database Schema:"
	questionHeader = "### Question:"
	answerMarker   = "### SQL Query:"
)

// BuildPrompt pairs a rendered schema with a question. Nothing is escaped, so
// section markers embedded in either input pass through verbatim.
func BuildPrompt(schema, question string) string {
	var b strings.Builder
	b.Grow(len(schema) + len(question) + 64)
	b.WriteString(schemaHeader)
	b.WriteByte('\n')
	b.WriteString(schema)
	b.WriteByte('\n')
	b.WriteString(questionHeader)
	b.WriteByte('\n')
	b.WriteString(question)
	b.WriteByte('\n')
	b.WriteString(answerMarker)
	b.WriteByte('\n')
	return b.String()
}
