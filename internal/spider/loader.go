package spider

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func LoadQuestions(path string) ([]Question, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions file: %w", err)
	}

	var questions []Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("decode questions file %q: %w", path, err)
	}
	for i, question := range questions {
		if strings.TrimSpace(question.DBID) == "" {
			return nil, fmt.Errorf("question %d: db_id is required", i)
		}
		if strings.TrimSpace(question.Question) == "" {
			return nil, fmt.Errorf("question %d: question text is required", i)
		}
	}
	return questions, nil
}

type tableEntry struct {
	DBID                string            `json:"db_id"`
	TableNames          []string          `json:"table_names"`
	TableNamesOriginal  []string          `json:"table_names_original"`
	ColumnNames         []json.RawMessage `json:"column_names"`
	ColumnNamesOriginal []json.RawMessage `json:"column_names_original"`
	ColumnTypes         []string          `json:"column_types"`
	PrimaryKeys         []json.RawMessage `json:"primary_keys"`
	ForeignKeys         [][2]int          `json:"foreign_keys"`
}

// LoadTables parses a Spider tables.json file into schemas keyed by db_id.
func LoadTables(path string) (map[string]*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}

	var entries []tableEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode tables file %q: %w", path, err)
	}

	schemas := make(map[string]*Schema, len(entries))
	for i, entry := range entries {
		dbID := strings.TrimSpace(entry.DBID)
		if dbID == "" {
			return nil, fmt.Errorf("tables entry %d: db_id is required", i)
		}
		if _, exists := schemas[dbID]; exists {
			return nil, fmt.Errorf("tables entry %d: duplicate db_id %q", i, dbID)
		}

		columns, err := decodeColumns(entry.ColumnNames)
		if err != nil {
			return nil, fmt.Errorf("db %q column_names: %w", dbID, err)
		}
		originalColumns, err := decodeColumns(entry.ColumnNamesOriginal)
		if err != nil {
			return nil, fmt.Errorf("db %q column_names_original: %w", dbID, err)
		}
		primaryKeys, err := decodePrimaryKeys(entry.PrimaryKeys)
		if err != nil {
			return nil, fmt.Errorf("db %q primary_keys: %w", dbID, err)
		}
		foreignKeys := make([]ForeignKey, 0, len(entry.ForeignKeys))
		for _, pair := range entry.ForeignKeys {
			foreignKeys = append(foreignKeys, ForeignKey{Column: pair[0], References: pair[1]})
		}

		schemas[dbID] = &Schema{
			DBID:                dbID,
			TableNames:          entry.TableNames,
			TableNamesOriginal:  entry.TableNamesOriginal,
			ColumnNames:         columns,
			ColumnNamesOriginal: originalColumns,
			ColumnTypes:         entry.ColumnTypes,
			PrimaryKeys:         primaryKeys,
			ForeignKeys:         foreignKeys,
		}
	}
	return schemas, nil
}

// decodeColumns reads the [table_index, "name"] pairs used by tables.json.
func decodeColumns(raw []json.RawMessage) ([]Column, error) {
	columns := make([]Column, 0, len(raw))
	for i, item := range raw {
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("column %d: expected [table_index, name], got %d elements", i, len(pair))
		}
		var column Column
		if err := json.Unmarshal(pair[0], &column.TableIndex); err != nil {
			return nil, fmt.Errorf("column %d table index: %w", i, err)
		}
		if err := json.Unmarshal(pair[1], &column.Name); err != nil {
			return nil, fmt.Errorf("column %d name: %w", i, err)
		}
		columns = append(columns, column)
	}
	return columns, nil
}

// Newer Spider releases list composite primary keys as nested arrays; they are
// flattened here.
func decodePrimaryKeys(raw []json.RawMessage) ([]int, error) {
	keys := make([]int, 0, len(raw))
	for i, item := range raw {
		var single int
		if err := json.Unmarshal(item, &single); err == nil {
			keys = append(keys, single)
			continue
		}
		var composite []int
		if err := json.Unmarshal(item, &composite); err != nil {
			return nil, fmt.Errorf("primary key %d: %w", i, err)
		}
		keys = append(keys, composite...)
	}
	return keys, nil
}
