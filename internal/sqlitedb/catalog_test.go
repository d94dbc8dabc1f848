package sqlitedb

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestRenderSchemaPreservesCatalogOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(tableDefinitionsQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"sql"}).
			AddRow("CREATE TABLE zeta (id int)").
			AddRow("CREATE TABLE alpha (id int)"))

	text, err := RenderSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("RenderSchema() error = %v", err)
	}
	if text != "CREATE TABLE zeta (id int)\nCREATE TABLE alpha (id int)" {
		t.Fatalf("RenderSchema() = %q", text)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestRenderSchemaEmptyDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(tableDefinitionsQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"sql"}))

	text, err := RenderSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("RenderSchema() error = %v", err)
	}
	if text != "" {
		t.Fatalf("RenderSchema() = %q, want empty", text)
	}
}

func TestRenderSchemaPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(tableDefinitionsQuery)).WillReturnError(errors.New("disk I/O error"))

	if _, err := RenderSchema(context.Background(), db); err == nil {
		t.Fatal("expected error")
	}
}

func TestRenderSchemaOnRealEmptyDatabase(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	text, err := RenderSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("RenderSchema() error = %v", err)
	}
	if text != "" {
		t.Fatalf("RenderSchema() = %q, want empty", text)
	}
}
