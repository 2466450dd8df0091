package db

import (
	"context"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_notification.sql":   {Data: []byte("CREATE TABLE notification (id UUID PRIMARY KEY);")},
		"001_patient_record.sql": {Data: []byte("CREATE TABLE patient_record (id UUID PRIMARY KEY);")},
		"README.md":              {Data: []byte("not a migration")},
		"notes_draft.sql":        {Data: []byte("SELECT 1;")},
		"old/003_nested.sql":     {Data: []byte("SELECT 1;")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_patient_record.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
	if migrations[0].SQL != "CREATE TABLE patient_record (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestMergeStatus(t *testing.T) {
	at := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	migrations := []Migration{
		{Version: 1, Name: "001_patient_record.sql"},
		{Version: 2, Name: "002_notification.sql"},
	}

	statuses := mergeStatus(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 1 applied at %s, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 2 pending, got %+v", statuses[1])
	}
}

func TestUp_InvalidSchema(t *testing.T) {
	_, err := NewMigrator(nil, fstest.MapFS{}).Up(context.Background(), "bad;schema")
	if err == nil {
		t.Error("expected error for invalid schema name")
	}
}

func TestInTx_NoPool(t *testing.T) {
	err := InTx(context.Background(), nil, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error without a pool")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil tx for wrong type")
	}
}

func TestCreateSchema_InvalidName(t *testing.T) {
	for _, name := range []string{"", "1abc", "a-b", "x; DROP TABLE y"} {
		if err := CreateSchema(context.Background(), nil, name, nil); err == nil {
			t.Errorf("expected error for schema %q", name)
		}
	}
}
