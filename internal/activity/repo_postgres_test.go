package activity

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"crm-dialer/pkg/utils"

	"github.com/google/uuid"
)

// openTestDB connects to DIALER_TEST_POSTGRES_DSN and skips without it.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DIALER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DIALER_TEST_POSTGRES_DSN not set")
	}
	db, err := utils.OpenPostgres(context.Background(), dsn, utils.PostgresPoolConfig{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresRepo_AppendAndForLead(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresRepo(db)
	ctx := context.Background()
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	leadID := time.Now().UnixNano()
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	entries := []Entry{
		{ID: uuid.NewString(), LeadID: leadID, Type: TypeDispositionChange, Description: "first", CreatedAt: at},
		{ID: uuid.NewString(), LeadID: leadID, Type: TypeCall, Description: "second", Metadata: `{"k":1}`, CreatedAt: at.Add(time.Minute)},
	}
	if err := repo.Append(ctx, entries...); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := repo.ForLead(ctx, leadID, 10)
	if err != nil {
		t.Fatalf("for lead: %v", err)
	}
	if len(got) != 2 || got[0].Description != "second" || got[1].Description != "first" {
		t.Fatalf("expected newest first, got %+v", got)
	}
}
