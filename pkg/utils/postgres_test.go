package utils

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPoolDefaults(t *testing.T) {
	got := PostgresPoolConfig{MaxOpenConns: 8}.withDefaults()
	if got.MaxIdleConns != 8 {
		t.Fatalf("expected idle conns to follow open conns, got %d", got.MaxIdleConns)
	}
	if got.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout %v", got.PingTimeout)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatalf("expected wrapped 23505 to match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation should not match")
	}
	if IsUniqueViolation(errors.New("x")) {
		t.Fatalf("plain error should not match")
	}
}
