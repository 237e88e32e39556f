package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// The audit trail is append-only at the database level: a trigger rejects
// UPDATE and DELETE no matter who issues them. These tests run against a
// real Postgres and skip when HEIRLOOM_TEST_DATABASE_URL is not set.

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("HEIRLOOM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HEIRLOOM_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func auditTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, testDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func insertAuditRow(t *testing.T, db *sql.DB, estateID string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO audit_events (estate_id, event_type, actor_id, actor_name, resource_type, resource_id, payload)
		VALUES ($1, 'will.saved', 'usr_trigger_test', 'Rosa Vale', 'will', 'will_1', '{}'::jsonb)
	`, estateID)
	if err != nil {
		t.Fatalf("insert audit event: %v", err)
	}
}

func assertAppendOnlyError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected the mutation to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected a postgres error, got: %v", err)
	}
	if pgErr.SQLState() != "P0001" {
		t.Fatalf("expected SQLSTATE P0001 (raise_exception), got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "audit_events is append-only" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

func TestAuditEventsBlockUpdate(t *testing.T) {
	db := auditTestDB(t)
	ctx := context.Background()

	insertAuditRow(t, db, "est_block_update")
	_, err := db.ExecContext(ctx, `
		UPDATE audit_events SET actor_name = 'Mallory' WHERE estate_id = 'est_block_update'
	`)
	assertAppendOnlyError(t, err)

	// Row-level DELETE triggers do not fire on TRUNCATE, so cleanup works.
	_, _ = db.ExecContext(ctx, `TRUNCATE audit_events`)
}

func TestAuditEventsBlockDelete(t *testing.T) {
	db := auditTestDB(t)
	ctx := context.Background()

	insertAuditRow(t, db, "est_block_delete")
	_, err := db.ExecContext(ctx, `
		DELETE FROM audit_events WHERE estate_id = 'est_block_delete'
	`)
	assertAppendOnlyError(t, err)

	_, _ = db.ExecContext(ctx, `TRUNCATE audit_events`)
}

func TestAuditEventsInsertStillWorks(t *testing.T) {
	db := auditTestDB(t)
	ctx := context.Background()

	insertAuditRow(t, db, "est_insert_ok")

	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events WHERE estate_id = 'est_insert_ok'
	`).Scan(&count)
	if err != nil {
		t.Fatalf("count audit events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit event, got %d", count)
	}

	_, _ = db.ExecContext(ctx, `TRUNCATE audit_events`)
}
