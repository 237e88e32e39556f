package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditImmutabilityMigrationDefinesBlockingTrigger(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "002_audit_immutability.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"reject_audit_mutation",
		"RAISE EXCEPTION 'audit_events is append-only'",
		"CREATE TRIGGER audit_events_immutable",
		"BEFORE UPDATE OR DELETE ON audit_events",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestAuditImmutabilityMigrationHasDown(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "002_audit_immutability.down.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read down migration: %v", err)
	}
	if !strings.Contains(string(sqlBytes), "DROP TRIGGER IF EXISTS audit_events_immutable") {
		t.Fatalf("down migration must drop the trigger")
	}
}
