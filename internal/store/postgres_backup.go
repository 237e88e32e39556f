package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// BackupTableGroups lists every table included in a snapshot, in
// dependency order. Restores run one transaction per group; within a
// group tables load in slice order and wipe in reverse order.
//
// Ephemeral auth tables (password_resets, refresh_sessions,
// revoked_access_tokens) and the snapshots catalog itself are left out:
// they hold short-lived secrets or backup metadata, not estate data.
func BackupTableGroups() [][]string {
	return [][]string{
		{"users"},
		{"estates", "estate_members", "estate_invites", "emergency_contacts", "switch_states", "switch_events", "escalation_steps"},
		{"wills", "recovery_kits", "vault_items"},
		{"tickets", "ticket_messages"},
		{"audit_events"},
	}
}

// mergeOnlyTables can never be wiped: audit_events carries a database
// trigger that rejects DELETE, so a full restore still merges it.
var mergeOnlyTables = map[string]bool{
	"audit_events": true,
}

var backupTableSet = func() map[string]bool {
	set := map[string]bool{}
	for _, group := range BackupTableGroups() {
		for _, name := range group {
			set[name] = true
		}
	}
	return set
}()

// DumpTable reads one table in full. Values come back as the driver
// delivers them ([]byte for bytea/jsonb, time.Time for timestamps); JSONB
// is rewrapped as json.RawMessage so the archive stores it inline.
func (s *PostgresStore) DumpTable(ctx context.Context, table string) (TableDump, error) {
	if !backupTableSet[table] {
		return TableDump{}, fmt.Errorf("dump table: %q is not a backup table", table)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+table)
	if err != nil {
		return TableDump{}, fmt.Errorf("dump %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return TableDump{}, fmt.Errorf("dump %s columns: %w", table, err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return TableDump{}, fmt.Errorf("dump %s column types: %w", table, err)
	}
	types := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		types[i] = ct.DatabaseTypeName()
	}

	dump := TableDump{Name: table, Columns: columns, Types: types, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return TableDump{}, fmt.Errorf("scan %s row: %w", table, err)
		}
		for i, v := range values {
			if raw, ok := v.([]byte); ok && isJSONType(types[i]) {
				values[i] = json.RawMessage(raw)
			}
		}
		dump.Rows = append(dump.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return TableDump{}, fmt.Errorf("iterate %s: %w", table, err)
	}
	return dump, nil
}

// RestoreTableGroup loads one group of table dumps in a single
// transaction. Full mode wipes the group's tables (reverse order) before
// loading; merge mode keeps existing rows and skips conflicts.
func (s *PostgresStore) RestoreTableGroup(ctx context.Context, dumps []TableDump, merge bool) error {
	for _, dump := range dumps {
		if !backupTableSet[dump.Name] {
			return fmt.Errorf("restore table: %q is not a backup table", dump.Name)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()

	if !merge {
		for i := len(dumps) - 1; i >= 0; i-- {
			if mergeOnlyTables[dumps[i].Name] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+dumps[i].Name); err != nil {
				return fmt.Errorf("wipe %s: %w", dumps[i].Name, err)
			}
		}
	}

	for _, dump := range dumps {
		placeholders := make([]string, len(dump.Columns))
		for i := range dump.Columns {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		insert := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
			dump.Name,
			strings.Join(dump.Columns, ", "),
			strings.Join(placeholders, ", "),
		)
		for _, row := range dump.Rows {
			if len(row) != len(dump.Columns) {
				return fmt.Errorf("restore %s: row has %d values, want %d", dump.Name, len(row), len(dump.Columns))
			}
			args := make([]any, len(row))
			for i, v := range row {
				coerced, err := coerceForInsert(v, dump.Types[i])
				if err != nil {
					return fmt.Errorf("restore %s column %s: %w", dump.Name, dump.Columns[i], err)
				}
				args[i] = coerced
			}
			if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
				return fmt.Errorf("restore %s row: %w", dump.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

func isJSONType(dbType string) bool {
	return dbType == "JSON" || dbType == "JSONB"
}

// coerceForInsert turns a JSON-decoded archive value back into something
// the driver accepts for the given database type. Dumps that never went
// through JSON (in-process restore tests) pass through unchanged.
func coerceForInsert(v any, dbType string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch dbType {
	case "BYTEA":
		if s, ok := v.(string); ok {
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("decode bytea: %w", err)
			}
			return decoded, nil
		}
	case "JSON", "JSONB":
		switch val := v.(type) {
		case json.RawMessage:
			return string(val), nil
		case []byte:
			return string(val), nil
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode json value: %w", err)
			}
			return string(encoded), nil
		}
	case "INT2", "INT4", "INT8":
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
	}
	return v, nil
}
