package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertAuditEvent appends to the audit log. There is no update or delete
// path for audit rows anywhere in the store; migration 002 enforces the
// same at the database level.
func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (estate_id, event_type, actor_id, actor_name, resource_type, resource_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, event.EstateID, event.EventType, event.ActorID, event.ActorName, event.ResourceType, event.ResourceID, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns an estate's audit trail, newest first. Vault
// download entries are filtered out unless includeDownloads is set; only
// the estate owner gets to see who read which document.
func (s *PostgresStore) ListAuditEvents(ctx context.Context, estateID, eventType string, limit int, includeDownloads bool) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, estate_id, event_type, actor_id, actor_name, resource_type, resource_id, payload, created_at
		FROM audit_events
		WHERE estate_id=$1
		  AND ($2='' OR event_type=$2)
		  AND ($4 OR event_type <> 'vault.document.downloaded')
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, estateID, eventType, limit, includeDownloads)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var payloadRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.EventType,
			&item.ActorID,
			&item.ActorName,
			&item.ResourceType,
			&item.ResourceID,
			&payloadRaw,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(payloadRaw, &item.Payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, kind, status, blob_key, note, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.ID, snap.Kind, snap.Status, snap.BlobKey, snap.Note, snap.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteSnapshot(ctx context.Context, snapshotID string, sizeBytes int64, sha256 string, rowCounts map[string]int) error {
	if rowCounts == nil {
		rowCounts = map[string]int{}
	}
	encoded, err := json.Marshal(rowCounts)
	if err != nil {
		return fmt.Errorf("marshal row counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE snapshots
		SET status='COMPLETE', size_bytes=$2, sha256=$3, row_counts=$4::jsonb, completed_at=NOW()
		WHERE id=$1
	`, snapshotID, sizeBytes, sha256, string(encoded))
	if err != nil {
		return fmt.Errorf("complete snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailSnapshot(ctx context.Context, snapshotID, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE snapshots
		SET status='FAILED', note=$2, completed_at=NOW()
		WHERE id=$1
	`, snapshotID, note)
	if err != nil {
		return fmt.Errorf("fail snapshot: %w", err)
	}
	return nil
}

// MarkSnapshotVerified promotes a COMPLETE snapshot after a successful
// verification pass.
func (s *PostgresStore) MarkSnapshotVerified(ctx context.Context, snapshotID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE snapshots
		SET status='VERIFIED'
		WHERE id=$1 AND status IN ('COMPLETE','VERIFIED')
	`, snapshotID)
	if err != nil {
		return false, fmt.Errorf("mark snapshot verified: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark snapshot verified rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	const query = `
		SELECT id, kind, status, blob_key, size_bytes, COALESCE(sha256, ''), row_counts, COALESCE(note, ''), created_by, created_at, completed_at
		FROM snapshots
		WHERE id=$1
	`
	var snap Snapshot
	var countsRaw []byte
	err := s.db.QueryRowContext(ctx, query, snapshotID).Scan(
		&snap.ID,
		&snap.Kind,
		&snap.Status,
		&snap.BlobKey,
		&snap.SizeBytes,
		&snap.SHA256,
		&countsRaw,
		&snap.Note,
		&snap.CreatedBy,
		&snap.CreatedAt,
		&snap.CompletedAt,
	)
	if err != nil {
		return Snapshot{}, err
	}
	_ = json.Unmarshal(countsRaw, &snap.RowCounts)
	return snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, blob_key, size_bytes, COALESCE(sha256, ''), row_counts, COALESCE(note, ''), created_by, created_at, completed_at
		FROM snapshots
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		var countsRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.Kind,
			&item.Status,
			&item.BlobKey,
			&item.SizeBytes,
			&item.SHA256,
			&countsRaw,
			&item.Note,
			&item.CreatedBy,
			&item.CreatedAt,
			&item.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		_ = json.Unmarshal(countsRaw, &item.RowCounts)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteSnapshot(ctx context.Context, snapshotID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id=$1`, snapshotID)
	if err != nil {
		return false, fmt.Errorf("delete snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete snapshot rows: %w", err)
	}
	return affected > 0, nil
}

// AdminSummary aggregates the counters shown on the platform admin page.
func (s *PostgresStore) AdminSummary(ctx context.Context) (AdminSummary, error) {
	summary := AdminSummary{SwitchesByStatus: map[string]int{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users WHERE deactivated_at IS NULL),
			(SELECT COUNT(*) FROM estates),
			(SELECT COUNT(*) FROM wills WHERE status <> 'REVOKED'),
			(SELECT COUNT(*) FROM vault_items WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM tickets WHERE status IN ('OPEN','PENDING')),
			(SELECT COUNT(*) FROM snapshots)
	`).Scan(
		&summary.Users,
		&summary.Estates,
		&summary.Wills,
		&summary.VaultItems,
		&summary.OpenTickets,
		&summary.Snapshots,
	)
	if err != nil {
		return AdminSummary{}, fmt.Errorf("admin summary counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM switch_states GROUP BY status`)
	if err != nil {
		return AdminSummary{}, fmt.Errorf("admin summary switches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return AdminSummary{}, fmt.Errorf("scan switch summary: %w", err)
		}
		summary.SwitchesByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return AdminSummary{}, fmt.Errorf("iterate switch summary: %w", err)
	}
	return summary, nil
}
