package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/store"
	"heirloom/api/internal/switchguard"
)

// AdminSummary is the counters block on the platform admin page.
func (s *Service) AdminSummary(ctx context.Context) (map[string]any, error) {
	summary, err := s.store.AdminSummary(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"users":            summary.Users,
		"estates":          summary.Estates,
		"wills":            summary.Wills,
		"vaultItems":       summary.VaultItems,
		"switchesByStatus": summary.SwitchesByStatus,
		"openTickets":      summary.OpenTickets,
		"snapshots":        summary.Snapshots,
	}, nil
}

// CreateBackup runs a full snapshot synchronously and returns its row.
func (s *Service) CreateBackup(ctx context.Context, sess Session, note string) (map[string]any, error) {
	snap, err := s.backups.Create(ctx, note, sess.UserID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "", sess, "backup.created", "snapshot", snap.ID,
		map[string]any{"sizeBytes": snap.SizeBytes})
	return snapshotPayload(snap), nil
}

func (s *Service) ListBackups(ctx context.Context) ([]map[string]any, error) {
	snaps, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, snapshotPayload(snap))
	}
	return items, nil
}

// VerifyBackup re-reads an archive end to end and reports what it found.
// It never writes table rows.
func (s *Service) VerifyBackup(ctx context.Context, sess Session, snapshotID string) (map[string]any, error) {
	result, err := s.backups.Verify(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"snapshotId": result.SnapshotID,
		"sizeBytes":  result.SizeBytes,
		"digest":     result.Digest,
		"rowCounts":  result.RowCounts,
		"ok":         result.OK(),
	}
	if len(result.Problems) > 0 {
		payload["problems"] = result.Problems
	}
	return payload, nil
}

// ForceTriggerSwitch is the support override: the estate's switch goes
// straight to TRIGGERED and queued notifications are cancelled.
func (s *Service) ForceTriggerSwitch(ctx context.Context, sess Session, estateID string) (map[string]any, error) {
	if _, err := s.store.GetSwitchState(ctx, estateID); err != nil {
		return nil, err
	}
	state, err := s.store.ForceTriggerSwitch(ctx, estateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConflict("SWITCH_TRIGGERED", "The switch has already triggered")
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertSwitchEvent(ctx, estateID, switchguard.EventForceTriggered, sess.UserID, nil); err != nil {
		s.logger.Warn("record force-trigger event", zap.String("estate_id", estateID), zap.Error(err))
	}
	s.audit(ctx, estateID, sess, "switch.force_triggered", "switch", estateID, nil)
	return switchPayload(state), nil
}

// ResetTriggeredSwitch re-arms a TRIGGERED switch. Support-only; every
// other state resolves through the owner's own actions.
func (s *Service) ResetTriggeredSwitch(ctx context.Context, sess Session, estateID string) (map[string]any, error) {
	if _, err := s.store.GetSwitchState(ctx, estateID); err != nil {
		return nil, err
	}
	state, err := s.store.ResetSwitch(ctx, estateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConflict("SWITCH_NOT_TRIGGERED", "Only a triggered switch can be reset")
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertSwitchEvent(ctx, estateID, switchguard.EventReset, sess.UserID, nil); err != nil {
		s.logger.Warn("record reset event", zap.String("estate_id", estateID), zap.Error(err))
	}
	s.audit(ctx, estateID, sess, "switch.reset", "switch", estateID, nil)
	return switchPayload(state), nil
}

func snapshotPayload(snap store.Snapshot) map[string]any {
	payload := map[string]any{
		"id":        snap.ID,
		"kind":      snap.Kind,
		"status":    snap.Status,
		"sizeBytes": snap.SizeBytes,
		"sha256":    snap.SHA256,
		"note":      snap.Note,
		"createdBy": snap.CreatedBy,
		"createdAt": snap.CreatedAt.UTC().Format(time.RFC3339),
	}
	if snap.RowCounts != nil {
		payload["rowCounts"] = snap.RowCounts
	}
	if snap.CompletedAt != nil {
		payload["completedAt"] = snap.CompletedAt.UTC().Format(time.RFC3339)
	}
	return payload
}
