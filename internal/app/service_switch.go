package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/store"
	"heirloom/api/internal/switchguard"
)

// Checkin resets the caller's deadline. Works from ACTIVE, OVERDUE, and
// ESCALATING; an escalation in flight is cancelled by the store call.
func (s *Service) Checkin(ctx context.Context, access EstateAccess, sess Session) (map[string]any, error) {
	payload, err := s.checkin(ctx, access.EstateID, sess.UserID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, access.EstateID, sess, "switch.checkin", "switch", access.EstateID, nil)
	return payload, nil
}

func (s *Service) checkin(ctx context.Context, estateID, actor string) (map[string]any, error) {
	prior, err := s.store.GetSwitchState(ctx, estateID)
	if err != nil {
		return nil, err
	}
	state, err := s.store.CheckinSwitch(ctx, estateID)
	if errors.Is(err, sql.ErrNoRows) {
		switch prior.Status {
		case "PAUSED":
			return nil, errConflict("SWITCH_PAUSED", "The switch is paused; resume it before checking in")
		case "TRIGGERED":
			return nil, errConflict("SWITCH_TRIGGERED", "The switch has already triggered")
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	// A check-in that interrupted an overdue or escalating switch is a
	// reset; a routine one is a plain check-in.
	eventType := switchguard.EventCheckin
	detail := map[string]any{"status": state.Status}
	if prior.Status == "OVERDUE" || prior.Status == "ESCALATING" {
		eventType = switchguard.EventReset
		detail["interrupted"] = prior.Status
	}
	if err := s.store.InsertSwitchEvent(ctx, estateID, eventType, actor, detail); err != nil {
		// The check-in itself has committed; a missing event row is not
		// worth failing the request over.
		s.logger.Warn("record checkin event", zap.String("estate_id", estateID), zap.Error(err))
	}
	return switchPayload(state), nil
}

// GetSwitch returns the switch state plus the contact readiness the
// settings page shows next to it.
func (s *Service) GetSwitch(ctx context.Context, access EstateAccess) (map[string]any, error) {
	state, err := s.store.GetSwitchState(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	contacts, err := s.store.ListEmergencyContacts(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.CountActiveEscalationSteps(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}

	type tierSummary struct {
		total    int
		verified int
	}
	tiers := map[int]*tierSummary{1: {}, 2: {}, 3: {}}
	for _, c := range contacts {
		summary, ok := tiers[c.Tier]
		if !ok {
			continue
		}
		summary.total++
		if c.VerifiedAt != nil {
			summary.verified++
		}
	}
	tierList := make([]map[string]any, 0, 3)
	for tier := 1; tier <= 3; tier++ {
		tierList = append(tierList, map[string]any{
			"tier":     tier,
			"contacts": tiers[tier].total,
			"verified": tiers[tier].verified,
		})
	}

	payload := switchPayload(state)
	payload["pendingNotifications"] = pending
	payload["tiers"] = tierList
	return payload, nil
}

// UpdatePolicy changes the check-in cadence. The new deadline is
// computed from the last check-in, so shortening the interval can make
// a switch overdue on the next engine tick.
func (s *Service) UpdatePolicy(ctx context.Context, access EstateAccess, sess Session, intervalDays, graceDays int) (map[string]any, error) {
	var problems []string
	if intervalDays < 1 || intervalDays > 365 {
		problems = append(problems, "intervalDays must be between 1 and 365")
	}
	if graceDays < 0 || graceDays > 90 {
		problems = append(problems, "graceDays must be between 0 and 90")
	}
	if problems != nil {
		return nil, errValidation("Invalid switch policy", problems)
	}

	state, err := s.store.UpdateSwitchPolicy(ctx, access.EstateID, intervalDays, graceDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConflict("SWITCH_TRIGGERED", "A triggered switch cannot be reconfigured")
	}
	if err != nil {
		return nil, err
	}

	detail := map[string]any{"intervalDays": intervalDays, "graceDays": graceDays}
	if err := s.store.InsertSwitchEvent(ctx, access.EstateID, switchguard.EventPolicyUpdated, sess.UserID, detail); err != nil {
		s.logger.Warn("record policy event", zap.String("estate_id", access.EstateID), zap.Error(err))
	}
	s.audit(ctx, access.EstateID, sess, "switch.policy_updated", "switch", access.EstateID, detail)
	return switchPayload(state), nil
}

// PauseSwitch stops the clock. Escalating switches cannot be paused;
// the way out of an escalation is a check-in.
func (s *Service) PauseSwitch(ctx context.Context, access EstateAccess, sess Session) (map[string]any, error) {
	prior, err := s.store.GetSwitchState(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	state, err := s.store.PauseSwitch(ctx, access.EstateID)
	if errors.Is(err, sql.ErrNoRows) {
		switch prior.Status {
		case "ESCALATING":
			return nil, errConflict("SWITCH_ESCALATING", "An escalating switch cannot be paused; check in instead")
		case "PAUSED":
			return nil, errConflict("SWITCH_PAUSED", "The switch is already paused")
		case "TRIGGERED":
			return nil, errConflict("SWITCH_TRIGGERED", "The switch has already triggered")
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertSwitchEvent(ctx, access.EstateID, switchguard.EventPaused, sess.UserID, nil); err != nil {
		s.logger.Warn("record pause event", zap.String("estate_id", access.EstateID), zap.Error(err))
	}
	s.audit(ctx, access.EstateID, sess, "switch.paused", "switch", access.EstateID, nil)
	return switchPayload(state), nil
}

// ResumeSwitch restarts a paused switch with a fresh deadline.
func (s *Service) ResumeSwitch(ctx context.Context, access EstateAccess, sess Session) (map[string]any, error) {
	state, err := s.store.ResumeSwitch(ctx, access.EstateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConflict("SWITCH_NOT_PAUSED", "Only a paused switch can be resumed")
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertSwitchEvent(ctx, access.EstateID, switchguard.EventResumed, sess.UserID, nil); err != nil {
		s.logger.Warn("record resume event", zap.String("estate_id", access.EstateID), zap.Error(err))
	}
	s.audit(ctx, access.EstateID, sess, "switch.resumed", "switch", access.EstateID, nil)
	return switchPayload(state), nil
}

// SwitchEvents returns the newest events first.
func (s *Service) SwitchEvents(ctx context.Context, access EstateAccess, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	events, err := s.store.ListSwitchEvents(ctx, access.EstateID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		item := map[string]any{
			"id":    fmt.Sprintf("%d", ev.ID),
			"type":  ev.EventType,
			"actor": ev.Actor,
			"at":    ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if ev.Detail != nil {
			item["detail"] = ev.Detail
		}
		items = append(items, item)
	}
	return items, nil
}

// RunDrill fires a test notification at the verified tier-1 contacts.
// The engine records the drill event and audit entry itself.
func (s *Service) RunDrill(ctx context.Context, access EstateAccess, sess Session) (map[string]any, error) {
	notified, err := s.engine.Drill(ctx, access.EstateID, sess.UserID)
	if errors.Is(err, switchguard.ErrNoContacts) {
		return nil, errConflict("NO_CONTACTS", "Add and verify at least one tier-1 contact before running a drill")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"notified": notified}, nil
}

func switchPayload(state store.SwitchState) map[string]any {
	payload := map[string]any{
		"status":         state.Status,
		"intervalDays":   state.IntervalDays,
		"graceDays":      state.GraceDays,
		"lastCheckinAt":  state.LastCheckinAt.UTC().Format(time.RFC3339),
		"nextDeadlineAt": state.NextDeadlineAt.UTC().Format(time.RFC3339),
	}
	if state.PausedAt != nil {
		payload["pausedAt"] = state.PausedAt.UTC().Format(time.RFC3339)
	}
	if state.TriggeredAt != nil {
		payload["triggeredAt"] = state.TriggeredAt.UTC().Format(time.RFC3339)
	}
	return payload
}
