package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateEstate inserts the estate, its owner membership, and the default
// switch state in one transaction. Every estate carries a switch row for
// its whole life.
func (s *PostgresStore) CreateEstate(ctx context.Context, estate Estate, memberID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create estate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO estates (id, owner_id, name, plan)
		VALUES ($1, $2, $3, $4)
	`, estate.ID, estate.OwnerID, estate.Name, estate.Plan); err != nil {
		return fmt.Errorf("insert estate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO estate_members (id, estate_id, user_id, role, invited_by, accepted_at)
		VALUES ($1, $2, $3, 'owner', $3, NOW())
	`, memberID, estate.ID, estate.OwnerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO switch_states (estate_id, next_deadline_at)
		VALUES ($1, NOW() + make_interval(days => 30))
	`, estate.ID); err != nil {
		return fmt.Errorf("insert switch state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create estate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEstate(ctx context.Context, estateID string) (Estate, error) {
	var estate Estate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, plan, created_at, updated_at
		FROM estates
		WHERE id=$1
	`, estateID).Scan(&estate.ID, &estate.OwnerID, &estate.Name, &estate.Plan, &estate.CreatedAt, &estate.UpdatedAt)
	if err != nil {
		return Estate{}, err
	}
	return estate, nil
}

func (s *PostgresStore) GetDefaultEstateForUser(ctx context.Context, userID string) (Estate, error) {
	var estate Estate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, plan, created_at, updated_at
		FROM estates
		WHERE owner_id=$1
		ORDER BY created_at
		LIMIT 1
	`, userID).Scan(&estate.ID, &estate.OwnerID, &estate.Name, &estate.Plan, &estate.CreatedAt, &estate.UpdatedAt)
	if err != nil {
		return Estate{}, err
	}
	return estate, nil
}

func (s *PostgresStore) UpdateEstateName(ctx context.Context, estateID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE estates SET name=$2, updated_at=NOW() WHERE id=$1`, estateID, name)
	if err != nil {
		return fmt.Errorf("update estate name: %w", err)
	}
	return nil
}

// GetEstateRole returns the caller's role inside an estate. Non-members
// surface as sql.ErrNoRows so the app can map to a 403.
func (s *PostgresStore) GetEstateRole(ctx context.Context, estateID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM estate_members
		WHERE estate_id=$1 AND user_id=$2 AND accepted_at IS NOT NULL
	`, estateID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *PostgresStore) ListEstateMembers(ctx context.Context, estateID string) ([]EstateMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.estate_id, m.user_id, m.role, m.invited_by, m.accepted_at, m.created_at, u.email, u.display_name
		FROM estate_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.estate_id=$1
		ORDER BY m.created_at
	`, estateID)
	if err != nil {
		return nil, fmt.Errorf("list estate members: %w", err)
	}
	defer rows.Close()

	items := make([]EstateMember, 0)
	for rows.Next() {
		var item EstateMember
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.UserID,
			&item.Role,
			&item.InvitedBy,
			&item.AcceptedAt,
			&item.CreatedAt,
			&item.UserEmail,
			&item.UserName,
		); err != nil {
			return nil, fmt.Errorf("scan estate member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate estate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID string) ([]EstateMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.estate_id, m.user_id, m.role, m.accepted_at, m.created_at, e.name
		FROM estate_members m
		JOIN estates e ON e.id = m.estate_id
		WHERE m.user_id=$1 AND m.accepted_at IS NOT NULL
		ORDER BY m.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]EstateMember, 0)
	for rows.Next() {
		var item EstateMember
		if err := rows.Scan(&item.ID, &item.EstateID, &item.UserID, &item.Role, &item.AcceptedAt, &item.CreatedAt, &item.EstateName); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateEstateMemberRole(ctx context.Context, estateID, memberID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE estate_members
		SET role=$3
		WHERE id=$2 AND estate_id=$1 AND role <> 'owner'
	`, estateID, memberID, role)
	if err != nil {
		return false, fmt.Errorf("update member role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update member role rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RemoveEstateMember(ctx context.Context, estateID, memberID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM estate_members
		WHERE id=$2 AND estate_id=$1 AND role <> 'owner'
	`, estateID, memberID)
	if err != nil {
		return false, fmt.Errorf("remove estate member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove estate member rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CreateEstateInvite(ctx context.Context, invite EstateInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO estate_invites (id, estate_id, email, role, token, created_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, invite.ID, invite.EstateID, invite.Email, invite.Role, invite.Token, invite.CreatedBy, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert estate invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEstateInvites(ctx context.Context, estateID string) ([]EstateInvite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, estate_id, email, role, token, created_by, expires_at, accepted_at, created_at
		FROM estate_invites
		WHERE estate_id=$1 AND accepted_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
	`, estateID)
	if err != nil {
		return nil, fmt.Errorf("list estate invites: %w", err)
	}
	defer rows.Close()

	items := make([]EstateInvite, 0)
	for rows.Next() {
		var item EstateInvite
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.Email,
			&item.Role,
			&item.Token,
			&item.CreatedBy,
			&item.ExpiresAt,
			&item.AcceptedAt,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan estate invite: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate estate invites: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokeEstateInvite(ctx context.Context, estateID, inviteID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM estate_invites WHERE id=$2 AND estate_id=$1 AND accepted_at IS NULL
	`, estateID, inviteID)
	if err != nil {
		return false, fmt.Errorf("revoke estate invite: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke estate invite rows: %w", err)
	}
	return affected > 0, nil
}

// AcceptEstateInvite marks the invite used and upserts the membership in
// one transaction. Re-inviting an existing member updates their role.
func (s *PostgresStore) AcceptEstateInvite(ctx context.Context, token, userID, memberID string) (EstateInvite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EstateInvite{}, fmt.Errorf("begin accept invite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var invite EstateInvite
	err = tx.QueryRowContext(ctx, `
		UPDATE estate_invites
		SET accepted_at=NOW()
		WHERE token=$1 AND accepted_at IS NULL AND expires_at > NOW()
		RETURNING id, estate_id, email, role, token, created_by, expires_at, accepted_at, created_at
	`, token).Scan(
		&invite.ID,
		&invite.EstateID,
		&invite.Email,
		&invite.Role,
		&invite.Token,
		&invite.CreatedBy,
		&invite.ExpiresAt,
		&invite.AcceptedAt,
		&invite.CreatedAt,
	)
	if err != nil {
		return EstateInvite{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO estate_members (id, estate_id, user_id, role, invited_by, accepted_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (estate_id, user_id) DO UPDATE SET role=EXCLUDED.role, accepted_at=NOW()
	`, memberID, invite.EstateID, userID, invite.Role, invite.CreatedBy); err != nil {
		return EstateInvite{}, fmt.Errorf("upsert membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return EstateInvite{}, fmt.Errorf("commit accept invite: %w", err)
	}
	return invite, nil
}

func (s *PostgresStore) ListEmergencyContacts(ctx context.Context, estateID string) ([]EmergencyContact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, estate_id, name, email, phone, relation, tier, verify_token, verified_at, created_at, updated_at
		FROM emergency_contacts
		WHERE estate_id=$1
		ORDER BY tier, created_at
	`, estateID)
	if err != nil {
		return nil, fmt.Errorf("list emergency contacts: %w", err)
	}
	defer rows.Close()

	items := make([]EmergencyContact, 0)
	for rows.Next() {
		var item EmergencyContact
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.Name,
			&item.Email,
			&item.Phone,
			&item.Relation,
			&item.Tier,
			&item.VerifyToken,
			&item.VerifiedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan emergency contact: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emergency contacts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountEmergencyContacts(ctx context.Context, estateID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emergency_contacts WHERE estate_id=$1`, estateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count emergency contacts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateEmergencyContact(ctx context.Context, contact EmergencyContact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_contacts (id, estate_id, name, email, phone, relation, tier, verify_token)
		VALUES ($1, $2, $3, LOWER($4), $5, $6, $7, $8)
	`, contact.ID, contact.EstateID, contact.Name, contact.Email, contact.Phone, contact.Relation, contact.Tier, contact.VerifyToken)
	if err != nil {
		return fmt.Errorf("insert emergency contact: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEmergencyContact(ctx context.Context, contact EmergencyContact) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE emergency_contacts
		SET name=$3, phone=$4, relation=$5, tier=$6, updated_at=NOW()
		WHERE id=$2 AND estate_id=$1
	`, contact.EstateID, contact.ID, contact.Name, contact.Phone, contact.Relation, contact.Tier)
	if err != nil {
		return false, fmt.Errorf("update emergency contact: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update emergency contact rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteEmergencyContact(ctx context.Context, estateID, contactID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM emergency_contacts WHERE id=$2 AND estate_id=$1
	`, estateID, contactID)
	if err != nil {
		return false, fmt.Errorf("delete emergency contact: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete emergency contact rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) VerifyEmergencyContact(ctx context.Context, token string) (EmergencyContact, error) {
	var contact EmergencyContact
	err := s.db.QueryRowContext(ctx, `
		UPDATE emergency_contacts
		SET verified_at=NOW(), verify_token='', updated_at=NOW()
		WHERE verify_token=$1 AND verify_token <> '' AND verified_at IS NULL
		RETURNING id, estate_id, name, email, phone, relation, tier, verify_token, verified_at, created_at, updated_at
	`, token).Scan(
		&contact.ID,
		&contact.EstateID,
		&contact.Name,
		&contact.Email,
		&contact.Phone,
		&contact.Relation,
		&contact.Tier,
		&contact.VerifyToken,
		&contact.VerifiedAt,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		return EmergencyContact{}, err
	}
	return contact, nil
}

func (s *PostgresStore) GetSwitchState(ctx context.Context, estateID string) (SwitchState, error) {
	var state SwitchState
	err := s.db.QueryRowContext(ctx, `
		SELECT estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
		FROM switch_states
		WHERE estate_id=$1
	`, estateID).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}
	return state, nil
}

// UpdateSwitchPolicy changes the cadence and recomputes the deadline from
// the last check-in. A triggered switch stays triggered.
func (s *PostgresStore) UpdateSwitchPolicy(ctx context.Context, estateID string, intervalDays, graceDays int) (SwitchState, error) {
	var state SwitchState
	err := s.db.QueryRowContext(ctx, `
		UPDATE switch_states
		SET interval_days=$2, grace_days=$3,
			next_deadline_at = last_checkin_at + make_interval(days => $2),
			updated_at=NOW()
		WHERE estate_id=$1 AND status <> 'TRIGGERED'
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, estateID, intervalDays, graceDays).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}
	return state, nil
}

// CheckinSwitch resets an active, overdue, or escalating switch and
// cancels whatever escalation steps are still queued. Paused and
// triggered switches do not accept check-ins; callers see sql.ErrNoRows.
func (s *PostgresStore) CheckinSwitch(ctx context.Context, estateID string) (SwitchState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SwitchState{}, fmt.Errorf("begin checkin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state SwitchState
	err = tx.QueryRowContext(ctx, `
		UPDATE switch_states
		SET status='ACTIVE', last_checkin_at=NOW(),
			next_deadline_at = NOW() + make_interval(days => interval_days),
			updated_at=NOW()
		WHERE estate_id=$1 AND status IN ('ACTIVE','OVERDUE','ESCALATING')
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, estateID).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE escalation_steps
		SET status='CANCELLED'
		WHERE estate_id=$1 AND status IN ('PENDING','SENDING')
	`, estateID); err != nil {
		return SwitchState{}, fmt.Errorf("cancel escalation steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SwitchState{}, fmt.Errorf("commit checkin: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) PauseSwitch(ctx context.Context, estateID string) (SwitchState, error) {
	var state SwitchState
	err := s.db.QueryRowContext(ctx, `
		UPDATE switch_states
		SET status='PAUSED', paused_at=NOW(), updated_at=NOW()
		WHERE estate_id=$1 AND status IN ('ACTIVE','OVERDUE')
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, estateID).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}
	return state, nil
}

func (s *PostgresStore) ResumeSwitch(ctx context.Context, estateID string) (SwitchState, error) {
	var state SwitchState
	err := s.db.QueryRowContext(ctx, `
		UPDATE switch_states
		SET status='ACTIVE', paused_at=NULL, last_checkin_at=NOW(),
			next_deadline_at = NOW() + make_interval(days => interval_days),
			updated_at=NOW()
		WHERE estate_id=$1 AND status='PAUSED'
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, estateID).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}
	return state, nil
}

// ClaimOverdueSwitches flips ACTIVE switches past their deadline to
// OVERDUE and returns the claimed rows. The status check in the WHERE
// clause makes the claim atomic per row.
func (s *PostgresStore) ClaimOverdueSwitches(ctx context.Context, limit int) ([]SwitchState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE switch_states
		SET status='OVERDUE', updated_at=NOW()
		WHERE status='ACTIVE' AND next_deadline_at <= NOW()
			AND estate_id IN (
				SELECT estate_id FROM switch_states
				WHERE status='ACTIVE' AND next_deadline_at <= NOW()
				ORDER BY next_deadline_at
				LIMIT $1
			)
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim overdue switches: %w", err)
	}
	defer rows.Close()
	return scanSwitchStates(rows, "overdue switch")
}

// ClaimEscalatingSwitches moves OVERDUE switches past their grace window
// into ESCALATING.
func (s *PostgresStore) ClaimEscalatingSwitches(ctx context.Context, limit int) ([]SwitchState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE switch_states
		SET status='ESCALATING', updated_at=NOW()
		WHERE status='OVERDUE' AND next_deadline_at + make_interval(days => grace_days) <= NOW()
			AND estate_id IN (
				SELECT estate_id FROM switch_states
				WHERE status='OVERDUE' AND next_deadline_at + make_interval(days => grace_days) <= NOW()
				ORDER BY next_deadline_at
				LIMIT $1
			)
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim escalating switches: %w", err)
	}
	defer rows.Close()
	return scanSwitchStates(rows, "escalating switch")
}

func scanSwitchStates(rows *sql.Rows, label string) ([]SwitchState, error) {
	items := make([]SwitchState, 0)
	for rows.Next() {
		var state SwitchState
		if err := rows.Scan(
			&state.EstateID,
			&state.Status,
			&state.IntervalDays,
			&state.GraceDays,
			&state.LastCheckinAt,
			&state.NextDeadlineAt,
			&state.PausedAt,
			&state.TriggeredAt,
			&state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan %s: %w", label, err)
		}
		items = append(items, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", label, err)
	}
	return items, nil
}

func (s *PostgresStore) TriggerSwitch(ctx context.Context, estateID string) (SwitchState, error) {
	var state SwitchState
	err := s.db.QueryRowContext(ctx, `
		UPDATE switch_states
		SET status='TRIGGERED', triggered_at=NOW(), updated_at=NOW()
		WHERE estate_id=$1 AND status='ESCALATING'
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, estateID).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}
	return state, nil
}

// ForceTriggerSwitch is the support override: any non-triggered switch
// goes straight to TRIGGERED and its queued steps are cancelled.
func (s *PostgresStore) ForceTriggerSwitch(ctx context.Context, estateID string) (SwitchState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SwitchState{}, fmt.Errorf("begin force trigger: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state SwitchState
	err = tx.QueryRowContext(ctx, `
		UPDATE switch_states
		SET status='TRIGGERED', triggered_at=NOW(), updated_at=NOW()
		WHERE estate_id=$1 AND status <> 'TRIGGERED'
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, estateID).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE escalation_steps
		SET status='CANCELLED'
		WHERE estate_id=$1 AND status IN ('PENDING','SENDING')
	`, estateID); err != nil {
		return SwitchState{}, fmt.Errorf("cancel escalation steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SwitchState{}, fmt.Errorf("commit force trigger: %w", err)
	}
	return state, nil
}

// ResetSwitch re-arms a triggered switch. Support-only; owners get out
// of every other state through check-in.
func (s *PostgresStore) ResetSwitch(ctx context.Context, estateID string) (SwitchState, error) {
	var state SwitchState
	err := s.db.QueryRowContext(ctx, `
		UPDATE switch_states
		SET status='ACTIVE', triggered_at=NULL, last_checkin_at=NOW(),
			next_deadline_at = NOW() + make_interval(days => interval_days),
			updated_at=NOW()
		WHERE estate_id=$1 AND status='TRIGGERED'
		RETURNING estate_id, status, interval_days, grace_days, last_checkin_at, next_deadline_at, paused_at, triggered_at, updated_at
	`, estateID).Scan(
		&state.EstateID,
		&state.Status,
		&state.IntervalDays,
		&state.GraceDays,
		&state.LastCheckinAt,
		&state.NextDeadlineAt,
		&state.PausedAt,
		&state.TriggeredAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return SwitchState{}, err
	}
	return state, nil
}

func (s *PostgresStore) InsertEscalationSteps(ctx context.Context, steps []EscalationStep) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert steps: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escalation_steps (id, estate_id, contact_id, tier, status, due_at)
			VALUES ($1, $2, $3, $4, 'PENDING', $5)
		`, step.ID, step.EstateID, step.ContactID, step.Tier, step.DueAt); err != nil {
			return fmt.Errorf("insert escalation step: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert steps: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueEscalationSteps(ctx context.Context, limit int) ([]EscalationStep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT es.id, es.estate_id, es.contact_id, es.tier, es.status, es.due_at, es.attempts, es.last_error, es.sent_at, es.created_at,
			c.name, c.email, e.name
		FROM escalation_steps es
		JOIN emergency_contacts c ON c.id = es.contact_id
		JOIN estates e ON e.id = es.estate_id
		WHERE es.status='PENDING' AND es.due_at <= NOW()
		ORDER BY es.due_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due escalation steps: %w", err)
	}
	defer rows.Close()

	items := make([]EscalationStep, 0)
	for rows.Next() {
		var item EscalationStep
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.ContactID,
			&item.Tier,
			&item.Status,
			&item.DueAt,
			&item.Attempts,
			&item.LastError,
			&item.SentAt,
			&item.CreatedAt,
			&item.ContactName,
			&item.ContactEmail,
			&item.EstateName,
		); err != nil {
			return nil, fmt.Errorf("scan due escalation step: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due escalation steps: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListEscalationSteps(ctx context.Context, estateID string) ([]EscalationStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT es.id, es.estate_id, es.contact_id, es.tier, es.status, es.due_at, es.attempts, es.last_error, es.sent_at, es.created_at,
			c.name, c.email
		FROM escalation_steps es
		JOIN emergency_contacts c ON c.id = es.contact_id
		WHERE es.estate_id=$1
		ORDER BY es.tier, es.due_at
	`, estateID)
	if err != nil {
		return nil, fmt.Errorf("list escalation steps: %w", err)
	}
	defer rows.Close()

	items := make([]EscalationStep, 0)
	for rows.Next() {
		var item EscalationStep
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.ContactID,
			&item.Tier,
			&item.Status,
			&item.DueAt,
			&item.Attempts,
			&item.LastError,
			&item.SentAt,
			&item.CreatedAt,
			&item.ContactName,
			&item.ContactEmail,
		); err != nil {
			return nil, fmt.Errorf("scan escalation step: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalation steps: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ClaimEscalationStep(ctx context.Context, stepID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escalation_steps
		SET status='SENDING', attempts=attempts+1
		WHERE id=$1 AND status='PENDING'
	`, stepID)
	if err != nil {
		return false, fmt.Errorf("claim escalation step: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim escalation step rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkEscalationStepSent(ctx context.Context, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE escalation_steps
		SET status='SENT', sent_at=NOW(), last_error=''
		WHERE id=$1 AND status='SENDING'
	`, stepID)
	if err != nil {
		return fmt.Errorf("mark escalation step sent: %w", err)
	}
	return nil
}

// MarkEscalationStepFailed requeues the step for retryAt, or parks it as
// FAILED once attempts reach maxAttempts.
func (s *PostgresStore) MarkEscalationStepFailed(ctx context.Context, stepID, lastError string, retryAt time.Time, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE escalation_steps
		SET status = CASE WHEN attempts >= $4 THEN 'FAILED' ELSE 'PENDING' END,
			last_error=$2, due_at=$3
		WHERE id=$1 AND status='SENDING'
	`, stepID, lastError, retryAt, maxAttempts)
	if err != nil {
		return fmt.Errorf("mark escalation step failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountActiveEscalationSteps(ctx context.Context, estateID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalation_steps
		WHERE estate_id=$1 AND status IN ('PENDING','SENDING')
	`, estateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active escalation steps: %w", err)
	}
	return count, nil
}

// ListExhaustedEscalations returns estates still marked ESCALATING whose
// steps have all reached a terminal status. These are ready to trigger.
func (s *PostgresStore) ListExhaustedEscalations(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ss.estate_id
		FROM switch_states ss
		WHERE ss.status='ESCALATING'
			AND NOT EXISTS (
				SELECT 1 FROM escalation_steps es
				WHERE es.estate_id = ss.estate_id AND es.status IN ('PENDING','SENDING')
			)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list exhausted escalations: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var estateID string
		if err := rows.Scan(&estateID); err != nil {
			return nil, fmt.Errorf("scan exhausted escalation: %w", err)
		}
		items = append(items, estateID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exhausted escalations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSwitchEvent(ctx context.Context, estateID, eventType, actor string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal switch event detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switch_events (estate_id, event_type, actor, detail)
		VALUES ($1, $2, $3, $4::jsonb)
	`, estateID, eventType, actor, string(encoded))
	if err != nil {
		return fmt.Errorf("insert switch event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSwitchEvents(ctx context.Context, estateID string, limit int) ([]SwitchEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, estate_id, event_type, actor, detail, created_at
		FROM switch_events
		WHERE estate_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, estateID, limit)
	if err != nil {
		return nil, fmt.Errorf("list switch events: %w", err)
	}
	defer rows.Close()

	items := make([]SwitchEvent, 0)
	for rows.Next() {
		var item SwitchEvent
		var detailRaw []byte
		if err := rows.Scan(&item.ID, &item.EstateID, &item.EventType, &item.Actor, &detailRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan switch event: %w", err)
		}
		_ = json.Unmarshal(detailRaw, &item.Detail)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate switch events: %w", err)
	}
	return items, nil
}
