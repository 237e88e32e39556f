package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/rbac"
	"heirloom/api/internal/store"
	"heirloom/api/internal/util"
)

const (
	maxEmergencyContacts = 10
	inviteTTL            = 7 * 24 * time.Hour
)

// EstateSummary is the dashboard payload: the estate plus the counters
// the overview page renders.
func (s *Service) EstateSummary(ctx context.Context, access EstateAccess) (map[string]any, error) {
	estate, err := s.store.GetEstate(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListEstateMembers(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	switchState, err := s.store.GetSwitchState(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	willCount, err := s.store.CountWills(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	documentCount, err := s.store.CountVaultItems(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":           estate.ID,
		"name":         estate.Name,
		"plan":         estate.Plan,
		"role":         string(access.Role),
		"members":      len(members),
		"wills":        willCount,
		"documents":    documentCount,
		"switchStatus": switchState.Status,
		"nextDeadline": switchState.NextDeadlineAt.UTC().Format(time.RFC3339),
		"createdAt":    estate.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) RenameEstate(ctx context.Context, access EstateAccess, sess Session, name string) (map[string]any, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return nil, errValidation("Estate name is required", nil)
	}
	if err := s.store.UpdateEstateName(ctx, access.EstateID, trimmedName); err != nil {
		return nil, err
	}
	s.audit(ctx, access.EstateID, sess, "estate.renamed", "estate", access.EstateID,
		map[string]any{"name": trimmedName})
	return map[string]any{"id": access.EstateID, "name": trimmedName}, nil
}

func (s *Service) ListMembers(ctx context.Context, access EstateAccess) ([]map[string]any, error) {
	members, err := s.store.ListEstateMembers(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		item := map[string]any{
			"id":       m.ID,
			"userId":   m.UserID,
			"name":     m.UserName,
			"email":    m.UserEmail,
			"role":     m.Role,
			"joinedAt": m.CreatedAt.UTC().Format(time.RFC3339),
		}
		if m.AcceptedAt != nil {
			item["acceptedAt"] = m.AcceptedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	return items, nil
}

// ListUserEstates returns every estate the caller belongs to, for the
// estate switcher.
func (s *Service) ListUserEstates(ctx context.Context, sess Session) ([]map[string]any, error) {
	memberships, err := s.store.ListMemberships(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(memberships))
	for _, m := range memberships {
		items = append(items, map[string]any{
			"estateId": m.EstateID,
			"name":     m.EstateName,
			"role":     m.Role,
		})
	}
	return items, nil
}

// InviteMember creates a 7-day invite and mails it. Inviting an address
// that is already a member is a conflict, not a duplicate invite.
func (s *Service) InviteMember(ctx context.Context, access EstateAccess, sess Session, email, role string) (map[string]any, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errValidation("Email is required", nil)
	}
	if !rbac.Assignable(role) {
		return nil, errValidation("Role must be executor, contributor, or viewer", nil)
	}

	members, err := s.store.ListEstateMembers(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if strings.EqualFold(m.UserEmail, email) {
			return nil, errConflict("ALREADY_MEMBER", "That person is already a member of this estate")
		}
	}

	invite := store.EstateInvite{
		ID:        util.NewID("inv"),
		EstateID:  access.EstateID,
		Email:     email,
		Role:      role,
		Token:     util.NewSecret(32),
		CreatedBy: sess.UserID,
		ExpiresAt: time.Now().Add(inviteTTL),
	}
	if err := s.store.CreateEstateInvite(ctx, invite); err != nil {
		return nil, err
	}

	response := map[string]any{
		"id":        invite.ID,
		"email":     invite.Email,
		"role":      invite.Role,
		"expiresAt": invite.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if s.SMTPConfigured() {
		inviteURL := s.cfg.PublicURL + "/invites/accept?token=" + invite.Token
		if err := s.notify.SendEstateInviteEmail(email, sess.UserName, access.EstateName, role, inviteURL); err != nil {
			s.logger.Warn("send invite email", zap.String("estate_id", access.EstateID), zap.Error(err))
		}
	} else {
		response["devInviteToken"] = invite.Token
	}

	s.audit(ctx, access.EstateID, sess, "member.invited", "invite", invite.ID,
		map[string]any{"email": email, "role": role})
	return response, nil
}

func (s *Service) ListInvites(ctx context.Context, access EstateAccess) ([]map[string]any, error) {
	invites, err := s.store.ListEstateInvites(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(invites))
	for _, invite := range invites {
		item := map[string]any{
			"id":        invite.ID,
			"email":     invite.Email,
			"role":      invite.Role,
			"expiresAt": invite.ExpiresAt.UTC().Format(time.RFC3339),
			"expired":   time.Now().After(invite.ExpiresAt),
		}
		if invite.AcceptedAt != nil {
			item["acceptedAt"] = invite.AcceptedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) RevokeInvite(ctx context.Context, access EstateAccess, sess Session, inviteID string) error {
	revoked, err := s.store.RevokeEstateInvite(ctx, access.EstateID, inviteID)
	if err != nil {
		return err
	}
	if !revoked {
		return sql.ErrNoRows
	}
	s.audit(ctx, access.EstateID, sess, "member.invite_revoked", "invite", inviteID, nil)
	return nil
}

// AcceptInvite joins the caller to the inviting estate. The invite is
// bound to an email address; the session email has to match.
func (s *Service) AcceptInvite(ctx context.Context, sess Session, token string) (map[string]any, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errValidation("Invite token is required", nil)
	}
	invite, err := s.store.AcceptEstateInvite(ctx, token, sess.UserID, util.NewID("mem"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusGone, "INVITE_GONE", "This invite has expired or was revoked", nil)
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(invite.Email, sess.Email) {
		// The accept already burned the token for the right address;
		// surface the mismatch without hinting at the invite's email.
		return nil, domainError(http.StatusForbidden, "INVITE_EMAIL_MISMATCH", "This invite was issued to a different email address", nil)
	}

	estate, err := s.store.GetEstate(ctx, invite.EstateID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, invite.EstateID, sess, "member.joined", "invite", invite.ID,
		map[string]any{"role": invite.Role})
	return map[string]any{
		"estateId":   estate.ID,
		"estateName": estate.Name,
		"role":       invite.Role,
	}, nil
}

// ChangeMemberRole reassigns a member. Ownership never moves this way.
func (s *Service) ChangeMemberRole(ctx context.Context, access EstateAccess, sess Session, memberID, role string) (map[string]any, error) {
	if !rbac.Assignable(role) {
		return nil, errValidation("Role must be executor, contributor, or viewer", nil)
	}
	target, err := s.findMember(ctx, access.EstateID, memberID)
	if err != nil {
		return nil, err
	}
	if target.Role == string(rbac.RoleOwner) {
		return nil, errConflict("OWNER_IMMUTABLE", "The owner's role cannot be changed")
	}
	updated, err := s.store.UpdateEstateMemberRole(ctx, access.EstateID, memberID, role)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}
	s.audit(ctx, access.EstateID, sess, "member.role_changed", "member", memberID,
		map[string]any{"role": role})
	return map[string]any{"id": memberID, "role": role}, nil
}

func (s *Service) RemoveMember(ctx context.Context, access EstateAccess, sess Session, memberID string) error {
	target, err := s.findMember(ctx, access.EstateID, memberID)
	if err != nil {
		return err
	}
	if target.Role == string(rbac.RoleOwner) {
		return errConflict("OWNER_IMMUTABLE", "The owner cannot be removed")
	}
	removed, err := s.store.RemoveEstateMember(ctx, access.EstateID, memberID)
	if err != nil {
		return err
	}
	if !removed {
		return sql.ErrNoRows
	}
	s.audit(ctx, access.EstateID, sess, "member.removed", "member", memberID, nil)
	return nil
}

func (s *Service) findMember(ctx context.Context, estateID, memberID string) (store.EstateMember, error) {
	members, err := s.store.ListEstateMembers(ctx, estateID)
	if err != nil {
		return store.EstateMember{}, err
	}
	for _, m := range members {
		if m.ID == memberID {
			return m, nil
		}
	}
	return store.EstateMember{}, sql.ErrNoRows
}

// --- emergency contacts ---

func (s *Service) ListContacts(ctx context.Context, access EstateAccess) ([]map[string]any, error) {
	contacts, err := s.store.ListEmergencyContacts(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		items = append(items, contactPayload(c))
	}
	return items, nil
}

func (s *Service) AddContact(ctx context.Context, access EstateAccess, sess Session, name, email, phone, relation string, tier int) (map[string]any, error) {
	if details := contactProblems(name, email, tier); details != nil {
		return nil, errValidation("Invalid contact", details)
	}
	count, err := s.store.CountEmergencyContacts(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	if count >= maxEmergencyContacts {
		return nil, errConflict("CONTACT_LIMIT", "An estate can hold at most 10 emergency contacts")
	}

	contact := store.EmergencyContact{
		ID:          util.NewID("ct"),
		EstateID:    access.EstateID,
		Name:        strings.TrimSpace(name),
		Email:       strings.ToLower(strings.TrimSpace(email)),
		Phone:       strings.TrimSpace(phone),
		Relation:    strings.TrimSpace(relation),
		Tier:        tier,
		VerifyToken: util.NewSecret(32),
	}
	if err := s.store.CreateEmergencyContact(ctx, contact); err != nil {
		return nil, err
	}
	s.audit(ctx, access.EstateID, sess, "contact.added", "contact", contact.ID,
		map[string]any{"tier": tier})
	return contactPayload(contact), nil
}

func (s *Service) UpdateContact(ctx context.Context, access EstateAccess, sess Session, contactID, name, phone, relation string, tier int) (map[string]any, error) {
	if details := contactProblems(name, "-", tier); details != nil {
		return nil, errValidation("Invalid contact", details)
	}
	contact := store.EmergencyContact{
		ID:       contactID,
		EstateID: access.EstateID,
		Name:     strings.TrimSpace(name),
		Phone:    strings.TrimSpace(phone),
		Relation: strings.TrimSpace(relation),
		Tier:     tier,
	}
	updated, err := s.store.UpdateEmergencyContact(ctx, contact)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}
	s.audit(ctx, access.EstateID, sess, "contact.updated", "contact", contactID,
		map[string]any{"tier": tier})
	return map[string]any{"id": contactID, "name": contact.Name, "tier": tier}, nil
}

// DeleteContact removes a contact; its queued escalation steps go with
// it (the steps reference the contact row).
func (s *Service) DeleteContact(ctx context.Context, access EstateAccess, sess Session, contactID string) error {
	deleted, err := s.store.DeleteEmergencyContact(ctx, access.EstateID, contactID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	s.audit(ctx, access.EstateID, sess, "contact.deleted", "contact", contactID, nil)
	return nil
}

// RequestContactVerify re-sends the confirmation email for a contact.
func (s *Service) RequestContactVerify(ctx context.Context, access EstateAccess, sess Session, contactID string) (map[string]any, error) {
	contacts, err := s.store.ListEmergencyContacts(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	var contact store.EmergencyContact
	found := false
	for _, c := range contacts {
		if c.ID == contactID {
			contact = c
			found = true
			break
		}
	}
	if !found {
		return nil, sql.ErrNoRows
	}
	if contact.VerifiedAt != nil {
		return nil, errConflict("ALREADY_VERIFIED", "This contact is already verified")
	}

	response := map[string]any{"id": contact.ID, "sent": s.SMTPConfigured()}
	if s.SMTPConfigured() {
		verifyURL := s.cfg.PublicURL + "/contacts/verify?token=" + contact.VerifyToken
		if err := s.notify.SendContactVerifyEmail(contact.Email, contact.Name, sess.UserName, verifyURL); err != nil {
			s.logger.Warn("send contact verify email", zap.String("contact_id", contact.ID), zap.Error(err))
		}
	} else {
		response["devVerifyToken"] = contact.VerifyToken
	}
	return response, nil
}

// ConfirmContact is the public half of contact verification: the link
// from the email lands here.
func (s *Service) ConfirmContact(ctx context.Context, token string) (map[string]any, error) {
	contact, err := s.store.VerifyEmergencyContact(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusGone, "VERIFY_GONE", "This confirmation link is no longer valid", nil)
	}
	if err != nil {
		return nil, err
	}
	s.audit(ctx, contact.EstateID, Session{UserID: contact.ID, UserName: contact.Name},
		"contact.verified", "contact", contact.ID, nil)
	return map[string]any{"name": contact.Name, "verified": true}, nil
}

func contactPayload(c store.EmergencyContact) map[string]any {
	item := map[string]any{
		"id":       c.ID,
		"name":     c.Name,
		"email":    c.Email,
		"phone":    c.Phone,
		"relation": c.Relation,
		"tier":     c.Tier,
		"verified": c.VerifiedAt != nil,
	}
	if c.VerifiedAt != nil {
		item["verifiedAt"] = c.VerifiedAt.UTC().Format(time.RFC3339)
	}
	return item
}

func contactProblems(name, email string, tier int) []string {
	var problems []string
	if strings.TrimSpace(name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(email) == "" {
		problems = append(problems, "email is required")
	}
	if tier < 1 || tier > 3 {
		problems = append(problems, "tier must be between 1 and 3")
	}
	return problems
}
