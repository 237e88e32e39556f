package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/search"
	"heirloom/api/internal/store"
	"heirloom/api/internal/support"
	"heirloom/api/internal/util"
)

const platformAdmin = "admin"

var ticketPriorities = map[string]bool{
	"low": true, "normal": true, "high": true, "urgent": true,
}

var ticketStatuses = map[string]bool{
	"OPEN": true, "PENDING": true, "RESOLVED": true, "CLOSED": true,
}

// CreateTicket opens a ticket and runs it past the auto-responder. A
// matching rule posts the canned reply and parks the ticket in PENDING.
func (s *Service) CreateTicket(ctx context.Context, access EstateAccess, sess Session, subject, body, priority string) (map[string]any, error) {
	subject = strings.TrimSpace(subject)
	body = strings.TrimSpace(body)
	if subject == "" || body == "" {
		return nil, errValidation("Subject and body are required", nil)
	}
	if !ticketPriorities[priority] {
		priority = "normal"
	}

	ticket := store.Ticket{
		ID:       util.NewID("tkt"),
		UserID:   sess.UserID,
		EstateID: access.EstateID,
		Subject:  subject,
		Status:   "OPEN",
		Priority: priority,
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return nil, err
	}
	opener := store.TicketMessage{
		ID:         util.NewID("msg"),
		TicketID:   ticket.ID,
		AuthorID:   sess.UserID,
		AuthorName: sess.UserName,
		Body:       body,
	}
	if err := s.store.InsertTicketMessage(ctx, opener); err != nil {
		return nil, err
	}

	rule, hits := support.Match(s.rules, subject, body)
	if rule != nil {
		auto := store.TicketMessage{
			ID:         util.NewID("msg"),
			TicketID:   ticket.ID,
			AuthorID:   "assistant",
			AuthorName: "Heirloom Assistant",
			Body:       rule.Reply,
			IsAuto:     true,
		}
		if err := s.store.InsertTicketMessage(ctx, auto); err != nil {
			return nil, err
		}
		if _, err := s.store.UpdateTicketStatus(ctx, ticket.ID, "PENDING"); err != nil {
			return nil, err
		}
		ticket.Status = "PENDING"
		s.logger.Info("ticket auto-replied",
			zap.String("ticket_id", ticket.ID),
			zap.String("rule", rule.ID),
			zap.Int("hits", hits))
	}

	s.search.IndexTicket(search.TicketRecord{
		ID:       ticket.ID,
		Subject:  ticket.Subject,
		Body:     body,
		Status:   ticket.Status,
		EstateID: ticket.EstateID,
		UserID:   ticket.UserID,
	})

	ticket.UserName = sess.UserName
	ticket.UserEmail = sess.Email
	payload := ticketPayload(ticket)
	payload["autoReplied"] = rule != nil
	return payload, nil
}

// ListTickets returns the caller's tickets; platform admins see all.
func (s *Service) ListTickets(ctx context.Context, sess Session) ([]map[string]any, error) {
	userID := sess.UserID
	if sess.Role == platformAdmin {
		userID = ""
	}
	tickets, err := s.store.ListTickets(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tickets))
	for _, t := range tickets {
		items = append(items, ticketPayload(t))
	}
	return items, nil
}

func (s *Service) GetTicket(ctx context.Context, sess Session, ticketID string) (map[string]any, error) {
	ticket, err := s.loadTicket(ctx, sess, ticketID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListTicketMessages(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, messagePayload(m))
	}
	payload := ticketPayload(ticket)
	payload["messages"] = items
	return payload, nil
}

// AddTicketMessage appends a reply. A staff reply parks the ticket in
// PENDING and emails the opener; an opener reply reopens it.
func (s *Service) AddTicketMessage(ctx context.Context, sess Session, ticketID, body string) (map[string]any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errValidation("Message body is required", nil)
	}
	ticket, err := s.loadTicket(ctx, sess, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status == "CLOSED" {
		return nil, errConflict("TICKET_CLOSED", "This ticket is closed; open a new one instead")
	}

	message := store.TicketMessage{
		ID:         util.NewID("msg"),
		TicketID:   ticketID,
		AuthorID:   sess.UserID,
		AuthorName: sess.UserName,
		Body:       body,
		IsStaff:    sess.Role == platformAdmin && sess.UserID != ticket.UserID,
	}
	if err := s.store.InsertTicketMessage(ctx, message); err != nil {
		return nil, err
	}

	status := ticket.Status
	if message.IsStaff && ticket.Status == "OPEN" {
		status = "PENDING"
	} else if !message.IsStaff && ticket.Status == "PENDING" {
		status = "OPEN"
	}
	if status != ticket.Status {
		if _, err := s.store.UpdateTicketStatus(ctx, ticketID, status); err != nil {
			return nil, err
		}
	}

	s.search.IndexTicket(search.TicketRecord{
		ID:       ticket.ID,
		Subject:  ticket.Subject,
		Body:     body,
		Status:   status,
		EstateID: ticket.EstateID,
		UserID:   ticket.UserID,
	})

	if message.IsStaff && s.SMTPConfigured() {
		ticketURL := s.cfg.PublicURL + "/support/tickets/" + ticketID
		if err := s.notify.SendTicketReplyEmail(ticket.UserEmail, ticket.UserName, ticket.Subject, body, ticketURL); err != nil {
			s.logger.Warn("send ticket reply email", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	}

	payload := messagePayload(message)
	payload["ticketStatus"] = status
	return payload, nil
}

// SetTicketStatus moves a ticket. Admins may set any status; the opener
// may only resolve or close their own ticket.
func (s *Service) SetTicketStatus(ctx context.Context, sess Session, ticketID, status string) (map[string]any, error) {
	if !ticketStatuses[status] {
		return nil, errValidation("Status must be OPEN, PENDING, RESOLVED, or CLOSED", nil)
	}
	ticket, err := s.loadTicket(ctx, sess, ticketID)
	if err != nil {
		return nil, err
	}
	if sess.Role != platformAdmin && status != "RESOLVED" && status != "CLOSED" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only support staff can reopen tickets", nil)
	}

	updated, err := s.store.UpdateTicketStatus(ctx, ticketID, status)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errConflict("TICKET_GONE", "The ticket no longer exists")
	}

	s.audit(ctx, ticket.EstateID, sess, "ticket.status", "ticket", ticketID,
		map[string]any{"status": status})
	return map[string]any{"id": ticketID, "status": status}, nil
}

// loadTicket fetches a ticket the caller may see: its opener or any
// platform admin.
func (s *Service) loadTicket(ctx context.Context, sess Session, ticketID string) (store.Ticket, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return store.Ticket{}, err
	}
	if ticket.UserID != sess.UserID && sess.Role != platformAdmin {
		return store.Ticket{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return ticket, nil
}

func ticketPayload(t store.Ticket) map[string]any {
	return map[string]any{
		"id":        t.ID,
		"subject":   t.Subject,
		"status":    t.Status,
		"priority":  t.Priority,
		"userId":    t.UserID,
		"userName":  t.UserName,
		"createdAt": t.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func messagePayload(m store.TicketMessage) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"author":    m.AuthorName,
		"body":      m.Body,
		"isStaff":   m.IsStaff,
		"isAuto":    m.IsAuto,
		"createdAt": m.CreatedAt.UTC().Format(time.RFC3339),
	}
}
