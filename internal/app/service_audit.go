package app

import (
	"context"
	"strings"
	"time"

	"heirloom/api/internal/rbac"
	"heirloom/api/internal/search"
)

// AuditEvents lists an estate's audit trail, newest first. Vault
// download entries are visible to the owner only; other members see
// everything else.
func (s *Service) AuditEvents(ctx context.Context, access EstateAccess, eventType string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	includeDownloads := access.Role == rbac.RoleOwner
	events, err := s.store.ListAuditEvents(ctx, access.EstateID, eventType, limit, includeDownloads)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		item := map[string]any{
			"id":        ev.ID,
			"type":      ev.EventType,
			"actorId":   ev.ActorID,
			"actorName": ev.ActorName,
			"at":        ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if ev.ResourceType != "" {
			item["resourceType"] = ev.ResourceType
			item["resourceId"] = ev.ResourceID
		}
		if ev.Payload != nil {
			item["payload"] = ev.Payload
		}
		items = append(items, item)
	}
	return items, nil
}

// SearchAll queries documents and tickets. Scope filters come from the
// session, never from the request: document hits stay inside the
// resolved estate, ticket hits belong to the caller unless they are a
// platform admin.
func (s *Service) SearchAll(ctx context.Context, access EstateAccess, sess Session, text, typeFilter string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, errValidation("Query is required", nil)
	}

	q := search.Query{
		Text:           text,
		FilterEstateID: access.EstateID,
		FilterUserID:   sess.UserID,
		Limit:          limit,
		Offset:         offset,
	}
	if sess.Role == platformAdmin {
		q.FilterUserID = ""
	}
	switch typeFilter {
	case "":
	case string(search.ResultDocument):
		q.FilterType = search.ResultDocument
	case string(search.ResultTicket):
		q.FilterType = search.ResultTicket
	default:
		return search.Response{}, errValidation("Type must be document or ticket", nil)
	}

	return s.search.Search(q), nil
}
