package app

import (
	"net/http"

	"heirloom/api/internal/rbac"
)

func (s *HTTPServer) handleEstate(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	// Invite acceptance happens before the caller has any membership,
	// so it cannot go through estate resolution.
	if r.Method == http.MethodPost && len(parts) == 4 && parts[2] == "invites" && parts[3] == "accept" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AcceptInvite(r.Context(), session, body.Token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	access, ok := s.resolveEstate(w, r, session)
	if !ok {
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.EstateSummary(r.Context(), access)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodPut:
			if !s.service.Can(access.Role, rbac.ActionManage) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.RenameEstate(r.Context(), access, session, body.Name)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[2] {
	case "members":
		if r.Method == http.MethodGet && len(parts) == 3 {
			payload, err := s.service.ListMembers(r.Context(), access)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"members": payload})
			return
		}

		if !s.service.Can(access.Role, rbac.ActionManage) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "invite" {
			var body struct {
				Email string `json:"email"`
				Role  string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.InviteMember(r.Context(), access, session, body.Email, body.Role)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}

		if r.Method == http.MethodPut && len(parts) == 4 {
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.ChangeMemberRole(r.Context(), access, session, parts[3], body.Role)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 4 {
			if err := s.service.RemoveMember(r.Context(), access, session, parts[3]); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

	case "invites":
		if !s.service.Can(access.Role, rbac.ActionManage) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}

		if r.Method == http.MethodGet && len(parts) == 3 {
			payload, err := s.service.ListInvites(r.Context(), access)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"invites": payload})
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 4 {
			if err := s.service.RevokeInvite(r.Context(), access, session, parts[3]); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleContacts(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	access, ok := s.resolveEstate(w, r, session)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 {
		payload, err := s.service.ListContacts(r.Context(), access)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contacts": payload})
		return
	}

	// Everything past here mutates contacts.
	if !s.service.Can(access.Role, rbac.ActionWrite) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 {
		var body struct {
			Name     string `json:"name"`
			Email    string `json:"email"`
			Phone    string `json:"phone"`
			Relation string `json:"relation"`
			Tier     int    `json:"tier"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddContact(r.Context(), access, session, body.Name, body.Email, body.Phone, body.Relation, body.Tier)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPut && len(parts) == 3 {
		var body struct {
			Name     string `json:"name"`
			Phone    string `json:"phone"`
			Relation string `json:"relation"`
			Tier     int    `json:"tier"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateContact(r.Context(), access, session, parts[2], body.Name, body.Phone, body.Relation, body.Tier)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 {
		if err := s.service.DeleteContact(r.Context(), access, session, parts[2]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 5 && parts[3] == "verify" && parts[4] == "request" {
		payload, err := s.service.RequestContactVerify(r.Context(), access, session, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
