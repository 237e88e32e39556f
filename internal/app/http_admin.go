package app

import "net/http"

// handleAdmin serves the platform admin surface. Estate roles do not
// apply here; the gate is the account-level admin role.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if session.Role != platformAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "summary" {
		payload, err := s.service.AdminSummary(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 3 && parts[2] == "backups" {
		s.handleAdminBackups(w, r, session, parts)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 5 && parts[2] == "switch" {
		estateID := parts[3]
		switch parts[4] {
		case "force-trigger":
			payload, err := s.service.ForceTriggerSwitch(r.Context(), session, estateID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "reset":
			payload, err := s.service.ResetTriggeredSwitch(r.Context(), session, estateID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAdminBackups(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method == http.MethodPost && len(parts) == 3 {
		var body struct {
			Note string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateBackup(r.Context(), session, body.Note)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 {
		payload, err := s.service.ListBackups(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": payload})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "verify" {
		payload, err := s.service.VerifyBackup(r.Context(), session, parts[3])
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
