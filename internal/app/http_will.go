package app

import (
	"net/http"

	"heirloom/api/internal/rbac"
	"heirloom/api/internal/willdoc"
)

func (s *HTTPServer) handleWills(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	access, ok := s.resolveEstate(w, r, session)
	if !ok {
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListWills(r.Context(), access)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"wills": payload})
			return
		case http.MethodPost:
			if !s.service.Can(access.Role, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateWill(r.Context(), access, session, body.Title)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	willID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetWillDetail(r.Context(), access, willID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodPut:
			if !s.service.Can(access.Role, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body struct {
				Title   string          `json:"title"`
				Content willdoc.Content `json:"content"`
				Message string          `json:"message"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SaveWill(r.Context(), access, session, willID, body.Title, body.Content, body.Message)
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

	if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "versions" {
		payload, err := s.service.WillVersions(r.Context(), access, willID, 0)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": payload})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 5 && parts[3] == "versions" {
		payload, err := s.service.WillVersionContent(r.Context(), access, willID, parts[4])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "seal" {
		payload, err := s.service.SealWill(r.Context(), access, willID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "export" {
		result, err := s.service.ExportWill(r.Context(), access, session, willID,
			r.URL.Query().Get("format"), r.URL.Query().Get("version"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeBinary(w, result.Filename, result.MimeType, result.Data)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 {
		if !s.service.Can(access.Role, rbac.ActionManage) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		switch parts[3] {
		case "finalize":
			var body struct {
				SignedPlace string `json:"signedPlace"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.FinalizeWill(r.Context(), access, session, willID, body.SignedPlace)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "revise":
			payload, err := s.service.ReviseWill(r.Context(), access, session, willID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "revoke":
			payload, err := s.service.RevokeWill(r.Context(), access, session, willID)
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
