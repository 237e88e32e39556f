package app

import (
	"io"
	"net/http"
	"strings"

	"heirloom/api/internal/rbac"
)

func (s *HTTPServer) handleVault(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	access, ok := s.resolveEstate(w, r, session)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 {
		payload, err := s.service.VaultStatus(r.Context(), access)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "setup" {
		if !s.service.Can(access.Role, rbac.ActionManage) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		payload, err := s.service.SetupVault(r.Context(), access, session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(parts) >= 3 && parts[2] == "documents" {
		s.handleVaultDocuments(w, r, session, access, parts)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[2] == "recovery" {
		var body struct {
			RecoveryCode string `json:"recoveryCode"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		switch parts[3] {
		case "verify":
			payload, err := s.service.VerifyRecoveryCode(r.Context(), access, session, body.RecoveryCode)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "rotate":
			if !s.service.Can(access.Role, rbac.ActionManage) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			payload, err := s.service.RotateRecoveryCode(r.Context(), access, session, body.RecoveryCode)
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

func (s *HTTPServer) handleVaultDocuments(w http.ResponseWriter, r *http.Request, session Session, access EstateAccess, parts []string) {
	if r.Method == http.MethodPost && len(parts) == 3 {
		if !s.service.Can(access.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		// A megabyte of slack on top of the document cap covers the
		// multipart framing.
		r.Body = http.MaxBytesReader(w, r.Body, MaxVaultDocumentBytes+(1<<20))
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Documents are limited to 25 MiB", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "A file part is required", nil)
			return
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read the uploaded file", nil)
			return
		}

		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			name = header.Filename
		}
		payload, err := s.service.UploadVaultDocument(r.Context(), access, session,
			name, r.FormValue("category"), header.Header.Get("Content-Type"), content)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 {
		payload, err := s.service.ListVaultDocuments(r.Context(), access)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": payload})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 {
		payload, err := s.service.GetVaultDocument(r.Context(), access, parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 5 && parts[4] == "content" {
		item, plain, err := s.service.DownloadVaultDocument(r.Context(), access, session,
			parts[3], r.Header.Get("X-Recovery-Code"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeBinary(w, item.Name, item.MimeType, plain)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 4 {
		if !s.service.Can(access.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		if err := s.service.DeleteVaultDocument(r.Context(), access, session, parts[3]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
