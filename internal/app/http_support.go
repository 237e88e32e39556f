package app

import "net/http"

func (s *HTTPServer) handleSupport(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) < 3 || parts[2] != "tickets" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 3 {
		// Tickets hang off an estate so support can see which plan the
		// question is about.
		access, ok := s.resolveEstate(w, r, session)
		if !ok {
			return
		}
		var body struct {
			Subject  string `json:"subject"`
			Body     string `json:"body"`
			Priority string `json:"priority"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateTicket(r.Context(), access, session, body.Subject, body.Body, body.Priority)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 {
		payload, err := s.service.ListTickets(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tickets": payload})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 {
		payload, err := s.service.GetTicket(r.Context(), session, parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "messages" {
		var body struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddTicketMessage(r.Context(), session, parts[3], body.Body)
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
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetTicketStatus(r.Context(), session, parts[3], body.Status)
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
