package httpapi

import (
	"net/http"

	"kasirinaja/settlement/internal/domain"
)

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.OpenSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	session, err := a.service.Cash.OpenSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleSessionActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	session, err := a.service.Cash.ActiveSession(r.Context(), q.Get("store_id"), q.Get("counter_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	session, err := a.service.Cash.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.Cash.SessionSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSessionTransactions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		txs, err := a.service.Cash.ListTransactions(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
	case http.MethodPost:
		var req domain.AddCashTransactionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeServiceError(w, err)
			return
		}
		tx, session, err := a.service.Cash.AddTransaction(r.Context(), sessionID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx, "session": session})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CloseSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	session, err := a.service.Cash.CloseSession(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleSessionRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	result, err := a.service.Cash.RebuildExpectedBalance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSessionNote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SessionNoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	session, err := a.service.Cash.UpdateNote(r.Context(), r.PathValue("id"), req.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
