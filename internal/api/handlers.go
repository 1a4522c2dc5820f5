package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/protocol"
)

type handlers struct {
	Deps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) listViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Views.List())
}

func (h *handlers) getView(w http.ResponseWriter, r *http.Request) {
	v, ok := h.Views.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, protocol.ErrUnknownView)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SnapshotOf(v))
}

type commandRequest struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func (h *handlers) postCommand(w http.ResponseWriter, r *http.Request) {
	v, ok := h.Views.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, protocol.ErrUnknownView)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := v.Do(r.Context(), req.Action, req.Args); err != nil {
		L(r.Context()).Debug("command failed", zap.String("action", req.Action), zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, protocol.ErrUnknownAction) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) resetSelections(w http.ResponseWriter, r *http.Request) {
	h.Selections.ResetAll()
	L(r.Context()).Info("selections reset", zap.Int("count", h.Selections.Len()))
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	Tables []string `json:"tables"`
}

// invalidate re-queries the clients reading the named tables, or every
// client when none are named.
func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	h.Coordinator.Invalidate(req.Tables...)
	w.WriteHeader(http.StatusAccepted)
}
