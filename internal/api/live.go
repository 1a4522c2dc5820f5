package api

import "net/http"

// listClients reports every client connected to the coordinator with its
// state and last statement.
func (h *handlers) listClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Coordinator.Registry().SnapshotView())
}
