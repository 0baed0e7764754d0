package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wharf/api/model"
)

// CreateServer handles POST /api/servers/{protocol}. The body carries
// the name and the protocol-specific section; creation either fully
// succeeds or is rolled back.
func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	protocol := model.Protocol(chi.URLParam(r, "protocol"))

	var req model.CreateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Protocol = protocol

	desc, err := h.manager.Create(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(desc)
}

func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleteData := r.URL.Query().Get("deleteData") == "true"

	if err := h.manager.Delete(r.Context(), name, deleteData); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted", "name": name})
}

func (h *Handler) StopServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.manager.Stop(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "stopped", "name": name})
}

func (h *Handler) StartServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.manager.Start(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "started", "name": name})
}

func (h *Handler) RestartServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.manager.Restart(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "restarting", "name": name})
}
