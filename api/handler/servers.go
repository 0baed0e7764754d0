package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wharf/api/model"
)

// ListServers returns the envelope from the last completed probe cycle
// plus snapshot metadata so callers can see staleness. Probing stays on
// the prober's own cadence; nothing is dialed per request.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	refreshedAt, lastErr := h.discovery.RefreshedAt()

	update, ok := h.prober.Latest()
	if !ok {
		// No cycle has finished yet. List what discovery has seen;
		// health fields stay empty until the first cycle lands.
		snapshot := h.discovery.Snapshot()
		statuses := make([]model.ServerStatus, 0, len(snapshot))
		for _, desc := range snapshot {
			statuses = append(statuses, model.ServerStatus{
				ServerDescriptor: desc,
				HealthMessage:    "not probed yet",
			})
		}
		update = model.NewStatusUpdate(statuses)
	}

	resp := map[string]interface{}{
		"update":      update,
		"refreshedAt": refreshedAt.UTC().Format(time.RFC3339),
	}
	if lastErr != nil {
		resp["stale"] = true
		resp["discoveryError"] = lastErr.Error()
	}
	writeJSON(w, resp)
}

func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, ok := h.discovery.GetServer(name)
	if !ok {
		writeError(w, &model.NotFoundError{Name: name})
		return
	}
	writeJSON(w, desc)
}

// CheckAvailability backs live name validation in the dashboard.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name query parameter required", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]interface{}{
		"name":      name,
		"available": h.manager.IsNameAvailable(name),
	})
}

// ListEndpoints serves the discovery-aggregate map.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		http.Error(w, "discovery aggregate not configured", http.StatusServiceUnavailable)
		return
	}
	endpoints, err := h.registry.Endpoints()
	if err != nil {
		writeError(w, &model.UnavailableError{Err: err})
		return
	}
	writeJSON(w, endpoints)
}

// Health reports liveness plus the state of the collaborators.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	refreshedAt, lastErr := h.discovery.RefreshedAt()

	checks := map[string]string{"discovery": "ok"}
	if lastErr != nil {
		checks["discovery"] = "stale: " + lastErr.Error()
	}
	if refreshedAt.IsZero() {
		checks["discovery"] = "no snapshot yet"
	}

	if h.registry != nil {
		checks["consul"] = "ok"
		if err := h.registry.Healthy(); err != nil {
			checks["consul"] = err.Error()
		}
	}

	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"checks": checks,
	})
}
