package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wharf/api/config"
	"wharf/api/discovery"
	"wharf/api/health"
	"wharf/api/manager"
	"wharf/api/model"
	"wharf/api/registry"
)

type Handler struct {
	cfg       *config.Config
	discovery *discovery.Discoverer
	manager   *manager.Manager
	prober    *health.Prober
	registry  *registry.Client // nil when Consul is not configured
}

func New(cfg *config.Config, disc *discovery.Discoverer, mgr *manager.Manager, prober *health.Prober, reg *registry.Client) *Handler {
	return &Handler{
		cfg:       cfg,
		discovery: disc,
		manager:   mgr,
		prober:    prober,
		registry:  reg,
	}
}

// ValidateServerName is middleware rejecting requests whose {name} URL
// parameter is not a plausible server name, before any cluster call.
func ValidateServerName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name != "" && !model.ValidServerName(name) {
			http.Error(w, "invalid server name", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation  *model.ValidationError
		conflict    *model.ConflictError
		notFound    *model.NotFoundError
		notDynamic  *model.NotDynamicError
		unavailable *model.UnavailableError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &notDynamic):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.As(err, &unavailable):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
