package handlers

import (
	"net/http"

	commonhttp "connector-hub/internal/common/http"
)

type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// HealthCheck reports whether the stores are reachable
// @Summary Health check
// @Description Pings the state and token stores
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Health(r.Context()); err != nil {
		h.logger.WithContext(r.Context()).Error("Store health check failed", err)
		commonhttp.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Store: "unreachable"})
		return
	}
	commonhttp.WriteJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Store: "ok"})
}
