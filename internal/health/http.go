package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler serves liveness, readiness and the detailed report.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleSummary)
	mux.HandleFunc("GET /health/ready", h.handleReady)
	mux.HandleFunc("GET /health/live", h.handleLive)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

func (h *HTTPHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.Report(r.Context()).Overall
	h.write(w, statusCode(overall.Ready), overall)
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.Ready(r.Context())
	msg := "ready"
	if !ready {
		msg = "not ready"
	}
	h.write(w, statusCode(ready), map[string]interface{}{"status": msg, "ready": ready})
}

// handleLive answers as long as the process can serve HTTP.
func (h *HTTPHandler) handleLive(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{"status": "alive", "live": true})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	rep := h.manager.Report(r.Context())
	h.write(w, statusCode(rep.Overall.Ready), rep)
}

func statusCode(ready bool) int {
	if ready {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
