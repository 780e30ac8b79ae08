package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/health"
)

// NewRouter assembles the public mux. Health and metrics stay outside
// authentication.
func NewRouter(api *Handler, streams *StreamingHandler, hh *health.HTTPHandler, jm *JWTManager, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	protected := http.NewServeMux()
	api.RegisterRoutes(protected)
	if streams != nil {
		streams.RegisterRoutes(protected)
	}

	root := http.NewServeMux()
	root.Handle("/v1/", Middleware(jm, logger, protected))
	if hh != nil {
		hh.RegisterRoutes(root)
	}
	root.Handle("GET /metrics", promhttp.Handler())
	return root
}
