package http

import (
	"net/http"

	apierrors "licenseplatform/internal/errors"
)

// MetricsHandler serves the Prometheus exposition of the meter provider.
type MetricsHandler struct {
	exporter http.Handler
	errors   *apierrors.ErrorHandler
}

// NewMetricsHandler creates a new metrics handler. exporter is nil when the
// Prometheus exporter is disabled; the endpoint then answers 404.
func NewMetricsHandler(exporter http.Handler, errHandler *apierrors.ErrorHandler) *MetricsHandler {
	return &MetricsHandler{exporter: exporter, errors: errHandler}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		h.errors.NotFound(w, r)
		return
	}
	h.exporter.ServeHTTP(w, r)
}
