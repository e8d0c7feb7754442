package http

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/render"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck probes one dependency. Nil means healthy.
type HealthCheck func(ctx context.Context) error

// ComponentHealth is the status of one checked dependency.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	License    *LicenseHealth             `json:"license,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// LicenseHealth summarizes the license the service runs under.
type LicenseHealth struct {
	Valid     bool   `json:"valid"`
	Code      int    `json:"code"`
	Kind      string `json:"kind"`
	LicenseID string `json:"licenseId,omitempty"`
}

// LicenseStatus reports the gated license of the process.
type LicenseStatus interface {
	Current(ctx context.Context) LicenseHealth
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	version string
	started time.Time
	checks  map[string]HealthCheck
	license LicenseStatus
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. status may be nil on
// hosts that do not run under a license.
func NewHealthHandler(version string, status LicenseStatus, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		version: version,
		started: time.Now(),
		checks:  make(map[string]HealthCheck),
		license: status,
		timeout: 2 * time.Second,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// AddCheck registers a dependency check under name. It is not safe to call
// once the handler serves requests.
func (h *HealthHandler) AddCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// HealthCheck handles GET /api/health. A failing dependency degrades the
// service; the status code stays 200 so the endpoint doubles as liveness.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.report(r.Context(), true))
}

// ReadinessCheck handles GET /api/health/ready
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	resp := h.report(r.Context(), false)
	if resp.Status != StatusHealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"version": h.version})
}

func (h *HealthHandler) report(ctx context.Context, withLicense bool) *HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp := &HealthResponse{
		Status:     StatusHealthy,
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: make(map[string]ComponentHealth, len(h.checks)),
		Timestamp:  time.Now().UTC(),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			resp.Components[name] = ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
			resp.Status = StatusDegraded
			continue
		}
		resp.Components[name] = ComponentHealth{Status: StatusHealthy}
	}

	if withLicense && h.license != nil {
		lic := h.license.Current(ctx)
		resp.License = &lic
	}
	return resp
}
