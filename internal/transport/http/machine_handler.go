package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"licenseplatform/internal/license"
)

// MachineInfoResponse is returned by GET /api/machine/info.
type MachineInfoResponse struct {
	Machine   license.Machine `json:"machine"`
	TraceID   string          `json:"trace_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// MachineHandler exposes the fingerprint of this host, which customers send
// in with their license request.
type MachineHandler struct {
	probe  MachineProber
	logger *slog.Logger
}

// NewMachineHandler creates a new machine handler
func NewMachineHandler(probe MachineProber, logger *slog.Logger) *MachineHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MachineHandler{
		probe:  probe,
		logger: logger.With(slog.String("handler", "machine")),
	}
}

// Info handles GET /api/machine/info
func (h *MachineHandler) Info(w http.ResponseWriter, r *http.Request) {
	m := h.probe.Current()
	if m.MacAddress == "" && m.CPUSerial == "" && m.MainBoardSerial == "" {
		h.logger.WarnContext(r.Context(), "machine fingerprint is empty")
	}
	render.JSON(w, r, &MachineInfoResponse{
		Machine:   m,
		TraceID:   traceID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}
