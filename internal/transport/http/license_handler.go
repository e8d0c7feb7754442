package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "licenseplatform/internal/errors"
	"licenseplatform/internal/infrastructure"
	"licenseplatform/internal/ledger"
	"licenseplatform/internal/license"
	customMiddleware "licenseplatform/internal/middleware"
)

const (
	// DefaultUsageLimit is the page size of the usage endpoint.
	DefaultUsageLimit = 50

	tracerName = "license-handler"
)

// IssueResponse is returned by POST /api/license/issue.
type IssueResponse struct {
	License   *license.Record `json:"license"`
	FilePath  string          `json:"filePath,omitempty"`
	TraceID   string          `json:"trace_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// VerifyResponse is returned by POST /api/license/verify. A rejected
// license is a successful call with valid set to false and the public
// error body in error.
type VerifyResponse struct {
	Valid     bool                 `json:"valid"`
	Code      int                  `json:"code"`
	Message   string               `json:"message"`
	Kind      string               `json:"kind"`
	Stage     string               `json:"stage"`
	LicenseID string               `json:"licenseId,omitempty"`
	Features  map[string]bool      `json:"features,omitempty"`
	CheckedAt int64                `json:"checkedAt"`
	Error     *license.ErrResponse `json:"error,omitempty"`
	TraceID   string               `json:"trace_id"`
	Timestamp time.Time            `json:"timestamp"`
}

// UsageResponse is returned by GET /api/license/usage/{licenseId}.
type UsageResponse struct {
	LicenseID string              `json:"licenseId"`
	Events    []ledger.UsageEvent `json:"events"`
	Count     int                 `json:"count"`
	TraceID   string              `json:"trace_id"`
	Timestamp time.Time           `json:"timestamp"`
}

// IssueRequestBody binds the JSON body of an issue request.
type IssueRequestBody struct {
	license.IssueRequest
}

// Bind implements render.Binder. Field validation happens in the issuer so
// the CLI and the API reject the same requests.
func (b *IssueRequestBody) Bind(r *http.Request) error {
	return nil
}

// LicenseHandler serves issuing, verification and usage history.
type LicenseHandler struct {
	issuer    LicenseIssuer
	verifier  LicenseVerifier
	probe     MachineProber
	ledger    LedgerStore
	outputDir string
	errors    *apierrors.ErrorHandler
	limits    *customMiddleware.QueryParamValidator
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// LicenseHandlerConfig collects the dependencies of a LicenseHandler.
// Issuer may be nil on hosts without signing keys; the issue route then
// answers 503. Ledger may be nil when the ledger is disabled.
type LicenseHandlerConfig struct {
	Issuer    LicenseIssuer
	Verifier  LicenseVerifier
	Probe     MachineProber
	Ledger    LedgerStore
	OutputDir string
	Errors    *apierrors.ErrorHandler
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(cfg LicenseHandlerConfig, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	errHandler := cfg.Errors
	if errHandler == nil {
		errHandler = apierrors.NewErrorHandler(logger, false)
	}
	return &LicenseHandler{
		issuer:    cfg.Issuer,
		verifier:  cfg.Verifier,
		probe:     cfg.Probe,
		ledger:    cfg.Ledger,
		outputDir: cfg.OutputDir,
		errors:    errHandler,
		limits:    customMiddleware.NewQueryParamValidator(logger, errHandler),
		logger:    logger.With(slog.String("handler", "license")),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// Routes returns the license routes, mounted under /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.ContentTypeValidator(h.errors, "application/json"))
		r.Post("/issue", h.Issue)
		r.Post("/verify", h.Verify)
	})
	r.Get("/usage/{licenseId}", h.Usage)
	return r
}

// Issue handles POST /api/license/issue
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.issue",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/issue"),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	if h.issuer == nil {
		h.errors.HandleError(w, r, apierrors.NewWithDetails(
			http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE",
			"License issuing is not configured on this host",
			nil,
		))
		return
	}

	body := &IssueRequestBody{}
	if err := render.Bind(r, body); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	rec, err := h.issuer.Issue(ctx, &body.IssueRequest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, license.KindOf(err).String())
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			h.errors.HandleError(w, r, apierrors.FromValidation(verrs))
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}

	resp := &IssueResponse{
		License:   rec,
		TraceID:   traceID(ctx),
		Timestamp: h.now().UTC(),
	}
	if h.outputDir != "" {
		path, err := h.issuer.WriteFile(h.outputDir, rec)
		if err != nil {
			span.RecordError(err)
			h.errors.HandleError(w, r, err)
			return
		}
		resp.FilePath = path
	}
	if h.ledger != nil {
		if err := h.ledger.RecordIssued(ctx, rec, resp.FilePath); err != nil {
			// The license is signed and written; a ledger failure is not
			// a reason to withhold it.
			h.logger.ErrorContext(ctx, "failed to record issued license",
				slog.String("license_id", rec.LicenseID),
				slog.String("error", err.Error()),
			)
		}
	}

	span.SetAttributes(attribute.String("license.id", rec.LicenseID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// Verify handles POST /api/license/verify
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/verify"),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.errors.HandleError(w, r, apierrors.ErrPayloadTooLarge)
			return
		}
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	now := h.now().UnixMilli()
	var out license.Outcome
	rec, err := license.ParseRecord(data)
	if err != nil {
		out = license.Outcome{Kind: license.KindOf(err), CheckedAt: now, Err: err}
	} else {
		out = h.verifier.Validate(ctx, rec, now, h.probe.Current())
	}

	span.SetAttributes(
		attribute.Bool("license.valid", out.Valid()),
		attribute.String("license.kind", out.Kind.String()),
		attribute.String("license.id", out.LicenseID),
	)
	if out.Err != nil {
		h.logger.InfoContext(ctx, "license verification rejected",
			slog.String("license_id", out.LicenseID),
			slog.String("kind", out.Kind.String()),
			slog.String("stage", out.Stage.String()),
			slog.String("error", out.Err.Error()),
		)
	}

	if h.ledger != nil && out.LicenseID != "" {
		ev := ledger.UsageFromOutcome("verify", out, r.RemoteAddr, r.UserAgent())
		if err := h.ledger.RecordUsage(ctx, ev); err != nil {
			h.logger.ErrorContext(ctx, "failed to record license usage",
				slog.String("license_id", out.LicenseID),
				slog.String("error", err.Error()),
			)
		}
	}

	resp := &VerifyResponse{
		Valid:     out.Valid(),
		Code:      out.Code(),
		Message:   out.Message(),
		Kind:      out.Kind.String(),
		Stage:     out.Stage.String(),
		LicenseID: out.LicenseID,
		Features:  out.Features,
		CheckedAt: out.CheckedAt,
		TraceID:   traceID(ctx),
		Timestamp: h.now().UTC(),
	}
	if !out.Valid() {
		resp.Error = license.NewErrResponse(out.Kind)
	}
	render.JSON(w, r, resp)
}

// Usage handles GET /api/license/usage/{licenseId}
func (h *LicenseHandler) Usage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		h.errors.HandleError(w, r, apierrors.NewWithDetails(
			http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE",
			"The license ledger is disabled",
			nil,
		))
		return
	}

	licenseID := chi.URLParam(r, "licenseId")
	limit, ok := h.limits.ValidateInt(w, r, "limit", 1, ledger.MaxUsageLimit, DefaultUsageLimit)
	if !ok {
		return
	}

	events, err := h.ledger.RecentUsage(ctx, licenseID, limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if events == nil {
		events = []ledger.UsageEvent{}
	}
	render.JSON(w, r, &UsageResponse{
		LicenseID: licenseID,
		Events:    events,
		Count:     len(events),
		TraceID:   traceID(ctx),
		Timestamp: h.now().UTC(),
	})
}

// traceID returns the OpenTelemetry trace ID, or the request ID when no
// span is recording.
func traceID(ctx context.Context) string {
	if id := infrastructure.TraceIDFromContext(ctx); id != "" {
		return id
	}
	return customMiddleware.GetRequestID(ctx)
}
