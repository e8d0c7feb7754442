package license

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// IDGenerator hands out license identifiers.
type IDGenerator interface {
	Next(ctx context.Context, projectID, customer string) (string, error)
}

// IssueRequest describes a license to be issued. Timestamps are epoch
// milliseconds.
type IssueRequest struct {
	ProjectID     string          `json:"projectId" validate:"required,max=64"`
	Customer      string          `json:"customer" validate:"required,max=128"`
	IssueDate     int64           `json:"issueDate" validate:"gt=0"`
	ExpireDate    int64           `json:"expireDate" validate:"gt=0,gtfield=IssueDate"`
	FirstUsedAt   *int64          `json:"firstUsedAt,omitempty" validate:"omitempty,gtefield=IssueDate"`
	Features      map[string]bool `json:"features,omitempty" validate:"omitempty,dive,keys,required,max=64,endkeys"`
	BoundMachines []Machine       `json:"boundMachines" validate:"required,min=1,dive"`
	Mode          string          `json:"mode" validate:"required,oneof=standalone cluster STANDALONE CLUSTER"`
}

// Issuer assigns IDs to requests and signs the resulting records.
type Issuer struct {
	ids      IDGenerator
	signer   crypto.Signer
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	fileMode os.FileMode
}

// NewIssuer creates an issuer. signer is shared read-only across calls.
func NewIssuer(ids IDGenerator, signer crypto.Signer, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		ids:      ids,
		signer:   signer,
		validate: NewRequestValidator(),
		logger:   logger.With(slog.String("component", "license_issuer")),
		tracer:   otel.Tracer(TracerName),
		fileMode: 0o644,
	}
}

// SetMetrics attaches metric instruments to the issuer.
func (i *Issuer) SetMetrics(m *Metrics) { i.metrics = m }

// NewRequestValidator returns a validator that reports JSON field names.
func NewRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks req without issuing anything.
func (i *Issuer) Validate(req *IssueRequest) error {
	if req == nil {
		return newError(KindEncoding, "issue", errors.New("nil request"))
	}
	if err := i.validate.Struct(req); err != nil {
		return newError(KindEncoding, "issue", err)
	}
	return nil
}

// Issue validates req, assigns a license ID and returns the signed record.
func (i *Issuer) Issue(ctx context.Context, req *IssueRequest) (rec *Record, err error) {
	ctx, span := i.tracer.Start(ctx, "license.issue")
	defer span.End()
	defer func() {
		i.metrics.recordIssue(ctx, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, KindOf(err).String())
		}
	}()

	if i.signer == nil {
		return nil, newError(KindSigning, "issue", errors.New("no signing key configured"))
	}
	if err := i.Validate(req); err != nil {
		return nil, err
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return nil, newError(KindEncoding, "issue", err)
	}

	id, err := i.ids.Next(ctx, req.ProjectID, req.Customer)
	if err != nil {
		return nil, newError(KindIO, "issue id", err)
	}

	rec = &Record{
		LicenseID:     id,
		ProjectID:     req.ProjectID,
		Customer:      req.Customer,
		IssueDate:     req.IssueDate,
		ExpireDate:    req.ExpireDate,
		BoundMachines: append([]Machine(nil), req.BoundMachines...),
		Mode:          mode,
	}
	if len(req.Features) > 0 {
		rec.Features = make(map[string]bool, len(req.Features))
		for k, v := range req.Features {
			rec.Features[k] = v
		}
	}
	if req.FirstUsedAt != nil {
		v := *req.FirstUsedAt
		rec.FirstUsedAt = &v
	}

	if err := SignRecord(rec, i.signer); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("license.id", id),
		attribute.String("license.mode", string(mode)),
		attribute.Int("license.machines", len(rec.BoundMachines)),
	)
	i.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", id),
		slog.String("project_id", rec.ProjectID),
		slog.String("mode", string(mode)),
		slog.Int("machines", len(rec.BoundMachines)),
	)
	return rec, nil
}

// WriteFile stores rec as <dir>/<licenseId>.lic and returns the path.
func (i *Issuer) WriteFile(dir string, rec *Record) (string, error) {
	if rec == nil || rec.LicenseID == "" {
		return "", newError(KindEncoding, "write", errors.New("record has no license id"))
	}
	if strings.ContainsAny(rec.LicenseID, `/\`) || rec.LicenseID == "." || rec.LicenseID == ".." {
		return "", newError(KindEncoding, "write", fmt.Errorf("license id %q is not a file name", rec.LicenseID))
	}
	data, err := MarshalFile(rec)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", newError(KindIO, "write", err)
	}

	path := filepath.Join(dir, rec.LicenseID+".lic")
	tmp, err := os.CreateTemp(dir, ".license-*")
	if err != nil {
		return "", newError(KindIO, "write", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", newError(KindIO, "write", err)
	}
	if err := tmp.Close(); err != nil {
		return "", newError(KindIO, "write", err)
	}
	if err := os.Chmod(tmpName, i.fileMode); err != nil {
		return "", newError(KindIO, "write", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", newError(KindIO, "write", err)
	}
	return path, nil
}
