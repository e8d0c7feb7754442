package license

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage identifies a validation step. Stages run in declaration order.
type Stage int

const (
	StageNone Stage = iota
	StageSignature
	StageTemporal
	StageHardware
	StageFirstUse
	StageRollback
)

func (s Stage) String() string {
	switch s {
	case StageSignature:
		return "signature"
	case StageTemporal:
		return "temporal"
	case StageHardware:
		return "hardware"
	case StageFirstUse:
		return "first_use"
	case StageRollback:
		return "rollback"
	}
	return "none"
}

// Outcome is the immutable result of one validation call. The zero Kind
// means valid. Err carries the internal cause for logging only.
type Outcome struct {
	Kind      Kind
	Stage     Stage
	LicenseID string
	Features  map[string]bool
	CheckedAt int64
	// NotAfter is the license's expireDate on a valid outcome, zero
	// otherwise. A valid outcome must not be reused past it.
	NotAfter int64
	Err      error
}

// Valid reports whether every stage passed.
func (o Outcome) Valid() bool { return o.Kind == KindNone }

// Code returns the stable numeric code of the failure, or 0 when valid.
func (o Outcome) Code() int { return o.Kind.Code() }

// Message returns the user-visible description of the outcome.
func (o Outcome) Message() string {
	if o.Valid() {
		return "License is valid"
	}
	return o.Kind.Message()
}

// FeatureEnabled reports whether the validated license switches key on.
// It is always false for an invalid outcome.
func (o Outcome) FeatureEnabled(key string) bool {
	return o.Valid() && o.Features[key]
}

// CheckSignature verifies the record's signature against pub.
func CheckSignature(rec *Record, pub crypto.PublicKey) error {
	return VerifyRecord(rec, pub)
}

// CheckTemporal enforces issueDate <= now <= expireDate.
func CheckTemporal(rec *Record, now int64) error {
	if now < rec.IssueDate {
		return newError(KindNotYetValid, "temporal", fmt.Errorf("now %d before issue %d", now, rec.IssueDate))
	}
	if now > rec.ExpireDate {
		return newError(KindExpired, "temporal", fmt.Errorf("now %d after expiry %d", now, rec.ExpireDate))
	}
	return nil
}

// CheckHardware matches the current machine against the record's bindings.
func CheckHardware(rec *Record, current Machine) error {
	if err := CheckMode(rec.Mode); err != nil {
		return newError(KindEncoding, "hardware", err)
	}
	return MatchMachine(rec.BoundMachines, rec.Mode, current)
}

// CheckFirstUse validates the first-use anchor. The anchor is read from the
// signed file and never written back.
func CheckFirstUse(rec *Record, now int64) error {
	if rec.FirstUsedAt == nil {
		return newError(KindMissingFirstUse, "first use", nil)
	}
	first := *rec.FirstUsedAt
	if first < rec.IssueDate {
		return newError(KindFirstUseBeforeIssue, "first use", fmt.Errorf("first use %d before issue %d", first, rec.IssueDate))
	}
	if now < first {
		return newError(KindClockBeforeFirstUse, "first use", fmt.Errorf("now %d before first use %d", now, first))
	}
	return nil
}

// Validator runs the license pipeline. It holds only immutable collaborators;
// the rollback guard's file is the single piece of persisted state.
type Validator struct {
	publicKey crypto.PublicKey
	guard     *RollbackGuard
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

// ValidatorOption customizes a Validator.
type ValidatorOption func(*Validator)

// WithMetrics records pipeline metrics.
func WithMetrics(m *Metrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// WithLogger sets the validator logger.
func WithLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewValidator builds a validator for licenses signed by the holder of pub.
func NewValidator(pub crypto.PublicKey, guard *RollbackGuard, opts ...ValidatorOption) (*Validator, error) {
	if pub == nil {
		return nil, errors.New("public key is required")
	}
	if guard == nil {
		return nil, errors.New("rollback guard is required")
	}
	v := &Validator{
		publicKey: pub,
		guard:     guard,
		logger:    slog.Default(),
		tracer:    otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("component", "license_validator"))
	return v, nil
}

// Validate runs signature, temporal, hardware, first-use and rollback
// checks in that order and stops at the first failure. now is epoch
// milliseconds; current is the fingerprint of this host.
func (v *Validator) Validate(ctx context.Context, rec *Record, now int64, current Machine) Outcome {
	start := time.Now()
	ctx, span := v.tracer.Start(ctx, "license.validate",
		trace.WithAttributes(attribute.Int64("license.now", now)),
	)
	defer span.End()

	outcome := v.run(ctx, rec, now, current)
	outcome.CheckedAt = now

	span.SetAttributes(
		attribute.Bool("license.valid", outcome.Valid()),
		attribute.String("license.stage", outcome.Stage.String()),
	)
	if !outcome.Valid() {
		span.SetStatus(codes.Error, outcome.Kind.String())
	}
	v.metrics.recordValidation(ctx, outcome, time.Since(start).Seconds())

	if outcome.Valid() {
		v.logger.InfoContext(ctx, "license validated",
			slog.String("license_id", outcome.LicenseID),
			slog.Duration("duration", time.Since(start)),
		)
	} else {
		attrs := []any{
			slog.String("license_id", outcome.LicenseID),
			slog.String("stage", outcome.Stage.String()),
			slog.String("kind", outcome.Kind.String()),
			slog.Int("code", outcome.Code()),
		}
		if outcome.Err != nil {
			attrs = append(attrs, slog.String("error", outcome.Err.Error()))
		}
		v.logger.WarnContext(ctx, "license rejected", attrs...)
	}
	return outcome
}

func (v *Validator) run(ctx context.Context, rec *Record, now int64, current Machine) Outcome {
	if rec == nil {
		return failed(StageSignature, "", newError(KindEncoding, "validate", errors.New("nil record")))
	}
	id := rec.LicenseID

	stages := []struct {
		stage Stage
		check func() error
	}{
		{StageSignature, func() error { return CheckSignature(rec, v.publicKey) }},
		{StageTemporal, func() error { return CheckTemporal(rec, now) }},
		{StageHardware, func() error { return CheckHardware(rec, current) }},
		{StageFirstUse, func() error { return CheckFirstUse(rec, now) }},
		{StageRollback, func() error { return v.guard.Check(ctx, now) }},
	}
	for _, s := range stages {
		if err := s.check(); err != nil {
			return failed(s.stage, id, err)
		}
	}

	features := make(map[string]bool, len(rec.Features))
	for k, on := range rec.Features {
		features[k] = on
	}
	return Outcome{LicenseID: id, Features: features, NotAfter: rec.ExpireDate}
}

func failed(stage Stage, id string, err error) Outcome {
	return Outcome{Kind: KindOf(err), Stage: stage, LicenseID: id, Err: err}
}
