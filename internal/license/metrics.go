package license

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license-core"
	MeterName  = "license-core"
)

// Metrics holds the license OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ValidationAttempts metric.Int64Counter
	ValidationSuccess  metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	LicensesIssued     metric.Int64Counter
	IssueFailures      metric.Int64Counter
}

// InitializeMetrics creates all license instruments on meter. A nil meter
// uses the global meter provider.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &Metrics{}

	var err error
	m.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	m.ValidationSuccess, err = meter.Int64Counter(
		"license_validation_success_total",
		metric.WithDescription("Total number of successful license validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation success counter: %w", err)
	}

	m.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Total number of failed license validations by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.LicensesIssued, err = meter.Int64Counter(
		"license_issued_total",
		metric.WithDescription("Total number of licenses signed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issued counter: %w", err)
	}

	m.IssueFailures, err = meter.Int64Counter(
		"license_issue_failures_total",
		metric.WithDescription("Total number of failed license issue attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue failures counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordValidation(ctx context.Context, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.ValidationAttempts.Add(ctx, 1)
	m.ValidationDuration.Record(ctx, seconds)
	if outcome.Valid() {
		m.ValidationSuccess.Add(ctx, 1)
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", outcome.Kind.String()),
		attribute.String("stage", outcome.Stage.String()),
	))
}

func (m *Metrics) recordIssue(ctx context.Context, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.IssueFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", KindOf(err).String())))
		return
	}
	m.LicensesIssued.Add(ctx, 1)
}
