package gate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apierrors "licenseplatform/internal/errors"
	"licenseplatform/internal/infrastructure"
	"licenseplatform/internal/ledger"
	"licenseplatform/internal/license"
)

// MaxInvalidTTL bounds how long a rejection is served from cache, so a
// replaced license file is picked up quickly.
const MaxInvalidTTL = time.Minute

// UsageRecorder receives one event per fresh evaluation.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, ev *ledger.UsageEvent) error
}

// Metrics holds the gate's OpenTelemetry instruments.
type Metrics struct {
	Decisions   metric.Int64Counter
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
}

// NewMetrics creates the gate instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(license.MeterName)
	}
	decisions, err := meter.Int64Counter(
		"license_gate_decisions_total",
		metric.WithDescription("Requests allowed or denied by the license gate"),
	)
	if err != nil {
		return nil, err
	}
	hits, err := meter.Int64Counter(
		"license_gate_cache_hits_total",
		metric.WithDescription("Gate decisions served from the cached outcome"),
	)
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter(
		"license_gate_cache_misses_total",
		metric.WithDescription("Gate decisions that required a fresh validation"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{Decisions: decisions, CacheHits: hits, CacheMisses: misses}, nil
}

// Gate guards protected routes with the outcome of the process license.
// Outcomes are cached; the source runs at most once per TTL.
type Gate struct {
	source   Source
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	recorder UsageRecorder

	mu       sync.RWMutex
	cached   *license.Outcome
	cachedAt time.Time

	refresh sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithMetrics enables gate metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithUsageRecorder records every fresh evaluation.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithTimeout bounds a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// New creates a gate over source. A zero ttl disables caching.
func New(source Source, ttl time.Duration, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With(slog.String("component", "license_gate")),
		tracer: otel.Tracer(license.TracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Current returns the cached outcome or evaluates the source. Concurrent
// callers share one evaluation.
func (g *Gate) Current(ctx context.Context) license.Outcome {
	if out, ok := g.fromCache(); ok {
		g.cacheResult(ctx, true)
		return out
	}

	g.refresh.Lock()
	defer g.refresh.Unlock()

	if out, ok := g.fromCache(); ok {
		g.cacheResult(ctx, true)
		return out
	}
	g.cacheResult(ctx, false)

	evalCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out := g.source.Evaluate(evalCtx)
	g.store(out)

	if g.recorder != nil {
		ev := ledger.UsageFromOutcome("gate", out, "", "")
		if err := g.recorder.RecordUsage(ctx, ev); err != nil {
			infrastructure.WithError(g.logger, err).WarnContext(ctx, "failed to record gate usage")
		}
	}
	return out
}

// Invalidate drops the cached outcome.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = nil
	g.cachedAt = time.Time{}
}

func (g *Gate) fromCache() (license.Outcome, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.cached == nil {
		return license.Outcome{}, false
	}
	ttl := g.ttl
	if !g.cached.Valid() && ttl > MaxInvalidTTL {
		ttl = MaxInvalidTTL
	}
	now := g.now()
	if now.Sub(g.cachedAt) >= ttl {
		return license.Outcome{}, false
	}
	// TemporalCheck would reject from this instant on.
	if g.cached.Valid() && now.UnixMilli() > g.cached.NotAfter {
		return license.Outcome{}, false
	}
	return *g.cached, true
}

// store caches out unless caching is off or the failure is transient.
func (g *Gate) store(out license.Outcome) {
	if g.ttl <= 0 || out.Kind == license.KindIO {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = &out
	g.cachedAt = g.now()
}

// Handler rejects requests with an RFC 7807 problem unless the license is
// valid. The outcome is attached to the request context.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := g.tracer.Start(r.Context(), "license.gate",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
			),
		)
		defer span.End()

		out := g.Current(ctx)
		ctx = infrastructure.WithLicenseID(ctx, out.LicenseID)
		span.SetAttributes(
			attribute.Bool("license.valid", out.Valid()),
			attribute.String("license.kind", out.Kind.String()),
		)
		g.decide(ctx, out.Valid(), r.URL.Path)

		if !out.Valid() {
			reqID := middleware.GetReqID(ctx)
			g.logger.WarnContext(ctx, "request blocked by license gate",
				slog.String("path", r.URL.Path),
				slog.String("kind", out.Kind.String()),
				slog.String("request_id", reqID),
			)
			problem := apierrors.LicenseProblem(out.Kind, r.URL.Path)
			if reqID != "" {
				problem.WithExtension("trace_id", reqID)
			}
			render.Render(w, r, problem)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOutcome(ctx, out)))
	})
}

// RequireFeature rejects requests whose license does not enable key. It
// must run behind Handler.
func (g *Gate) RequireFeature(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out, ok := OutcomeFromContext(r.Context())
			if !ok || !FeatureEnabled(out, key) {
				problem := apierrors.NewProblemDetails(
					http.StatusForbidden,
					apierrors.TypeForbidden,
					"Forbidden",
					"The license does not enable this feature",
					r.URL.Path,
				).WithExtension("feature", key)
				render.Render(w, r, problem)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gate) decide(ctx context.Context, allowed bool, path string) {
	if g.metrics == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	g.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("path", path),
	))
}

func (g *Gate) cacheResult(ctx context.Context, hit bool) {
	if g.metrics == nil {
		return
	}
	if hit {
		g.metrics.CacheHits.Add(ctx, 1)
	} else {
		g.metrics.CacheMisses.Add(ctx, 1)
	}
}

// FeatureEnabled reports whether a valid outcome switches key on.
func FeatureEnabled(out license.Outcome, key string) bool {
	return out.FeatureEnabled(key)
}

type outcomeKey struct{}

// WithOutcome attaches out to ctx.
func WithOutcome(ctx context.Context, out license.Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, out)
}

// OutcomeFromContext returns the outcome attached by the gate.
func OutcomeFromContext(ctx context.Context) (license.Outcome, bool) {
	out, ok := ctx.Value(outcomeKey{}).(license.Outcome)
	return out, ok
}
