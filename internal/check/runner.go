package check

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/gantry/internal/check"

// Invoker executes the externally-defined verification described by a
// Definition. It is supplied by the embedding application.
//
// A returned error means the check could not be executed; a completed check
// that failed returns Raw{Passed: false} with a nil error.
type Invoker interface {
	Invoke(ctx context.Context, def Definition) (Raw, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, def Definition) (Raw, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, def Definition) (Raw, error) {
	return f(ctx, def)
}

// Raw is the untyped outcome an Invoker reports back to the runner.
type Raw struct {
	Passed bool
	Detail string
	Meta   map[string]string
}

// RunnerConfig configures the check runner.
type RunnerConfig struct {
	// DefaultTimeout applies when a Definition has no timeout.
	DefaultTimeout time.Duration

	// RateLimit throttles check launches per second. Zero disables it.
	RateLimit float64

	// RateBurst is the limiter burst size. Zero defaults to 1 when
	// RateLimit is set.
	RateBurst int
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		DefaultTimeout: 5 * time.Minute,
	}
}

// Runner executes checks one at a time, converting every failure mode into a
// Result. Run never returns an error and never panics outward.
type Runner struct {
	config  *RunnerConfig
	invoker Invoker
	limiter *rate.Limiter
	logger  *zap.Logger

	tracer     trace.Tracer
	meter      metric.Meter
	runCounter metric.Int64Counter
	runDur     metric.Float64Histogram
}

// NewRunner creates a check runner.
func NewRunner(cfg *RunnerConfig, invoker Invoker, logger *zap.Logger) (*Runner, error) {
	if cfg == nil {
		cfg = DefaultRunnerConfig()
	}
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("default timeout must be > 0, got %v", cfg.DefaultTimeout)
	}

	r := &Runner{
		config:  cfg,
		invoker: invoker,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	r.initMetrics()

	return r, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (r *Runner) initMetrics() {
	var err error

	r.runCounter, err = r.meter.Int64Counter(
		"gantry.check.runs_total",
		metric.WithDescription("Total check executions labeled by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		r.logger.Warn("failed to create run counter", zap.Error(err))
	}

	r.runDur, err = r.meter.Float64Histogram(
		"gantry.check.run_duration_seconds",
		metric.WithDescription("Check execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		r.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

// Run executes one check and returns its Result. All failures, including
// invoker errors, panics, and timeouts, are captured as the Result outcome.
func (r *Runner) Run(ctx context.Context, def Definition) Result {
	ctx, span := r.tracer.Start(ctx, "check.run")
	defer span.End()

	span.SetAttributes(
		attribute.String("check_id", def.ID),
		attribute.Bool("required", def.Required),
	)

	started := time.Now()
	result := Result{
		CheckID:   def.ID,
		Required:  def.Required,
		Weight:    def.EffectiveWeight(),
		StartedAt: started,
	}

	if def.ID == "" {
		result.Outcome = OutcomeError
		result.Detail = "check definition has no id"
		return r.finish(ctx, span, result, started)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			result.Outcome = OutcomeError
			result.Detail = fmt.Sprintf("rate limiter wait: %v", err)
			return r.finish(ctx, span, result, started)
		}
	}

	timeout := def.Timeout.Duration()
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Debug("check started",
		zap.String("check_id", def.ID),
		zap.String("kind", def.Invocation.Kind),
		zap.Duration("timeout", timeout),
	)

	raw, err := r.safeInvoke(runCtx, def)
	switch {
	case err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Outcome = OutcomeTimeout
		result.Detail = fmt.Sprintf("check exceeded %v timeout", timeout)
	case err != nil:
		result.Outcome = OutcomeError
		result.Detail = err.Error()
	case raw.Passed:
		result.Outcome = OutcomePass
		result.Detail = raw.Detail
		result.Meta = raw.Meta
	default:
		result.Outcome = OutcomeFail
		result.Detail = raw.Detail
		result.Meta = raw.Meta
	}

	return r.finish(ctx, span, result, started)
}

// safeInvoke calls the invoker, converting panics into errors.
func (r *Runner) safeInvoke(ctx context.Context, def Definition) (raw Raw, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("invoker panic: %v", rec)
		}
	}()
	return r.invoker.Invoke(ctx, def)
}

func (r *Runner) finish(ctx context.Context, span trace.Span, result Result, started time.Time) Result {
	result.Duration = time.Since(started)

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	if r.runCounter != nil {
		r.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(result.Outcome)),
		))
	}
	if r.runDur != nil {
		r.runDur.Record(ctx, result.Duration.Seconds(), metric.WithAttributes(
			attribute.String("outcome", string(result.Outcome)),
		))
	}

	r.logger.Info("check finished",
		zap.String("check_id", result.CheckID),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("duration", result.Duration),
	)

	return result
}
