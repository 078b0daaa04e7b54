package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/check"
)

// Approver supplies manual gate decisions. Await blocks until a decision
// arrives or the context expires.
type Approver interface {
	Await(ctx context.Context, phase string) (Verdict, error)
}

// EvaluatorConfig holds gate evaluation settings.
type EvaluatorConfig struct {
	// DefaultOverrideTimeout bounds manual-override waits when the policy
	// does not set one.
	DefaultOverrideTimeout time.Duration
}

// DefaultEvaluatorConfig returns evaluator settings with sane defaults.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		DefaultOverrideTimeout: 15 * time.Minute,
	}
}

// Evaluator turns a phase's check results into a gate decision.
type Evaluator struct {
	cfg      EvaluatorConfig
	approver Approver
	logger   *zap.Logger
}

// NewEvaluator creates a gate evaluator. The approver may be nil, in which
// case manual-override gates always decide NO_GO.
func NewEvaluator(cfg EvaluatorConfig, approver Approver, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultOverrideTimeout <= 0 {
		cfg.DefaultOverrideTimeout = DefaultEvaluatorConfig().DefaultOverrideTimeout
	}
	return &Evaluator{cfg: cfg, approver: approver, logger: logger}
}

// Evaluate applies the policy to the results and returns a decision.
// Infrastructure outcomes (error, timeout) on required checks count as
// non-passing under every policy: the gate never advances on missing
// evidence.
func (e *Evaluator) Evaluate(ctx context.Context, phase string, policy Policy, results []check.Result) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	switch policy.Kind {
	case PolicyStrictAll:
		return e.strictAll(results), nil
	case PolicyWeightedThreshold:
		return e.weighted(policy, results), nil
	case PolicyManualOverride:
		return e.manual(ctx, phase, policy)
	}
	return Decision{}, fmt.Errorf("unknown gate policy kind %q", policy.Kind)
}

func (e *Evaluator) strictAll(results []check.Result) Decision {
	var blocking []string
	for _, r := range results {
		if r.Required && !r.Passing() {
			blocking = append(blocking, fmt.Sprintf("%s=%s", r.CheckID, r.Outcome))
		}
	}
	if len(blocking) > 0 {
		return Decision{
			Verdict: VerdictNoGo,
			Reason:  "required checks not passing: " + strings.Join(blocking, ", "),
		}
	}
	return Decision{Verdict: VerdictGo, Reason: "all required checks passed"}
}

func (e *Evaluator) weighted(policy Policy, results []check.Result) Decision {
	var sum float64
	var blocking []string
	for _, r := range results {
		if r.Required && !r.Passing() {
			sum += r.Weight
			blocking = append(blocking, fmt.Sprintf("%s=%s(w=%v)", r.CheckID, r.Outcome, r.Weight))
		}
	}
	if sum > policy.Threshold {
		return Decision{
			Verdict: VerdictNoGo,
			Reason: fmt.Sprintf("failed weight %v exceeds threshold %v: %s",
				sum, policy.Threshold, strings.Join(blocking, ", ")),
		}
	}
	reason := fmt.Sprintf("failed weight %v within threshold %v", sum, policy.Threshold)
	if len(blocking) == 0 {
		reason = "all required checks passed"
	}
	return Decision{Verdict: VerdictGo, Reason: reason}
}

func (e *Evaluator) manual(ctx context.Context, phase string, policy Policy) (Decision, error) {
	if e.approver == nil {
		return Decision{
			Verdict: VerdictNoGo,
			Reason:  "manual-override gate with no approver configured",
		}, nil
	}

	timeout := policy.OverrideTimeout.Duration()
	if timeout <= 0 {
		timeout = e.cfg.DefaultOverrideTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info("awaiting manual gate decision",
		zap.String("phase", phase),
		zap.Duration("timeout", timeout))

	verdict, err := e.approver.Await(waitCtx, phase)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Decision{
				Verdict:  VerdictNoGo,
				Reason:   fmt.Sprintf("manual decision not received within %s", timeout),
				TimedOut: true,
			}, nil
		}
		// Run-level cancellation or approver failure propagates.
		return Decision{}, fmt.Errorf("awaiting manual decision: %w", err)
	}

	if verdict != VerdictGo && verdict != VerdictNoGo {
		return Decision{}, fmt.Errorf("approver returned invalid verdict %q", verdict)
	}

	e.logger.Info("manual gate decision received",
		zap.String("phase", phase),
		zap.String("verdict", string(verdict)))

	return Decision{
		Verdict:    verdict,
		Reason:     "manual decision: " + string(verdict),
		Overridden: true,
	}, nil
}
