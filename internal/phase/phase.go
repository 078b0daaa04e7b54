// Package phase executes one pipeline phase: run every check to completion,
// evaluate the gate once over the full result set, and snapshot deployment
// state at boundaries.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/check"
	"github.com/fyrsmithlabs/gantry/internal/gate"
	"github.com/fyrsmithlabs/gantry/internal/logging"
	"github.com/fyrsmithlabs/gantry/internal/report"
	"github.com/fyrsmithlabs/gantry/internal/rollback"
)

const instrumentationName = "github.com/fyrsmithlabs/gantry/internal/phase"

// Definition describes one phase of a pipeline.
type Definition struct {
	// Name uniquely identifies the phase within its pipeline.
	Name string `json:"name" koanf:"name" toml:"name"`

	// Checks run concurrently; all of them run to completion before the
	// gate is evaluated.
	Checks []check.Definition `json:"checks" koanf:"checks" toml:"checks"`

	// Gate decides whether the pipeline advances past this phase.
	Gate gate.Policy `json:"gate" koanf:"gate" toml:"gate"`

	// Boundary marks a deployment boundary: a GO here records a
	// checkpoint before the pipeline advances.
	Boundary bool `json:"boundary,omitempty" koanf:"boundary" toml:"boundary"`
}

// Validate checks the phase definition.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("phase name is required")
	}
	if len(d.Checks) == 0 {
		return fmt.Errorf("phase %q has no checks", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Checks))
	for _, c := range d.Checks {
		if c.ID == "" {
			return fmt.Errorf("phase %q has a check with no id", d.Name)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("phase %q has duplicate check id %q", d.Name, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	if err := d.Gate.Validate(); err != nil {
		return fmt.Errorf("phase %q: %w", d.Name, err)
	}
	return nil
}

// ExecutorConfig configures phase execution.
type ExecutorConfig struct {
	// MaxConcurrentChecks caps check fan-out per phase. Zero means
	// unlimited.
	MaxConcurrentChecks int
}

// Executor runs phases.
type Executor struct {
	cfg       ExecutorConfig
	runner    *check.Runner
	evaluator *gate.Evaluator
	snapshots *rollback.Manager
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewExecutor creates a phase executor. The rollback manager may be nil when
// no deployment is configured; boundary phases then skip checkpointing.
func NewExecutor(cfg ExecutorConfig, runner *check.Runner, evaluator *gate.Evaluator, snapshots *rollback.Manager, logger *zap.Logger) (*Executor, error) {
	if runner == nil {
		return nil, errors.New("check runner is required")
	}
	if evaluator == nil {
		return nil, errors.New("gate evaluator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		runner:    runner,
		evaluator: evaluator,
		snapshots: snapshots,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// Execute runs the phase for a run: all checks concurrently to completion,
// one gate evaluation over the full result set, and on a boundary GO a
// checkpoint of deployment state. The returned checkpoint is nil unless the
// phase is a boundary that decided GO.
//
// Check failures never produce an error; only infrastructure faults of the
// executor itself (cancellation, approver failure, snapshot failure) do.
func (e *Executor) Execute(ctx context.Context, runID string, def Definition) (report.PhaseReport, *rollback.Checkpoint, error) {
	ctx = logging.WithPhase(ctx, def.Name)
	ctx, span := e.tracer.Start(ctx, "phase.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("phase", def.Name),
		attribute.Int("checks", len(def.Checks)),
		attribute.Bool("boundary", def.Boundary),
	)

	rep := report.PhaseReport{
		Phase:     def.Name,
		StartedAt: time.Now().UTC(),
	}

	e.logger.Info("phase started",
		zap.String("run_id", runID),
		zap.String("phase", def.Name),
		zap.Int("checks", len(def.Checks)))

	rep.Results = e.runChecks(ctx, def.Checks)

	if err := ctx.Err(); err != nil {
		rep.FinishedAt = time.Now().UTC()
		return rep, nil, fmt.Errorf("phase %s: %w", def.Name, err)
	}

	decision, err := e.evaluator.Evaluate(ctx, def.Name, def.Gate, rep.Results)
	if err != nil {
		rep.FinishedAt = time.Now().UTC()
		return rep, nil, fmt.Errorf("evaluating gate for phase %s: %w", def.Name, err)
	}

	rep.Verdict = decision.Verdict
	rep.Reason = decision.Reason
	rep.Overridden = decision.Overridden
	rep.TimedOut = decision.TimedOut
	rep.FinishedAt = time.Now().UTC()

	span.SetAttributes(attribute.String("verdict", string(decision.Verdict)))

	e.logger.Info("phase gate decided",
		zap.String("run_id", runID),
		zap.String("phase", def.Name),
		zap.String("verdict", string(decision.Verdict)),
		zap.String("reason", decision.Reason))

	if decision.Verdict != gate.VerdictGo || !def.Boundary || e.snapshots == nil {
		return rep, nil, nil
	}

	// Boundary GO: record a checkpoint before the pipeline advances. A
	// failed snapshot halts the run; advancing without a restorable
	// checkpoint would silently void the rollback guarantee.
	cp, err := e.snapshots.Snapshot(ctx, runID, def.Name)
	if err != nil {
		return rep, nil, fmt.Errorf("checkpointing at phase %s: %w", def.Name, err)
	}

	return rep, cp, nil
}

// runChecks fans the checks out and joins all results. There is no
// short-circuit: a failing check never cancels its siblings, so the gate and
// the report always see the complete picture.
func (e *Executor) runChecks(ctx context.Context, defs []check.Definition) []check.Result {
	results := make([]check.Result, len(defs))

	var sem chan struct{}
	if e.cfg.MaxConcurrentChecks > 0 {
		sem = make(chan struct{}, e.cfg.MaxConcurrentChecks)
	}

	var wg sync.WaitGroup
	for i, def := range defs {
		wg.Add(1)
		go func(i int, def check.Definition) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[i] = e.runner.Run(ctx, def)
		}(i, def)
	}
	wg.Wait()

	return results
}
