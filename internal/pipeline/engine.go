package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/config"
	"github.com/fyrsmithlabs/gantry/internal/events"
	"github.com/fyrsmithlabs/gantry/internal/gate"
	"github.com/fyrsmithlabs/gantry/internal/logging"
	"github.com/fyrsmithlabs/gantry/internal/phase"
	"github.com/fyrsmithlabs/gantry/internal/report"
	"github.com/fyrsmithlabs/gantry/internal/rollback"
)

const instrumentationName = "github.com/fyrsmithlabs/gantry/internal/pipeline"

// Engine drives pipeline runs through their lifecycle. All methods are safe
// for concurrent use.
type Engine struct {
	cfg        config.EngineConfig
	store      Store
	executor   *phase.Executor
	rollbacks  *rollback.Manager
	aggregator *report.Aggregator
	emitter    events.Emitter
	logger     *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	tracer      trace.Tracer
	meter       metric.Meter
	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram
}

// NewEngine creates a pipeline engine. The rollback manager may be nil when
// no deployment is configured; Rollback then fails with ErrNoDeployment.
func NewEngine(cfg config.EngineConfig, store Store, executor *phase.Executor, rollbacks *rollback.Manager, emitter events.Emitter, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if executor == nil {
		return nil, errors.New("phase executor is required")
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		executor:   executor,
		rollbacks:  rollbacks,
		aggregator: report.NewAggregator(),
		emitter:    emitter,
		logger:     logger,
		active:     make(map[string]context.CancelFunc),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Engine) initMetrics() {
	var err error

	e.runsTotal, err = e.meter.Int64Counter(
		"gantry.runs_total",
		metric.WithDescription("Total pipeline runs labeled by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn("failed to create runs counter", zap.Error(err))
	}

	e.runDuration, err = e.meter.Float64Histogram(
		"gantry.run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		e.logger.Warn("failed to create run duration histogram", zap.Error(err))
	}
}

// Start creates a run for the definition and executes it to a terminal or
// halted state. It blocks until the run completes, halts, or the context is
// cancelled, and returns the run report.
func (e *Engine) Start(ctx context.Context, def Definition) (*report.RunReport, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}

	def = e.applyGateDefaults(def)

	now := time.Now().UTC()
	run := &Run{
		ID:         uuid.New().String(),
		Definition: def,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}

	e.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("pipeline", def.Name),
		zap.Int("phases", len(def.Phases)),
		zap.Int("checks", def.checksTotal()))

	if err := run.transition(StatusRunning); err != nil {
		return nil, err
	}
	run.StartedAt = time.Now().UTC()
	if err := e.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}

	e.emit(ctx, events.Event{RunID: run.ID, Type: events.TypeRunStarted})

	return e.execute(ctx, run)
}

// Resume re-executes a halted run starting at the phase that halted. The
// halted phase runs again in full and gets a fresh report; prior reports are
// kept as history.
func (e *Engine) Resume(ctx context.Context, runID string) (*report.RunReport, error) {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := run.transition(StatusRunning); err != nil {
		return nil, err
	}
	run.FinishedAt = time.Time{}
	if err := e.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}

	e.logger.Info("run resumed",
		zap.String("run_id", run.ID),
		zap.Int("phase_index", run.CurrentIndex))

	return e.execute(ctx, run)
}

// Abort cancels an executing run. The run halts at its current phase; a
// gate that is mid-wait is released immediately.
func (e *Engine) Abort(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()

	if ok {
		e.logger.Info("run abort requested", zap.String("run_id", runID))
		cancel()
		return nil
	}

	// Not executing here: distinguish unknown runs from runs in a state
	// that cannot be aborted.
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot abort run in status %s", ErrInvalidTransition, run.Status)
}

// Rollback reverts a halted or completed run to its checkpoint and verifies
// the restore. On success the run becomes rolled_back. When verification
// fails the error wraps rollback.ErrIncomplete and the run status is
// unchanged; the attempt is still recorded on the run.
func (e *Engine) Rollback(ctx context.Context, runID string) (*report.RollbackReport, error) {
	if e.rollbacks == nil {
		return nil, ErrNoDeployment
	}

	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(run.Status, StatusRolledBack) {
		return nil, fmt.Errorf("%w: cannot roll back run in status %s", ErrInvalidTransition, run.Status)
	}
	if run.Checkpoint == nil {
		return nil, ErrNoCheckpoint
	}

	ctx = logging.WithRunID(ctx, run.ID)
	ctx, span := e.tracer.Start(ctx, "pipeline.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", run.ID))

	rep, rbErr := e.rollbacks.Rollback(ctx, run.Checkpoint)
	run.Rollback = &rep

	if rbErr != nil {
		// Status is intentionally unchanged: the system may be in a
		// partial state and the operator decides what happens next.
		run.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, run); err != nil {
			e.logger.Error("saving run after failed rollback", zap.Error(err))
		}
		return &rep, rbErr
	}

	if err := run.transition(StatusRolledBack); err != nil {
		return &rep, err
	}
	run.FinishedAt = time.Now().UTC()
	if err := e.store.Save(ctx, run); err != nil {
		return &rep, fmt.Errorf("saving run: %w", err)
	}

	e.emit(ctx, events.Event{RunID: run.ID, Type: events.TypeRunRolledBack, Phase: run.Checkpoint.Phase})
	e.count(ctx, string(StatusRolledBack))

	return &rep, nil
}

// Get returns the stored state of a run.
func (e *Engine) Get(ctx context.Context, runID string) (*Run, error) {
	return e.store.Get(ctx, runID)
}

// List returns all stored runs, newest first.
func (e *Engine) List(ctx context.Context) ([]*Run, error) {
	return e.store.List(ctx)
}

// Report assembles the run report for a run in any state.
func (e *Engine) Report(ctx context.Context, runID string) (*report.RunReport, error) {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.buildReport(run), nil
}

// execute drives the run forward from its current phase until a gate says
// NO_GO, a phase faults, the context is cancelled, or the last phase passes.
func (e *Engine) execute(ctx context.Context, run *Run) (*report.RunReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.active[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
	}()

	runCtx = logging.WithRunID(runCtx, run.ID)
	runCtx, span := e.tracer.Start(runCtx, "pipeline.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("pipeline", run.Definition.Name),
	)

	for i := run.CurrentIndex; i < len(run.Definition.Phases); i++ {
		run.CurrentIndex = i
		run.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, run); err != nil {
			return nil, fmt.Errorf("saving run: %w", err)
		}

		def := run.Definition.Phases[i]
		e.emit(ctx, events.Event{RunID: run.ID, Type: events.TypePhaseStarted, Phase: def.Name})

		phaseReport, cp, err := e.executor.Execute(runCtx, run.ID, def)
		run.History = append(run.History, phaseReport)

		if err != nil {
			return e.halt(ctx, run, def.Name, err.Error())
		}

		e.emit(ctx, events.Event{
			RunID:   run.ID,
			Type:    events.TypePhaseCompleted,
			Phase:   def.Name,
			Verdict: phaseReport.Verdict,
			Detail:  phaseReport.Reason,
		})

		if cp != nil {
			// A later boundary replaces the checkpoint: rollback
			// always targets the last known good state.
			run.Checkpoint = cp
			e.emit(ctx, events.Event{
				RunID:  run.ID,
				Type:   events.TypeCheckpointRecorded,
				Phase:  def.Name,
				Detail: cp.StateRef,
			})
		}

		if phaseReport.Verdict != gate.VerdictGo {
			return e.halt(ctx, run, def.Name, phaseReport.Reason)
		}
	}

	run.CurrentIndex = len(run.Definition.Phases)
	if err := run.transition(StatusCompleted); err != nil {
		return nil, err
	}
	run.FinishedAt = time.Now().UTC()
	if err := e.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}

	e.emit(ctx, events.Event{RunID: run.ID, Type: events.TypeRunCompleted})
	e.observe(ctx, run, string(StatusCompleted))

	e.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.String("pipeline", run.Definition.Name))

	return e.buildReport(run), nil
}

// halt marks the run halted and returns its report. Halts are data, not
// errors: the report carries the reason.
func (e *Engine) halt(ctx context.Context, run *Run, phaseName, reason string) (*report.RunReport, error) {
	if err := run.transition(StatusHalted); err != nil {
		return nil, err
	}
	run.FinishedAt = time.Now().UTC()
	if err := e.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}

	e.emit(ctx, events.Event{
		RunID:  run.ID,
		Type:   events.TypeRunHalted,
		Phase:  phaseName,
		Detail: reason,
	})
	e.observe(ctx, run, string(StatusHalted))

	e.logger.Warn("run halted",
		zap.String("run_id", run.ID),
		zap.String("phase", phaseName),
		zap.String("reason", reason))

	return e.buildReport(run), nil
}

// buildReport assembles and scores the report for the run's current state.
func (e *Engine) buildReport(run *Run) *report.RunReport {
	rep := &report.RunReport{
		RunID:      run.ID,
		Pipeline:   run.Definition.Name,
		Phases:     run.History,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}

	switch run.Status {
	case StatusCompleted:
		rep.Outcome = report.OutcomeCompleted
	case StatusRolledBack:
		rep.Outcome = report.OutcomeRolledBack
	default:
		rep.Outcome = report.OutcomeHalted
	}

	if run.Status == StatusHalted && run.CurrentIndex < len(run.Definition.Phases) {
		rep.HaltedPhase = run.Definition.Phases[run.CurrentIndex].Name
	}

	if run.Rollback != nil {
		rep.RollbackInvoked = true
		rep.Rollback = run.Rollback
	}

	e.aggregator.Finalize(rep)
	return rep
}

// applyGateDefaults fills manual-override wait bounds that the definition
// leaves open, from the pipeline default and then the per-kind engine
// setting.
func (e *Engine) applyGateDefaults(def Definition) Definition {
	fallback := def.OverrideTimeout
	if fallback.Duration() <= 0 {
		fallback = config.Duration(e.cfg.OverrideTimeoutFor(def.Kind))
	}
	if fallback.Duration() <= 0 {
		return def
	}

	phases := make([]phase.Definition, len(def.Phases))
	copy(phases, def.Phases)
	for i := range phases {
		if phases[i].Gate.Kind == gate.PolicyManualOverride && phases[i].Gate.OverrideTimeout.Duration() <= 0 {
			phases[i].Gate.OverrideTimeout = fallback
		}
	}
	def.Phases = phases
	return def
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	ev.At = time.Now().UTC()
	e.emitter.Emit(ctx, ev)
}

func (e *Engine) count(ctx context.Context, outcome string) {
	if e.runsTotal != nil {
		e.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (e *Engine) observe(ctx context.Context, run *Run, outcome string) {
	e.count(ctx, outcome)
	if e.runDuration != nil && !run.StartedAt.IsZero() {
		e.runDuration.Record(ctx, run.FinishedAt.Sub(run.StartedAt).Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
