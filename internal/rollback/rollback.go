// Package rollback restores deployment state to a recorded checkpoint and
// verifies the restore took effect.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/check"
	"github.com/fyrsmithlabs/gantry/internal/report"
)

const instrumentationName = "github.com/fyrsmithlabs/gantry/internal/rollback"

// ErrIncomplete means the revert ran but verification could not confirm the
// restored state. The system may be in a partial state; operator attention
// is required.
var ErrIncomplete = errors.New("rollback incomplete: restored state not verified")

// Checkpoint is a restorable snapshot of deployment state, recorded at a
// deployment boundary after its gate decided GO.
type Checkpoint struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Phase     string            `json:"phase"`
	StateRef  string            `json:"state_ref"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Deployment abstracts the system whose state the pipeline mutates. Snapshot
// captures a restorable reference; Revert restores it.
type Deployment interface {
	Snapshot(ctx context.Context) (*Checkpoint, error)
	Revert(ctx context.Context, cp *Checkpoint) error
}

// Manager performs verified rollbacks against a Deployment.
type Manager struct {
	deployment   Deployment
	runner       *check.Runner
	verification []check.Definition
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewManager creates a rollback manager. The verification checks run after
// every revert; an empty set means the revert is trusted as-is.
func NewManager(deployment Deployment, runner *check.Runner, verification []check.Definition, logger *zap.Logger) (*Manager, error) {
	if deployment == nil {
		return nil, errors.New("deployment is required")
	}
	if runner == nil && len(verification) > 0 {
		return nil, errors.New("runner is required when verification checks are set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		deployment:   deployment,
		runner:       runner,
		verification: verification,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
	}, nil
}

// Snapshot records a checkpoint for the given run and phase.
func (m *Manager) Snapshot(ctx context.Context, runID, phase string) (*Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "rollback.snapshot")
	defer span.End()

	cp, err := m.deployment.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotting deployment state: %w", err)
	}
	cp.ID = uuid.New().String()
	cp.RunID = runID
	cp.Phase = phase
	cp.CreatedAt = time.Now().UTC()

	span.SetAttributes(
		attribute.String("checkpoint_id", cp.ID),
		attribute.String("phase", phase),
	)

	m.logger.Info("checkpoint recorded",
		zap.String("checkpoint_id", cp.ID),
		zap.String("run_id", runID),
		zap.String("phase", phase),
		zap.String("state_ref", cp.StateRef))

	return cp, nil
}

// Rollback reverts to the checkpoint and verifies the result. The returned
// report is populated even when the error is non-nil. A failed verification
// returns ErrIncomplete; the revert itself may have partially applied.
func (m *Manager) Rollback(ctx context.Context, cp *Checkpoint) (report.RollbackReport, error) {
	ctx, span := m.tracer.Start(ctx, "rollback.rollback")
	defer span.End()

	rep := report.RollbackReport{
		CheckpointID: cp.ID,
		Phase:        cp.Phase,
		StateRef:     cp.StateRef,
		StartedAt:    time.Now().UTC(),
	}
	defer func() { rep.FinishedAt = time.Now().UTC() }()

	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))

	m.logger.Info("rollback started",
		zap.String("checkpoint_id", cp.ID),
		zap.String("run_id", cp.RunID),
		zap.String("state_ref", cp.StateRef))

	if err := m.deployment.Revert(ctx, cp); err != nil {
		m.logger.Error("revert failed", zap.Error(err))
		return rep, fmt.Errorf("reverting to checkpoint %s: %w", cp.ID, err)
	}
	rep.Reverted = true

	rep.Verification = make([]check.Result, 0, len(m.verification))
	verified := true
	for _, def := range m.verification {
		res := m.runner.Run(ctx, def)
		rep.Verification = append(rep.Verification, res)
		if !res.Passing() {
			verified = false
		}
	}
	rep.Verified = verified

	if !verified {
		m.logger.Error("rollback verification failed",
			zap.String("checkpoint_id", cp.ID))
		return rep, ErrIncomplete
	}

	m.logger.Info("rollback verified",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("verification_checks", len(rep.Verification)))

	return rep, nil
}
