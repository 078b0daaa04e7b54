// Package events publishes run lifecycle events. Consumers subscribe per run
// (HTTP clients via SSE, external systems via NATS directly).
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/gate"
)

// Type identifies a run lifecycle event.
type Type string

const (
	TypeRunStarted         Type = "run_started"
	TypePhaseStarted       Type = "phase_started"
	TypePhaseCompleted     Type = "phase_completed"
	TypeCheckpointRecorded Type = "checkpoint_recorded"
	TypeRunCompleted       Type = "run_completed"
	TypeRunHalted          Type = "run_halted"
	TypeRunRolledBack      Type = "run_rolled_back"
)

// Terminal reports whether the event closes the run's event stream.
func (t Type) Terminal() bool {
	switch t {
	case TypeRunCompleted, TypeRunHalted, TypeRunRolledBack:
		return true
	}
	return false
}

// Event is one run lifecycle notification.
type Event struct {
	RunID   string       `json:"run_id"`
	Type    Type         `json:"type"`
	Phase   string       `json:"phase,omitempty"`
	Verdict gate.Verdict `json:"verdict,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	At      time.Time    `json:"at"`
}

// Emitter publishes run events. Emit must not block the run: slow or failing
// transports log and drop.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(context.Context, Event) {}

// LogEmitter writes events to the structured log. It is the default when no
// message bus is configured.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a log-backed emitter.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(_ context.Context, ev Event) {
	e.logger.Info("run event",
		zap.String("run_id", ev.RunID),
		zap.String("type", string(ev.Type)),
		zap.String("phase", ev.Phase),
		zap.String("verdict", string(ev.Verdict)),
	)
}

// Multi fans one event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}
