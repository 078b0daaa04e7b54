package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix roots all run event subjects.
const SubjectPrefix = "runs"

// Subject returns the NATS subject for one run and event type.
func Subject(runID string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, runID, t)
}

// RunSubjects returns the wildcard subject matching all events of one run.
func RunSubjects(runID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, runID)
}

// NATSEmitter publishes events to a NATS connection as JSON.
type NATSEmitter struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSEmitter creates a NATS-backed emitter.
func NewNATSEmitter(conn *nats.Conn, logger *zap.Logger) (*NATSEmitter, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSEmitter{conn: conn, logger: logger}, nil
}

// Emit implements Emitter. Publish failures are logged and dropped; event
// delivery never blocks or fails a run.
func (e *NATSEmitter) Emit(_ context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("marshaling event", zap.Error(err))
		return
	}
	if err := e.conn.Publish(Subject(ev.RunID, ev.Type), payload); err != nil {
		e.logger.Warn("publishing event",
			zap.String("run_id", ev.RunID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
