// Package pipeline orchestrates runs: ordered phases, gated transitions,
// abort, checkpointing, and rollback.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/gantry/internal/config"
	"github.com/fyrsmithlabs/gantry/internal/phase"
	"github.com/fyrsmithlabs/gantry/internal/report"
	"github.com/fyrsmithlabs/gantry/internal/rollback"
)

var (
	// ErrRunNotFound means the run id is unknown to the store.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidTransition means the requested operation is illegal for
	// the run's current status.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrNoCheckpoint means rollback was requested but the run never
	// passed a deployment boundary.
	ErrNoCheckpoint = errors.New("run has no checkpoint")

	// ErrNoDeployment means rollback was requested but no deployment
	// backend is configured.
	ErrNoDeployment = errors.New("no deployment configured")
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusPending means the run is created but not yet started.
	StatusPending Status = "pending"

	// StatusRunning means a phase is executing or a gate is waiting.
	StatusRunning Status = "running"

	// StatusCompleted means every phase gate decided GO.
	StatusCompleted Status = "completed"

	// StatusHalted means a gate decided NO_GO, a phase faulted, or the
	// run was aborted. Halted runs can be resumed or rolled back.
	StatusHalted Status = "halted"

	// StatusRolledBack means the run was reverted to its checkpoint.
	// Terminal.
	StatusRolledBack Status = "rolled_back"
)

// legalTransitions enumerates the status machine. Anything absent is
// illegal.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning},
	StatusRunning:   {StatusCompleted, StatusHalted},
	StatusHalted:    {StatusRunning, StatusRolledBack},
	StatusCompleted: {StatusRolledBack},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Definition describes a pipeline: an ordered list of phases.
type Definition struct {
	// Name identifies the pipeline.
	Name string `json:"name" koanf:"name" toml:"name"`

	// Kind classifies the pipeline (release, hotfix, ...) and selects
	// per-kind engine settings such as the manual-override timeout.
	Kind string `json:"kind,omitempty" koanf:"kind" toml:"kind"`

	// OverrideTimeout bounds manual-override waits for every gate in
	// this pipeline that does not set its own.
	OverrideTimeout config.Duration `json:"override_timeout,omitempty" koanf:"override_timeout" toml:"override_timeout"`

	// Phases execute in order. A NO_GO at any phase halts the run.
	Phases []phase.Definition `json:"phases" koanf:"phases" toml:"phases"`
}

// Validate checks the pipeline definition.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("pipeline name is required")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("pipeline %q has no phases", d.Name)
	}
	names := make(map[string]struct{}, len(d.Phases))
	checkIDs := make(map[string]string, 8)
	for _, p := range d.Phases {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pipeline %q: %w", d.Name, err)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("pipeline %q has duplicate phase %q", d.Name, p.Name)
		}
		names[p.Name] = struct{}{}
		for _, c := range p.Checks {
			if other, dup := checkIDs[c.ID]; dup {
				return fmt.Errorf("pipeline %q: check id %q appears in phases %q and %q",
					d.Name, c.ID, other, p.Name)
			}
			checkIDs[c.ID] = p.Name
		}
	}
	return nil
}

// Phase returns the phase at index i.
func (d Definition) Phase(i int) (phase.Definition, error) {
	if i < 0 || i >= len(d.Phases) {
		return phase.Definition{}, fmt.Errorf("phase index %d out of range [0,%d)", i, len(d.Phases))
	}
	return d.Phases[i], nil
}

// Run is the persistent record of one pipeline execution.
type Run struct {
	ID         string     `json:"id"`
	Definition Definition `json:"definition"`
	Status     Status     `json:"status"`

	// CurrentIndex is the phase to execute next (or the phase that
	// halted, when Status is halted).
	CurrentIndex int `json:"current_index"`

	// History accumulates one report per phase execution. Re-executed
	// phases append; earlier reports are never rewritten.
	History []report.PhaseReport `json:"history,omitempty"`

	// Checkpoint is the last known good state: the snapshot recorded at
	// the most recent boundary whose gate decided GO.
	Checkpoint *rollback.Checkpoint   `json:"checkpoint,omitempty"`
	Rollback   *report.RollbackReport `json:"rollback,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// transition applies a status change, enforcing legality.
func (r *Run) transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// checksTotal counts the checks declared across all phases.
func (d Definition) checksTotal() int {
	n := 0
	for _, p := range d.Phases {
		n += len(p.Checks)
	}
	return n
}
