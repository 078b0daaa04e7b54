// Package report defines the immutable run record: per-phase reports, the
// final run report with its risk score, and rollback reports. Reports are
// the audit trail; they are never rewritten once a phase or run finishes.
package report

import (
	"time"

	"github.com/fyrsmithlabs/gantry/internal/check"
	"github.com/fyrsmithlabs/gantry/internal/gate"
)

// RunOutcome is the terminal disposition of a run.
type RunOutcome string

const (
	// OutcomeCompleted means every phase gate decided GO.
	OutcomeCompleted RunOutcome = "completed"

	// OutcomeHalted means a gate decided NO_GO or the run was aborted.
	OutcomeHalted RunOutcome = "halted"

	// OutcomeRolledBack means the run was reverted to its checkpoint.
	OutcomeRolledBack RunOutcome = "rolled_back"
)

// PhaseReport records one execution of one phase. A phase re-executed after
// a halt gets a fresh report; earlier reports are preserved as history.
type PhaseReport struct {
	Phase      string         `json:"phase"`
	Results    []check.Result `json:"results"`
	Verdict    gate.Verdict   `json:"verdict"`
	Reason     string         `json:"reason,omitempty"`
	Overridden bool           `json:"overridden,omitempty"`
	TimedOut   bool           `json:"timed_out,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// AdvisoryFailures counts advisory checks that did not pass.
func (p PhaseReport) AdvisoryFailures() int {
	n := 0
	for _, r := range p.Results {
		if !r.Required && !r.Passing() {
			n++
		}
	}
	return n
}

// RollbackReport records one rollback attempt.
type RollbackReport struct {
	CheckpointID string         `json:"checkpoint_id"`
	Phase        string         `json:"phase"`
	StateRef     string         `json:"state_ref"`
	Reverted     bool           `json:"reverted"`
	Verification []check.Result `json:"verification,omitempty"`
	Verified     bool           `json:"verified"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// RunReport is the final record of a run.
type RunReport struct {
	RunID           string          `json:"run_id"`
	Pipeline        string          `json:"pipeline"`
	Outcome         RunOutcome      `json:"outcome"`
	Phases          []PhaseReport   `json:"phases"`
	HaltedPhase     string          `json:"halted_phase,omitempty"`
	RollbackInvoked bool            `json:"rollback_invoked"`
	Rollback        *RollbackReport `json:"rollback,omitempty"`
	RiskScore       float64         `json:"risk_score"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}
