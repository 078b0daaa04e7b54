// Package check executes externally-defined verifications and captures their
// outcomes. The runner never treats a failing check as a Go error: every
// failure mode, including invocation errors and timeouts, becomes a Result.
package check

import (
	"time"

	"github.com/fyrsmithlabs/gantry/internal/config"
)

// Outcome classifies a check result.
type Outcome string

const (
	// OutcomePass means the check ran and succeeded.
	OutcomePass Outcome = "pass"

	// OutcomeFail means the check ran to completion and reported failure.
	OutcomeFail Outcome = "fail"

	// OutcomeError means the check could not be executed (invocation error,
	// panic, cancellation). Logged distinctly from fail for triage.
	OutcomeError Outcome = "error"

	// OutcomeTimeout means the check exceeded its deadline and was
	// forcibly terminated. Distinct from fail so gates can treat
	// infrastructure flakiness differently from genuine failures.
	OutcomeTimeout Outcome = "timeout"
)

// Definition describes one verification to run.
type Definition struct {
	// ID uniquely identifies the check within its phase.
	ID string `json:"id" koanf:"id" toml:"id"`

	// Invocation describes how to run the check. The engine treats it as
	// opaque; the Invoker interprets it.
	Invocation Invocation `json:"invocation" koanf:"invocation" toml:"invocation"`

	// Required marks blocking checks. Advisory checks (required=false)
	// are recorded but never block a gate.
	Required bool `json:"required" koanf:"required" toml:"required"`

	// Weight is used by weighted-threshold gates. Zero defaults to 1.
	Weight float64 `json:"weight,omitempty" koanf:"weight" toml:"weight"`

	// Timeout bounds check execution. Zero falls back to the runner default.
	Timeout config.Duration `json:"timeout,omitempty" koanf:"timeout" toml:"timeout"`
}

// EffectiveWeight returns the gate weight, defaulting zero to 1.
func (d Definition) EffectiveWeight() float64 {
	if d.Weight == 0 {
		return 1
	}
	return d.Weight
}

// Invocation is the opaque descriptor handed to the Invoker.
type Invocation struct {
	// Kind selects the invoker behavior ("shell", "http", "func", ...).
	Kind string `json:"kind" koanf:"kind" toml:"kind"`

	// Spec carries kind-specific parameters (command line, probe URL, ...).
	Spec map[string]string `json:"spec,omitempty" koanf:"spec" toml:"spec"`
}

// Result captures the outcome of one check execution.
type Result struct {
	CheckID   string            `json:"check_id"`
	Outcome   Outcome           `json:"outcome"`
	Required  bool              `json:"required"`
	Weight    float64           `json:"weight"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Detail    string            `json:"detail,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Passing reports whether the check passed. Error and timeout outcomes are
// never passing.
func (r Result) Passing() bool {
	return r.Outcome == OutcomePass
}

// Infra reports whether the outcome indicates an infrastructure problem
// rather than a genuine check failure.
func (r Result) Infra() bool {
	return r.Outcome == OutcomeError || r.Outcome == OutcomeTimeout
}
