// Package gate aggregates check results into a single GO/NO-GO verdict.
package gate

import (
	"fmt"

	"github.com/fyrsmithlabs/gantry/internal/config"
)

// Verdict is a gate decision.
type Verdict string

const (
	// VerdictGo allows the pipeline to advance past the gate.
	VerdictGo Verdict = "GO"

	// VerdictNoGo halts the pipeline at the gate.
	VerdictNoGo Verdict = "NO_GO"
)

// PolicyKind selects how check results aggregate into a verdict.
type PolicyKind string

const (
	// PolicyStrictAll blocks when any required check is not passing.
	// Advisory checks are recorded but never block.
	PolicyStrictAll PolicyKind = "strict-all"

	// PolicyWeightedThreshold blocks when the summed weight of
	// non-passing required checks exceeds the threshold. Supports soft
	// gates where one flaky low-weight check does not block.
	PolicyWeightedThreshold PolicyKind = "weighted-threshold"

	// PolicyManualOverride defers the verdict to an external approver.
	// The evaluator waits until the decision arrives or the wait times
	// out, which forces NO_GO.
	PolicyManualOverride PolicyKind = "manual-override"
)

// Policy configures a phase gate.
type Policy struct {
	Kind PolicyKind `json:"kind" koanf:"kind" toml:"kind"`

	// Threshold applies to weighted-threshold gates.
	Threshold float64 `json:"threshold,omitempty" koanf:"threshold" toml:"threshold"`

	// OverrideTimeout bounds the manual-override wait. Zero falls back
	// to the evaluator default.
	OverrideTimeout config.Duration `json:"override_timeout,omitempty" koanf:"override_timeout" toml:"override_timeout"`
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyStrictAll, PolicyManualOverride:
	case PolicyWeightedThreshold:
		if p.Threshold < 0 {
			return fmt.Errorf("threshold must be >= 0, got %v", p.Threshold)
		}
	default:
		return fmt.Errorf("unknown gate policy kind %q", p.Kind)
	}
	return nil
}

// Decision is the full gate outcome: the verdict plus how it was reached.
type Decision struct {
	Verdict Verdict `json:"verdict"`

	// Reason is a human-readable explanation, sufficient to reproduce the
	// decision without re-running the pipeline.
	Reason string `json:"reason,omitempty"`

	// Overridden marks verdicts supplied by a manual approver.
	Overridden bool `json:"overridden,omitempty"`

	// TimedOut marks a manual-override wait that expired without input.
	TimedOut bool `json:"timed_out,omitempty"`
}
