package report

import "github.com/fyrsmithlabs/gantry/internal/gate"

// Risk weights. Advisory failures are cheap signal; a manual override means a
// human bypassed a gate; an invoked rollback means production state moved
// backwards. The score saturates at 1.
const (
	advisoryFailureWeight = 0.1
	manualOverrideWeight  = 0.3
	rollbackWeight        = 0.5
)

// Aggregator assembles run reports and scores them.
type Aggregator struct{}

// NewAggregator creates a report aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Finalize computes the risk score and seals the report.
func (a *Aggregator) Finalize(r *RunReport) {
	r.RiskScore = a.Score(r)
}

// Score computes the run risk score in [0, 1].
func (a *Aggregator) Score(r *RunReport) float64 {
	var score float64

	for _, p := range r.Phases {
		score += advisoryFailureWeight * float64(p.AdvisoryFailures())
	}

	for _, p := range r.Phases {
		if p.Overridden && p.Verdict == gate.VerdictGo {
			score += manualOverrideWeight
			break
		}
	}

	if r.RollbackInvoked {
		score += rollbackWeight
	}

	if score > 1 {
		score = 1
	}
	return score
}
