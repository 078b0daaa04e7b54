// Package approval provides manual gate approvers. An approver blocks until
// a human (or an external system acting for one) decides GO or NO_GO for a
// phase gate.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/gantry/internal/gate"
)

// Request is a pending manual decision.
type Request struct {
	Phase string
	// Reply receives exactly one verdict. Buffered so a late responder
	// never blocks after the wait has timed out.
	Reply chan gate.Verdict
}

// ChanApprover bridges gate waits to an in-process consumer, typically the
// HTTP API. Each Await publishes a Request on Pending and blocks on its
// reply channel.
type ChanApprover struct {
	pending chan Request
}

// NewChanApprover creates a channel-backed approver.
func NewChanApprover() *ChanApprover {
	return &ChanApprover{pending: make(chan Request, 16)}
}

// Pending exposes the stream of decisions awaiting input.
func (a *ChanApprover) Pending() <-chan Request {
	return a.pending
}

// Await implements gate.Approver.
func (a *ChanApprover) Await(ctx context.Context, phase string) (gate.Verdict, error) {
	req := Request{Phase: phase, Reply: make(chan gate.Verdict, 1)}

	select {
	case a.pending <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case v := <-req.Reply:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ParseVerdict normalizes user-supplied decision text.
func ParseVerdict(s string) (gate.Verdict, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GO", "APPROVE", "APPROVED", "YES":
		return gate.VerdictGo, nil
	case "NO_GO", "NO-GO", "REJECT", "REJECTED", "NO":
		return gate.VerdictNoGo, nil
	}
	return "", fmt.Errorf("invalid verdict %q", s)
}
