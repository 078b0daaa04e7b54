package invoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/gantry/internal/check"
)

// HTTPProbe runs checks as HTTP GET probes. The invocation spec must carry a
// "url" entry; "expect_status" optionally pins the expected status code
// (default: any 2xx passes).
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe creates a probe invoker. A nil client uses http.DefaultClient;
// the per-check timeout is enforced through the request context.
func NewHTTPProbe(client *http.Client) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{client: client}
}

// Invoke implements check.Invoker.
func (p *HTTPProbe) Invoke(ctx context.Context, def check.Definition) (check.Raw, error) {
	url := def.Invocation.Spec["url"]
	if url == "" {
		return check.Raw{}, errors.New("http invocation requires a 'url' spec entry")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return check.Raw{}, fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return check.Raw{}, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	passed := resp.StatusCode >= 200 && resp.StatusCode < 300
	if expect := def.Invocation.Spec["expect_status"]; expect != "" {
		want, err := strconv.Atoi(expect)
		if err != nil {
			return check.Raw{}, fmt.Errorf("invalid expect_status %q: %w", expect, err)
		}
		passed = resp.StatusCode == want
	}

	return check.Raw{
		Passed: passed,
		Detail: fmt.Sprintf("GET %s -> %s", url, resp.Status),
		Meta:   map[string]string{"status_code": strconv.Itoa(resp.StatusCode)},
	}, nil
}
