// Package invoke provides ready-made check invokers: shell commands, HTTP
// probes, and in-process functions. The engine itself treats invocation
// descriptors as opaque; this package gives embedding applications batteries
// for the common cases.
package invoke

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/gantry/internal/check"
)

// Mux dispatches check invocations by Invocation.Kind.
type Mux struct {
	mu       sync.RWMutex
	invokers map[string]check.Invoker
}

// NewMux creates an empty invoker mux.
func NewMux() *Mux {
	return &Mux{invokers: make(map[string]check.Invoker)}
}

// NewDefaultMux creates a mux with the shell and http invokers registered.
func NewDefaultMux() *Mux {
	m := NewMux()
	m.Register("shell", NewShell())
	m.Register("http", NewHTTPProbe(nil))
	return m
}

// Register adds an invoker for a kind, replacing any previous registration.
func (m *Mux) Register(kind string, invoker check.Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invokers[kind] = invoker
}

// Invoke implements check.Invoker.
func (m *Mux) Invoke(ctx context.Context, def check.Definition) (check.Raw, error) {
	m.mu.RLock()
	invoker, ok := m.invokers[def.Invocation.Kind]
	m.mu.RUnlock()

	if !ok {
		return check.Raw{}, fmt.Errorf("no invoker registered for kind %q", def.Invocation.Kind)
	}
	return invoker.Invoke(ctx, def)
}

// Func adapts an in-process function to check.Invoker. Useful for embedding
// applications and tests.
type Func func(ctx context.Context, def check.Definition) (check.Raw, error)

// Invoke implements check.Invoker.
func (f Func) Invoke(ctx context.Context, def check.Definition) (check.Raw, error) {
	return f(ctx, def)
}
