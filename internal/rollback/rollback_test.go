package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gantry/internal/check"
)

// fakeDeployment tracks state refs through snapshot/revert cycles.
type fakeDeployment struct {
	current     string
	snapshotErr error
	revertErr   error
	reverted    []string
}

func (f *fakeDeployment) Snapshot(ctx context.Context) (*Checkpoint, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return &Checkpoint{StateRef: f.current}, nil
}

func (f *fakeDeployment) Revert(ctx context.Context, cp *Checkpoint) error {
	if f.revertErr != nil {
		return f.revertErr
	}
	f.reverted = append(f.reverted, cp.StateRef)
	f.current = cp.StateRef
	return nil
}

func newRunner(t *testing.T, passed bool) *check.Runner {
	t.Helper()
	invoker := check.InvokerFunc(func(ctx context.Context, def check.Definition) (check.Raw, error) {
		return check.Raw{Passed: passed}, nil
	})
	r, err := check.NewRunner(nil, invoker, nil)
	require.NoError(t, err)
	return r
}

func verificationChecks() []check.Definition {
	return []check.Definition{
		{ID: "health", Invocation: check.Invocation{Kind: "func"}, Required: true},
	}
}

func TestSnapshot(t *testing.T) {
	dep := &fakeDeployment{current: "rev-42"}
	m, err := NewManager(dep, nil, nil, nil)
	require.NoError(t, err)

	cp, err := m.Snapshot(context.Background(), "run-1", "canary")
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "run-1", cp.RunID)
	assert.Equal(t, "canary", cp.Phase)
	assert.Equal(t, "rev-42", cp.StateRef)
	assert.False(t, cp.CreatedAt.IsZero())
}

func TestSnapshotError(t *testing.T) {
	dep := &fakeDeployment{snapshotErr: errors.New("backend down")}
	m, err := NewManager(dep, nil, nil, nil)
	require.NoError(t, err)

	_, err = m.Snapshot(context.Background(), "run-1", "canary")
	require.Error(t, err)
}

func TestRollbackVerified(t *testing.T) {
	dep := &fakeDeployment{current: "rev-43"}
	m, err := NewManager(dep, newRunner(t, true), verificationChecks(), nil)
	require.NoError(t, err)

	cp := &Checkpoint{ID: "cp-1", RunID: "run-1", Phase: "canary", StateRef: "rev-42"}
	rep, err := m.Rollback(context.Background(), cp)
	require.NoError(t, err)

	assert.True(t, rep.Reverted)
	assert.True(t, rep.Verified)
	assert.Len(t, rep.Verification, 1)
	assert.Equal(t, []string{"rev-42"}, dep.reverted)
	assert.Equal(t, "rev-42", dep.current)
}

func TestRollbackVerificationFails(t *testing.T) {
	dep := &fakeDeployment{current: "rev-43"}
	m, err := NewManager(dep, newRunner(t, false), verificationChecks(), nil)
	require.NoError(t, err)

	cp := &Checkpoint{ID: "cp-1", StateRef: "rev-42"}
	rep, err := m.Rollback(context.Background(), cp)
	require.ErrorIs(t, err, ErrIncomplete)

	// The revert happened; only verification failed.
	assert.True(t, rep.Reverted)
	assert.False(t, rep.Verified)
	assert.Len(t, rep.Verification, 1)
}

func TestRollbackRevertFails(t *testing.T) {
	dep := &fakeDeployment{revertErr: errors.New("permission denied")}
	m, err := NewManager(dep, newRunner(t, true), verificationChecks(), nil)
	require.NoError(t, err)

	cp := &Checkpoint{ID: "cp-1", StateRef: "rev-42"}
	rep, err := m.Rollback(context.Background(), cp)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncomplete)
	assert.False(t, rep.Reverted)
	assert.Empty(t, rep.Verification)
}

func TestRollbackNoVerificationChecks(t *testing.T) {
	dep := &fakeDeployment{}
	m, err := NewManager(dep, nil, nil, nil)
	require.NoError(t, err)

	rep, err := m.Rollback(context.Background(), &Checkpoint{ID: "cp-1", StateRef: "rev-42"})
	require.NoError(t, err)
	assert.True(t, rep.Reverted)
	assert.True(t, rep.Verified)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewManager(&fakeDeployment{}, nil, verificationChecks(), nil)
	require.Error(t, err)
}
