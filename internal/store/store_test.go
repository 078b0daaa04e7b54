package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gantry/internal/check"
	"github.com/fyrsmithlabs/gantry/internal/gate"
	"github.com/fyrsmithlabs/gantry/internal/phase"
	"github.com/fyrsmithlabs/gantry/internal/pipeline"
	"github.com/fyrsmithlabs/gantry/internal/report"
	"github.com/fyrsmithlabs/gantry/internal/rollback"
)

func sampleRun(id string, created time.Time) *pipeline.Run {
	return &pipeline.Run{
		ID:     id,
		Status: pipeline.StatusHalted,
		Definition: pipeline.Definition{
			Name: "release",
			Phases: []phase.Definition{
				{
					Name: "build",
					Checks: []check.Definition{
						{ID: "unit", Invocation: check.Invocation{Kind: "shell"}, Required: true},
					},
					Gate: gate.Policy{Kind: gate.PolicyStrictAll},
				},
			},
		},
		CurrentIndex: 0,
		History: []report.PhaseReport{
			{
				Phase:   "build",
				Verdict: gate.VerdictNoGo,
				Results: []check.Result{
					{CheckID: "unit", Outcome: check.OutcomeFail, Required: true, Weight: 1},
				},
			},
		},
		Checkpoint: &rollback.Checkpoint{
			ID:       "cp-1",
			RunID:    id,
			Phase:    "build",
			StateRef: "rev-42",
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// storeUnderTest runs the shared conformance checks against any backend.
func storeUnderTest(t *testing.T, s pipeline.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("get unknown run", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, pipeline.ErrRunNotFound)
	})

	t.Run("save and get round trip", func(t *testing.T) {
		run := sampleRun("run-a", base)
		require.NoError(t, s.Save(ctx, run))

		got, err := s.Get(ctx, "run-a")
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, pipeline.StatusHalted, got.Status)
		assert.Equal(t, "release", got.Definition.Name)
		require.Len(t, got.History, 1)
		assert.Equal(t, gate.VerdictNoGo, got.History[0].Verdict)
		require.NotNil(t, got.Checkpoint)
		assert.Equal(t, "rev-42", got.Checkpoint.StateRef)
	})

	t.Run("stored state is isolated from caller mutation", func(t *testing.T) {
		run := sampleRun("run-b", base)
		require.NoError(t, s.Save(ctx, run))

		run.Status = pipeline.StatusRolledBack
		run.History[0].Verdict = gate.VerdictGo

		got, err := s.Get(ctx, "run-b")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusHalted, got.Status)
		assert.Equal(t, gate.VerdictNoGo, got.History[0].Verdict)
	})

	t.Run("save overwrites", func(t *testing.T) {
		run := sampleRun("run-c", base)
		require.NoError(t, s.Save(ctx, run))

		run.Status = pipeline.StatusRolledBack
		require.NoError(t, s.Save(ctx, run))

		got, err := s.Get(ctx, "run-c")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusRolledBack, got.Status)
	})

	t.Run("list newest first", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, sampleRun("run-old", base.Add(-time.Hour))))
		require.NoError(t, s.Save(ctx, sampleRun("run-new", base.Add(time.Hour))))

		runs, err := s.List(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(runs), 2)
		assert.Equal(t, "run-new", runs[0].ID)
		assert.False(t, runs[len(runs)-1].CreatedAt.After(runs[0].CreatedAt))
	})
}

func TestMemory(t *testing.T) {
	storeUnderTest(t, NewMemory())
}

func TestFile(t *testing.T) {
	s, err := NewFile(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	storeUnderTest(t, s)
}

func TestFileSpecifics(t *testing.T) {
	t.Run("requires dir", func(t *testing.T) {
		_, err := NewFile("")
		require.Error(t, err)
	})

	t.Run("record file permissions", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFile(dir)
		require.NoError(t, err)

		require.NoError(t, s.Save(context.Background(), sampleRun("run-a", time.Now())))

		info, err := os.Stat(filepath.Join(dir, "run-a.json"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("rejects traversal ids", func(t *testing.T) {
		s, err := NewFile(t.TempDir())
		require.NoError(t, err)

		_, err = s.Get(context.Background(), "../etc/passwd")
		require.Error(t, err)
		assert.NotErrorIs(t, err, pipeline.ErrRunNotFound)
	})

	t.Run("records survive reopen", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFile(dir)
		require.NoError(t, err)
		require.NoError(t, s.Save(context.Background(), sampleRun("run-a", time.Now())))

		reopened, err := NewFile(dir)
		require.NoError(t, err)
		got, err := reopened.Get(context.Background(), "run-a")
		require.NoError(t, err)
		assert.Equal(t, "run-a", got.ID)
	})

	t.Run("ignores foreign files", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFile(dir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o600))
		require.NoError(t, s.Save(context.Background(), sampleRun("run-a", time.Now())))

		runs, err := s.List(context.Background())
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}
