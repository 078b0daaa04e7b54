package approval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gantry/internal/gate"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in      string
		want    gate.Verdict
		wantErr bool
	}{
		{"go", gate.VerdictGo, false},
		{"GO", gate.VerdictGo, false},
		{" approve ", gate.VerdictGo, false},
		{"yes", gate.VerdictGo, false},
		{"no_go", gate.VerdictNoGo, false},
		{"NO-GO", gate.VerdictNoGo, false},
		{"reject", gate.VerdictNoGo, false},
		{"maybe", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVerdict(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChanApprover(t *testing.T) {
	t.Run("reply delivered", func(t *testing.T) {
		a := NewChanApprover()

		go func() {
			req := <-a.Pending()
			assert.Equal(t, "deploy", req.Phase)
			req.Reply <- gate.VerdictGo
		}()

		v, err := a.Await(context.Background(), "deploy")
		require.NoError(t, err)
		assert.Equal(t, gate.VerdictGo, v)
	})

	t.Run("context cancellation unblocks", func(t *testing.T) {
		a := NewChanApprover()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := a.Await(ctx, "deploy")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("late reply does not block responder", func(t *testing.T) {
		a := NewChanApprover()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := a.Await(ctx, "deploy")
			assert.Error(t, err)
		}()

		req := <-a.Pending()
		cancel()
		<-done

		// Reply channel is buffered; this must not hang.
		req.Reply <- gate.VerdictNoGo
	})
}

func TestFileApprover(t *testing.T) {
	t.Run("rejects missing dir", func(t *testing.T) {
		_, err := NewFileApprover(filepath.Join(t.TempDir(), "nope"), nil)
		require.Error(t, err)
	})

	t.Run("pre-existing decision file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.decision"), []byte("go\n"), 0o600))

		a, err := NewFileApprover(dir, nil)
		require.NoError(t, err)

		v, err := a.Await(context.Background(), "deploy")
		require.NoError(t, err)
		assert.Equal(t, gate.VerdictGo, v)
	})

	t.Run("decision written during wait", func(t *testing.T) {
		dir := t.TempDir()
		a, err := NewFileApprover(dir, nil)
		require.NoError(t, err)

		type res struct {
			v   gate.Verdict
			err error
		}
		ch := make(chan res, 1)
		go func() {
			v, err := a.Await(context.Background(), "deploy")
			ch <- res{v, err}
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.decision"), []byte("no_go"), 0o600))

		select {
		case got := <-ch:
			require.NoError(t, got.err)
			assert.Equal(t, gate.VerdictNoGo, got.v)
		case <-time.After(5 * time.Second):
			t.Fatal("decision file not picked up")
		}
	})

	t.Run("context cancellation unblocks", func(t *testing.T) {
		a, err := NewFileApprover(t.TempDir(), nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = a.Await(ctx, "deploy")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("invalid decision content errors", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.decision"), []byte("shrug"), 0o600))

		a, err := NewFileApprover(dir, nil)
		require.NoError(t, err)

		_, err = a.Await(context.Background(), "deploy")
		require.Error(t, err)
	})
}
