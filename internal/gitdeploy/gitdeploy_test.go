package gitdeploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gantry/internal/rollback"
)

// initRepo creates a repository with one initial commit and returns its path.
func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	commitFile(t, repo, dir, "VERSION", "1.0.0")
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)

	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestNew(t *testing.T) {
	t.Run("valid repository", func(t *testing.T) {
		dir, _ := initRepo(t)
		_, err := New(dir, nil)
		require.NoError(t, err)
	})

	t.Run("not a repository", func(t *testing.T) {
		_, err := New(t.TempDir(), nil)
		require.Error(t, err)
	})
}

func TestSnapshot(t *testing.T) {
	dir, repo := initRepo(t)
	d, err := New(dir, nil)
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)

	cp, err := d.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, head.Hash().String(), cp.StateRef)
	assert.Equal(t, "master", cp.Meta["branch"])
	assert.Equal(t, dir, cp.Meta["repository"])
}

func TestRevert(t *testing.T) {
	dir, repo := initRepo(t)
	d, err := New(dir, nil)
	require.NoError(t, err)

	cp, err := d.Snapshot(context.Background())
	require.NoError(t, err)

	// Move the deployment forward, then roll it back.
	commitFile(t, repo, dir, "VERSION", "2.0.0")

	data, err := os.ReadFile(filepath.Join(dir, "VERSION"))
	require.NoError(t, err)
	require.Equal(t, "2.0.0", string(data))

	require.NoError(t, d.Revert(context.Background(), cp))

	data, err = os.ReadFile(filepath.Join(dir, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(data))

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, cp.StateRef, head.Hash().String())
}

func TestRevertDiscardsUncommittedChanges(t *testing.T) {
	dir, _ := initRepo(t)
	d, err := New(dir, nil)
	require.NoError(t, err)

	cp, err := d.Snapshot(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "VERSION"), []byte("dirty"), 0o600))
	require.NoError(t, d.Revert(context.Background(), cp))

	data, err := os.ReadFile(filepath.Join(dir, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(data))
}

func TestRevertErrors(t *testing.T) {
	dir, _ := initRepo(t)
	d, err := New(dir, nil)
	require.NoError(t, err)

	t.Run("nil checkpoint", func(t *testing.T) {
		require.Error(t, d.Revert(context.Background(), nil))
	})

	t.Run("empty state ref", func(t *testing.T) {
		require.Error(t, d.Revert(context.Background(), &rollback.Checkpoint{}))
	})

	t.Run("unknown commit", func(t *testing.T) {
		cp := &rollback.Checkpoint{StateRef: "0123456789abcdef0123456789abcdef01234567"}
		require.Error(t, d.Revert(context.Background(), cp))
	})
}
