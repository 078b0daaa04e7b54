// Package gitdeploy backs the rollback deployment interface with a git
// working tree: the deployed state is whatever commit the tree is at.
// Snapshot captures HEAD; Revert hard-resets the tree to the captured
// commit.
package gitdeploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/rollback"
)

// Deployment implements rollback.Deployment over a local git repository.
type Deployment struct {
	path   string
	logger *zap.Logger
}

// New creates a git-backed deployment for the repository at path. The path
// must be an existing non-bare repository.
func New(path string, logger *zap.Logger) (*Deployment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", path, err)
	}
	if _, err := repo.Worktree(); err != nil {
		return nil, fmt.Errorf("repository %s has no worktree: %w", path, err)
	}
	return &Deployment{path: path, logger: logger}, nil
}

// Snapshot implements rollback.Deployment. The state reference is the HEAD
// commit hash; the branch name, when HEAD is on one, is kept as metadata.
func (d *Deployment) Snapshot(_ context.Context) (*rollback.Checkpoint, error) {
	repo, err := git.PlainOpen(d.path)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	cp := &rollback.Checkpoint{
		StateRef: head.Hash().String(),
		Meta:     map[string]string{"repository": d.path},
	}
	if head.Name().IsBranch() {
		cp.Meta["branch"] = head.Name().Short()
	}

	d.logger.Debug("captured git state",
		zap.String("path", d.path),
		zap.String("commit", cp.StateRef))

	return cp, nil
}

// Revert implements rollback.Deployment. It hard-resets the working tree to
// the checkpointed commit. Uncommitted changes present at revert time are
// discarded; they are part of the state being rolled back.
func (d *Deployment) Revert(_ context.Context, cp *rollback.Checkpoint) error {
	if cp == nil || cp.StateRef == "" {
		return errors.New("checkpoint has no state reference")
	}

	repo, err := git.PlainOpen(d.path)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	hash := plumbing.NewHash(cp.StateRef)
	if _, err := repo.CommitObject(hash); err != nil {
		return fmt.Errorf("checkpoint commit %s not found: %w", cp.StateRef, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting to %s: %w", cp.StateRef, err)
	}

	d.logger.Info("reverted git state",
		zap.String("path", d.path),
		zap.String("commit", cp.StateRef))

	return nil
}
