package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/gantry/internal/pipeline"
)

// File persists each run as one JSON file under a directory. Writes go
// through a temp file and rename, so a crash mid-write never leaves a
// truncated record.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates a file-backed run store rooted at dir, creating it if
// needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(id string) (string, error) {
	// Run ids are UUIDs; reject anything that could traverse.
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid run id %q", id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}

// Save implements pipeline.Store.
func (f *File) Save(_ context.Context, run *pipeline.Run) error {
	path, err := f.path(run.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".run-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing run record: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publishing run record: %w", err)
	}
	return nil
}

// Get implements pipeline.Store.
func (f *File) Get(_ context.Context, id string) (*pipeline.Run, error) {
	path, err := f.path(id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	data, err := os.ReadFile(path)
	f.mu.Unlock()

	if os.IsNotExist(err) {
		return nil, pipeline.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading run record: %w", err)
	}

	var run pipeline.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &run, nil
}

// List implements pipeline.Store.
func (f *File) List(ctx context.Context) ([]*pipeline.Run, error) {
	f.mu.Lock()
	entries, err := os.ReadDir(f.dir)
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("listing store dir: %w", err)
	}

	out := make([]*pipeline.Run, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		run, err := f.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}
