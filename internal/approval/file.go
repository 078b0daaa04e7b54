package approval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/gate"
)

// FileApprover reads manual decisions from the filesystem. An operator
// approves phase "deploy" by writing "go" (or "no_go") into
// <dir>/deploy.decision. Useful on air-gapped hosts where the HTTP API is
// not reachable.
type FileApprover struct {
	dir    string
	logger *zap.Logger
}

// NewFileApprover creates a file-backed approver watching dir.
func NewFileApprover(dir string, logger *zap.Logger) (*FileApprover, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("approval dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("approval dir %s is not a directory", dir)
	}
	return &FileApprover{dir: dir, logger: logger}, nil
}

// Await implements gate.Approver. It watches the approval directory for a
// decision file named after the phase. A file already present when the wait
// starts is honored immediately.
func (a *FileApprover) Await(ctx context.Context, phase string) (gate.Verdict, error) {
	path := a.decisionPath(phase)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(a.dir); err != nil {
		return "", fmt.Errorf("watching %s: %w", a.dir, err)
	}

	// The file may predate the wait. Check after the watch is in place so
	// a write between Stat and Add is not lost.
	if v, ok, err := a.readDecision(path); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}

	a.logger.Info("awaiting decision file",
		zap.String("phase", phase),
		zap.String("path", path))

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("watcher closed")
			}
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			v, ok, err := a.readDecision(path)
			if err != nil {
				return "", err
			}
			if ok {
				return v, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("watcher closed")
			}
			a.logger.Warn("watcher error", zap.Error(err))
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (a *FileApprover) decisionPath(phase string) string {
	// Phase names come from pipeline definitions; strip separators anyway.
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == filepath.Separator {
			return '_'
		}
		return r
	}, phase)
	return filepath.Join(a.dir, safe+".decision")
}

// readDecision parses the decision file if present. It returns ok=false when
// the file does not exist or is still empty (writer mid-flight).
func (a *FileApprover) readDecision(path string) (gate.Verdict, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading decision file: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false, nil
	}
	v, err := ParseVerdict(content)
	if err != nil {
		return "", false, fmt.Errorf("decision file %s: %w", path, err)
	}
	return v, true, nil
}
