package pipeline

import "context"

// Store persists runs. Implementations must return ErrRunNotFound for
// unknown ids and must store deep copies (or serialized forms) so callers
// cannot mutate stored state through returned pointers.
type Store interface {
	// Save persists the run, overwriting any previous state for its id.
	Save(ctx context.Context, run *Run) error

	// Get loads the run with the given id.
	Get(ctx context.Context, id string) (*Run, error)

	// List returns all runs, newest first.
	List(ctx context.Context) ([]*Run, error)
}
