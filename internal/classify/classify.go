// Package classify provides the optional external classifier collaborator
// for hybrid trigger mode. The engine treats its output as one more score
// input and must keep working, deterministic-only, when the collaborator is
// absent or failing.
package classify

import (
	"context"
	"errors"
)

// ErrUnavailable signals that the collaborator cannot classify right now.
// Callers fall back to deterministic-only decisioning and log, never raise.
var ErrUnavailable = errors.New("classify: collaborator unavailable")

// Result is the collaborator's opinion about a message.
type Result struct {
	// Label is one of the trigger action names (save_memory,
	// search_memories, get_context, none).
	Label string `json:"label"`
	// Confidence is the collaborator's self-reported certainty in [0,1].
	Confidence float64 `json:"confidence"`
}

// Classifier is the boundary contract for the external collaborator.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Noop always reports unavailability, selecting deterministic-only mode.
type Noop struct{}

func (Noop) Classify(_ context.Context, _ string) (Result, error) {
	return Result{}, ErrUnavailable
}

var _ Classifier = Noop{}
