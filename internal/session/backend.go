package session

import (
	"context"
	"errors"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrNoDetector is returned by SelectDetector when no candidate is usable.
var ErrNoDetector = errors.New("no detector backend available")

// Detector finds faces in a frame. Boxes are normalized to the frame.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error)
}

// Embedder turns a cropped face image into an embedding. It must be
// deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, crop []byte) (types.Embedding, error)
}

// Availability is implemented by backends that can report readiness.
type Availability interface {
	Available(ctx context.Context) bool
}

// SelectDetector returns the first candidate, in preference order, that is
// available. Candidates that cannot report availability are assumed ready.
func SelectDetector(ctx context.Context, candidates ...Detector) (Detector, error) {
	for _, d := range candidates {
		if d == nil {
			continue
		}
		if a, ok := d.(Availability); ok && !a.Available(ctx) {
			continue
		}
		return d, nil
	}
	return nil, ErrNoDetector
}
