package engine

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// TransformRegistry holds single-use input remappings keyed by sender.
// Registering replaces any previous candidates of that sender.
type TransformRegistry struct {
	mu      sync.Mutex
	entries map[models.UserID][]models.ResponseTransform
}

// NewTransformRegistry returns an empty registry.
func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{entries: make(map[models.UserID][]models.ResponseTransform)}
}

// Register sets the transform candidates for sender.
func (r *TransformRegistry) Register(sender models.UserID, transforms []models.ResponseTransform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(transforms) == 0 {
		delete(r.entries, sender)
		return
	}
	r.entries[sender] = append([]models.ResponseTransform(nil), transforms...)
	slog.Debug("TransformRegistry.Register", "sender", sender, "count", len(transforms))
}

// Apply returns the transformed input of the first candidate whose expected
// input matches in, consuming the sender's whole entry. Without a match in
// is returned unchanged.
func (r *TransformRegistry) Apply(in models.Input) (models.Input, bool) {
	sender := in.Sender()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.entries[sender] {
		if in.Matches(t.ExpectedInput) {
			delete(r.entries, sender)
			slog.Debug("TransformRegistry.Apply: input transformed", "sender", sender, "channel", t.TransformedInput.Channel())
			return t.TransformedInput, true
		}
	}
	return in, false
}

// Len returns the number of senders with pending transforms.
func (r *TransformRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
