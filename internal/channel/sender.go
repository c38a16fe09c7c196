// Package channel implements one Sender per delivery mechanism. Each channel
// failure stays inside its Sender; the caller funnels every outcome through
// the recorder regardless of which channel produced it.
package channel

import (
	"context"

	"outreach-orchestrator/internal/models"
)

// Sender executes a channel-specific delivery.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, lead models.Lead, payload models.TaskPayload) error
}

// Registry dispatches tasks to the Sender for their channel.
type Registry struct {
	senders map[models.Channel]Sender
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.Channel]Sender)}
}

// Register binds a sender to its channel.
func (r *Registry) Register(s Sender) {
	if s == nil {
		return
	}
	r.senders[s.Channel()] = s
}

// Lookup returns the sender for a channel.
func (r *Registry) Lookup(ch models.Channel) (Sender, bool) {
	s, ok := r.senders[ch]
	return s, ok
}
