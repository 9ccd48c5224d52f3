// Package fanout is the cross-process broadcast primitive. A message raised
// on any process reaches every process holding a relevant live connection.
// Delivery is at-least-once with no ordering guarantee, which is safe because
// every message carries the full resulting session state.
package fanout

import (
	"context"

	"github.com/watchvote/server/pkg/types"
)

// Envelope is one session-scoped broadcast. Origin identifies the publishing
// process so it can ignore the echo of its own publishes.
type Envelope struct {
	Origin    string              `json:"origin"`
	SessionID string              `json:"sessionId"`
	Exclude   []string            `json:"exclude,omitempty"`
	Message   types.ServerMessage `json:"message"`
}

type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	// Subscribe delivers envelopes to h until ctx is done.
	Subscribe(ctx context.Context, channel string, h Handler) error
}
