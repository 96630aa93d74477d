// Package channels connects chat platforms to the relay engine. A channel
// turns platform messages into Submit calls and delivers job results back to
// the originating conversation.
package channels

import (
	"context"

	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/persistence"
)

// Channel is a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g. "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Relay is the engine surface a channel drives. *engine.Engine satisfies it.
type Relay interface {
	Submit(ctx context.Context, in engine.Inbound) (engine.SubmitResult, error)
	Pause(ctx context.Context, threadID, by string) (bool, error)
	Resume(ctx context.Context, threadID string) ([]persistence.HeldMessage, error)
	ResetSession(ctx context.Context, threadID string) (bool, error)
}
