// Package dispatch requests generation and delivery of outbound messages
// from the external message generator.
package dispatch

import (
	"context"
	"errors"
)

// ErrNotConfigured means no message generator is reachable or configured.
var ErrNotConfigured = errors.New("message dispatch not configured")

// Request asks the generator to write and send the next message of an agent.
type Request struct {
	ContactID      string
	AgentID        string
	MessageType    string
	TriggerContext map[string]any
}

// Result is the generator's acknowledgement of a sent message.
type Result struct {
	MessageID string
	Channel   string
}

// Trigger is the Message Dispatch Trigger collaborator.
type Trigger interface {
	GenerateAndSendMessage(ctx context.Context, req Request) (*Result, error)
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, req Request) (*Result, error)

// GenerateAndSendMessage calls f.
func (f TriggerFunc) GenerateAndSendMessage(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
