// Package dispatchtest provides a recording dispatch.Trigger for tests.
package dispatchtest

import (
	"context"
	"sync"

	"github.com/cheatcode/arbiter/internal/dispatch"
)

// Recorder records every request. It fails with Err when set, or with
// FailFor[contactID] for specific contacts. A Block channel makes calls wait
// until it is closed or the request context ends.
type Recorder struct {
	mu      sync.Mutex
	calls   []dispatch.Request
	Err     error
	FailFor map[string]error
	Block   chan struct{}
}

// GenerateAndSendMessage implements dispatch.Trigger.
func (r *Recorder) GenerateAndSendMessage(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	err := r.Err
	if e, ok := r.FailFor[req.ContactID]; ok {
		err = e
	}
	block := r.Block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{MessageID: "msg-" + req.AgentID}, nil
}

// Calls returns a copy of the recorded requests.
func (r *Recorder) Calls() []dispatch.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Request, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsFor returns the requests made for one contact.
func (r *Recorder) CallsFor(contactID string) []dispatch.Request {
	var out []dispatch.Request
	for _, c := range r.Calls() {
		if c.ContactID == contactID {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
