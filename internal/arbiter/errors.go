package arbiter

import "errors"

var (
	// ErrUnknownAgentType is returned for a product type missing from the registry.
	ErrUnknownAgentType = errors.New("unknown agent type")
	// ErrInvalidInput is returned for malformed request arguments.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateAgent is returned when the contact already has an eligible
	// agent of the requested type.
	ErrDuplicateAgent = errors.New("contact already has an active agent of this type")
	// ErrRetriesExhausted is returned when a conversation state write keeps
	// losing compare-and-set races.
	ErrRetriesExhausted = errors.New("conversation state update retries exhausted")
)
