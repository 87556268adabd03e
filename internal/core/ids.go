package core

import "github.com/google/uuid"

// NewQueryID returns a globally unique query identifier.
func NewQueryID() string {
	return "qry-" + uuid.NewString()
}

// NewConversationID returns a globally unique conversation identifier.
func NewConversationID() string {
	return "conv-" + uuid.NewString()
}

// NewRequestID returns an identifier for requests that arrive without one.
func NewRequestID() string {
	return uuid.NewString()
}
