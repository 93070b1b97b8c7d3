package distribution

import "errors"

// Repository errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
)
