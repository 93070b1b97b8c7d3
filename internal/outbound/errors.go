package outbound

import "errors"

// Repository errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrSendRequestNotFound  = errors.New("send request not found")
)

// Validation and delivery errors.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrMissingAddress = errors.New("conversation has no contact address")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable reports whether a send error should be retried.
// Any error in the chain implementing IsRetryable decides; unknown errors are retried.
func IsRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
