package cloudapi

import "fmt"

// PermanentError indicates a rejection that retrying will not fix.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("cloud api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("cloud api error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("cloud api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("cloud api error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
