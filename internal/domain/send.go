package domain

// SendStatus is the status of an outbound send request.
type SendStatus string

// Send request statuses.
const (
	SendStatusQueued     SendStatus = "queued"
	SendStatusProcessing SendStatus = "processing"
	SendStatusSent       SendStatus = "sent"
	SendStatusFailed     SendStatus = "failed"
)

func (s SendStatus) String() string { return string(s) }

// IsValid checks if the status is one of the known send statuses.
func (s SendStatus) IsValid() bool {
	switch s {
	case SendStatusQueued, SendStatusProcessing, SendStatusSent, SendStatusFailed:
		return true
	}
	return false
}

// IsClaimable reports whether a worker may pick up a request in this status.
// Attempts and eligibility time are checked separately.
func (s SendStatus) IsClaimable() bool {
	return s.TransitionTo(SendStatusProcessing) == nil
}

// TransitionTo validates a send status change.
// Failed requests are retried through processing, never by going back to queued.
func (s SendStatus) TransitionTo(next SendStatus) error {
	switch s {
	case SendStatusQueued, SendStatusFailed:
		if next == SendStatusProcessing {
			return nil
		}
	case SendStatusProcessing:
		if next == SendStatusSent || next == SendStatusFailed {
			return nil
		}
	case SendStatusSent:
	}
	return invalidTransition("send", s, next)
}

var sendStatuses = []SendStatus{SendStatusQueued, SendStatusProcessing, SendStatusSent, SendStatusFailed}

// SendStatusesBefore returns every status from which next may be entered.
// Storage uses it to guard status writes.
func SendStatusesBefore(next SendStatus) []string {
	var from []string
	for _, s := range sendStatuses {
		if s.TransitionTo(next) == nil {
			from = append(from, string(s))
		}
	}
	return from
}

// Priority orders send requests inside the queue. Higher is served first.
type Priority int

// Priorities.
const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// ParsePriority converts an API value into a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "", "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	}
	return PriorityNormal, false
}

func (p Priority) String() string {
	if p >= PriorityHigh {
		return "high"
	}
	return "normal"
}
