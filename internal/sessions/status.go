package sessions

import "strings"

// Status is the lifecycle state of a local session.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusScheduled   Status = "SCHEDULED"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusNoShow      Status = "NO_SHOW"
)

// NonBlockingStatuses no longer occupy their time range.
var NonBlockingStatuses = []Status{StatusCancelled, StatusRescheduled}

// Blocking reports whether a session in this state occupies its time range.
func (s Status) Blocking() bool {
	switch s {
	case StatusCancelled, StatusRescheduled:
		return false
	default:
		return true
	}
}

// Terminal reports whether no external event should move the session again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoShow, StatusRescheduled:
		return true
	default:
		return false
	}
}

// ExternalStatus mirrors the calendar system's booking status.
type ExternalStatus string

const (
	ExternalPending   ExternalStatus = "PENDING"
	ExternalConfirmed ExternalStatus = "CONFIRMED"
	ExternalCancelled ExternalStatus = "CANCELLED"
	ExternalRejected  ExternalStatus = "REJECTED"
)

// ParseExternalStatus normalizes a status string reported by the calendar API.
// The API reports confirmed bookings as "accepted".
func ParseExternalStatus(s string) (ExternalStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPTED", "CONFIRMED":
		return ExternalConfirmed, true
	case "PENDING", "AWAITING_HOST", "UNCONFIRMED":
		return ExternalPending, true
	case "CANCELLED", "CANCELED":
		return ExternalCancelled, true
	case "REJECTED":
		return ExternalRejected, true
	default:
		return "", false
	}
}

// SessionStatus maps the external status onto the local session lifecycle.
func (e ExternalStatus) SessionStatus() Status {
	switch e {
	case ExternalPending:
		return StatusPending
	case ExternalCancelled, ExternalRejected:
		return StatusCancelled
	default:
		return StatusScheduled
	}
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
