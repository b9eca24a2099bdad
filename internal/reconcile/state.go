// Package reconcile keeps the local session ledger in step with the external
// calendar by applying its webhook deliveries and on-demand resyncs.
package reconcile

import (
	"github.com/wolfman30/coaching-platform/internal/sessions"
)

// State is the reconciliation view of a booking.
type State string

const (
	StateAbsent    State = "absent"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateRejected  State = "rejected"
)

// Trigger is the webhook event type reported by the calendar.
type Trigger string

const (
	TriggerBookingCreated     Trigger = "BOOKING_CREATED"
	TriggerBookingUpdated     Trigger = "BOOKING_UPDATED"
	TriggerBookingRescheduled Trigger = "BOOKING_RESCHEDULED"
	TriggerBookingRequested   Trigger = "BOOKING_REQUESTED"
	TriggerBookingCancelled   Trigger = "BOOKING_CANCELLED"
	TriggerBookingRejected    Trigger = "BOOKING_REJECTED"
)

// Handled reports whether the trigger can change a booking.
func (t Trigger) Handled() bool {
	switch t {
	case TriggerBookingCreated, TriggerBookingUpdated, TriggerBookingRescheduled,
		TriggerBookingRequested, TriggerBookingCancelled, TriggerBookingRejected:
		return true
	default:
		return false
	}
}

// Action is what the applier does to the ledger for a transition.
type Action int

const (
	// ActionAcknowledge leaves the ledger untouched.
	ActionAcknowledge Action = iota
	ActionInsert
	ActionUpdate
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	default:
		return "acknowledge"
	}
}

// StateOf maps an external booking status onto a State.
func StateOf(status sessions.ExternalStatus) State {
	switch status {
	case sessions.ExternalPending:
		return StatePending
	case sessions.ExternalCancelled:
		return StateCancelled
	case sessions.ExternalRejected:
		return StateRejected
	default:
		return StateConfirmed
	}
}

// ExternalStatus maps a State back onto the stored external status.
func (s State) ExternalStatus() sessions.ExternalStatus {
	switch s {
	case StatePending:
		return sessions.ExternalPending
	case StateCancelled:
		return sessions.ExternalCancelled
	case StateRejected:
		return sessions.ExternalRejected
	default:
		return sessions.ExternalConfirmed
	}
}

// Transition decides the ledger action for trigger given the current state.
// payloadStatus is the status carried by the event, if any.
func Transition(state State, trigger Trigger, payloadStatus sessions.ExternalStatus) (Action, State) {
	present := state != StateAbsent

	switch trigger {
	case TriggerBookingCreated, TriggerBookingUpdated, TriggerBookingRescheduled:
		next := StateConfirmed
		if payloadStatus != "" {
			next = StateOf(payloadStatus)
		}
		if present {
			return ActionUpdate, next
		}
		return ActionInsert, next

	case TriggerBookingRequested:
		if !present {
			return ActionInsert, StatePending
		}
		if state == StatePending {
			return ActionUpdate, StatePending
		}
		// Already confirmed or finished; a late request must not regress it.
		return ActionAcknowledge, state

	case TriggerBookingCancelled:
		if !present {
			return ActionAcknowledge, StateAbsent
		}
		return ActionUpdate, StateCancelled

	case TriggerBookingRejected:
		if !present {
			return ActionAcknowledge, StateAbsent
		}
		return ActionUpdate, StateRejected

	default:
		return ActionAcknowledge, state
	}
}
