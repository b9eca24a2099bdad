package reconcile

import (
	"time"

	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/sessions"
)

// Event is a webhook delivery from the calendar.
type Event struct {
	Trigger   Trigger   `json:"triggerEvent"`
	CreatedAt time.Time `json:"createdAt"`
	Payload   Payload   `json:"payload"`
}

// Payload is the booking snapshot carried by an Event.
type Payload struct {
	UID            string            `json:"uid"`
	BookingID      int64             `json:"bookingId"`
	EventTypeID    int64             `json:"eventTypeId"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        time.Time         `json:"endTime"`
	Status         string            `json:"status"`
	Organizer      Person            `json:"organizer"`
	Attendees      []Person          `json:"attendees"`
	RescheduleUID  string            `json:"rescheduleUid"`
	FromReschedule string            `json:"fromReschedule"`
	Metadata       map[string]string `json:"metadata"`
}

// Person is an organizer or attendee.
type Person struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
}

// Status returns the payload status, or "" when absent or unrecognized.
func (p Payload) Status() sessions.ExternalStatus {
	status, ok := sessions.ParseExternalStatus(p.Status)
	if !ok {
		return ""
	}
	return status
}

// PredecessorUID returns the UID of the booking this one replaces, if any.
func (p Payload) PredecessorUID() string {
	if p.RescheduleUID != "" {
		return p.RescheduleUID
	}
	return p.FromReschedule
}

func (p Payload) attendee() Person {
	if len(p.Attendees) == 0 {
		return Person{}
	}
	return p.Attendees[0]
}

// eventFromBooking builds an update-equivalent event from a fetched booking.
func eventFromBooking(b *calcom.Booking, at time.Time) Event {
	payload := Payload{
		UID:         b.UID,
		BookingID:   b.ID,
		EventTypeID: b.EventTypeID,
		Title:       b.Title,
		Description: b.Description,
		StartTime:   b.Start,
		EndTime:     b.End,
		Status:      b.Status,
	}
	for _, a := range b.Attendees {
		payload.Attendees = append(payload.Attendees, Person{Name: a.Name, Email: a.Email, TimeZone: a.TimeZone})
	}
	if len(b.Hosts) > 0 {
		payload.Organizer = Person{ID: b.Hosts[0].ID, Name: b.Hosts[0].Name, Email: b.Hosts[0].Email}
	}
	return Event{Trigger: TriggerBookingUpdated, CreatedAt: at, Payload: payload}
}
