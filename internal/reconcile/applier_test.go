package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/coaches"
	"github.com/wolfman30/coaching-platform/internal/sessions"
)

// memoryLedger is an in-memory session ledger keyed by external UID.
type memoryLedger struct {
	byUID  map[string]*sessions.Record
	writes int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{byUID: map[string]*sessions.Record{}}
}

func (m *memoryLedger) GetByExternalUID(_ context.Context, uid string) (*sessions.Record, error) {
	rec, ok := m.byUID[uid]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memoryLedger) Insert(_ context.Context, rec *sessions.Record) error {
	m.writes++
	rec.Session.ID = uuid.New()
	rec.Booking.ID = uuid.New()
	rec.Booking.SessionID = rec.Session.ID
	cp := *rec
	m.byUID[rec.Booking.UID] = &cp
	return nil
}

func (m *memoryLedger) Update(_ context.Context, rec *sessions.Record) error {
	m.writes++
	cp := *rec
	m.byUID[rec.Booking.UID] = &cp
	return nil
}

func (m *memoryLedger) LinkReschedule(_ context.Context, prev, next uuid.UUID) error {
	m.writes++
	for _, rec := range m.byUID {
		switch rec.Session.ID {
		case prev:
			n := next
			rec.Session.Status = sessions.StatusRescheduled
			rec.Session.NextSessionID = &n
			rec.Booking.Status = sessions.ExternalCancelled
		case next:
			p := prev
			rec.Session.PreviousSessionID = &p
		}
	}
	return nil
}

type stubDirectory struct {
	coach *coaches.Coach
}

func (s *stubDirectory) GetByULID(_ context.Context, ulid string) (*coaches.Coach, error) {
	if s.coach != nil && s.coach.ULID == ulid {
		return s.coach, nil
	}
	return nil, coaches.ErrNotFound
}

func (s *stubDirectory) GetByOrganizer(_ context.Context, id int64, email string) (*coaches.Coach, error) {
	if s.coach != nil && (id == 501 || email == "coach@example.com") {
		return s.coach, nil
	}
	return nil, coaches.ErrNotFound
}

func (s *stubDirectory) GetByEventTypeID(_ context.Context, id int64) (*coaches.Coach, error) {
	if s.coach != nil && id == 77 {
		return s.coach, nil
	}
	return nil, coaches.ErrNotFound
}

type memoryDeliveryLog struct {
	seen map[Delivery]bool
}

func (l *memoryDeliveryLog) AlreadyProcessed(_ context.Context, d Delivery) (bool, error) {
	return l.seen[d], nil
}

func (l *memoryDeliveryLog) MarkProcessed(_ context.Context, d Delivery) (bool, error) {
	if l.seen[d] {
		return false, nil
	}
	l.seen[d] = true
	return true, nil
}

var (
	t0         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slotStart  = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	slotEnd    = slotStart.Add(time.Hour)
	knownCoach = &coaches.Coach{ULID: "coach-1", Timezone: "UTC"}
)

func bookingEvent(trigger Trigger, uid string, createdAt time.Time) Event {
	return Event{
		Trigger:   trigger,
		CreatedAt: createdAt,
		Payload: Payload{
			UID:         uid,
			EventTypeID: 77,
			Title:       "Coaching session",
			StartTime:   slotStart,
			EndTime:     slotEnd,
			Status:      "ACCEPTED",
			Organizer:   Person{ID: 501, Email: "coach@example.com"},
			Attendees:   []Person{{Name: "Ada Mentee", Email: "ada@example.com"}},
			Metadata:    map[string]string{"menteeId": "user-9"},
		},
	}
}

func newTestApplier(ledger *memoryLedger) *Applier {
	return NewApplier(ApplierConfig{Coaches: &stubDirectory{coach: knownCoach}, Ledger: ledger}, nil)
}

func TestApplyRejectedForUnknownBookingIsNoop(t *testing.T) {
	ledger := newMemoryLedger()

	outcome, err := newTestApplier(ledger).Apply(context.Background(), bookingEvent(TriggerBookingRejected, "uid-x", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Zero(t, ledger.writes)
	assert.Empty(t, ledger.byUID)
}

func TestApplyCreatedInsertsSession(t *testing.T) {
	ledger := newMemoryLedger()

	outcome, err := newTestApplier(ledger).Apply(context.Background(), bookingEvent(TriggerBookingCreated, "uid-1", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec := ledger.byUID["uid-1"]
	require.NotNil(t, rec)
	assert.Equal(t, "coach-1", rec.Session.CoachULID)
	assert.Equal(t, "user-9", rec.Session.MenteeID)
	assert.Equal(t, sessions.StatusScheduled, rec.Session.Status)
	assert.Equal(t, sessions.ExternalConfirmed, rec.Booking.Status)
	assert.Equal(t, "ada@example.com", rec.Booking.AttendeeEmail)
	assert.Equal(t, t0, rec.Booking.LastSyncedAt)
}

func TestApplyRedeliveryIsIdempotent(t *testing.T) {
	ledger := newMemoryLedger()
	applier := newTestApplier(ledger)
	evt := bookingEvent(TriggerBookingCreated, "uid-1", t0)

	_, err := applier.Apply(context.Background(), evt)
	require.NoError(t, err)
	first := *ledger.byUID["uid-1"]

	_, err = applier.Apply(context.Background(), evt)
	require.NoError(t, err)

	assert.Len(t, ledger.byUID, 1)
	assert.Equal(t, first, *ledger.byUID["uid-1"])
}

func TestApplyDeliveryLogShortCircuitsExactRedelivery(t *testing.T) {
	ledger := newMemoryLedger()
	log := &memoryDeliveryLog{seen: map[Delivery]bool{}}
	applier := NewApplier(ApplierConfig{Coaches: &stubDirectory{coach: knownCoach}, Ledger: ledger, Processed: log}, nil)
	evt := bookingEvent(TriggerBookingCreated, "uid-1", t0)

	outcome, err := applier.Apply(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	writes := ledger.writes

	outcome, err = applier.Apply(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, writes, ledger.writes)
}

func TestApplyCreateThenCancelFreesSlot(t *testing.T) {
	ledger := newMemoryLedger()
	applier := newTestApplier(ledger)

	_, err := applier.Apply(context.Background(), bookingEvent(TriggerBookingCreated, "uid-1", t0))
	require.NoError(t, err)
	assert.True(t, ledger.byUID["uid-1"].Session.Status.Blocking())

	cancel := bookingEvent(TriggerBookingCancelled, "uid-1", t0.Add(time.Minute))
	cancel.Payload.Status = "CANCELLED"
	outcome, err := applier.Apply(context.Background(), cancel)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec := ledger.byUID["uid-1"]
	assert.Equal(t, sessions.StatusCancelled, rec.Session.Status)
	assert.Equal(t, sessions.ExternalCancelled, rec.Booking.Status)
	assert.False(t, rec.Session.Status.Blocking())
	assert.Len(t, ledger.byUID, 1, "cancellation never deletes")
}

func TestApplySkipsOutOfOrderEvents(t *testing.T) {
	ledger := newMemoryLedger()
	applier := newTestApplier(ledger)

	_, err := applier.Apply(context.Background(), bookingEvent(TriggerBookingCreated, "uid-1", t0))
	require.NoError(t, err)
	_, err = applier.Apply(context.Background(), bookingEvent(TriggerBookingCancelled, "uid-1", t0.Add(2*time.Minute)))
	require.NoError(t, err)

	late := bookingEvent(TriggerBookingUpdated, "uid-1", t0.Add(time.Minute))
	outcome, err := applier.Apply(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, sessions.StatusCancelled, ledger.byUID["uid-1"].Session.Status)
}

func TestApplyWithoutTimestampKeepsWatermark(t *testing.T) {
	ledger := newMemoryLedger()
	applier := newTestApplier(ledger)

	_, err := applier.Apply(context.Background(), bookingEvent(TriggerBookingCreated, "uid-1", t0))
	require.NoError(t, err)

	untimed := bookingEvent(TriggerBookingUpdated, "uid-1", time.Time{})
	untimed.Payload.Title = "Renamed session"
	outcome, err := applier.Apply(context.Background(), untimed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	rec := ledger.byUID["uid-1"]
	assert.Equal(t, "Renamed session", rec.Booking.Title)
	assert.Equal(t, t0, rec.Booking.LastSyncedAt)

	cancel := bookingEvent(TriggerBookingCancelled, "uid-1", t0.Add(time.Second))
	outcome, err = applier.Apply(context.Background(), cancel)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, sessions.StatusCancelled, ledger.byUID["uid-1"].Session.Status)
}

func TestApplyRequestedThenConfirmed(t *testing.T) {
	ledger := newMemoryLedger()
	applier := newTestApplier(ledger)

	requested := bookingEvent(TriggerBookingRequested, "uid-1", t0)
	requested.Payload.Status = "PENDING"
	_, err := applier.Apply(context.Background(), requested)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusPending, ledger.byUID["uid-1"].Session.Status)

	_, err = applier.Apply(context.Background(), bookingEvent(TriggerBookingCreated, "uid-1", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusScheduled, ledger.byUID["uid-1"].Session.Status)

	lateRequest := bookingEvent(TriggerBookingRequested, "uid-1", t0.Add(2*time.Minute))
	outcome, err := applier.Apply(context.Background(), lateRequest)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, sessions.StatusScheduled, ledger.byUID["uid-1"].Session.Status)
}

func TestApplyDoesNotRegressFinishedSession(t *testing.T) {
	ledger := newMemoryLedger()
	applier := newTestApplier(ledger)

	_, err := applier.Apply(context.Background(), bookingEvent(TriggerBookingCreated, "uid-1", t0))
	require.NoError(t, err)
	ledger.byUID["uid-1"].Session.Status = sessions.StatusCompleted

	updated := bookingEvent(TriggerBookingUpdated, "uid-1", t0.Add(time.Minute))
	updated.Payload.Title = "Renamed session"
	_, err = applier.Apply(context.Background(), updated)
	require.NoError(t, err)

	rec := ledger.byUID["uid-1"]
	assert.Equal(t, sessions.StatusCompleted, rec.Session.Status)
	assert.Equal(t, "Renamed session", rec.Booking.Title)
}

func TestApplyUnknownOrganizerIsAcknowledged(t *testing.T) {
	ledger := newMemoryLedger()
	evt := bookingEvent(TriggerBookingCreated, "uid-1", t0)
	evt.Payload.Organizer = Person{ID: 999, Email: "stranger@example.com"}
	evt.Payload.EventTypeID = 12

	outcome, err := newTestApplier(ledger).Apply(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrganizer, outcome)
	assert.Zero(t, ledger.writes)
}

func TestApplyFallsBackToEventType(t *testing.T) {
	ledger := newMemoryLedger()
	evt := bookingEvent(TriggerBookingCreated, "uid-1", t0)
	evt.Payload.Organizer = Person{}

	outcome, err := newTestApplier(ledger).Apply(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "coach-1", ledger.byUID["uid-1"].Session.CoachULID)
}

func TestApplyIgnoresUnhandledTriggers(t *testing.T) {
	ledger := newMemoryLedger()
	outcome, err := newTestApplier(ledger).Apply(context.Background(), bookingEvent(Trigger("MEETING_ENDED"), "uid-1", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, ledger.writes)
}

func TestApplyRescheduleLinksPredecessor(t *testing.T) {
	ledger := newMemoryLedger()
	applier := newTestApplier(ledger)

	_, err := applier.Apply(context.Background(), bookingEvent(TriggerBookingCreated, "uid-old", t0))
	require.NoError(t, err)

	moved := bookingEvent(TriggerBookingRescheduled, "uid-new", t0.Add(time.Hour))
	moved.Payload.StartTime = slotStart.Add(24 * time.Hour)
	moved.Payload.EndTime = slotEnd.Add(24 * time.Hour)
	moved.Payload.RescheduleUID = "uid-old"
	outcome, err := applier.Apply(context.Background(), moved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	prev, next := ledger.byUID["uid-old"], ledger.byUID["uid-new"]
	require.NotNil(t, next)
	assert.Equal(t, sessions.StatusRescheduled, prev.Session.Status)
	assert.False(t, prev.Session.Status.Blocking())
	require.NotNil(t, prev.Session.NextSessionID)
	assert.Equal(t, next.Session.ID, *prev.Session.NextSessionID)
	require.NotNil(t, next.Session.PreviousSessionID)
	assert.Equal(t, prev.Session.ID, *next.Session.PreviousSessionID)
}

type stubFetcher struct {
	booking *calcom.Booking
	err     error
}

func (s *stubFetcher) GetBooking(context.Context, string, string) (*calcom.Booking, error) {
	return s.booking, s.err
}

type passthroughTokens struct{}

func (passthroughTokens) WithRetry(ctx context.Context, _ string, fn func(ctx context.Context, accessToken string) error) error {
	return fn(ctx, "tok")
}

func TestResyncInsertsMissingBooking(t *testing.T) {
	ledger := newMemoryLedger()
	fetcher := &stubFetcher{booking: &calcom.Booking{
		UID: "uid-1", Title: "Coaching session", Start: slotStart, End: slotEnd, Status: "accepted", EventTypeID: 77,
		Attendees: []calcom.Attendee{{Name: "Ada Mentee", Email: "ada@example.com"}},
		CreatedAt: t0, UpdatedAt: t0.Add(5 * time.Minute),
	}}
	applier := NewApplier(ApplierConfig{
		Coaches: &stubDirectory{coach: knownCoach},
		Ledger:  ledger,
		Fetcher: fetcher,
		Tokens:  passthroughTokens{},
	}, nil)

	outcome, err := applier.Resync(context.Background(), "uid-1", "coach-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	rec := ledger.byUID["uid-1"]
	require.NotNil(t, rec)
	assert.Equal(t, "coach-1", rec.Session.CoachULID)
	assert.Equal(t, sessions.StatusScheduled, rec.Session.Status)
	assert.Equal(t, t0.Add(5*time.Minute), rec.Booking.LastSyncedAt, "watermark comes from the platform's updatedAt")

	cancel := bookingEvent(TriggerBookingCancelled, "uid-1", t0.Add(6*time.Minute))
	outcome, err = applier.Apply(context.Background(), cancel)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestResyncPropagatesUpstreamError(t *testing.T) {
	applier := NewApplier(ApplierConfig{
		Coaches: &stubDirectory{coach: knownCoach},
		Ledger:  newMemoryLedger(),
		Fetcher: &stubFetcher{err: &calcom.APIError{StatusCode: http.StatusNotFound}},
		Tokens:  passthroughTokens{},
	}, nil)

	_, err := applier.Resync(context.Background(), "uid-1", "coach-1")
	var apiErr *calcom.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestResyncUnknownCoach(t *testing.T) {
	applier := NewApplier(ApplierConfig{
		Coaches: &stubDirectory{coach: knownCoach},
		Ledger:  newMemoryLedger(),
		Fetcher: &stubFetcher{},
		Tokens:  passthroughTokens{},
	}, nil)

	_, err := applier.Resync(context.Background(), "uid-1", "nobody")
	assert.ErrorIs(t, err, coaches.ErrNotFound)
}
