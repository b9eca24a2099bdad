// Package booking creates bookings with the external calendar on behalf of a
// coach and mirrors them into the local session ledger.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/coaches"
	"github.com/wolfman30/coaching-platform/internal/sessions"
	"github.com/wolfman30/coaching-platform/internal/tokens"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

var bookingTracer = otel.Tracer("coaching.internal.booking")

// ErrSlotTaken is returned when the requested range overlaps a blocking session.
var ErrSlotTaken = errors.New("booking: slot no longer available")

// Request is a booking attempt for one event type.
type Request struct {
	EventTypeID   int64
	Start         time.Time
	End           time.Time
	AttendeeName  string
	AttendeeEmail string
	TimeZone      string
	Notes         string
	CustomInputs  map[string]any
	MenteeID      string
}

// Result is the outcome of a successful upstream booking.
type Result struct {
	// BookingID is the local external booking id, or the external UID when the
	// local write is still pending reconciliation.
	BookingID     string
	CoachULID     string
	Booking       calcom.Booking
	CalendarLinks []calcom.CalendarLink
	// ReconciliationPending is set when the booking exists upstream but the
	// local ledger write failed; the webhook or a manual resync will repair it.
	ReconciliationPending bool
}

type coachResolver interface {
	GetByEventTypeID(ctx context.Context, eventTypeID int64) (*coaches.Coach, error)
}

type tokenSource interface {
	EnsureValidToken(ctx context.Context, coachULID string, forceRefresh bool) (*tokens.Token, error)
	WithRetry(ctx context.Context, coachULID string, fn func(ctx context.Context, accessToken string) error) error
}

type calendarAPI interface {
	CreateBooking(ctx context.Context, accessToken string, req calcom.CreateBookingRequest) (*calcom.Booking, error)
	CalendarLinks(ctx context.Context, accessToken, uid string) ([]calcom.CalendarLink, error)
}

type ledger interface {
	HasOverlap(ctx context.Context, coachULID string, start, end time.Time) (bool, error)
	Insert(ctx context.Context, rec *sessions.Record) error
}

type coachLocker interface {
	Acquire(ctx context.Context, coachULID string) (func(), error)
}

type bookingMetrics interface {
	ObserveBooking(outcome string)
}

// Coordinator runs the booking workflow: resolve coach, ensure credentials,
// serialize per coach, create upstream, mirror locally.
type Coordinator struct {
	coaches       coachResolver
	tokens        tokenSource
	calendar      calendarAPI
	ledger        ledger
	lock          coachLocker
	metrics       bookingMetrics
	publicBaseURL string
	logger        *logging.Logger
}

// CoordinatorConfig wires the Coordinator's collaborators.
type CoordinatorConfig struct {
	Coaches       coachResolver
	Tokens        tokenSource
	Calendar      calendarAPI
	Ledger        ledger
	Lock          coachLocker
	Metrics       bookingMetrics
	PublicBaseURL string
}

func NewCoordinator(cfg CoordinatorConfig, logger *logging.Logger) *Coordinator {
	if cfg.Coaches == nil || cfg.Tokens == nil || cfg.Calendar == nil || cfg.Ledger == nil {
		panic("booking: coaches, tokens, calendar and ledger are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	lock := cfg.Lock
	if lock == nil {
		lock = NewCoachLock(nil, 0, logger)
	}
	return &Coordinator{
		coaches:       cfg.Coaches,
		tokens:        cfg.Tokens,
		calendar:      cfg.Calendar,
		ledger:        cfg.Ledger,
		lock:          lock,
		metrics:       cfg.Metrics,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        logger,
	}
}

// CreateBooking books req upstream and mirrors it into the ledger. Failures
// before the upstream call are terminal; a local write failure afterwards is
// reported through Result.ReconciliationPending instead of an error.
func (c *Coordinator) CreateBooking(ctx context.Context, req Request) (*Result, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.create")
	defer span.End()
	span.SetAttributes(attribute.Int64("coaching.event_type_id", req.EventTypeID))

	coach, err := c.coaches.GetByEventTypeID(ctx, req.EventTypeID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, coaches.ErrNotFound) {
			c.observe("not_found")
			return nil, apperr.NotFound("event type is not linked to a coach", err)
		}
		c.observe("error")
		return nil, apperr.Internal("failed to resolve coach", err)
	}
	span.SetAttributes(attribute.String("coaching.coach_ulid", coach.ULID))

	if _, err := c.tokens.EnsureValidToken(ctx, coach.ULID, false); err != nil {
		span.RecordError(err)
		c.observe("credential_error")
		c.logger.Error("calendar credential unavailable", "coach_ulid", coach.ULID, "error", err)
		if errors.Is(err, tokens.ErrNoCredential) {
			return nil, apperr.NotFound("coach has no calendar integration", err)
		}
		return nil, apperr.Internal("calendar credential unavailable", err)
	}

	release, err := c.lock.Acquire(ctx, coach.ULID)
	if err != nil {
		span.RecordError(err)
		c.observe("lock_timeout")
		c.logger.Warn("timed out waiting for coach booking lock", "coach_ulid", coach.ULID, "error", err)
		return nil, apperr.Unavailable("coach calendar is busy, please retry", err)
	}
	defer release()

	taken, err := c.ledger.HasOverlap(ctx, coach.ULID, req.Start, req.End)
	if err != nil {
		span.RecordError(err)
		c.observe("error")
		return nil, apperr.Internal("failed to check availability", err)
	}
	if taken {
		c.observe("conflict")
		return nil, apperr.Conflict("the requested time is no longer available", ErrSlotTaken)
	}

	createReq := c.buildCreateRequest(coach, req)
	var created *calcom.Booking
	err = c.tokens.WithRetry(ctx, coach.ULID, func(ctx context.Context, accessToken string) error {
		b, cerr := c.calendar.CreateBooking(ctx, accessToken, createReq)
		if cerr != nil {
			return cerr
		}
		created = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		c.observe("upstream_error")
		c.logger.Error("calendar booking failed", "coach_ulid", coach.ULID, "event_type_id", req.EventTypeID, "error", err)
		return nil, upstreamError(err)
	}
	span.SetAttributes(attribute.String("coaching.booking_uid", created.UID))

	result := &Result{CoachULID: coach.ULID, Booking: *created}

	rec := c.recordFor(coach, req, created)
	if err := c.ledger.Insert(ctx, rec); err != nil {
		span.RecordError(err)
		c.logger.Error("booking created upstream but local write failed",
			"coach_ulid", coach.ULID,
			"booking_uid", created.UID,
			"error", err,
		)
		result.BookingID = created.UID
		result.ReconciliationPending = true
	} else {
		result.BookingID = rec.Booking.ID.String()
	}
	release()

	result.CalendarLinks = c.calendarLinks(ctx, coach.ULID, created.UID)

	if result.ReconciliationPending {
		c.observe("reconciliation_pending")
	} else {
		c.observe("created")
	}
	c.logger.Info("booking created",
		"coach_ulid", coach.ULID,
		"booking_uid", created.UID,
		"reconciliation_pending", result.ReconciliationPending,
	)
	return result, nil
}

func (c *Coordinator) buildCreateRequest(coach *coaches.Coach, req Request) calcom.CreateBookingRequest {
	metadata := map[string]string{"coachUlid": coach.ULID}
	if req.MenteeID != "" {
		metadata["menteeId"] = req.MenteeID
	}
	if c.publicBaseURL != "" {
		metadata["successRedirectUrl"] = c.publicBaseURL + "/booking/success"
		metadata["rescheduleRedirectUrl"] = c.publicBaseURL + "/booking/reschedule"
		metadata["cancelRedirectUrl"] = c.publicBaseURL + "/booking/cancel"
	}
	return calcom.CreateBookingRequest{
		EventTypeID:     req.EventTypeID,
		Start:           req.Start,
		LengthInMinutes: int(req.End.Sub(req.Start) / time.Minute),
		Attendee: calcom.Attendee{
			Name:     req.AttendeeName,
			Email:    req.AttendeeEmail,
			TimeZone: req.TimeZone,
		},
		Notes:     req.Notes,
		Responses: req.CustomInputs,
		Metadata:  metadata,
	}
}

// recordFor mirrors an upstream booking. LastSyncedAt takes the platform's
// timestamp so webhook ordering never compares against the local clock.
func (c *Coordinator) recordFor(coach *coaches.Coach, req Request, b *calcom.Booking) *sessions.Record {
	status, ok := sessions.ParseExternalStatus(b.Status)
	if !ok {
		status = sessions.ExternalConfirmed
	}
	start, end := b.Start, b.End
	if start.IsZero() {
		start = req.Start
	}
	if end.IsZero() {
		end = req.End
	}
	return &sessions.Record{
		Session: sessions.Session{
			CoachULID: coach.ULID,
			MenteeID:  req.MenteeID,
			StartTime: start,
			EndTime:   end,
			Status:    status.SessionStatus(),
		},
		Booking: sessions.ExternalBooking{
			UID:           b.UID,
			EventTypeID:   req.EventTypeID,
			Title:         b.Title,
			Description:   b.Description,
			StartTime:     start,
			EndTime:       end,
			Status:        status,
			AttendeeName:  req.AttendeeName,
			AttendeeEmail: req.AttendeeEmail,
			LastSyncedAt:  b.ChangedAt(),
		},
	}
}

// calendarLinks is best effort; failures are logged and yield no links.
func (c *Coordinator) calendarLinks(ctx context.Context, coachULID, uid string) []calcom.CalendarLink {
	var links []calcom.CalendarLink
	err := c.tokens.WithRetry(ctx, coachULID, func(ctx context.Context, accessToken string) error {
		l, lerr := c.calendar.CalendarLinks(ctx, accessToken, uid)
		if lerr != nil {
			return lerr
		}
		links = l
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to fetch calendar links", "coach_ulid", coachULID, "booking_uid", uid, "error", err)
		return nil
	}
	return links
}

func (c *Coordinator) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveBooking(outcome)
	}
}

// upstreamError surfaces the calendar API's status code to the caller.
func upstreamError(err error) error {
	var apiErr *calcom.APIError
	if errors.As(err, &apiErr) {
		return apperr.Upstream(apiErr.StatusCode, fmt.Sprintf("calendar rejected the booking (status %d)", apiErr.StatusCode), err)
	}
	if errors.Is(err, tokens.ErrRefreshLoop) || errors.Is(err, tokens.ErrNoCredential) {
		return apperr.Internal("calendar credential unavailable", err)
	}
	return apperr.Upstream(0, "calendar booking failed", err)
}
