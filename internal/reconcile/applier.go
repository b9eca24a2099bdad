package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/coaches"
	"github.com/wolfman30/coaching-platform/internal/sessions"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

var reconcileTracer = otel.Tracer("coaching.internal.reconcile")

// Outcome summarizes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeNoop             Outcome = "noop"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeStale            Outcome = "stale"
	OutcomeUnknownOrganizer Outcome = "unknown_organizer"
)

type coachDirectory interface {
	GetByULID(ctx context.Context, ulid string) (*coaches.Coach, error)
	GetByOrganizer(ctx context.Context, externalUserID int64, email string) (*coaches.Coach, error)
	GetByEventTypeID(ctx context.Context, eventTypeID int64) (*coaches.Coach, error)
}

type bookingLedger interface {
	GetByExternalUID(ctx context.Context, uid string) (*sessions.Record, error)
	Insert(ctx context.Context, rec *sessions.Record) error
	Update(ctx context.Context, rec *sessions.Record) error
	LinkReschedule(ctx context.Context, prev, next uuid.UUID) error
}

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, d Delivery) (bool, error)
	MarkProcessed(ctx context.Context, d Delivery) (bool, error)
}

type bookingFetcher interface {
	GetBooking(ctx context.Context, accessToken, uid string) (*calcom.Booking, error)
}

type tokenRunner interface {
	WithRetry(ctx context.Context, coachULID string, fn func(ctx context.Context, accessToken string) error) error
}

// Applier applies calendar booking events to the session ledger.
type Applier struct {
	coaches   coachDirectory
	ledger    bookingLedger
	processed processedTracker
	fetcher   bookingFetcher
	tokens    tokenRunner
	logger    *logging.Logger
}

// ApplierConfig wires the Applier's collaborators. Processed, Fetcher and
// Tokens are optional; without Fetcher and Tokens Resync is unavailable.
type ApplierConfig struct {
	Coaches   coachDirectory
	Ledger    bookingLedger
	Processed processedTracker
	Fetcher   bookingFetcher
	Tokens    tokenRunner
}

func NewApplier(cfg ApplierConfig, logger *logging.Logger) *Applier {
	if cfg.Coaches == nil || cfg.Ledger == nil {
		panic("reconcile: coaches and ledger are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Applier{
		coaches:   cfg.Coaches,
		ledger:    cfg.Ledger,
		processed: cfg.Processed,
		fetcher:   cfg.Fetcher,
		tokens:    cfg.Tokens,
		logger:    logger,
	}
}

// Apply reconciles one webhook event. Applying the same event twice leaves the
// ledger in the same state as applying it once.
func (a *Applier) Apply(ctx context.Context, evt Event) (Outcome, error) {
	ctx, span := reconcileTracer.Start(ctx, "reconcile.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("reconcile.trigger", string(evt.Trigger)),
		attribute.String("coaching.booking_uid", evt.Payload.UID),
	)

	if !evt.Trigger.Handled() {
		a.logger.Debug("ignoring calendar event", "trigger", string(evt.Trigger))
		return OutcomeIgnored, nil
	}
	if evt.Payload.UID == "" {
		a.logger.Warn("calendar event without booking uid", "trigger", string(evt.Trigger))
		return OutcomeIgnored, nil
	}

	delivery := Delivery{Trigger: evt.Trigger, UID: evt.Payload.UID, CreatedAt: evt.CreatedAt}
	if a.processed != nil && !evt.CreatedAt.IsZero() {
		seen, err := a.processed.AlreadyProcessed(ctx, delivery)
		if err != nil {
			a.logger.Warn("delivery log lookup failed", "booking_uid", evt.Payload.UID, "error", err)
		} else if seen {
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := a.apply(ctx, evt, nil)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if a.processed != nil && !evt.CreatedAt.IsZero() {
		if _, err := a.processed.MarkProcessed(ctx, delivery); err != nil {
			a.logger.Warn("failed to record processed delivery", "booking_uid", evt.Payload.UID, "error", err)
		}
	}
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	return outcome, nil
}

// Resync fetches a booking from the calendar and applies it as an update. It
// repairs bookings whose local write failed at creation time.
func (a *Applier) Resync(ctx context.Context, uid, coachULID string) (Outcome, error) {
	if a.fetcher == nil || a.tokens == nil {
		return "", errors.New("reconcile: resync not configured")
	}
	ctx, span := reconcileTracer.Start(ctx, "reconcile.resync")
	defer span.End()
	span.SetAttributes(
		attribute.String("coaching.booking_uid", uid),
		attribute.String("coaching.coach_ulid", coachULID),
	)

	coach, err := a.coaches.GetByULID(ctx, coachULID)
	if err != nil {
		return "", err
	}

	var booking *calcom.Booking
	err = a.tokens.WithRetry(ctx, coach.ULID, func(ctx context.Context, accessToken string) error {
		b, ferr := a.fetcher.GetBooking(ctx, accessToken, uid)
		if ferr != nil {
			return ferr
		}
		booking = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	outcome, err := a.apply(ctx, eventFromBooking(booking, booking.ChangedAt()), coach)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	a.logger.Info("booking resynced", "booking_uid", uid, "coach_ulid", coach.ULID, "outcome", string(outcome))
	return outcome, nil
}

func (a *Applier) apply(ctx context.Context, evt Event, coach *coaches.Coach) (Outcome, error) {
	p := evt.Payload

	rec, err := a.ledger.GetByExternalUID(ctx, p.UID)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		rec = nil
	case err != nil:
		return "", fmt.Errorf("reconcile: load booking %s: %w", p.UID, err)
	}

	state := StateAbsent
	if rec != nil {
		state = StateOf(rec.Booking.Status)
	}
	action, next := Transition(state, evt.Trigger, p.Status())

	// LastSyncedAt only ever holds platform timestamps; an event without one
	// leaves the existing watermark in place.
	syncedAt := evt.CreatedAt.UTC()
	if evt.CreatedAt.IsZero() {
		syncedAt = time.Time{}
		if rec != nil {
			syncedAt = rec.Booking.LastSyncedAt
		}
	}

	switch action {
	case ActionInsert:
		if coach == nil {
			coach, err = a.resolveCoach(ctx, p)
			if errors.Is(err, coaches.ErrNotFound) {
				a.logger.Warn("calendar event for unknown organizer",
					"booking_uid", p.UID,
					"organizer_id", p.Organizer.ID,
					"organizer_email", p.Organizer.Email,
				)
				return OutcomeUnknownOrganizer, nil
			}
			if err != nil {
				return "", fmt.Errorf("reconcile: resolve coach: %w", err)
			}
		}
		rec = newRecord(coach.ULID, p, next, syncedAt)
		if err := a.ledger.Insert(ctx, rec); err != nil {
			return "", fmt.Errorf("reconcile: insert booking %s: %w", p.UID, err)
		}
		a.logger.Info("booking mirrored", "booking_uid", p.UID, "coach_ulid", coach.ULID, "state", string(next))

	case ActionUpdate:
		if !evt.CreatedAt.IsZero() && evt.CreatedAt.Before(rec.Booking.LastSyncedAt) {
			a.logger.Info("skipping out-of-order calendar event",
				"booking_uid", p.UID,
				"trigger", string(evt.Trigger),
				"event_created_at", evt.CreatedAt,
				"last_synced_at", rec.Booking.LastSyncedAt,
			)
			return OutcomeStale, nil
		}
		mergeInto(rec, p, next, syncedAt)
		if err := a.ledger.Update(ctx, rec); err != nil {
			return "", fmt.Errorf("reconcile: update booking %s: %w", p.UID, err)
		}
		a.logger.Info("booking updated", "booking_uid", p.UID, "state", string(next))

	default:
		return OutcomeNoop, nil
	}

	if evt.Trigger == TriggerBookingRescheduled {
		if err := a.linkPredecessor(ctx, p.PredecessorUID(), rec); err != nil {
			return "", err
		}
	}
	return OutcomeApplied, nil
}

// resolveCoach finds the owning coach by organizer, falling back to the event type.
func (a *Applier) resolveCoach(ctx context.Context, p Payload) (*coaches.Coach, error) {
	coach, err := a.coaches.GetByOrganizer(ctx, p.Organizer.ID, p.Organizer.Email)
	if err == nil || !errors.Is(err, coaches.ErrNotFound) || p.EventTypeID <= 0 {
		return coach, err
	}
	return a.coaches.GetByEventTypeID(ctx, p.EventTypeID)
}

func (a *Applier) linkPredecessor(ctx context.Context, prevUID string, next *sessions.Record) error {
	if prevUID == "" || prevUID == next.Booking.UID {
		return nil
	}
	prev, err := a.ledger.GetByExternalUID(ctx, prevUID)
	if errors.Is(err, sessions.ErrNotFound) {
		a.logger.Warn("rescheduled booking has no local predecessor", "booking_uid", next.Booking.UID, "previous_uid", prevUID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: load predecessor %s: %w", prevUID, err)
	}
	if prev.Session.NextSessionID != nil && *prev.Session.NextSessionID == next.Session.ID {
		return nil
	}
	if err := a.ledger.LinkReschedule(ctx, prev.Session.ID, next.Session.ID); err != nil {
		return fmt.Errorf("reconcile: link reschedule %s -> %s: %w", prevUID, next.Booking.UID, err)
	}
	return nil
}

func newRecord(coachULID string, p Payload, state State, syncedAt time.Time) *sessions.Record {
	status := state.ExternalStatus()
	attendee := p.attendee()
	return &sessions.Record{
		Session: sessions.Session{
			CoachULID: coachULID,
			MenteeID:  p.Metadata["menteeId"],
			StartTime: p.StartTime,
			EndTime:   p.EndTime,
			Status:    status.SessionStatus(),
		},
		Booking: sessions.ExternalBooking{
			UID:           p.UID,
			EventTypeID:   p.EventTypeID,
			Title:         p.Title,
			Description:   p.Description,
			StartTime:     p.StartTime,
			EndTime:       p.EndTime,
			Status:        status,
			AttendeeName:  attendee.Name,
			AttendeeEmail: attendee.Email,
			LastSyncedAt:  syncedAt,
		},
	}
}

// mergeInto mirrors the payload onto rec. Sessions that already finished keep
// their status.
func mergeInto(rec *sessions.Record, p Payload, state State, syncedAt time.Time) {
	status := state.ExternalStatus()
	b := &rec.Booking
	if p.Title != "" {
		b.Title = p.Title
	}
	if p.Description != "" {
		b.Description = p.Description
	}
	if p.EventTypeID > 0 {
		b.EventTypeID = p.EventTypeID
	}
	if !p.StartTime.IsZero() && !p.EndTime.IsZero() {
		b.StartTime, b.EndTime = p.StartTime, p.EndTime
		if !rec.Session.Status.Terminal() {
			rec.Session.StartTime, rec.Session.EndTime = p.StartTime, p.EndTime
		}
	}
	if attendee := p.attendee(); attendee.Email != "" {
		b.AttendeeName, b.AttendeeEmail = attendee.Name, attendee.Email
	}
	b.Status = status
	b.LastSyncedAt = syncedAt

	if !rec.Session.Status.Terminal() {
		rec.Session.Status = status.SessionStatus()
	}
}
