// Package sessions is the local ledger of booked coaching sessions and their
// mirrored external calendar bookings.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/coaching-platform/internal/availability"
)

var sessionsTracer = otel.Tracer("coaching.internal.sessions")

// ErrNotFound is returned when no booking matches an external UID.
var ErrNotFound = errors.New("sessions: not found")

// Session is a booked [StartTime, EndTime) range for a coach and mentee.
type Session struct {
	ID                uuid.UUID
	CoachULID         string
	MenteeID          string
	StartTime         time.Time
	EndTime           time.Time
	Status            Status
	PreviousSessionID *uuid.UUID
	NextSessionID     *uuid.UUID
}

// ExternalBooking is the calendar system's view of a session, joined by UID.
type ExternalBooking struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	UID           string
	EventTypeID   int64
	Title         string
	Description   string
	StartTime     time.Time
	EndTime       time.Time
	Status        ExternalStatus
	AttendeeName  string
	AttendeeEmail string
	LastSyncedAt  time.Time
}

// Record pairs a session with its external booking.
type Record struct {
	Session Session
	Booking ExternalBooking
}

// PgxPool is the subset of pgxpool.Pool used by Store.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists sessions and external bookings in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		panic("sessions: pgx pool required")
	}
	return &Store{pool: pool}
}

// ListBusy returns the ranges of blocking sessions for a coach that intersect [from, to).
func (s *Store) ListBusy(ctx context.Context, coachULID string, from, to time.Time) ([]availability.Busy, error) {
	query := `
		SELECT start_time, end_time
		FROM sessions
		WHERE coach_ulid = $1
		  AND status <> ALL($2)
		  AND start_time < $4
		  AND end_time > $3
		ORDER BY start_time
	`
	rows, err := s.pool.Query(ctx, query, coachULID, statusStrings(NonBlockingStatuses), from, to)
	if err != nil {
		return nil, fmt.Errorf("sessions: list busy: %w", err)
	}
	defer rows.Close()

	var busy []availability.Busy
	for rows.Next() {
		var b availability.Busy
		if err := rows.Scan(&b.Start, &b.End); err != nil {
			return nil, fmt.Errorf("sessions: scan busy: %w", err)
		}
		busy = append(busy, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: list busy: %w", err)
	}
	return busy, nil
}

// HasOverlap reports whether a blocking session for the coach intersects [start, end).
func (s *Store) HasOverlap(ctx context.Context, coachULID string, start, end time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE coach_ulid = $1
			  AND status <> ALL($2)
			  AND start_time < $4
			  AND end_time > $3
		)
	`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, coachULID, statusStrings(NonBlockingStatuses), start, end).Scan(&exists); err != nil {
		return false, fmt.Errorf("sessions: check overlap: %w", err)
	}
	return exists, nil
}

const recordColumns = `
	s.id, s.coach_ulid, s.mentee_id, s.start_time, s.end_time, s.status,
	s.previous_session_id, s.next_session_id,
	b.id, b.uid, b.event_type_id, b.title, b.description, b.start_time, b.end_time,
	b.status, b.attendee_name, b.attendee_email, b.last_synced_at
`

// GetByExternalUID loads the session and booking joined by the external UID.
func (s *Store) GetByExternalUID(ctx context.Context, uid string) (*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM external_bookings b
		JOIN sessions s ON s.id = b.session_id
		WHERE b.uid = $1
	`
	var (
		rec      Record
		prev     pgtype.UUID
		next     pgtype.UUID
		menteeID pgtype.Text
	)
	err := s.pool.QueryRow(ctx, query, uid).Scan(
		&rec.Session.ID, &rec.Session.CoachULID, &menteeID, &rec.Session.StartTime, &rec.Session.EndTime, &rec.Session.Status,
		&prev, &next,
		&rec.Booking.ID, &rec.Booking.UID, &rec.Booking.EventTypeID, &rec.Booking.Title, &rec.Booking.Description,
		&rec.Booking.StartTime, &rec.Booking.EndTime, &rec.Booking.Status, &rec.Booking.AttendeeName,
		&rec.Booking.AttendeeEmail, &rec.Booking.LastSyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by uid: %w", err)
	}
	rec.Session.MenteeID = menteeID.String
	rec.Session.PreviousSessionID = fromPGUUID(prev)
	rec.Session.NextSessionID = fromPGUUID(next)
	rec.Booking.SessionID = rec.Session.ID
	return &rec, nil
}

// Insert persists a new session and its external booking in one transaction.
// Missing ids are generated and written back to rec.
func (s *Store) Insert(ctx context.Context, rec *Record) (err error) {
	ctx, span := sessionsTracer.Start(ctx, "sessions.insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("coaching.coach_ulid", rec.Session.CoachULID),
		attribute.String("coaching.booking_uid", rec.Booking.UID),
	)

	if rec.Session.ID == uuid.Nil {
		rec.Session.ID = uuid.New()
	}
	if rec.Booking.ID == uuid.Nil {
		rec.Booking.ID = uuid.New()
	}
	rec.Booking.SessionID = rec.Session.ID

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessions: begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, coach_ulid, mentee_id, start_time, end_time, status, previous_session_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, rec.Session.ID, rec.Session.CoachULID, rec.Session.MenteeID, rec.Session.StartTime, rec.Session.EndTime,
		string(rec.Session.Status), toPGUUID(rec.Session.PreviousSessionID))
	if err != nil {
		return fmt.Errorf("sessions: insert session: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO external_bookings (id, session_id, uid, event_type_id, title, description, start_time, end_time,
			status, attendee_name, attendee_email, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.Booking.ID, rec.Booking.SessionID, rec.Booking.UID, rec.Booking.EventTypeID, rec.Booking.Title,
		rec.Booking.Description, rec.Booking.StartTime, rec.Booking.EndTime, string(rec.Booking.Status),
		rec.Booking.AttendeeName, rec.Booking.AttendeeEmail, rec.Booking.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("sessions: insert external booking: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("sessions: commit insert: %w", err)
	}
	return nil
}

// Update writes the mirrored booking fields and the session range/status in place.
func (s *Store) Update(ctx context.Context, rec *Record) (err error) {
	ctx, span := sessionsTracer.Start(ctx, "sessions.update")
	defer span.End()
	span.SetAttributes(attribute.String("coaching.booking_uid", rec.Booking.UID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessions: begin update: %w", err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		UPDATE external_bookings
		SET title = $2, description = $3, start_time = $4, end_time = $5, status = $6,
			attendee_name = $7, attendee_email = $8, last_synced_at = $9, updated_at = now()
		WHERE uid = $1
	`, rec.Booking.UID, rec.Booking.Title, rec.Booking.Description, rec.Booking.StartTime, rec.Booking.EndTime,
		string(rec.Booking.Status), rec.Booking.AttendeeName, rec.Booking.AttendeeEmail, rec.Booking.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("sessions: update external booking: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET start_time = $2, end_time = $3, status = $4, updated_at = now()
		WHERE id = $1
	`, rec.Session.ID, rec.Session.StartTime, rec.Session.EndTime, string(rec.Session.Status))
	if err != nil {
		return fmt.Errorf("sessions: update session: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("sessions: commit update: %w", err)
	}
	return nil
}

// LinkReschedule marks prev as rescheduled and links it to next in both directions.
func (s *Store) LinkReschedule(ctx context.Context, prev, next uuid.UUID) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessions: begin link: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		UPDATE sessions SET status = $2, next_session_id = $3, updated_at = now()
		WHERE id = $1
	`, prev, string(StatusRescheduled), next)
	if err != nil {
		return fmt.Errorf("sessions: mark rescheduled: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE sessions SET previous_session_id = $2, updated_at = now()
		WHERE id = $1
	`, next, prev)
	if err != nil {
		return fmt.Errorf("sessions: link successor: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE external_bookings SET status = $2, updated_at = now()
		WHERE session_id = $1
	`, prev, string(ExternalCancelled))
	if err != nil {
		return fmt.Errorf("sessions: cancel predecessor booking: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("sessions: commit link: %w", err)
	}
	return nil
}

func toPGUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil || *id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: [16]byte(*id), Valid: true}
}

func fromPGUUID(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	out := uuid.UUID(id.Bytes)
	return &out
}
