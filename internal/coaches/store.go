package coaches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when no coach matches a lookup.
var ErrNotFound = errors.New("coaches: not found")

// Coach is the service-providing party whose availability drives slot generation.
type Coach struct {
	ULID          string
	UserID        string
	DisplayName   string
	Timezone      string
	SessionConfig SessionConfig
}

// Location resolves the coach's IANA timezone, defaulting to UTC.
func (c *Coach) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Integration links a coach to their external calendar account.
type Integration struct {
	CoachULID      string
	ExternalUserID int64
	Username       string
	Email          string
	Managed        bool
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads coaches and their calendar integrations from Postgres.
type Store struct {
	db querier
}

func NewStore(db querier) *Store {
	if db == nil {
		panic("coaches: db required")
	}
	return &Store{db: db}
}

const coachColumns = `c.ulid, c.user_id, c.display_name, c.timezone, c.session_config`

// GetByULID loads a coach by ULID.
func (s *Store) GetByULID(ctx context.Context, ulid string) (*Coach, error) {
	query := `SELECT ` + coachColumns + ` FROM coaches c WHERE c.ulid = $1`
	return s.scanCoach(s.db.QueryRow(ctx, query, ulid), "get by ulid")
}

// GetByUserID loads the coach owned by an identity-provider user.
func (s *Store) GetByUserID(ctx context.Context, userID string) (*Coach, error) {
	query := `SELECT ` + coachColumns + ` FROM coaches c WHERE c.user_id = $1`
	return s.scanCoach(s.db.QueryRow(ctx, query, userID), "get by user")
}

// GetByEventTypeID resolves the coach that owns an external event type.
func (s *Store) GetByEventTypeID(ctx context.Context, eventTypeID int64) (*Coach, error) {
	query := `
		SELECT ` + coachColumns + `
		FROM coach_event_types et
		JOIN coaches c ON c.ulid = et.coach_ulid
		WHERE et.event_type_id = $1
	`
	return s.scanCoach(s.db.QueryRow(ctx, query, eventTypeID), "get by event type")
}

// GetByOrganizer resolves a coach from a webhook organizer, trying the external
// user id first and the organizer email second.
func (s *Store) GetByOrganizer(ctx context.Context, externalUserID int64, email string) (*Coach, error) {
	if externalUserID > 0 {
		query := `
			SELECT ` + coachColumns + `
			FROM coach_calendar_integrations i
			JOIN coaches c ON c.ulid = i.coach_ulid
			WHERE i.external_user_id = $1
		`
		coach, err := s.scanCoach(s.db.QueryRow(ctx, query, externalUserID), "get by organizer id")
		if err == nil || !errors.Is(err, ErrNotFound) {
			return coach, err
		}
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, ErrNotFound
	}
	query := `
		SELECT ` + coachColumns + `
		FROM coach_calendar_integrations i
		JOIN coaches c ON c.ulid = i.coach_ulid
		WHERE lower(i.email) = $1
	`
	return s.scanCoach(s.db.QueryRow(ctx, query, email), "get by organizer email")
}

// GetIntegration loads the calendar integration for a coach.
func (s *Store) GetIntegration(ctx context.Context, coachULID string) (*Integration, error) {
	query := `
		SELECT coach_ulid, external_user_id, username, email, managed
		FROM coach_calendar_integrations
		WHERE coach_ulid = $1
	`
	var in Integration
	err := s.db.QueryRow(ctx, query, coachULID).Scan(&in.CoachULID, &in.ExternalUserID, &in.Username, &in.Email, &in.Managed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("coaches: get integration: %w", err)
	}
	return &in, nil
}

func (s *Store) scanCoach(row pgx.Row, action string) (*Coach, error) {
	var (
		c   Coach
		raw []byte
	)
	if err := row.Scan(&c.ULID, &c.UserID, &c.DisplayName, &c.Timezone, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("coaches: %s: %w", action, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.SessionConfig); err != nil {
			return nil, fmt.Errorf("coaches: decode session config: %w", err)
		}
	}
	c.SessionConfig = c.SessionConfig.Normalize()
	return &c, nil
}
