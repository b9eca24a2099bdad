package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoCredential is returned when a coach has no calendar credential on file.
var ErrNoCredential = errors.New("tokens: no calendar credential")

// Credential is a coach's access/refresh token pair for the calendar API.
type Credential struct {
	CoachULID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// ManagedUserID is set when the coach's calendar account is a managed
	// sub-account owned by this platform.
	ManagedUserID int64
	LastRefreshAt time.Time
}

// Managed reports whether the credential belongs to a managed sub-account.
func (c *Credential) Managed() bool {
	return c != nil && c.ManagedUserID > 0
}

// ExpiresWithin reports whether the access token expires before now+buffer.
func (c *Credential) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(buffer))
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CredentialStore persists calendar credentials in Postgres.
type CredentialStore struct {
	db querier
}

func NewCredentialStore(db querier) *CredentialStore {
	if db == nil {
		panic("tokens: db required")
	}
	return &CredentialStore{db: db}
}

const credentialColumns = `coach_ulid, access_token, refresh_token, expires_at, COALESCE(managed_user_id, 0), COALESCE(last_refresh_at, 'epoch'::timestamptz)`

// Get loads the credential for a coach.
func (s *CredentialStore) Get(ctx context.Context, coachULID string) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM calendar_credentials WHERE coach_ulid = $1`
	var c Credential
	err := s.db.QueryRow(ctx, query, coachULID).Scan(&c.CoachULID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.ManagedUserID, &c.LastRefreshAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("tokens: get credential: %w", err)
	}
	return &c, nil
}

// Save stores refreshed tokens. Only the token fields and refresh bookkeeping change.
func (s *CredentialStore) Save(ctx context.Context, c *Credential) error {
	query := `
		UPDATE calendar_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4, last_refresh_at = $5, updated_at = now()
		WHERE coach_ulid = $1
	`
	ct, err := s.db.Exec(ctx, query, c.CoachULID, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.LastRefreshAt)
	if err != nil {
		return fmt.Errorf("tokens: save credential: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNoCredential
	}
	return nil
}

// ListExpiring returns credentials whose access token expires before cutoff.
func (s *CredentialStore) ListExpiring(ctx context.Context, cutoff time.Time) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM calendar_credentials
		WHERE expires_at < $1
		ORDER BY expires_at
	`
	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("tokens: list expiring: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.CoachULID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.ManagedUserID, &c.LastRefreshAt); err != nil {
			return nil, fmt.Errorf("tokens: scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tokens: list expiring: %w", err)
	}
	return creds, nil
}
