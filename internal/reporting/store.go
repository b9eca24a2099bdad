// Package reporting answers operator questions about how closely the local
// session ledger tracks the external calendar.
package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/wolfman30/coaching-platform/internal/sessions"
)

// maxDriftRows caps the drift list returned for one coach.
const maxDriftRows = 100

// SyncStatus summarizes a coach's ledger against the calendar.
type SyncStatus struct {
	CoachULID       string           `json:"coachUlid"`
	BookingCounts   map[string]int   `json:"bookingCounts"`
	LastSyncedAt    *time.Time       `json:"lastSyncedAt,omitempty"`
	UpcomingPending int              `json:"upcomingPending"`
	Drift           []Drift          `json:"drift"`
	Credential      CredentialStatus `json:"credential"`
	Integration     *Integration     `json:"integration,omitempty"`
}

// Integration is the coach's linked calendar account.
type Integration struct {
	ExternalUserID int64  `json:"externalUserId"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	Managed        bool   `json:"managed"`
}

// Drift is a session still blocking time although the calendar dropped its booking.
type Drift struct {
	UID           string    `json:"uid"`
	SessionStatus string    `json:"sessionStatus"`
	BookingStatus string    `json:"bookingStatus"`
	StartTime     time.Time `json:"startTime"`
}

// CredentialStatus describes the coach's stored calendar credential.
type CredentialStatus struct {
	Connected     bool       `json:"connected"`
	Expired       bool       `json:"expired"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	LastRefreshAt *time.Time `json:"lastRefreshAt,omitempty"`
}

// Repository runs reporting queries over database/sql.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SyncStatus builds the status report for one coach as of now.
func (r *Repository) SyncStatus(ctx context.Context, coachULID string, now time.Time) (*SyncStatus, error) {
	status := &SyncStatus{
		CoachULID:     coachULID,
		BookingCounts: map[string]int{},
		Drift:         []Drift{},
	}
	if err := r.loadCounts(ctx, status); err != nil {
		return nil, err
	}
	if err := r.loadPending(ctx, status, now); err != nil {
		return nil, err
	}
	if err := r.loadDrift(ctx, status); err != nil {
		return nil, err
	}
	if err := r.loadCredential(ctx, status, now); err != nil {
		return nil, err
	}
	return status, nil
}

func (r *Repository) loadCounts(ctx context.Context, status *SyncStatus) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT b.status, COUNT(*), MAX(b.last_synced_at)
		FROM external_bookings b
		JOIN sessions s ON s.id = b.session_id
		WHERE s.coach_ulid = $1
		GROUP BY b.status`, status.CoachULID)
	if err != nil {
		return fmt.Errorf("reporting: booking counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			bookingStatus string
			count         int
			lastSynced    sql.NullTime
		)
		if err := rows.Scan(&bookingStatus, &count, &lastSynced); err != nil {
			return fmt.Errorf("reporting: scan booking counts: %w", err)
		}
		status.BookingCounts[bookingStatus] = count
		if lastSynced.Valid && (status.LastSyncedAt == nil || lastSynced.Time.After(*status.LastSyncedAt)) {
			t := lastSynced.Time.UTC()
			status.LastSyncedAt = &t
		}
	}
	return rows.Err()
}

func (r *Repository) loadPending(ctx context.Context, status *SyncStatus, now time.Time) error {
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sessions
		WHERE coach_ulid = $1 AND status = ANY($2) AND start_time > $3`,
		status.CoachULID, pq.Array([]string{string(sessions.StatusPending)}), now).Scan(&status.UpcomingPending)
	if err != nil {
		return fmt.Errorf("reporting: pending sessions: %w", err)
	}
	return nil
}

func (r *Repository) loadDrift(ctx context.Context, status *SyncStatus) error {
	dropped := []string{string(sessions.ExternalCancelled), string(sessions.ExternalRejected)}
	nonBlocking := make([]string, len(sessions.NonBlockingStatuses))
	for i, s := range sessions.NonBlockingStatuses {
		nonBlocking[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT b.uid, s.status, b.status, s.start_time
		FROM sessions s
		JOIN external_bookings b ON b.session_id = s.id
		WHERE s.coach_ulid = $1
		  AND b.status = ANY($2)
		  AND s.status <> ALL($3)
		ORDER BY s.start_time
		LIMIT $4`, status.CoachULID, pq.Array(dropped), pq.Array(nonBlocking), maxDriftRows)
	if err != nil {
		return fmt.Errorf("reporting: drift: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.UID, &d.SessionStatus, &d.BookingStatus, &d.StartTime); err != nil {
			return fmt.Errorf("reporting: scan drift: %w", err)
		}
		status.Drift = append(status.Drift, d)
	}
	return rows.Err()
}

func (r *Repository) loadCredential(ctx context.Context, status *SyncStatus, now time.Time) error {
	var expiresAt, lastRefresh sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT expires_at, last_refresh_at
		FROM calendar_credentials
		WHERE coach_ulid = $1`, status.CoachULID).Scan(&expiresAt, &lastRefresh)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reporting: credential: %w", err)
	}

	status.Credential.Connected = true
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		status.Credential.ExpiresAt = &t
		status.Credential.Expired = !t.After(now)
	}
	if lastRefresh.Valid {
		t := lastRefresh.Time.UTC()
		status.Credential.LastRefreshAt = &t
	}
	return nil
}
