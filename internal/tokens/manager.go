// Package tokens keeps coaches' calendar credentials valid: it refreshes
// access tokens before they expire, retries once on a rejected token and guards
// against refresh loops.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

var tokensTracer = otel.Tracer("coaching.internal.tokens")

// DefaultExpiryBuffer is how close to expiry a token is treated as expired.
const DefaultExpiryBuffer = 5 * time.Minute

// Token is the access token handed to API callers.
type Token struct {
	AccessToken string
	Refreshed   bool
}

type credentialRepository interface {
	Get(ctx context.Context, coachULID string) (*Credential, error)
	Save(ctx context.Context, c *Credential) error
}

type refresher interface {
	ForceRefreshManagedUser(ctx context.Context, managedUserID int64) (*calcom.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*calcom.TokenPair, error)
}

type loopGuard interface {
	Allow(ctx context.Context, coachULID string) error
}

type refreshMetrics interface {
	ObserveTokenRefresh(variant, result string)
}

// Manager resolves and refreshes calendar credentials.
type Manager struct {
	store   credentialRepository
	client  refresher
	guard   loopGuard
	metrics refreshMetrics
	buffer  time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithExpiryBuffer overrides DefaultExpiryBuffer.
func WithExpiryBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// WithGuard installs a refresh loop guard.
func WithGuard(g loopGuard) ManagerOption {
	return func(m *Manager) { m.guard = g }
}

// WithMetrics records refresh outcomes.
func WithMetrics(metrics refreshMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

func NewManager(store credentialRepository, client refresher, logger *logging.Logger, opts ...ManagerOption) *Manager {
	if store == nil {
		panic("tokens: credential store required")
	}
	if client == nil {
		panic("tokens: refresh client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		store:  store,
		client: client,
		buffer: DefaultExpiryBuffer,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureValidToken returns a usable access token for the coach. A token that is
// not expiring within the buffer is returned without any network call unless
// forceRefresh is set. A failed refresh leaves the stored credential untouched.
func (m *Manager) EnsureValidToken(ctx context.Context, coachULID string, forceRefresh bool) (*Token, error) {
	cred, err := m.store.Get(ctx, coachULID)
	if err != nil {
		return nil, err
	}
	if !forceRefresh && !cred.ExpiresWithin(m.now(), m.buffer) {
		return &Token{AccessToken: cred.AccessToken}, nil
	}
	refreshed, err := m.refresh(ctx, cred)
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: refreshed.AccessToken, Refreshed: true}, nil
}

// WithRetry runs fn with a valid access token. If the calendar API rejects the
// token (401/498) the credential is force-refreshed and fn is retried exactly
// once; the second result is returned as-is.
func (m *Manager) WithRetry(ctx context.Context, coachULID string, fn func(ctx context.Context, accessToken string) error) error {
	token, err := m.EnsureValidToken(ctx, coachULID, false)
	if err != nil {
		return err
	}
	err = fn(ctx, token.AccessToken)
	if err == nil || !calcom.IsUnauthorized(err) {
		return err
	}

	m.logger.Info("calendar token rejected, forcing refresh", "coach_ulid", coachULID)
	token, rerr := m.EnsureValidToken(ctx, coachULID, true)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	return fn(ctx, token.AccessToken)
}

func (m *Manager) refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	variant := "standard"
	if cred.Managed() {
		variant = "managed"
	}
	ctx, span := tokensTracer.Start(ctx, "tokens.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("coaching.coach_ulid", cred.CoachULID),
		attribute.String("tokens.variant", variant),
	)

	if m.guard != nil {
		if err := m.guard.Allow(ctx, cred.CoachULID); err != nil {
			m.observe(variant, "loop_guard")
			span.RecordError(err)
			return nil, err
		}
	}

	var (
		pair *calcom.TokenPair
		err  error
	)
	if cred.Managed() {
		pair, err = m.client.ForceRefreshManagedUser(ctx, cred.ManagedUserID)
	} else {
		pair, err = m.client.RefreshToken(ctx, cred.RefreshToken)
	}
	if err != nil {
		m.observe(variant, "failure")
		span.RecordError(err)
		m.logger.Error("calendar token refresh failed",
			"coach_ulid", cred.CoachULID,
			"variant", variant,
			"error", err,
		)
		return nil, fmt.Errorf("tokens: refresh %s credential: %w", variant, err)
	}

	next := *cred
	next.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		next.RefreshToken = pair.RefreshToken
	}
	next.ExpiresAt = pair.ExpiresAt
	next.LastRefreshAt = m.now().UTC()

	if err := m.store.Save(ctx, &next); err != nil {
		// The new token is valid upstream; hand it out and let the next call retry persistence.
		m.observe(variant, "persist_failed")
		m.logger.Error("failed to persist refreshed credential",
			"coach_ulid", cred.CoachULID,
			"error", err,
		)
		return &next, nil
	}

	m.observe(variant, "success")
	m.logger.Info("calendar token refreshed",
		"coach_ulid", cred.CoachULID,
		"variant", variant,
		"expires_at", next.ExpiresAt,
	)
	return &next, nil
}

func (m *Manager) observe(variant, result string) {
	if m.metrics != nil {
		m.metrics.ObserveTokenRefresh(variant, result)
	}
}
