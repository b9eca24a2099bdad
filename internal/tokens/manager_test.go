package tokens

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/coaching-platform/internal/calcom"
)

type stubCredentialStore struct {
	creds   map[string]*Credential
	saved   []Credential
	saveErr error
}

func newStubStore(creds ...Credential) *stubCredentialStore {
	s := &stubCredentialStore{creds: map[string]*Credential{}}
	for i := range creds {
		c := creds[i]
		s.creds[c.CoachULID] = &c
	}
	return s
}

func (s *stubCredentialStore) Get(_ context.Context, coachULID string) (*Credential, error) {
	c, ok := s.creds[coachULID]
	if !ok {
		return nil, ErrNoCredential
	}
	cp := *c
	return &cp, nil
}

func (s *stubCredentialStore) Save(_ context.Context, c *Credential) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *c
	s.saved = append(s.saved, cp)
	s.creds[c.CoachULID] = &cp
	return nil
}

type stubRefresher struct {
	managedCalls  int
	standardCalls int
	err           error
	pair          calcom.TokenPair
}

func (r *stubRefresher) ForceRefreshManagedUser(_ context.Context, _ int64) (*calcom.TokenPair, error) {
	r.managedCalls++
	if r.err != nil {
		return nil, r.err
	}
	p := r.pair
	return &p, nil
}

func (r *stubRefresher) RefreshToken(_ context.Context, _ string) (*calcom.TokenPair, error) {
	r.standardCalls++
	if r.err != nil {
		return nil, r.err
	}
	p := r.pair
	return &p, nil
}

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestManager(store credentialRepository, client refresher, opts ...ManagerOption) *Manager {
	m := NewManager(store, client, nil, opts...)
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestEnsureValidTokenFastPath(t *testing.T) {
	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "cached", RefreshToken: "r1", ExpiresAt: fixedNow.Add(time.Hour)})
	client := &stubRefresher{}

	token, err := newTestManager(store, client).EnsureValidToken(context.Background(), "c1", false)
	require.NoError(t, err)
	assert.Equal(t, "cached", token.AccessToken)
	assert.False(t, token.Refreshed)
	assert.Zero(t, client.managedCalls+client.standardCalls)
}

func TestEnsureValidTokenRefreshesInsideBuffer(t *testing.T) {
	// Expires in 3 minutes: not yet expired but inside the 5 minute buffer.
	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "old", RefreshToken: "r1", ExpiresAt: fixedNow.Add(3 * time.Minute)})
	client := &stubRefresher{pair: calcom.TokenPair{AccessToken: "new", RefreshToken: "r2", ExpiresAt: fixedNow.Add(time.Hour)}}

	token, err := newTestManager(store, client).EnsureValidToken(context.Background(), "c1", false)
	require.NoError(t, err)
	assert.Equal(t, "new", token.AccessToken)
	assert.True(t, token.Refreshed)
	assert.Equal(t, 1, client.standardCalls)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "r2", store.saved[0].RefreshToken)
	assert.Equal(t, fixedNow, store.saved[0].LastRefreshAt)
}

func TestEnsureValidTokenManagedVariant(t *testing.T) {
	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "old", ExpiresAt: fixedNow.Add(time.Hour), ManagedUserID: 55})
	client := &stubRefresher{pair: calcom.TokenPair{AccessToken: "new", RefreshToken: "r2", ExpiresAt: fixedNow.Add(time.Hour)}}

	token, err := newTestManager(store, client).EnsureValidToken(context.Background(), "c1", true)
	require.NoError(t, err)
	assert.True(t, token.Refreshed)
	assert.Equal(t, 1, client.managedCalls)
	assert.Zero(t, client.standardCalls)
}

func TestEnsureValidTokenRefreshFailureKeepsCredential(t *testing.T) {
	original := Credential{CoachULID: "c1", AccessToken: "old", RefreshToken: "r1", ExpiresAt: fixedNow.Add(-time.Minute)}
	store := newStubStore(original)
	client := &stubRefresher{err: &calcom.APIError{Op: "refresh token", StatusCode: http.StatusBadRequest}}

	_, err := newTestManager(store, client).EnsureValidToken(context.Background(), "c1", false)
	require.Error(t, err)
	assert.Empty(t, store.saved)
	assert.Equal(t, original, *store.creds["c1"])
}

func TestEnsureValidTokenMissingCredential(t *testing.T) {
	_, err := newTestManager(newStubStore(), &stubRefresher{}).EnsureValidToken(context.Background(), "nobody", false)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestEnsureValidTokenPersistFailureStillReturnsToken(t *testing.T) {
	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "old", RefreshToken: "r1", ExpiresAt: fixedNow})
	store.saveErr = errors.New("connection reset")
	client := &stubRefresher{pair: calcom.TokenPair{AccessToken: "new", ExpiresAt: fixedNow.Add(time.Hour)}}

	token, err := newTestManager(store, client).EnsureValidToken(context.Background(), "c1", false)
	require.NoError(t, err)
	assert.Equal(t, "new", token.AccessToken)
}

func TestWithRetryRefreshesOnceOnUnauthorized(t *testing.T) {
	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "stale", RefreshToken: "r1", ExpiresAt: fixedNow.Add(time.Hour)})
	client := &stubRefresher{pair: calcom.TokenPair{AccessToken: "fresh", ExpiresAt: fixedNow.Add(time.Hour)}}

	var seen []string
	err := newTestManager(store, client).WithRetry(context.Background(), "c1", func(_ context.Context, token string) error {
		seen = append(seen, token)
		if token == "stale" {
			return &calcom.APIError{StatusCode: http.StatusUnauthorized}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, seen)
	assert.Equal(t, 1, client.standardCalls)
}

func TestWithRetryGivesUpAfterSecondFailure(t *testing.T) {
	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "stale", RefreshToken: "r1", ExpiresAt: fixedNow.Add(time.Hour)})
	client := &stubRefresher{pair: calcom.TokenPair{AccessToken: "fresh", ExpiresAt: fixedNow.Add(time.Hour)}}

	calls := 0
	err := newTestManager(store, client).WithRetry(context.Background(), "c1", func(context.Context, string) error {
		calls++
		return &calcom.APIError{StatusCode: calcom.StatusTokenInvalid}
	})
	require.Error(t, err)
	assert.True(t, calcom.IsUnauthorized(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, client.standardCalls)
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "tok", ExpiresAt: fixedNow.Add(time.Hour)})
	client := &stubRefresher{}

	calls := 0
	err := newTestManager(store, client).WithRetry(context.Background(), "c1", func(context.Context, string) error {
		calls++
		return &calcom.APIError{StatusCode: http.StatusConflict}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, client.standardCalls)
}

func TestLoopGuardShortCircuitsRefresh(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := newStubStore(Credential{CoachULID: "c1", AccessToken: "old", RefreshToken: "r1", ExpiresAt: fixedNow.Add(time.Hour)})
	client := &stubRefresher{pair: calcom.TokenPair{AccessToken: "new", ExpiresAt: fixedNow.Add(time.Hour)}}
	manager := newTestManager(store, client, WithGuard(NewRefreshGuard(rdb, time.Minute, 2, nil)))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := manager.EnsureValidToken(ctx, "c1", true)
		require.NoError(t, err)
	}
	_, err = manager.EnsureValidToken(ctx, "c1", true)
	assert.ErrorIs(t, err, ErrRefreshLoop)
	assert.Equal(t, 2, client.standardCalls, "guard must short-circuit before calling upstream")

	mr.FastForward(2 * time.Minute)
	_, err = manager.EnsureValidToken(ctx, "c1", true)
	assert.NoError(t, err)
}
