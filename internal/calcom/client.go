// Package calcom is a small client for the external calendar platform's v2 REST API.
package calcom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/coaching-platform/pkg/logging"
)

var calcomTracer = otel.Tracer("coaching.internal.calcom")

const (
	DefaultBaseURL    = "https://api.cal.com"
	DefaultAPIVersion = "2024-08-13"
	defaultTimeout    = 20 * time.Second
	maxErrorBody      = 300
)

// StatusTokenInvalid is returned by the platform for expired access tokens.
const StatusTokenInvalid = 498

// APIError is a non-2xx response from the calendar API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calcom: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401/498 from the calendar API, which
// means the access token must be refreshed.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == StatusTokenInvalid
}

// Config holds client credentials and endpoints.
type Config struct {
	BaseURL      string
	APIVersion   string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client calls the calendar API on behalf of coaches.
type Client struct {
	baseURL      string
	apiVersion   string
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *logging.Logger
}

func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = baseURL + "/v2/auth/oauth2/token"
	}
	return &Client{
		baseURL:      baseURL,
		apiVersion:   cfg.APIVersion,
		tokenURL:     tokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
	}
}

// Attendee is the booking guest.
type Attendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
}

// CreateBookingRequest describes a booking to create.
type CreateBookingRequest struct {
	EventTypeID     int64
	Start           time.Time
	LengthInMinutes int
	Attendee        Attendee
	Notes           string
	Responses       map[string]any
	Metadata        map[string]string
}

// Booking is the platform's representation of a booking.
type Booking struct {
	ID          int64      `json:"id"`
	UID         string     `json:"uid"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Status      string     `json:"status"`
	EventTypeID int64      `json:"eventTypeId"`
	Attendees   []Attendee `json:"attendees"`
	Hosts       []Host     `json:"hosts"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ChangedAt is the platform's timestamp for the booking's latest change, or
// the zero time when the response carried none.
func (b *Booking) ChangedAt() time.Time {
	if b.UpdatedAt.After(b.CreatedAt) {
		return b.UpdatedAt.UTC()
	}
	return b.CreatedAt.UTC()
}

// Host is an organizer of a booking.
type Host struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CalendarLink is an "add to calendar" link.
type CalendarLink struct {
	Label string `json:"label"`
	Link  string `json:"link"`
}

// TokenPair is a refreshed credential.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type envelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

type createBookingBody struct {
	Start                  string            `json:"start"`
	EventTypeID            int64             `json:"eventTypeId"`
	LengthInMinutes        int               `json:"lengthInMinutes,omitempty"`
	Attendee               Attendee          `json:"attendee"`
	BookingFieldsResponses map[string]any    `json:"bookingFieldsResponses,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// CreateBooking creates a booking with the coach's access token.
func (c *Client) CreateBooking(ctx context.Context, accessToken string, req CreateBookingRequest) (*Booking, error) {
	responses := make(map[string]any, len(req.Responses)+1)
	for k, v := range req.Responses {
		responses[k] = v
	}
	if strings.TrimSpace(req.Notes) != "" {
		responses["notes"] = req.Notes
	}
	body := createBookingBody{
		Start:                  req.Start.UTC().Format(time.RFC3339),
		EventTypeID:            req.EventTypeID,
		LengthInMinutes:        req.LengthInMinutes,
		Attendee:               req.Attendee,
		BookingFieldsResponses: responses,
		Metadata:               req.Metadata,
	}
	if len(body.BookingFieldsResponses) == 0 {
		body.BookingFieldsResponses = nil
	}

	var out envelope[Booking]
	if err := c.do(ctx, "create booking", http.MethodPost, "/v2/bookings", accessToken, body, &out); err != nil {
		return nil, err
	}
	if out.Data.UID == "" {
		return nil, fmt.Errorf("calcom: create booking: response missing uid")
	}
	return &out.Data, nil
}

// GetBooking fetches a booking by UID.
func (c *Client) GetBooking(ctx context.Context, accessToken, uid string) (*Booking, error) {
	var out envelope[Booking]
	path := "/v2/bookings/" + url.PathEscape(uid)
	if err := c.do(ctx, "get booking", http.MethodGet, path, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// CalendarLinks fetches "add to calendar" links for a booking.
func (c *Client) CalendarLinks(ctx context.Context, accessToken, uid string) ([]CalendarLink, error) {
	var out envelope[[]CalendarLink]
	path := "/v2/bookings/" + url.PathEscape(uid) + "/calendar-links"
	if err := c.do(ctx, "calendar links", http.MethodGet, path, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

type managedRefreshData struct {
	AccessToken          string `json:"accessToken"`
	RefreshToken         string `json:"refreshToken"`
	AccessTokenExpiresAt int64  `json:"accessTokenExpiresAt"`
}

// ForceRefreshManagedUser mints new tokens for a managed sub-account using the
// platform client secret.
func (c *Client) ForceRefreshManagedUser(ctx context.Context, managedUserID int64) (*TokenPair, error) {
	if strings.TrimSpace(c.clientID) == "" || strings.TrimSpace(c.clientSecret) == "" {
		return nil, fmt.Errorf("calcom: missing oauth client credentials")
	}
	path := fmt.Sprintf("/v2/oauth-clients/%s/users/%d/force-refresh", url.PathEscape(c.clientID), managedUserID)

	req, err := c.newRequest(ctx, http.MethodPost, path, "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-cal-secret-key", c.clientSecret)

	var out envelope[managedRefreshData]
	if err := c.send(req, "force refresh", &out); err != nil {
		return nil, err
	}
	if out.Data.AccessToken == "" {
		return nil, fmt.Errorf("calcom: force refresh: response missing access token")
	}
	return &TokenPair{
		AccessToken:  out.Data.AccessToken,
		RefreshToken: out.Data.RefreshToken,
		ExpiresAt:    time.UnixMilli(out.Data.AccessTokenExpiresAt).UTC(),
	}, nil
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken runs a standard OAuth refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("calcom: refresh token: missing refresh token")
	}
	data := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("calcom: create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tokenResp oauthTokenResponse
	if err := c.send(req, "refresh token", &tokenResp); err != nil {
		return nil, err
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("calcom: refresh token: response missing access token")
	}
	pair := &TokenPair{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}
	if pair.RefreshToken == "" {
		// Non-rotating providers omit the refresh token.
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

func (c *Client) do(ctx context.Context, op, method, path, accessToken string, body, out any) error {
	ctx, span := calcomTracer.Start(ctx, "calcom."+strings.ReplaceAll(op, " ", "_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", method)),
	)
	defer span.End()

	req, err := c.newRequest(ctx, method, path, accessToken, body)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := c.send(req, op, out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			span.SetAttributes(attribute.Int("http.response.status_code", apiErr.StatusCode))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return err
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, accessToken string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("calcom: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("calcom: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("cal-api-version", c.apiVersion)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calcom: %s: http request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("calcom: %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		c.logger.Warn("calcom request failed",
			"op", op,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("calcom: %s: unmarshal response: %w", op, err)
	}
	return nil
}

