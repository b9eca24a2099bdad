package booking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/http/middleware"
)

type stubCreator struct {
	got    Request
	called bool
	result *Result
	err    error
}

func (s *stubCreator) CreateBooking(_ context.Context, req Request) (*Result, error) {
	s.called = true
	s.got = req
	return s.result, s.err
}

const validBody = `{
	"eventTypeId": 77,
	"startTime": "2026-03-02T09:00:00Z",
	"endTime": "2026-03-02T10:00:00Z",
	"attendeeName": "Ada Mentee",
	"attendeeEmail": "ada@example.com",
	"timeZone": "Europe/London",
	"customInputs": {"goal": "career change"}
}`

func postBooking(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/booking/create", strings.NewReader(body))
	claims := &middleware.IdentityClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9"}}
	req = req.WithContext(middleware.WithIdentityClaims(req.Context(), claims))
	rr := httptest.NewRecorder()
	h.Create(rr, req)
	return rr
}

func TestCreateHandlerSuccess(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	creator := &stubCreator{result: &Result{
		BookingID: "b-1",
		Booking:   calcom.Booking{UID: "uid-abc", Title: "Coaching session", Start: start, End: start.Add(time.Hour)},
	}}

	rr := postBooking(NewHandler(creator, nil), validBody)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp CreateBookingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "b-1", resp.Data.Booking.ID)
	assert.Equal(t, "uid-abc", resp.Data.Booking.CalBookingUID)
	assert.Equal(t, "ada@example.com", resp.Data.Booking.AttendeeEmail)
	assert.NotNil(t, resp.Data.CalendarLinks)
	assert.False(t, resp.Data.ReconciliationPending)

	assert.Equal(t, int64(77), creator.got.EventTypeID)
	assert.Equal(t, "user-9", creator.got.MenteeID)
	assert.Equal(t, "career change", creator.got.CustomInputs["goal"])
}

func TestCreateHandlerReportsReconciliationPending(t *testing.T) {
	creator := &stubCreator{result: &Result{BookingID: "uid-abc", Booking: calcom.Booking{UID: "uid-abc"}, ReconciliationPending: true}}

	rr := postBooking(NewHandler(creator, nil), validBody)

	require.Equal(t, http.StatusCreated, rr.Code)
	var resp CreateBookingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.ReconciliationPending)
	assert.Equal(t, "uid-abc", resp.Data.Booking.ID)
}

func TestCreateHandlerValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "malformed json", body: `{"eventTypeId":`},
		{name: "missing event type", body: strings.Replace(validBody, `"eventTypeId": 77`, `"eventTypeId": 0`, 1), field: "eventTypeId"},
		{name: "end before start", body: strings.Replace(validBody, `"endTime": "2026-03-02T10:00:00Z"`, `"endTime": "2026-03-02T08:00:00Z"`, 1), field: "endTime"},
		{name: "bad email", body: strings.Replace(validBody, `ada@example.com`, `not-an-email`, 1), field: "attendeeEmail"},
		{name: "bad timezone", body: strings.Replace(validBody, `Europe/London`, `Mars/Olympus`, 1), field: "timeZone"},
		{name: "missing name", body: strings.Replace(validBody, `"attendeeName": "Ada Mentee"`, `"attendeeName": ""`, 1), field: "attendeeName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creator := &stubCreator{}
			rr := postBooking(NewHandler(creator, nil), tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.False(t, creator.called)
			var env apperr.Envelope
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
			assert.Equal(t, apperr.KindValidation, env.Code)
			if tt.field != "" {
				assert.Contains(t, env.Fields, tt.field)
			}
		})
	}
}

func TestCreateHandlerMapsCoordinatorErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: apperr.NotFound("event type is not linked to a coach", nil), status: http.StatusNotFound},
		{err: apperr.Conflict("the requested time is no longer available", ErrSlotTaken), status: http.StatusConflict},
		{err: apperr.Upstream(http.StatusUnprocessableEntity, "calendar rejected the booking", nil), status: http.StatusUnprocessableEntity},
		{err: apperr.Internal("calendar credential unavailable", nil), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := postBooking(NewHandler(&stubCreator{err: tt.err}, nil), validBody)
		assert.Equal(t, tt.status, rr.Code)

		var env apperr.Envelope
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
		assert.False(t, env.Success)
		assert.NotEmpty(t, env.Error)
	}
}
