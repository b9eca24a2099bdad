package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/http/middleware"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

type bookingCreator interface {
	CreateBooking(ctx context.Context, req Request) (*Result, error)
}

// Handler serves POST /booking/create.
type Handler struct {
	coordinator bookingCreator
	validate    *validator.Validate
	logger      *logging.Logger
}

func NewHandler(coordinator bookingCreator, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{coordinator: coordinator, validate: v, logger: logger}
}

// CreateBookingRequest is the body of POST /booking/create.
type CreateBookingRequest struct {
	EventTypeID   int64          `json:"eventTypeId" validate:"required,gt=0"`
	StartTime     time.Time      `json:"startTime" validate:"required"`
	EndTime       time.Time      `json:"endTime" validate:"required,gtfield=StartTime"`
	AttendeeName  string         `json:"attendeeName" validate:"required,max=200"`
	AttendeeEmail string         `json:"attendeeEmail" validate:"required,email"`
	Notes         string         `json:"notes,omitempty" validate:"max=2000"`
	CustomInputs  map[string]any `json:"customInputs,omitempty"`
	TimeZone      string         `json:"timeZone" validate:"required,timezone"`
}

// BookingView is the booking as reported to the client.
type BookingView struct {
	ID            string    `json:"id"`
	CalBookingUID string    `json:"calBookingUid"`
	Title         string    `json:"title"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	AttendeeName  string    `json:"attendeeName"`
	AttendeeEmail string    `json:"attendeeEmail"`
}

// CreateBookingData is the data member of a successful response.
type CreateBookingData struct {
	Booking               BookingView           `json:"booking"`
	CalendarLinks         []calcom.CalendarLink `json:"calendarLinks"`
	ReconciliationPending bool                  `json:"reconciliationPending"`
}

// CreateBookingResponse is the success envelope.
type CreateBookingResponse struct {
	Success bool              `json:"success"`
	Data    CreateBookingData `json:"data"`
}

// Create books a session with a coach.
// POST /booking/create
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body CreateBookingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid JSON body", nil))
		return
	}
	if err := h.validate.Struct(body); err != nil {
		apperr.WriteJSON(w, validationError(err))
		return
	}

	menteeID, _ := middleware.UserIDFromContext(r.Context())
	result, err := h.coordinator.CreateBooking(r.Context(), Request{
		EventTypeID:   body.EventTypeID,
		Start:         body.StartTime,
		End:           body.EndTime,
		AttendeeName:  strings.TrimSpace(body.AttendeeName),
		AttendeeEmail: strings.TrimSpace(body.AttendeeEmail),
		TimeZone:      body.TimeZone,
		Notes:         body.Notes,
		CustomInputs:  body.CustomInputs,
		MenteeID:      menteeID,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.logger.Error("booking failed", "event_type_id", body.EventTypeID, "error", err)
		}
		apperr.WriteJSON(w, err)
		return
	}

	links := result.CalendarLinks
	if links == nil {
		links = []calcom.CalendarLink{}
	}
	start, end := result.Booking.Start, result.Booking.End
	if start.IsZero() {
		start, end = body.StartTime, body.EndTime
	}
	writeJSON(w, http.StatusCreated, CreateBookingResponse{
		Success: true,
		Data: CreateBookingData{
			Booking: BookingView{
				ID:            result.BookingID,
				CalBookingUID: result.Booking.UID,
				Title:         result.Booking.Title,
				StartTime:     start,
				EndTime:       end,
				AttendeeName:  body.AttendeeName,
				AttendeeEmail: body.AttendeeEmail,
			},
			CalendarLinks:         links,
			ReconciliationPending: result.ReconciliationPending,
		},
	})
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("invalid request", nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return apperr.Validation("request validation failed", fields)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
