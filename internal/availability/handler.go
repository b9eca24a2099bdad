package availability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/internal/coaches"
	"github.com/wolfman30/coaching-platform/internal/http/middleware"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

// MaxQueryDays bounds the date range of a single availability query.
const MaxQueryDays = 62

type coachLookup interface {
	GetByULID(ctx context.Context, ulid string) (*coaches.Coach, error)
	GetByUserID(ctx context.Context, userID string) (*coaches.Coach, error)
}

type ruleRepository interface {
	List(ctx context.Context, coachULID string) ([]Rule, error)
	Replace(ctx context.Context, coachULID string, rules []Rule) error
}

type busyLister interface {
	ListBusy(ctx context.Context, coachULID string, from, to time.Time) ([]Busy, error)
}

type slotMetrics interface {
	ObserveSlotGeneration(seconds float64, slots int)
}

// Handler serves slot queries and coach rule management.
type Handler struct {
	coaches coachLookup
	rules   ruleRepository
	busy    busyLister
	metrics slotMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewHandler creates a new availability HTTP handler. metrics may be nil.
func NewHandler(coachStore coachLookup, rules ruleRepository, busy busyLister, metrics slotMetrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		coaches: coachStore,
		rules:   rules,
		busy:    busy,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SlotResponse is a single bookable slot with its price.
type SlotResponse struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Rate      float64   `json:"rate"`
	Currency  string    `json:"currency"`
}

// AvailableSlotsResponse is the body of GET /sessions/available.
type AvailableSlotsResponse struct {
	AvailableSlots []SlotResponse        `json:"availableSlots"`
	Timezone       string                `json:"timezone"`
	SessionConfig  coaches.SessionConfig `json:"sessionConfig"`
}

// AvailableSlots lists the bookable slots of a coach.
// GET /sessions/available?coachUlid=&startDate=&endDate=&duration=
func (h *Handler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coachULID := q.Get("coachUlid")
	if coachULID == "" {
		apperr.WriteJSON(w, apperr.Validation("coachUlid is required", map[string]string{"coachUlid": "required"}))
		return
	}

	coach, err := h.coaches.GetByULID(r.Context(), coachULID)
	if err != nil {
		h.writeLookupError(w, "coach_ulid", coachULID, err)
		return
	}
	loc := coach.Location()
	cfg := coach.SessionConfig.Normalize()

	minutes := cfg.DefaultDuration
	if raw := q.Get("duration"); raw != "" {
		parsed, perr := strconv.Atoi(raw)
		if perr != nil {
			apperr.WriteJSON(w, apperr.Validation("duration must be a whole number of minutes", map[string]string{"duration": "invalid"}))
			return
		}
		minutes = parsed
	}
	if err := cfg.ValidateDuration(minutes); err != nil {
		apperr.WriteJSON(w, apperr.Validation("duration is not offered by this coach", map[string]string{"duration": "unsupported"}))
		return
	}

	start, err := parseQueryDate(q.Get("startDate"), loc)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation("startDate must be YYYY-MM-DD or RFC3339", map[string]string{"startDate": "invalid"}))
		return
	}
	end, err := parseQueryDate(q.Get("endDate"), loc)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation("endDate must be YYYY-MM-DD or RFC3339", map[string]string{"endDate": "invalid"}))
		return
	}
	if end.Before(start) {
		apperr.WriteJSON(w, apperr.Validation("endDate must not precede startDate", map[string]string{"endDate": "before_start"}))
		return
	}
	first, last := startOfDay(start.In(loc)), startOfDay(end.In(loc))
	if daysBetween(first, last) > MaxQueryDays {
		apperr.WriteJSON(w, apperr.Validation("date range exceeds 62 days", map[string]string{"endDate": "range_too_large"}))
		return
	}

	rules, err := h.rules.List(r.Context(), coach.ULID)
	if err != nil {
		h.logger.Error("failed to list availability rules", "coach_ulid", coach.ULID, "error", err)
		apperr.WriteJSON(w, apperr.Internal("failed to load availability", err))
		return
	}
	busy, err := h.busy.ListBusy(r.Context(), coach.ULID, first, last.AddDate(0, 0, 1))
	if err != nil {
		h.logger.Error("failed to list booked sessions", "coach_ulid", coach.ULID, "error", err)
		apperr.WriteJSON(w, apperr.Internal("failed to load sessions", err))
		return
	}

	began := time.Now()
	slots := DedupeSlots(GenerateSlots(rules, busy, first, last, time.Duration(minutes)*time.Minute, loc))

	now := h.now()
	rate := cfg.RateFor(minutes)
	resp := AvailableSlotsResponse{
		AvailableSlots: make([]SlotResponse, 0, len(slots)),
		Timezone:       loc.String(),
		SessionConfig:  cfg,
	}
	for _, s := range slots {
		if s.Start.Before(now) {
			continue
		}
		resp.AvailableSlots = append(resp.AvailableSlots, SlotResponse{
			StartTime: s.Start,
			EndTime:   s.End,
			Rate:      rate,
			Currency:  cfg.Currency,
		})
	}
	if h.metrics != nil {
		h.metrics.ObserveSlotGeneration(time.Since(began).Seconds(), len(resp.AvailableSlots))
	}

	writeJSON(w, http.StatusOK, resp)
}

// RulesResponse is the body of GET and PUT /coach/availability.
type RulesResponse struct {
	CoachULID string `json:"coachUlid"`
	Timezone  string `json:"timezone"`
	Rules     []Rule `json:"rules"`
}

// ReplaceRulesRequest is the body of PUT /coach/availability.
type ReplaceRulesRequest struct {
	Rules []Rule `json:"rules"`
}

// GetRules returns the authenticated coach's rule set.
// GET /coach/availability
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	coach, ok := h.currentCoach(w, r)
	if !ok {
		return
	}
	rules, err := h.rules.List(r.Context(), coach.ULID)
	if err != nil {
		h.logger.Error("failed to list availability rules", "coach_ulid", coach.ULID, "error", err)
		apperr.WriteJSON(w, apperr.Internal("failed to load availability", err))
		return
	}
	if rules == nil {
		rules = []Rule{}
	}
	writeJSON(w, http.StatusOK, RulesResponse{CoachULID: coach.ULID, Timezone: coach.Location().String(), Rules: rules})
}

// ReplaceRules supersedes the authenticated coach's rule set.
// PUT /coach/availability
func (h *Handler) ReplaceRules(w http.ResponseWriter, r *http.Request) {
	coach, ok := h.currentCoach(w, r)
	if !ok {
		return
	}

	var req ReplaceRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid JSON body", nil))
		return
	}
	rules, err := NormalizeRules(req.Rules)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation(err.Error(), map[string]string{"rules": "invalid"}))
		return
	}

	if err := h.rules.Replace(r.Context(), coach.ULID, rules); err != nil {
		if errors.Is(err, ErrInvalidRule) {
			apperr.WriteJSON(w, apperr.Validation(err.Error(), map[string]string{"rules": "invalid"}))
			return
		}
		h.logger.Error("failed to replace availability rules", "coach_ulid", coach.ULID, "error", err)
		apperr.WriteJSON(w, apperr.Internal("failed to save availability", err))
		return
	}

	h.logger.Info("availability rules replaced", "coach_ulid", coach.ULID, "rules", len(rules))
	writeJSON(w, http.StatusOK, RulesResponse{CoachULID: coach.ULID, Timezone: coach.Location().String(), Rules: rules})
}

func (h *Handler) currentCoach(w http.ResponseWriter, r *http.Request) (*coaches.Coach, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		apperr.WriteJSON(w, apperr.Unauthorized("authentication required"))
		return nil, false
	}
	coach, err := h.coaches.GetByUserID(r.Context(), userID)
	if err != nil {
		h.writeLookupError(w, "user_id", userID, err)
		return nil, false
	}
	return coach, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, logKey, value string, err error) {
	if errors.Is(err, coaches.ErrNotFound) {
		apperr.WriteJSON(w, apperr.NotFound("coach not found", err))
		return
	}
	h.logger.Error("failed to look up coach", logKey, value, "error", err)
	apperr.WriteJSON(w, apperr.Internal("failed to load coach", err))
}

// parseQueryDate accepts a calendar date (interpreted in loc) or an RFC3339 timestamp.
func parseQueryDate(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.ParseInLocation(dateLayout, raw, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
