package reconcile

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/internal/calcom"
	"github.com/wolfman30/coaching-platform/internal/coaches"
	httpmiddleware "github.com/wolfman30/coaching-platform/internal/http/middleware"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

type resyncer interface {
	Resync(ctx context.Context, uid, coachULID string) (Outcome, error)
}

// AdminHandler exposes manual reconciliation to operators.
type AdminHandler struct {
	applier resyncer
	logger  *logging.Logger
}

func NewAdminHandler(applier resyncer, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{applier: applier, logger: logger}
}

type resyncResponse struct {
	Success bool   `json:"success"`
	Data    resync `json:"data"`
}

type resync struct {
	UID       string  `json:"uid"`
	CoachULID string  `json:"coachUlid"`
	Outcome   Outcome `json:"outcome"`
}

// Resync re-applies a booking fetched from the calendar.
// POST /admin/bookings/{uid}/resync?coachUlid=
func (h *AdminHandler) Resync(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	coachULID := r.URL.Query().Get("coachUlid")
	if uid == "" || coachULID == "" {
		apperr.WriteJSON(w, apperr.Validation("uid and coachUlid are required", map[string]string{"coachUlid": "required"}))
		return
	}

	logger := h.logger.With("booking_uid", uid, "coach_ulid", coachULID)
	if op, ok := httpmiddleware.OperatorFromContext(r.Context()); ok {
		logger = logger.With("operator", op.Subject)
	}

	outcome, err := h.applier.Resync(r.Context(), uid, coachULID)
	if err != nil {
		logger.Error("booking resync failed", "error", err)
		apperr.WriteJSON(w, resyncError(err))
		return
	}
	logger.Info("booking resynced", "outcome", outcome)

	writeJSON(w, http.StatusOK, resyncResponse{
		Success: true,
		Data:    resync{UID: uid, CoachULID: coachULID, Outcome: outcome},
	})
}

func resyncError(err error) error {
	if errors.Is(err, coaches.ErrNotFound) {
		return apperr.NotFound("coach not found", err)
	}
	var apiErr *calcom.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return apperr.NotFound("booking not found in calendar", err)
		}
		return apperr.Upstream(apiErr.StatusCode, "calendar lookup failed", err)
	}
	return apperr.Internal("resync failed", err)
}
