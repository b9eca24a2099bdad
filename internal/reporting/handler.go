package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/internal/coaches"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

type coachLookup interface {
	GetByULID(ctx context.Context, ulid string) (*coaches.Coach, error)
	GetIntegration(ctx context.Context, coachULID string) (*coaches.Integration, error)
}

type statusReader interface {
	SyncStatus(ctx context.Context, coachULID string, now time.Time) (*SyncStatus, error)
}

// Handler serves sync reports to operators.
type Handler struct {
	coaches coachLookup
	reports statusReader
	logger  *logging.Logger
	now     func() time.Time
}

func NewHandler(coachStore coachLookup, reports statusReader, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{coaches: coachStore, reports: reports, logger: logger, now: time.Now}
}

type syncStatusResponse struct {
	Success bool        `json:"success"`
	Data    *SyncStatus `json:"data"`
}

// SyncStatus reports ledger drift for one coach.
// GET /admin/coaches/{coachUlid}/sync-status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	coachULID := chi.URLParam(r, "coachUlid")
	if coachULID == "" {
		apperr.WriteJSON(w, apperr.Validation("coachUlid is required", map[string]string{"coachUlid": "required"}))
		return
	}

	if _, err := h.coaches.GetByULID(r.Context(), coachULID); err != nil {
		if errors.Is(err, coaches.ErrNotFound) {
			apperr.WriteJSON(w, apperr.NotFound("coach not found", err))
			return
		}
		h.logger.Error("failed to load coach", "coach_ulid", coachULID, "error", err)
		apperr.WriteJSON(w, apperr.Internal("failed to load coach", err))
		return
	}

	status, err := h.reports.SyncStatus(r.Context(), coachULID, h.now().UTC())
	if err != nil {
		h.logger.Error("failed to build sync status", "coach_ulid", coachULID, "error", err)
		apperr.WriteJSON(w, apperr.Internal("failed to build sync status", err))
		return
	}

	integration, err := h.coaches.GetIntegration(r.Context(), coachULID)
	switch {
	case err == nil:
		status.Integration = &Integration{
			ExternalUserID: integration.ExternalUserID,
			Username:       integration.Username,
			Email:          integration.Email,
			Managed:        integration.Managed,
		}
	case !errors.Is(err, coaches.ErrNotFound):
		h.logger.Warn("failed to load calendar integration", "coach_ulid", coachULID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(syncStatusResponse{Success: true, Data: status})
}
