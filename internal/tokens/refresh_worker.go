package tokens

import (
	"context"
	"time"

	"github.com/wolfman30/coaching-platform/pkg/logging"
)

type expiringLister interface {
	ListExpiring(ctx context.Context, cutoff time.Time) ([]Credential, error)
}

// RefreshWorker periodically refreshes calendar credentials before they expire
// so that booking requests rarely pay for a refresh round trip.
type RefreshWorker struct {
	lister        expiringLister
	manager       *Manager
	logger        *logging.Logger
	interval      time.Duration
	refreshBefore time.Duration
	now           func() time.Time
}

// NewRefreshWorker creates a new token refresh worker.
func NewRefreshWorker(lister expiringLister, manager *Manager, logger *logging.Logger) *RefreshWorker {
	if logger == nil {
		logger = logging.Default()
	}
	return &RefreshWorker{
		lister:        lister,
		manager:       manager,
		logger:        logger,
		interval:      10 * time.Minute,
		refreshBefore: 30 * time.Minute,
		now:           time.Now,
	}
}

// WithInterval sets the check interval.
func (w *RefreshWorker) WithInterval(interval time.Duration) *RefreshWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithRefreshBefore sets how long before expiry to refresh.
func (w *RefreshWorker) WithRefreshBefore(d time.Duration) *RefreshWorker {
	if d > 0 {
		w.refreshBefore = d
	}
	return w
}

// Start runs the worker. Blocks until ctx is cancelled.
func (w *RefreshWorker) Start(ctx context.Context) {
	w.logger.Info("starting calendar token refresh worker",
		"interval", w.interval.String(),
		"refresh_before", w.refreshBefore.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("calendar token refresh worker shutting down")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes every credential expiring within refreshBefore and returns
// how many were refreshed.
func (w *RefreshWorker) RunOnce(ctx context.Context) int {
	creds, err := w.lister.ListExpiring(ctx, w.now().Add(w.refreshBefore))
	if err != nil {
		w.logger.Error("failed to list expiring credentials", "error", err)
		return 0
	}
	if len(creds) == 0 {
		w.logger.Debug("no calendar tokens need refresh")
		return 0
	}

	w.logger.Info("refreshing expiring calendar tokens", "count", len(creds))
	refreshed := 0
	for _, cred := range creds {
		if ctx.Err() != nil {
			break
		}
		if _, err := w.manager.EnsureValidToken(ctx, cred.CoachULID, true); err != nil {
			w.logger.Error("failed to refresh calendar token",
				"coach_ulid", cred.CoachULID,
				"error", err,
			)
			continue
		}
		refreshed++
	}
	return refreshed
}
