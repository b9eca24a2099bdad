package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/coaching-platform/internal/apperr"
	"github.com/wolfman30/coaching-platform/pkg/logging"
)

const (
	signatureHeader = "X-Cal-Signature-256"
	testModeHeader  = "X-Test-Mode"
	maxWebhookBody  = 1 << 20
)

type eventApplier interface {
	Apply(ctx context.Context, evt Event) (Outcome, error)
}

type webhookMetrics interface {
	ObserveWebhook(trigger, result string)
	ObserveWebhookLatency(trigger string, seconds float64)
}

// Receiver handles calendar booking webhooks.
type Receiver struct {
	secret        string
	allowTestMode bool
	applier       eventApplier
	metrics       webhookMetrics
	logger        *logging.Logger
}

// ReceiverConfig configures signature verification.
type ReceiverConfig struct {
	Secret string
	// AllowTestMode lets deliveries carrying "X-Test-Mode: true" skip signature checks.
	AllowTestMode bool
}

// NewReceiver creates a new webhook receiver. metrics may be nil.
func NewReceiver(cfg ReceiverConfig, applier eventApplier, metrics webhookMetrics, logger *logging.Logger) *Receiver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Receiver{
		secret:        cfg.Secret,
		allowTestMode: cfg.AllowTestMode,
		applier:       applier,
		metrics:       metrics,
		logger:        logger,
	}
}

type ackResponse struct {
	Success bool    `json:"success"`
	Outcome Outcome `json:"outcome,omitempty"`
}

// Handle processes a webhook delivery.
// POST /webhooks/receiver
func (h *Receiver) Handle(w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation("invalid body", nil))
		return
	}

	if !h.authorized(r, payload) {
		h.logger.Warn("calendar webhook signature rejected", "remote_addr", r.RemoteAddr)
		h.observe("unknown", "unauthorized", began)
		apperr.WriteJSON(w, apperr.Unauthorized("invalid webhook signature"))
		return
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode calendar event", "error", err)
		h.observe("unknown", "bad_request", began)
		apperr.WriteJSON(w, apperr.Validation("invalid event payload", nil))
		return
	}

	trigger := string(evt.Trigger)
	outcome, err := h.applier.Apply(r.Context(), evt)
	if err != nil {
		h.logger.Error("failed to apply calendar event",
			"trigger", trigger,
			"booking_uid", evt.Payload.UID,
			"error", err,
		)
		h.observe(trigger, "error", began)
		apperr.WriteJSON(w, apperr.Internal("failed to process event", err))
		return
	}

	h.observe(trigger, string(outcome), began)
	writeJSON(w, http.StatusOK, ackResponse{Success: true, Outcome: outcome})
}

func (h *Receiver) authorized(r *http.Request, payload []byte) bool {
	if h.allowTestMode && strings.EqualFold(r.Header.Get(testModeHeader), "true") {
		h.logger.Info("calendar webhook accepted in test mode")
		return true
	}
	return verifySignature(h.secret, payload, r.Header.Get(signatureHeader))
}

func (h *Receiver) observe(trigger, result string, began time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveWebhook(trigger, result)
	h.metrics.ObserveWebhookLatency(trigger, time.Since(began).Seconds())
}

// verifySignature checks a hex HMAC-SHA256 of payload, optionally prefixed with "sha256=".
func verifySignature(secret string, payload []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
