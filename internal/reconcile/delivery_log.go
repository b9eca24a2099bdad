package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Delivery identifies a webhook delivery. Exact redeliveries share all three fields.
type Delivery struct {
	Trigger   Trigger
	UID       string
	CreatedAt time.Time
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DeliveryLog records webhook deliveries that were already applied.
type DeliveryLog struct {
	db rowQuerier
}

func NewDeliveryLog(db rowQuerier) *DeliveryLog {
	if db == nil {
		panic("reconcile: db required")
	}
	return &DeliveryLog{db: db}
}

// AlreadyProcessed checks if we've seen this delivery.
func (l *DeliveryLog) AlreadyProcessed(ctx context.Context, d Delivery) (bool, error) {
	query := `
		SELECT 1 FROM processed_webhooks
		WHERE trigger_event = $1 AND booking_uid = $2 AND event_created_at = $3
	`
	var exists int
	if err := l.db.QueryRow(ctx, query, string(d.Trigger), d.UID, d.CreatedAt).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reconcile: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records a delivery, returning false if it already exists.
func (l *DeliveryLog) MarkProcessed(ctx context.Context, d Delivery) (bool, error) {
	query := `
		INSERT INTO processed_webhooks (trigger_event, booking_uid, event_created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	ct, err := l.db.Exec(ctx, query, string(d.Trigger), d.UID, d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("reconcile: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
