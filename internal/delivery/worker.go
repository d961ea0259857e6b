// Package delivery implements the subscription delivery worker pool (C8):
// claiming queued subscription_event rows, dispatching them through a
// channel adapter, recording each attempt, and rescheduling failures with
// exponential backoff until they are abandoned.
//
// Grounded on internal/platform/fhir/notify.go's NotificationEngine delivery
// tick loop, generalized from its single in-process criteria-match-then-send
// step into a claim-then-dispatch loop driven by a durable queue table, the
// way internal/platform/webhook.WebhookManager records DeliveryAttempts
// per endpoint.
package delivery

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config tunes the worker pool's claim batch size, poll interval, retry
// schedule, and abandonment threshold.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    20,
		BackoffBase:  30 * time.Second,
		BackoffMax:   time.Hour,
		MaxAttempts:  10,
	}
}

// WorkerPool repeatedly claims due subscription_event rows and dispatches
// each through the Channel registered for its channel_type.
type WorkerPool struct {
	pool     *pgxpool.Pool
	channels map[string]Channel
	cfg      Config
	logger   zerolog.Logger
}

func NewWorkerPool(pool *pgxpool.Pool, channels map[string]Channel, cfg Config, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{pool: pool, channels: channels, cfg: cfg, logger: logger.With().Str("component", "delivery.worker").Logger()}
}

// Run polls until ctx is cancelled, claiming and delivering one batch per tick.
func (w *WorkerPool) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.logger.Error().Err(err).Msg("delivery worker tick failed")
			}
		}
	}
}

type claimedEvent struct {
	id              string
	subscriptionID  string
	channelType     string
	channelEndpoint string
	channelHeaders  []string
	bundle          []byte
	attempts        int
}

// tick claims up to BatchSize due events with SELECT ... FOR UPDATE SKIP
// LOCKED so multiple worker processes can run concurrently without
// double-delivering the same event.
func (w *WorkerPool) tick(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, subscription_id, channel_type, channel_endpoint, channel_headers, bundle, attempts
FROM subscription_event
WHERE status = 'pending' AND next_retry_at <= NOW()
ORDER BY next_retry_at
LIMIT $1
FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	var claimed []claimedEvent
	for rows.Next() {
		var e claimedEvent
		if err := rows.Scan(&e.id, &e.subscriptionID, &e.channelType, &e.channelEndpoint, &e.channelHeaders, &e.bundle, &e.attempts); err != nil {
			rows.Close()
			return err
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(claimed) == 0 {
		return tx.Commit(ctx)
	}

	ids := make([]string, len(claimed))
	for i, e := range claimed {
		ids[i] = e.id
	}
	if _, err := tx.Exec(ctx, `UPDATE subscription_event SET status = 'delivering' WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, e := range claimed {
		w.deliverOne(ctx, e)
	}
	return nil
}

func (w *WorkerPool) deliverOne(ctx context.Context, e claimedEvent) {
	channel, ok := w.channels[e.channelType]
	if !ok {
		w.logger.Error().Str("channelType", e.channelType).Msg("no channel adapter registered")
		w.reschedule(ctx, e, Result{Success: false, Error: "unknown channel type " + e.channelType})
		return
	}

	started := time.Now()
	result := channel.Deliver(ctx, Notification{
		EventID:         e.id,
		SubscriptionID:  e.subscriptionID,
		Bundle:          e.bundle,
		ChannelEndpoint: e.channelEndpoint,
		ChannelHeaders:  e.channelHeaders,
	})

	w.recordAttempt(ctx, e, result, started)
	if result.Success {
		w.markDelivered(ctx, e)
	} else {
		w.reschedule(ctx, e, result)
	}
}

func (w *WorkerPool) recordAttempt(ctx context.Context, e claimedEvent, result Result, started time.Time) {
	_, err := w.pool.Exec(ctx, `
INSERT INTO subscription_delivery
    (event_id, subscription_id, attempt_number, channel, started_at, completed_at, success, http_status, response_time_ms, error)
VALUES ($1, $2, $3, $4, $5, NOW(), $6, $7, $8, $9)`,
		e.id, e.subscriptionID, e.attempts+1, e.channelType, started, result.Success,
		nullableInt(result.HTTPStatus), int(result.ResponseTime.Milliseconds()), nullableString(result.Error))
	if err != nil {
		w.logger.Error().Err(err).Str("eventId", e.id).Msg("recording delivery attempt")
	}
}

func (w *WorkerPool) markDelivered(ctx context.Context, e claimedEvent) {
	if _, err := w.pool.Exec(ctx, `UPDATE subscription_event SET status = 'delivered', attempts = $2 WHERE id = $1`, e.id, e.attempts+1); err != nil {
		w.logger.Error().Err(err).Str("eventId", e.id).Msg("marking event delivered")
	}
	if _, err := w.pool.Exec(ctx, `
UPDATE subscription_status SET last_delivery_at = NOW(), updated_at = NOW() WHERE subscription_id = $1`, e.subscriptionID); err != nil {
		w.logger.Error().Err(err).Str("subscriptionId", e.subscriptionID).Msg("updating subscription status")
	}
}

func (w *WorkerPool) reschedule(ctx context.Context, e claimedEvent, result Result) {
	attempts := e.attempts + 1
	if attempts >= w.cfg.MaxAttempts {
		if _, err := w.pool.Exec(ctx, `
UPDATE subscription_event SET status = 'abandoned', attempts = $2, last_error = $3 WHERE id = $1`,
			e.id, attempts, result.Error); err != nil {
			w.logger.Error().Err(err).Str("eventId", e.id).Msg("marking event abandoned")
		}
		w.bumpErrorCount(ctx, e.subscriptionID, result.Error)
		return
	}

	delay := backoff(w.cfg.BackoffBase, attempts, w.cfg.BackoffMax)
	if _, err := w.pool.Exec(ctx, `
UPDATE subscription_event
SET status = 'pending', attempts = $2, next_retry_at = $3, last_error = $4
WHERE id = $1`, e.id, attempts, time.Now().Add(delay), result.Error); err != nil {
		w.logger.Error().Err(err).Str("eventId", e.id).Msg("rescheduling failed event")
	}
	w.bumpErrorCount(ctx, e.subscriptionID, result.Error)
}

func (w *WorkerPool) bumpErrorCount(ctx context.Context, subscriptionID, lastError string) {
	if _, err := w.pool.Exec(ctx, `
UPDATE subscription_status SET error_count = error_count + 1, last_error = $2, updated_at = NOW()
WHERE subscription_id = $1`, subscriptionID, lastError); err != nil {
		w.logger.Error().Err(err).Str("subscriptionId", subscriptionID).Msg("bumping subscription error count")
	}
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
