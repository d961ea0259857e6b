package subscription

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Retainer periodically purges subscription_event rows that have finished
// delivery (delivered or abandoned) past their retention window, following
// internal/delivery/worker.go's direct-SQL-against-the-pool style rather
// than going through the generic store (this table has no FHIR resource
// shape of its own, per migrations/003_subscription_tables.sql).
type Retainer struct {
	pool           *pgxpool.Pool
	deliveredAfter time.Duration
	failedAfter    time.Duration
	logger         zerolog.Logger
}

func NewRetainer(pool *pgxpool.Pool, deliveredAfter, failedAfter time.Duration, logger zerolog.Logger) *Retainer {
	return &Retainer{
		pool: pool, deliveredAfter: deliveredAfter, failedAfter: failedAfter,
		logger: logger.With().Str("component", "subscription-retainer").Logger(),
	}
}

// Purge deletes delivered events older than deliveredAfter and abandoned
// events older than failedAfter, returning the number of rows removed.
func (r *Retainer) Purge(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM subscription_event
WHERE (status = 'delivered' AND created_at < now() - ($1 * interval '1 hour'))
   OR (status = 'abandoned' AND created_at < now() - ($2 * interval '1 hour'))`,
		r.deliveredAfter.Hours(), r.failedAfter.Hours())
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	if n > 0 {
		r.logger.Info().Int64("purged", n).Msg("purged expired subscription events")
	}
	return n, nil
}
