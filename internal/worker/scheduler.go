package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/assetdiffbot/internal/job"
)

// Maintenance runs once a day at 11:30 local time.
const (
	cleanupHour   = 11
	cleanupMinute = 30
)

// Enqueuer persists a job envelope into the durable queue.
type Enqueuer interface {
	Enqueue(env *job.Envelope) error
}

// nextCleanupRun returns the first maintenance slot strictly after now.
func nextCleanupRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, cleanupMinute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunCleanupScheduler enqueues the daily cleanup job until the context is
// cancelled. Going through the queue means maintenance never runs
// concurrently with a diff job.
func RunCleanupScheduler(ctx context.Context, q Enqueuer) {
	for {
		next := nextCleanupRun(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		env := &job.Envelope{
			ID:         uuid.NewString(),
			Kind:       job.KindCleanup,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := q.Enqueue(env); err != nil {
			log.Error().Err(err).Msg("failed to enqueue cleanup job")
			continue
		}
		log.Info().Str("job", env.ID).Time("next", nextCleanupRun(time.Now())).Msg("enqueued daily cleanup")
	}
}
