// Package worker consumes the durable job queue and runs the diff pipeline:
// materialize the revision pair on disk, render sprite and map diffs, and
// publish the assembled report as check runs.
package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/assetdiffbot/internal/config"
	"github.com/assetdiffbot/internal/job"
	"github.com/assetdiffbot/internal/queue"
	"github.com/assetdiffbot/internal/report"
	"github.com/assetdiffbot/internal/sprites"
	"github.com/assetdiffbot/internal/tilemaps"
)

// checkRunName is the name of the check run published on pull requests.
const checkRunName = "Asset diff render"

// Reporter is the outbound surface the pipeline needs on the review
// platform. Implemented by checks.Client.
type Reporter interface {
	CreateCheckRun(ctx context.Context, installation int64, repo job.Repository, headSha, name string) (int64, error)
	MarkStarted(ctx context.Context, installation int64, repo job.Repository, checkID int64, title, summary string) error
	PublishReport(ctx context.Context, installation int64, repo job.Repository, headSha string, checkID int64, name string, outputs []report.Output) error
	FailCheckRun(ctx context.Context, installation int64, repo job.Repository, checkID int64, jobErr error) error
	CloneToken(ctx context.Context, installation int64) (string, error)
}

// Worker is the single queue consumer. Jobs run strictly one at a time;
// parallelism lives inside the render engines, not across jobs.
type Worker struct {
	cfg      *config.Config
	queue    *queue.Queue
	reporter Reporter

	spriteDec sprites.Decoder
	spriteRen sprites.Renderer
	mapLoader tilemaps.Loader
	mapRen    tilemaps.Renderer
}

func New(cfg *config.Config, q *queue.Queue, reporter Reporter, dec sprites.Decoder, ren sprites.Renderer, loader tilemaps.Loader, mapRen tilemaps.Renderer) *Worker {
	return &Worker{
		cfg:       cfg,
		queue:     q,
		reporter:  reporter,
		spriteDec: dec,
		spriteRen: ren,
		mapLoader: loader,
		mapRen:    mapRen,
	}
}

// Run consumes jobs until the context is cancelled. A job is committed after
// processing whether it succeeded or failed terminally; job errors surface on
// the check run, not in the queue.
func (w *Worker) Run(ctx context.Context) error {
	for {
		entry, err := w.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		w.dispatch(ctx, entry.Job)

		if err := w.queue.Commit(entry); err != nil {
			log.Error().Err(err).Str("job", entry.Job.ID).Msg("failed to commit queue entry")
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, env *job.Envelope) {
	log.Info().Str("job", env.ID).Str("kind", string(env.Kind)).Msg("processing job")

	switch env.Kind {
	case job.KindDiff:
		if env.Request == nil {
			log.Error().Str("job", env.ID).Msg("diff job without request payload")
			return
		}
		if err := w.ProcessDiff(ctx, env.Request); err != nil {
			log.Error().Err(err).Str("job", env.ID).
				Str("repo", env.Request.Repo.FullName()).
				Int("pr", env.Request.PullRequest).
				Msg("diff job failed")
		}
	case job.KindCleanup:
		if err := w.ProcessCleanup(ctx); err != nil {
			log.Error().Err(err).Str("job", env.ID).Msg("cleanup job finished with errors")
		}
	default:
		log.Error().Str("job", env.ID).Str("kind", string(env.Kind)).Msg("unknown job kind")
	}
}
