package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/assetdiffbot/internal/gitops"
	"github.com/assetdiffbot/internal/job"
	"github.com/assetdiffbot/internal/report"
	"github.com/assetdiffbot/internal/sprites"
	"github.com/assetdiffbot/internal/tilemaps"
)

// worktreeName is the head tree's directory inside the clone. A single
// reused worktree is enough because jobs run one at a time.
const worktreeName = "adb-head"

// spriteChange is one sprite-sheet file with its resolved revision pair.
type spriteChange struct {
	path    string
	baseSha string
	headSha string
}

// fileSets is the job's file list partitioned by engine and change kind.
type fileSets struct {
	sprites      []spriteChange
	mapsAdded    []string
	mapsRemoved  []string
	mapsModified []string
}

func (s fileSets) total() int {
	return len(s.sprites) + len(s.mapsAdded) + len(s.mapsRemoved) + len(s.mapsModified)
}

// partition splits the request's files between the sprite and map engines.
// Files whose change kind resolves to no revision pair (renames, copies) are
// skipped with a log line so the gap stays visible.
func (w *Worker) partition(req *job.DiffRequest) fileSets {
	var sets fileSets
	for _, f := range req.Files {
		before, after := f.RevisionShas(req.Base.Sha, req.Head.Sha)
		if before == "" && after == "" {
			log.Warn().Str("file", f.Filename).Str("status", string(f.Status)).
				Msg("skipping file change with no revision pair")
			continue
		}

		ext := filepath.Ext(f.Filename)
		switch {
		case hasExt(ext, w.cfg.Diff.SpriteExtensions):
			sets.sprites = append(sets.sprites, spriteChange{path: f.Filename, baseSha: before, headSha: after})
		case hasExt(ext, w.cfg.Diff.MapExtensions):
			switch f.Status {
			case job.Added:
				sets.mapsAdded = append(sets.mapsAdded, f.Filename)
			case job.Removed:
				sets.mapsRemoved = append(sets.mapsRemoved, f.Filename)
			case job.Modified:
				sets.mapsModified = append(sets.mapsModified, f.Filename)
			}
		}
	}
	return sets
}

func hasExt(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(ext, a) {
			return true
		}
	}
	return false
}

// ProcessDiff runs one diff job end to end. Per-file failures land inline in
// the report; a returned error is a job-level failure already surfaced on the
// check run. Transient job branches are cleaned up on every exit path, and a
// cleanup failure never masks a render failure.
func (w *Worker) ProcessDiff(ctx context.Context, req *job.DiffRequest) error {
	checkID := req.CheckRun
	if checkID == 0 {
		id, err := w.reporter.CreateCheckRun(ctx, req.Installation, req.Repo, req.Head.Sha, checkRunName)
		if err != nil {
			return fmt.Errorf("creating check run: %w", err)
		}
		checkID = id
	}

	repo, err := w.openOrClone(ctx, req, checkID)
	if err != nil {
		err = fmt.Errorf("preparing clone: %w", err)
		w.failCheck(ctx, req, checkID, err)
		return err
	}

	if err := w.reporter.MarkStarted(ctx, req.Installation, req.Repo, checkID,
		"Rendering asset diffs", "Fetching revisions and rendering changed assets."); err != nil {
		log.Warn().Err(err).Int64("check", checkID).Msg("failed to mark check run started")
	}

	renderErr := w.render(ctx, req, repo, checkID)

	defaultBranch, err := repo.DefaultBranch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("repo", req.Repo.FullName()).Msg("falling back to base ref as default branch")
		defaultBranch = req.Base.Ref
	}
	cleanupErr := repo.CleanUpReferences(ctx, defaultBranch)

	if renderErr != nil {
		w.failCheck(ctx, req, checkID, renderErr)
		return renderErr
	}
	if cleanupErr != nil {
		return fmt.Errorf("cleaning up references: %w", cleanupErr)
	}
	return nil
}

func (w *Worker) failCheck(ctx context.Context, req *job.DiffRequest, checkID int64, jobErr error) {
	if err := w.reporter.FailCheckRun(ctx, req.Installation, req.Repo, checkID, jobErr); err != nil {
		log.Error().Err(err).Int64("check", checkID).Msg("failed to report job failure")
	}
}

// openOrClone opens the repo's persistent clone, cloning it on the first job.
// The initial clone of a large repo takes minutes, so the check run gets a
// progress message before it starts.
func (w *Worker) openOrClone(ctx context.Context, req *job.DiffRequest, checkID int64) (*gitops.Repo, error) {
	dir := filepath.Join(w.cfg.ReposDir(), req.Repo.Owner, req.Repo.Name)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return gitops.Open(dir)
	}

	if err := w.reporter.MarkStarted(ctx, req.Installation, req.Repo, checkID,
		"Cloning repository", "First job for this repository; cloning may take a while."); err != nil {
		log.Warn().Err(err).Int64("check", checkID).Msg("failed to post clone progress")
	}

	token, err := w.reporter.CloneToken(ctx, req.Installation)
	if err != nil {
		return nil, fmt.Errorf("fetching clone token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}

	log.Info().Str("repo", req.Repo.FullName()).Str("dir", dir).Msg("cloning repository")
	return gitops.Clone(ctx, cloneURL(req.Repo, token), dir)
}

func cloneURL(repo job.Repository, token string) string {
	if token == "" {
		return repo.CloneURL()
	}
	return "https://x-access-token:" + token + "@github.com/" + repo.FullName()
}

// render materializes both trees, runs the engines, and publishes the report.
func (w *Worker) render(ctx context.Context, req *job.DiffRequest, repo *gitops.Repo, checkID int64) error {
	baseRef, headRef, err := repo.OpenRevisionPair(ctx, req.Base.Sha, req.Head.Sha, req.Base.Ref, req.PullRequest)
	if err != nil {
		return err
	}

	sets := w.partition(req)
	prefix := filepath.Join(req.Repo.Owner, req.Repo.Name, strconv.Itoa(req.PullRequest))
	urlRoot := strings.TrimRight(w.cfg.Server.PublicURL, "/") + "/images"

	spriteDiffer := sprites.NewDiffer(w.spriteDec, w.spriteRen, w.cfg.OutputDir(), urlRoot, prefix)
	mapDiffer := tilemaps.NewDiffer(w.mapLoader, w.mapRen, w.cfg.OutputDir(), urlRoot, prefix)

	asm := report.NewAssembler(checkRunName,
		fmt.Sprintf("%d changed asset file(s) in %s#%d", sets.total(), req.Repo.FullName(), req.PullRequest))

	err = repo.WithCheckout(ctx, baseRef, func(baseDir string) error {
		return repo.WithCheckoutWorktree(ctx, headRef, worktreeName, func(headDir string) error {
			for _, sc := range sets.sprites {
				res := spriteDiffer.DiffFile(ctx, sc.path, sc.baseSha, sc.headSha, baseDir, headDir)
				if res.Err != nil {
					asm.AddError(res.File, res.Err)
					continue
				}
				asm.Add(res.ReportEntry())
			}

			mapResults, err := mapDiffer.Run(ctx, baseDir, headDir, sets.mapsAdded, sets.mapsRemoved, sets.mapsModified)
			if err != nil {
				return err
			}
			for _, res := range mapResults {
				if res.Err != nil {
					asm.AddError(res.File, res.Err)
					continue
				}
				asm.Add(res.ReportEntry())
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	outputs := asm.Build()
	if len(outputs) == 0 {
		outputs = []report.Output{{Title: checkRunName, Summary: "No renderable asset differences."}}
	}
	return w.reporter.PublishReport(ctx, req.Installation, req.Repo, req.Head.Sha, checkID, checkRunName, outputs)
}

// ProcessCleanup walks every clone under <repos>/<owner>/<name> and drops
// transient state: pruned worktree bookkeeping and leftover job branches.
// Per-repo failures are collected rather than aborting the sweep.
func (w *Worker) ProcessCleanup(ctx context.Context) error {
	owners, err := os.ReadDir(w.cfg.ReposDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("listing clones: %w", err)
	}

	var errs []error
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(w.cfg.ReposDir(), owner.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, de := range repos {
			if !de.IsDir() {
				continue
			}
			name := owner.Name() + "/" + de.Name()
			dir := filepath.Join(w.cfg.ReposDir(), owner.Name(), de.Name())
			repo, err := gitops.Open(dir)
			if err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("skipping non-repo directory during cleanup")
				continue
			}
			if err := repo.PruneWorktrees(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			defaultBranch, err := repo.DefaultBranch(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if err := repo.CleanUpReferences(ctx, defaultBranch); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
