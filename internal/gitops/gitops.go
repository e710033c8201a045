// Package gitops manages the physical git clones jobs operate on: fetching
// revision pairs, scoped checkouts, worktrees that let base and head trees
// coexist on disk, and the post-job reference cleanup.
//
// All operations shell out to the git CLI. Only one logical checkout mutates
// a clone at a time; that is guaranteed by the single-consumer job queue, not
// by locking here.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Transient job branches carry this marker so cleanup can find them.
const pullBranchMarker = "pull-"

// HeadBranchName returns the job-unique local branch name for a head
// revision. Deriving it from the sha pair means two jobs on different pull
// requests can never collide on a branch.
func HeadBranchName(baseSha, headSha string) string {
	return fmt.Sprintf("adb-pull-%s-%s", baseSha, headSha)
}

// Repo is an open git clone on disk.
type Repo struct {
	dir string
}

// Clone clones url into dir.
func Clone(ctx context.Context, url, dir string) (*Repo, error) {
	cmd := exec.CommandContext(ctx, "git", "clone", url, dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cloning %s: %w: %s", url, err, strings.TrimSpace(stderr.String()))
	}
	return &Repo{dir: dir}, nil
}

// Open opens an existing clone.
func Open(dir string) (*Repo, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", dir, err)
	}
	return &Repo{dir: dir}, nil
}

// Dir returns the clone's working directory.
func (r *Repo) Dir() string {
	return r.dir
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// hasCommit reports whether sha resolves to a commit in the object store.
func (r *Repo) hasCommit(ctx context.Context, sha string) bool {
	_, err := r.git(ctx, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// setBranch points refs/heads/<name> at target, creating the branch if it
// does not exist. update-ref works even when the branch is checked out; the
// stale working tree is dealt with by the forced checkout that follows.
func (r *Repo) setBranch(ctx context.Context, name, target string) error {
	_, err := r.git(ctx, "update-ref", "refs/heads/"+name, target)
	return err
}

// fetchBranchTo fetches refspec from origin with pruning and points the local
// branch at the result. If wantSha is resolvable afterwards the branch is
// re-pointed at it; otherwise the branch stays at the fetched tip. The
// fallback is deliberate leniency: a rebased-away sha still yields a
// meaningful diff against the closest known ancestor.
func (r *Repo) fetchBranchTo(ctx context.Context, refspec, branch, wantSha string) error {
	if _, err := r.git(ctx, "fetch", "--prune", "origin", refspec); err != nil {
		return fmt.Errorf("fetching %s: %w", refspec, err)
	}
	if err := r.setBranch(ctx, branch, "FETCH_HEAD"); err != nil {
		return fmt.Errorf("pointing %s at fetched tip: %w", branch, err)
	}
	if r.hasCommit(ctx, wantSha) {
		if err := r.setBranch(ctx, branch, wantSha); err != nil {
			return fmt.Errorf("pointing %s at %s: %w", branch, wantSha, err)
		}
	} else {
		log.Warn().
			Str("branch", branch).
			Str("sha", wantSha).
			Msg("Revision not resolvable, falling back to fetched branch tip")
	}
	return nil
}

// OpenRevisionPair prepares the clone for a diff between base and head.
// The base branch is fast-forwarded (or created) at the fetched tip, the
// head of the pull request lands on a job-unique branch, and the clone is
// left checked out at the base branch with a force-cleaned working tree.
func (r *Repo) OpenRevisionPair(ctx context.Context, baseSha, headSha, baseBranch string, pullRequest int) (baseRef, headRef string, err error) {
	if err := r.fetchBranchTo(ctx, baseBranch, baseBranch, baseSha); err != nil {
		return "", "", fmt.Errorf("preparing base: %w", err)
	}

	headRef = HeadBranchName(baseSha, headSha)
	pullRefspec := fmt.Sprintf("pull/%d/head", pullRequest)
	if err := r.fetchBranchTo(ctx, pullRefspec, headRef, headSha); err != nil {
		return "", "", fmt.Errorf("preparing head: %w", err)
	}

	// Leave the physical clone on the base branch so no job observes a
	// previous job's head state.
	if err := r.forceCheckout(ctx, baseBranch); err != nil {
		return "", "", fmt.Errorf("resetting clone to base: %w", err)
	}

	return baseBranch, headRef, nil
}

// forceCheckout switches the main working tree to ref and scrubs it,
// removing untracked and ignored files. Nested worktree directories carry
// their own .git link and survive the clean.
func (r *Repo) forceCheckout(ctx context.Context, ref string) error {
	if _, err := r.git(ctx, "checkout", "--force", ref); err != nil {
		return err
	}
	if _, err := r.git(ctx, "clean", "-fdx"); err != nil {
		return err
	}
	return nil
}

// WithCheckout checks the main working tree out at ref, force-cleans it, and
// runs fn with the working tree path. The checkout is not restored
// afterwards; the caller sequences further checkouts or cleanup.
func (r *Repo) WithCheckout(ctx context.Context, ref string, fn func(dir string) error) error {
	if err := r.forceCheckout(ctx, ref); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return fn(r.dir)
}

// WithCheckoutWorktree materializes ref in a named worktree under the clone's
// working directory and runs fn with the worktree path. The worktree is
// created on first use and re-pointed on subsequent calls, letting base and
// head trees exist on disk at the same time. The worktree checks out a
// detached HEAD so it never contends with the main tree over a branch.
func (r *Repo) WithCheckoutWorktree(ctx context.Context, ref, name string, fn func(dir string) error) error {
	wtDir := filepath.Join(r.dir, name)

	if _, err := os.Stat(filepath.Join(wtDir, ".git")); err == nil {
		wt := &Repo{dir: wtDir}
		if _, err := wt.git(ctx, "checkout", "--force", "--detach", ref); err != nil {
			return fmt.Errorf("updating worktree %s: %w", name, err)
		}
		if _, err := wt.git(ctx, "clean", "-fdx"); err != nil {
			return fmt.Errorf("cleaning worktree %s: %w", name, err)
		}
	} else {
		if _, err := r.git(ctx, "worktree", "add", "--force", "--detach", wtDir, ref); err != nil {
			return fmt.Errorf("creating worktree %s: %w", name, err)
		}
	}

	return fn(wtDir)
}

// CleanUpReferences resets the clone to the named default branch and deletes
// every transient job branch. It must run on every job exit path; a cleanup
// failure is reported to the caller but never replaces an earlier render
// error.
func (r *Repo) CleanUpReferences(ctx context.Context, defaultBranch string) error {
	if err := r.forceCheckout(ctx, defaultBranch); err != nil {
		return fmt.Errorf("resetting to %s: %w", defaultBranch, err)
	}

	out, err := r.git(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return fmt.Errorf("listing branches: %w", err)
	}

	var errs []error
	for _, branch := range strings.Split(out, "\n") {
		branch = strings.TrimSpace(branch)
		if branch == "" || !strings.Contains(branch, pullBranchMarker) {
			continue
		}
		if _, err := r.git(ctx, "branch", "-D", branch); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", branch, err))
		}
	}
	return errors.Join(errs...)
}

// PruneWorktrees drops worktree bookkeeping for directories that no longer
// exist. Used by the scheduled maintenance job.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	_, err := r.git(ctx, "worktree", "prune")
	return err
}

// DefaultBranch reports the remote's default branch name.
func (r *Repo) DefaultBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving default branch: %w", err)
	}
	return strings.TrimPrefix(out, "origin/"), nil
}
