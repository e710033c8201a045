package checks

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gogithub "github.com/google/go-github/v80/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/assetdiffbot/internal/job"
	"github.com/assetdiffbot/internal/report"
	"github.com/assetdiffbot/internal/retry"
)

// Client talks to the review platform on behalf of the App. Every call is
// scoped to an installation; the client builds oauth2-backed API clients per
// installation token on demand.
type Client struct {
	auth *AppAuth

	// baseURL overrides the API endpoint in tests. Empty in production.
	baseURL string
}

func NewClient(auth *AppAuth) *Client {
	return &Client{auth: auth}
}

// github returns an API client authenticated with the given bearer token.
func (c *Client) github(ctx context.Context, token string) *gogithub.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := gogithub.NewClient(oauth2.NewClient(ctx, ts))
	if c.baseURL != "" {
		u, _ := url.Parse(c.baseURL)
		gh.BaseURL = u
	}
	return gh
}

// installClient returns an API client authenticated as the installation.
func (c *Client) installClient(ctx context.Context, installation int64) (*gogithub.Client, error) {
	appJWT, err := c.auth.AppJWT()
	if err != nil {
		return nil, err
	}
	token, err := c.auth.InstallationToken(ctx, c.github(ctx, appJWT), installation)
	if err != nil {
		return nil, err
	}
	return c.github(ctx, token), nil
}

// CloneToken returns an installation token for authenticating git fetches.
func (c *Client) CloneToken(ctx context.Context, installation int64) (string, error) {
	appJWT, err := c.auth.AppJWT()
	if err != nil {
		return "", err
	}
	return c.auth.InstallationToken(ctx, c.github(ctx, appJWT), installation)
}

// CreateCheckRun creates the primary check run in the queued state and
// returns its ID. The worker updates it as the job progresses.
func (c *Client) CreateCheckRun(ctx context.Context, installation int64, repo job.Repository, headSha, name string) (int64, error) {
	gh, err := c.installClient(ctx, installation)
	if err != nil {
		return 0, err
	}

	var run *gogithub.CheckRun
	err = retry.Do(ctx, retry.ReportConfig(), func() error {
		var callErr error
		run, _, callErr = gh.Checks.CreateCheckRun(ctx, repo.Owner, repo.Name, gogithub.CreateCheckRunOptions{
			Name:    name,
			HeadSHA: headSha,
			Status:  gogithub.Ptr("queued"),
		})
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create check run on %s@%s: %w", repo.FullName(), headSha, err)
	}
	return run.GetID(), nil
}

// MarkStarted flips the check run to in_progress with a progress message.
// Used for long phases like the initial clone where the user would otherwise
// see a silent queued check for minutes.
func (c *Client) MarkStarted(ctx context.Context, installation int64, repo job.Repository, checkID int64, title, summary string) error {
	gh, err := c.installClient(ctx, installation)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.ReportConfig(), func() error {
		_, _, callErr := gh.Checks.UpdateCheckRun(ctx, repo.Owner, repo.Name, checkID, gogithub.UpdateCheckRunOptions{
			Status: gogithub.Ptr("in_progress"),
			Output: &gogithub.CheckRunOutput{
				Title:   gogithub.Ptr(title),
				Summary: gogithub.Ptr(summary),
			},
		})
		return callErr
	})
	if err != nil {
		return fmt.Errorf("failed to mark check run %d started: %w", checkID, err)
	}
	return nil
}

// PublishReport completes the check run with the assembled report. The first
// output becomes the primary check run's body; each continuation chunk is
// published as an additional completed check run so none of them exceeds the
// platform's body ceiling.
func (c *Client) PublishReport(ctx context.Context, installation int64, repo job.Repository, headSha string, checkID int64, name string, outputs []report.Output) error {
	gh, err := c.installClient(ctx, installation)
	if err != nil {
		return err
	}

	for i, out := range outputs {
		out := out
		if i == 0 {
			err = retry.Do(ctx, retry.ReportConfig(), func() error {
				_, _, callErr := gh.Checks.UpdateCheckRun(ctx, repo.Owner, repo.Name, checkID, gogithub.UpdateCheckRunOptions{
					Status:     gogithub.Ptr("completed"),
					Conclusion: gogithub.Ptr("success"),
					Output:     checkOutput(out),
				})
				return callErr
			})
			if err != nil {
				return fmt.Errorf("failed to publish report chunk 1/%d: %w", len(outputs), err)
			}
			continue
		}

		chunkName := fmt.Sprintf("%s (%d)", name, i)
		err = retry.Do(ctx, retry.ReportConfig(), func() error {
			_, _, callErr := gh.Checks.CreateCheckRun(ctx, repo.Owner, repo.Name, gogithub.CreateCheckRunOptions{
				Name:       chunkName,
				HeadSHA:    headSha,
				Status:     gogithub.Ptr("completed"),
				Conclusion: gogithub.Ptr("success"),
				Output:     checkOutput(out),
			})
			return callErr
		})
		if err != nil {
			return fmt.Errorf("failed to publish report chunk %d/%d: %w", i+1, len(outputs), err)
		}
		log.Debug().Str("repo", repo.FullName()).Str("name", chunkName).Msg("published continuation chunk")
	}
	return nil
}

// FailCheckRun completes the check run with a failure conclusion and the
// error rendered in the body. Called on terminal job failure.
func (c *Client) FailCheckRun(ctx context.Context, installation int64, repo job.Repository, checkID int64, jobErr error) error {
	gh, err := c.installClient(ctx, installation)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.ReportConfig(), func() error {
		_, _, callErr := gh.Checks.UpdateCheckRun(ctx, repo.Owner, repo.Name, checkID, gogithub.UpdateCheckRunOptions{
			Status:     gogithub.Ptr("completed"),
			Conclusion: gogithub.Ptr("failure"),
			Output: &gogithub.CheckRunOutput{
				Title:   gogithub.Ptr("Error rendering diffs"),
				Summary: gogithub.Ptr(fmt.Sprintf("```\n%v\n```", jobErr)),
			},
		})
		return callErr
	})
	if err != nil {
		return fmt.Errorf("failed to fail check run %d: %w", checkID, err)
	}
	return nil
}

// ListChangedFiles pages through the pull request's file list. Unknown status
// strings fail the call rather than silently dropping files.
func (c *Client) ListChangedFiles(ctx context.Context, installation int64, repo job.Repository, prNumber int) ([]job.FileChange, error) {
	gh, err := c.installClient(ctx, installation)
	if err != nil {
		return nil, err
	}

	var files []job.FileChange
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		page, resp, err := gh.PullRequests.ListFiles(ctx, repo.Owner, repo.Name, prNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list files of %s#%d: %w", repo.FullName(), prNumber, err)
		}
		for _, f := range page {
			kind, err := job.ParseChangeKind(f.GetStatus())
			if err != nil {
				return nil, fmt.Errorf("pull request %s#%d: %w", repo.FullName(), prNumber, err)
			}
			files = append(files, job.FileChange{Filename: f.GetFilename(), Status: kind})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func checkOutput(out report.Output) *gogithub.CheckRunOutput {
	o := &gogithub.CheckRunOutput{
		Title:   gogithub.Ptr(out.Title),
		Summary: gogithub.Ptr(out.Summary),
	}
	if strings.TrimSpace(out.Text) != "" {
		o.Text = gogithub.Ptr(out.Text)
	}
	return o
}
