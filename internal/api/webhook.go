package api

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/assetdiffbot/internal/job"
	"github.com/assetdiffbot/internal/webhookutils"
)

// PullRequestEvent is the slice of the platform's pull_request webhook
// payload this service needs.
type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Base EventBranch `json:"base"`
		Head EventBranch `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// EventBranch is one side of the pull request in the webhook payload.
type EventBranch struct {
	Ref string `json:"ref"`
	Sha string `json:"sha"`
}

// WebhookHandler handles incoming platform webhook deliveries. Only
// pull_request open/update events with changed asset files become jobs;
// everything else is acknowledged and dropped.
func (s *Server) WebhookHandler(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}

	signature := c.Request().Header.Get("X-Hub-Signature-256")
	if !webhookutils.VerifySignature([]byte(s.cfg.Server.WebhookSecret), body, signature) {
		log.Warn().Str("remote", c.RealIP()).Msg("webhook signature verification failed")
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	}

	event := c.Request().Header.Get("X-GitHub-Event")
	if event != "pull_request" {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored", "event": event})
	}

	var payload PullRequestEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error().Err(err).Msg("failed to parse pull_request payload")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	switch payload.Action {
	case "opened", "synchronize", "reopened":
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored", "action": payload.Action})
	}

	repo := job.Repository{
		ID:    payload.Repository.ID,
		Owner: payload.Repository.Owner.Login,
		Name:  payload.Repository.Name,
	}

	files, err := s.files.ListChangedFiles(c.Request().Context(), payload.Installation.ID, repo, payload.Number)
	if err != nil {
		log.Error().Err(err).Str("repo", repo.FullName()).Int("pr", payload.Number).
			Msg("failed to list changed files")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to list changed files"})
	}

	assetFiles := s.filterAssetFiles(files)
	if len(assetFiles) == 0 {
		return c.JSON(http.StatusOK, map[string]string{"status": "no asset changes"})
	}

	env := &job.Envelope{
		ID:         uuid.NewString(),
		Kind:       job.KindDiff,
		EnqueuedAt: time.Now().UTC(),
		Request: &job.DiffRequest{
			Installation: payload.Installation.ID,
			Repo:         repo,
			Base:         job.Branch{Sha: payload.PullRequest.Base.Sha, Ref: payload.PullRequest.Base.Ref},
			Head:         job.Branch{Sha: payload.PullRequest.Head.Sha, Ref: payload.PullRequest.Head.Ref},
			PullRequest:  payload.Number,
			Files:        assetFiles,
		},
	}
	if err := s.queue.Enqueue(env); err != nil {
		log.Error().Err(err).Str("job", env.ID).Msg("failed to enqueue diff job")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to enqueue"})
	}

	log.Info().Str("job", env.ID).Str("repo", repo.FullName()).Int("pr", payload.Number).
		Int("files", len(assetFiles)).Msg("enqueued diff job")
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "job": env.ID})
}

// filterAssetFiles keeps the changes whose extension matches a configured
// sprite or map extension.
func (s *Server) filterAssetFiles(files []job.FileChange) []job.FileChange {
	var kept []job.FileChange
	for _, f := range files {
		ext := filepath.Ext(f.Filename)
		if matchesExt(ext, s.cfg.Diff.SpriteExtensions) || matchesExt(ext, s.cfg.Diff.MapExtensions) {
			kept = append(kept, f)
		}
	}
	return kept
}

func matchesExt(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(ext, a) {
			return true
		}
	}
	return false
}
