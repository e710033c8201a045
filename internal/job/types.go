// Package job defines the shared data model for diff jobs: the request that
// travels through the durable queue and the file-change classification that
// drives the asset diff engines.
package job

import (
	"fmt"
	"time"
)

// ChangeKind classifies a single file change inside a pull request.
// The set is closed; every consumer is expected to switch over all values.
type ChangeKind string

const (
	Added     ChangeKind = "added"
	Removed   ChangeKind = "removed"
	Modified  ChangeKind = "modified"
	Renamed   ChangeKind = "renamed"
	Copied    ChangeKind = "copied"
	Unchanged ChangeKind = "unchanged"
)

// ParseChangeKind maps the review platform's file status strings onto
// ChangeKind. GitHub reports deletions as "removed" and also uses "changed"
// for type-only changes, which we fold into Modified.
func ParseChangeKind(status string) (ChangeKind, error) {
	switch status {
	case "added":
		return Added, nil
	case "removed", "deleted":
		return Removed, nil
	case "modified", "changed":
		return Modified, nil
	case "renamed":
		return Renamed, nil
	case "copied":
		return Copied, nil
	case "unchanged":
		return Unchanged, nil
	default:
		return "", fmt.Errorf("unknown file status %q", status)
	}
}

// FileChange is one entry of a pull request's file list.
type FileChange struct {
	Filename string     `json:"filename"`
	Status   ChangeKind `json:"status"`
}

// RevisionShas maps the change kind onto the pair of revisions the diff
// engines need to look at. An empty string means the file has no content on
// that side. Renamed and Copied resolve to no sha on either side: the
// platform does not hand us the previous path's blob pairing, so these files
// are skipped. Callers should log the skip so the gap stays visible.
func (c FileChange) RevisionShas(baseSha, headSha string) (before, after string) {
	switch c.Status {
	case Added:
		return "", headSha
	case Removed:
		return baseSha, ""
	case Modified:
		return baseSha, headSha
	case Renamed, Copied, Unchanged:
		return "", ""
	default:
		return "", ""
	}
}

// Branch is one side of the pull request: a commit sha plus the ref name it
// was reachable from when the webhook fired.
type Branch struct {
	Sha string `json:"sha"`
	Ref string `json:"ref"`
}

// Repository identifies the repository a job operates on.
type Repository struct {
	ID    int64  `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns the owner/name form used in clone URLs and disk layout.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// CloneURL returns the HTTPS clone URL for the repository.
func (r Repository) CloneURL() string {
	return "https://github.com/" + r.FullName()
}

// DiffRequest is the immutable description of one diff job. It is created by
// the webhook intake, serialized into the durable queue, and destroyed on
// completion or terminal failure.
type DiffRequest struct {
	Installation int64        `json:"installation_id"`
	Repo         Repository   `json:"repo"`
	Base         Branch       `json:"base"`
	Head         Branch       `json:"head"`
	PullRequest  int          `json:"pull_request"`
	Files        []FileChange `json:"files"`
	// CheckRun is the report handle on the review platform. Zero when the
	// check run has not been created yet; the worker creates it lazily.
	CheckRun int64 `json:"check_run,omitempty"`
}

// Kind tags the payload of a durable queue entry.
type Kind string

const (
	KindDiff    Kind = "diff"
	KindCleanup Kind = "cleanup"
)

// Envelope is what actually gets persisted in the on-disk queue: a job kind,
// an ID for tracing, and the request payload for diff jobs. Cleanup commands
// carry no payload.
type Envelope struct {
	ID         string       `json:"id"`
	Kind       Kind         `json:"kind"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Request    *DiffRequest `json:"request,omitempty"`
}
