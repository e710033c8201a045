package checks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetdiffbot/internal/job"
	"github.com/assetdiffbot/internal/report"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemBytes, key
}

func TestAppJWT(t *testing.T) {
	pemBytes, key := testKeyPEM(t)
	auth, err := NewAppAuth(1234, pemBytes)
	require.NoError(t, err)

	signed, err := auth.AppJWT()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(signed, &claims, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "1234", claims.Issuer)
	assert.True(t, claims.IssuedAt.Before(time.Now()))
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestNewAppAuthRejectsGarbageKey(t *testing.T) {
	_, err := NewAppAuth(1, []byte("not a pem key"))
	require.Error(t, err)
}

// fakePlatform is a minimal check-run API double.
type fakePlatform struct {
	mux *http.ServeMux

	tokenRequests atomic.Int64
	created       []map[string]any
	updated       []map[string]any
}

func newFakePlatform(t *testing.T) (*fakePlatform, *httptest.Server) {
	t.Helper()
	fp := &fakePlatform{mux: http.NewServeMux()}

	fp.mux.HandleFunc("POST /app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenRequests.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"inst-token","expires_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	fp.mux.HandleFunc("POST /repos/acme/assets/check-runs", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fp.created = append(fp.created, body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":%d}`, 700+len(fp.created))
	})
	fp.mux.HandleFunc("PATCH /repos/acme/assets/check-runs/701", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fp.updated = append(fp.updated, body)
		fmt.Fprint(w, `{"id":701}`)
	})
	fp.mux.HandleFunc("GET /repos/acme/assets/pulls/5/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"filename":"icons/mob.dmi","status":"modified"},
			{"filename":"maps/station.dmm","status":"added"},
			{"filename":"icons/old.dmi","status":"removed"},
			{"filename":"icons/turf.dmi","status":"changed"}
		]`)
	})
	fp.mux.HandleFunc("GET /repos/acme/assets/pulls/6/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"filename":"icons/mob.dmi","status":"exploded"}]`)
	})

	srv := httptest.NewServer(fp.mux)
	t.Cleanup(srv.Close)
	return fp, srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	pemBytes, _ := testKeyPEM(t)
	auth, err := NewAppAuth(1234, pemBytes)
	require.NoError(t, err)
	c := NewClient(auth)
	c.baseURL = srv.URL + "/"
	return c
}

var testRepo = job.Repository{ID: 9, Owner: "acme", Name: "assets"}

func TestCreateCheckRun(t *testing.T) {
	fp, srv := newFakePlatform(t)
	c := newTestClient(t, srv)

	id, err := c.CreateCheckRun(context.Background(), 42, testRepo, "headsha", "Asset diffs")
	require.NoError(t, err)
	assert.Equal(t, int64(701), id)

	require.Len(t, fp.created, 1)
	assert.Equal(t, "Asset diffs", fp.created[0]["name"])
	assert.Equal(t, "headsha", fp.created[0]["head_sha"])
	assert.Equal(t, "queued", fp.created[0]["status"])
}

func TestInstallationTokenIsCached(t *testing.T) {
	fp, srv := newFakePlatform(t)
	c := newTestClient(t, srv)

	_, err := c.CreateCheckRun(context.Background(), 42, testRepo, "headsha", "Asset diffs")
	require.NoError(t, err)
	err = c.MarkStarted(context.Background(), 42, testRepo, 701, "Cloning", "Cloning the repository, this may take a while.")
	require.NoError(t, err)

	assert.Equal(t, int64(1), fp.tokenRequests.Load())
	require.Len(t, fp.updated, 1)
	assert.Equal(t, "in_progress", fp.updated[0]["status"])
}

func TestPublishReportSplitsContinuations(t *testing.T) {
	fp, srv := newFakePlatform(t)
	c := newTestClient(t, srv)

	outputs := []report.Output{
		{Title: "Asset diffs", Summary: "3 files", Text: "chunk one"},
		{Title: "Asset diffs", Summary: "3 files", Text: "chunk two"},
		{Title: "Asset diffs", Summary: "3 files", Text: "chunk three"},
	}
	err := c.PublishReport(context.Background(), 42, testRepo, "headsha", 701, "Asset diffs", outputs)
	require.NoError(t, err)

	// Primary chunk completes the original check run.
	require.Len(t, fp.updated, 1)
	assert.Equal(t, "completed", fp.updated[0]["status"])
	assert.Equal(t, "success", fp.updated[0]["conclusion"])
	out := fp.updated[0]["output"].(map[string]any)
	assert.Equal(t, "chunk one", out["text"])

	// Continuations become their own completed check runs.
	require.Len(t, fp.created, 2)
	assert.Equal(t, "Asset diffs (1)", fp.created[0]["name"])
	assert.Equal(t, "Asset diffs (2)", fp.created[1]["name"])
	for _, created := range fp.created {
		assert.Equal(t, "completed", created["status"])
		assert.Equal(t, "headsha", created["head_sha"])
	}
}

func TestFailCheckRun(t *testing.T) {
	fp, srv := newFakePlatform(t)
	c := newTestClient(t, srv)

	err := c.FailCheckRun(context.Background(), 42, testRepo, 701, fmt.Errorf("render exploded"))
	require.NoError(t, err)

	require.Len(t, fp.updated, 1)
	assert.Equal(t, "failure", fp.updated[0]["conclusion"])
	out := fp.updated[0]["output"].(map[string]any)
	assert.Contains(t, out["summary"], "render exploded")
}

func TestListChangedFiles(t *testing.T) {
	_, srv := newFakePlatform(t)
	c := newTestClient(t, srv)

	files, err := c.ListChangedFiles(context.Background(), 42, testRepo, 5)
	require.NoError(t, err)

	assert.Equal(t, []job.FileChange{
		{Filename: "icons/mob.dmi", Status: job.Modified},
		{Filename: "maps/station.dmm", Status: job.Added},
		{Filename: "icons/old.dmi", Status: job.Removed},
		{Filename: "icons/turf.dmi", Status: job.Modified},
	}, files)
}

func TestListChangedFilesRejectsUnknownStatus(t *testing.T) {
	_, srv := newFakePlatform(t)
	c := newTestClient(t, srv)

	_, err := c.ListChangedFiles(context.Background(), 42, testRepo, 6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exploded")
}
