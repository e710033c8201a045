// Package checks is the outbound client for the review platform: it
// authenticates as a GitHub App, exchanges app JWTs for installation tokens,
// and publishes diff reports as check runs.
package checks

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v80/github"
)

// AppAuth signs short-lived app JWTs and trades them for per-installation
// access tokens. Tokens are cached until shortly before expiry.
type AppAuth struct {
	appID      int64
	privateKey *rsa.PrivateKey

	mu     sync.Mutex
	tokens map[int64]installToken
}

type installToken struct {
	value     string
	expiresAt time.Time
}

// NewAppAuth parses the PEM-encoded App private key.
func NewAppAuth(appID int64, privateKeyPEM []byte) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return &AppAuth{
		appID:      appID,
		privateKey: key,
		tokens:     make(map[int64]installToken),
	}, nil
}

// AppJWT issues a signed app-level JWT. GitHub rejects tokens issued from a
// clock that runs ahead, so iat is backdated by a minute.
func (a *AppAuth) AppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// InstallationToken returns an access token scoped to the installation,
// fetching a fresh one when the cached token is missing or about to expire.
// The token also authenticates git fetches against the installation's repos.
func (a *AppAuth) InstallationToken(ctx context.Context, appClient *gogithub.Client, installation int64) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[installation]
	a.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > 5*time.Minute {
		return cached.value, nil
	}

	token, _, err := appClient.Apps.CreateInstallationToken(ctx, installation, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create installation token for %d: %w", installation, err)
	}

	fresh := installToken{
		value:     token.GetToken(),
		expiresAt: token.GetExpiresAt().Time,
	}
	a.mu.Lock()
	a.tokens[installation] = fresh
	a.mu.Unlock()

	return fresh.value, nil
}
