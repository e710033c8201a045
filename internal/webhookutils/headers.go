// Package webhookutils holds small helpers for validating incoming webhook
// deliveries.
package webhookutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GetHeaderCaseInsensitive retrieves a header value using case-insensitive key matching.
// This is needed because Go's HTTP library canonicalizes header keys (e.g., X-GitHub-Event -> X-Github-Event)
// which can cause exact string matches to fail.
func GetHeaderCaseInsensitive(headers map[string]string, key string) (string, bool) {
	keyLower := strings.ToLower(key)
	for k, v := range headers {
		if strings.ToLower(k) == keyLower {
			return v, true
		}
	}
	return "", false
}

// SignPayload computes the sha256=<hex> signature GitHub sends in the
// X-Hub-Signature-256 header for the given payload and shared secret.
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery's X-Hub-Signature-256 header against the
// payload. Comparison is constant time.
func VerifySignature(secret, payload []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}
	want := SignPayload(secret, payload)
	return hmac.Equal([]byte(want), []byte(signatureHeader))
}
