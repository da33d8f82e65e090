// Package auth implements API key authentication for the feed API.
// Keys come from configuration; only their SHA-256 digests are kept.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	xmlfetch "github.com/eugener/xmlfetch/internal"
)

const apiKeyHeader = "X-Api-Key"

// APIKeyAuth accepts requests carrying one of a fixed set of keys, either as
// a Bearer token or in the X-Api-Key header.
type APIKeyAuth struct {
	digests [][sha256.Size]byte
}

// NewAPIKeyAuth returns an authenticator for keys. Empty keys are ignored.
// It returns nil when no key remains, which leaves the API open.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.digests = append(a.digests, sha256.Sum256([]byte(k)))
		}
	}
	if len(a.digests) == 0 {
		return nil
	}
	return a
}

// Authenticate returns xmlfetch.ErrUnauthorized unless r presents a known
// key. Every configured key is compared so timing does not reveal which
// one matched.
func (a *APIKeyAuth) Authenticate(_ context.Context, r *http.Request) error {
	raw := presentedKey(r)
	if raw == "" {
		return xmlfetch.ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(raw))
	match := 0
	for i := range a.digests {
		match |= subtle.ConstantTimeCompare(sum[:], a.digests[i][:])
	}
	if match != 1 {
		return xmlfetch.ErrUnauthorized
	}
	return nil
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(raw)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get(apiKeyHeader))
}
