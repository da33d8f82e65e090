package feedauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
)

// TokenTransport injects a bearer token from an oauth2.TokenSource on every
// request. Tokens are cached and refreshed by the source.
type TokenTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewTokenTransport wraps base with tokens from ts.
func NewTokenTransport(base http.RoundTripper, ts oauth2.TokenSource) *TokenTransport {
	return &TokenTransport{base: base, source: oauth2.ReuseTokenSource(nil, ts)}
}

// NewClientCredentialsTransport authenticates with the OAuth2 client
// credentials grant against tokenURL.
func NewClientCredentialsTransport(ctx context.Context, base http.RoundTripper, tokenURL, clientID, clientSecret string, scopes ...string) *TokenTransport {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return NewTokenTransport(base, cfg.TokenSource(ctx))
}

// NewGCPOAuthTransport obtains credentials via Application Default
// Credentials, for feeds served from Google Cloud Storage and similar.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*TokenTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("feedauth: find GCP credentials: %w", err)
	}
	return NewTokenTransport(base, creds.TokenSource), nil
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *TokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("feedauth: obtain token: %w", err)
	}
	r2 := r.Clone(r.Context())
	tok.SetAuthHeader(r2)
	return baseOf(t.base).RoundTrip(r2)
}
