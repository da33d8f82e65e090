// Package feedauth provides http.RoundTripper decorators that authenticate
// feed requests: static API keys, OAuth2 client credentials, GCP default
// credentials, and AWS SigV4.
package feedauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Auth types accepted in Params.Type.
const (
	TypeNone       = ""
	TypeAPIKey     = "api_key"
	TypeOAuth2     = "oauth2"
	TypeGCP        = "gcp_oauth"
	TypeAWSSigV4   = "aws_sigv4"
	defaultHeader  = "Authorization"
	defaultScopeGC = "https://www.googleapis.com/auth/devstorage.read_only"
)

// Params describe how to authenticate against one feed. They travel to the
// worker inside the initialize payload.
type Params struct {
	Type string `json:"type" yaml:"type"`

	// api_key
	Header string `json:"header,omitempty" yaml:"header"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`

	// oauth2 client credentials
	TokenURL     string   `json:"token_url,omitempty" yaml:"token_url"`
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes"`

	// aws_sigv4
	Region  string `json:"region,omitempty" yaml:"region"`
	Service string `json:"service,omitempty" yaml:"service"`
}

// Validate reports missing fields for the selected type.
func (p *Params) Validate() error {
	if p == nil {
		return nil
	}
	switch p.Type {
	case TypeNone:
	case TypeAPIKey:
		if p.APIKey == "" {
			return fmt.Errorf("feedauth: api_key auth requires api_key")
		}
	case TypeOAuth2:
		if p.TokenURL == "" || p.ClientID == "" {
			return fmt.Errorf("feedauth: oauth2 auth requires token_url and client_id")
		}
	case TypeGCP:
	case TypeAWSSigV4:
		if p.Region == "" {
			return fmt.Errorf("feedauth: aws_sigv4 auth requires region")
		}
	default:
		return fmt.Errorf("feedauth: unknown auth type %q", p.Type)
	}
	return nil
}

// Wrap returns base decorated for p. A nil p or TypeNone returns base.
func Wrap(ctx context.Context, base http.RoundTripper, p *Params) (http.RoundTripper, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return base, nil
	}
	switch p.Type {
	case TypeAPIKey:
		header := p.Header
		if header == "" {
			header = defaultHeader
		}
		prefix := p.Prefix
		if prefix == "" && strings.EqualFold(header, defaultHeader) {
			prefix = "Bearer "
		}
		return &APIKeyTransport{Key: p.APIKey, HeaderName: header, Prefix: prefix, Base: base}, nil
	case TypeOAuth2:
		return NewClientCredentialsTransport(ctx, base, p.TokenURL, p.ClientID, p.ClientSecret, p.Scopes...), nil
	case TypeGCP:
		scopes := p.Scopes
		if len(scopes) == 0 {
			scopes = []string{defaultScopeGC}
		}
		return NewGCPOAuthTransport(ctx, base, scopes...)
	case TypeAWSSigV4:
		service := p.Service
		if service == "" {
			service = "s3"
		}
		return NewAWSSigV4TransportFromEnv(ctx, base, p.Region, service)
	default:
		return base, nil
	}
}

// HeaderTransport sets fixed headers on every request.
type HeaderTransport struct {
	Headers map[string]string
	Base    http.RoundTripper
}

// RoundTrip clones the request and sets the headers.
func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	for k, v := range t.Headers {
		r2.Header.Set(k, v)
	}
	return baseOf(t.Base).RoundTrip(r2)
}

// APIKeyTransport is an http.RoundTripper that injects a static API key
// header on every outbound request. Prefix is prepended to Key
// (e.g. "Bearer " for Authorization headers).
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return baseOf(t.Base).RoundTrip(r2)
}

func baseOf(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}
