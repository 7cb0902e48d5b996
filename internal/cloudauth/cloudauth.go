// Package cloudauth provides bearer token sources for cloud-hosted
// providers that authenticate with short-lived OAuth2 credentials
// instead of static API keys.
package cloudauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// cloudPlatformScope grants access to Vertex AI model endpoints.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GCPTokenSource yields GCP OAuth2 access tokens from Application Default
// Credentials. Tokens are cached and refreshed automatically by the
// underlying oauth2 source.
type GCPTokenSource struct {
	source oauth2.TokenSource
}

// NewGCPTokenSource discovers credentials via ADC. scopes defaults to the
// cloud-platform scope when empty.
func NewGCPTokenSource(ctx context.Context, scopes ...string) (*GCPTokenSource, error) {
	if len(scopes) == 0 {
		scopes = []string{cloudPlatformScope}
	}
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return &GCPTokenSource{source: oauth2.ReuseTokenSource(nil, creds.TokenSource)}, nil
}

// newGCPTokenSourceFrom wraps an explicit oauth2 source (used for testing).
func newGCPTokenSourceFrom(ts oauth2.TokenSource) *GCPTokenSource {
	return &GCPTokenSource{source: oauth2.ReuseTokenSource(nil, ts)}
}

// Token returns a valid access token, refreshing if the cached one expired.
func (s *GCPTokenSource) Token(_ context.Context) (string, error) {
	tok, err := s.source.Token()
	if err != nil {
		return "", fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	return tok.AccessToken, nil
}
