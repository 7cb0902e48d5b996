package cloudauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// fakeTokenSource returns a fixed token or error.
type fakeTokenSource struct {
	token *oauth2.Token
	err   error
	calls int
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	f.calls++
	return f.token, f.err
}

func TestGCPTokenSource(t *testing.T) {
	t.Parallel()

	ts := &fakeTokenSource{token: &oauth2.Token{
		AccessToken: "ya29.test-token",
		Expiry:      time.Now().Add(time.Hour),
	}}
	src := newGCPTokenSourceFrom(ts)

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "ya29.test-token" {
		t.Errorf("token = %q, want %q", tok, "ya29.test-token")
	}
}

func TestGCPTokenSourceReusesValidToken(t *testing.T) {
	t.Parallel()

	ts := &fakeTokenSource{token: &oauth2.Token{
		AccessToken: "ya29.cached",
		Expiry:      time.Now().Add(time.Hour),
	}}
	src := newGCPTokenSourceFrom(ts)

	for range 3 {
		if _, err := src.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if ts.calls != 1 {
		t.Errorf("underlying source calls = %d, want 1 (token should be cached)", ts.calls)
	}
}

func TestGCPTokenSourceError(t *testing.T) {
	t.Parallel()

	src := newGCPTokenSourceFrom(&fakeTokenSource{err: errors.New("no credentials")})
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatal("expected error when token source fails")
	}
}
