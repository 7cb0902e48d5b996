// Package auth implements inbound request authentication: static API keys,
// HS256 JWTs, or open access for loopback callers.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	prism "github.com/prismproxy/prism/internal"
)

// Config selects the authentication scheme.
type Config struct {
	Scheme        string // "static", "jwt", "none"
	StaticKeys    []string
	JWTSecret     string
	AllowLoopback bool
}

// New builds the authenticator for the configured scheme.
func New(cfg Config) (prism.Authenticator, error) {
	switch cfg.Scheme {
	case "", "none":
		return &open{loopbackOnly: !cfg.AllowLoopback}, nil
	case "static":
		if len(cfg.StaticKeys) == 0 {
			return nil, fmt.Errorf("auth: static scheme requires at least one key")
		}
		return &static{keys: cfg.StaticKeys, allowLoopback: cfg.AllowLoopback}, nil
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("auth: jwt scheme requires a secret")
		}
		return &jwtAuth{secret: []byte(cfg.JWTSecret), allowLoopback: cfg.AllowLoopback}, nil
	default:
		return nil, fmt.Errorf("auth: unknown scheme %q", cfg.Scheme)
	}
}

// credential pulls the presented key from Authorization: Bearer or x-api-key.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.Header.Get("x-api-key")
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// open admits everyone, or only loopback callers when loopbackOnly is set.
type open struct {
	loopbackOnly bool
}

func (o *open) Authenticate(_ context.Context, r *http.Request) (*prism.Identity, error) {
	if o.loopbackOnly && !isLoopback(r) {
		return nil, prism.E(prism.KindUnauthorized, "remote access requires credentials")
	}
	return &prism.Identity{Subject: "anonymous", AuthMethod: "none"}, nil
}

// static matches the presented key against the configured set in constant
// time per candidate.
type static struct {
	keys          []string
	allowLoopback bool
}

func (s *static) Authenticate(_ context.Context, r *http.Request) (*prism.Identity, error) {
	cred := credential(r)
	if cred == "" {
		if s.allowLoopback && isLoopback(r) {
			return &prism.Identity{Subject: "loopback", AuthMethod: "none"}, nil
		}
		return nil, prism.E(prism.KindUnauthorized, "missing credentials")
	}
	for i, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(cred), []byte(key)) == 1 {
			return &prism.Identity{Subject: fmt.Sprintf("key-%d", i), AuthMethod: "static"}, nil
		}
	}
	return nil, prism.E(prism.KindUnauthorized, "invalid credentials")
}

// jwtAuth validates HS256 tokens.
type jwtAuth struct {
	secret        []byte
	allowLoopback bool
}

func (j *jwtAuth) Authenticate(_ context.Context, r *http.Request) (*prism.Identity, error) {
	cred := credential(r)
	if cred == "" {
		if j.allowLoopback && isLoopback(r) {
			return &prism.Identity{Subject: "loopback", AuthMethod: "none"}, nil
		}
		return nil, prism.E(prism.KindUnauthorized, "missing credentials")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(cred, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, prism.E(prism.KindUnauthorized, "invalid token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub = "unknown"
	}
	return &prism.Identity{Subject: sub, AuthMethod: "jwt"}, nil
}
