package jwtauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// newJWKSServer serves a bare key set with no discovery document, which is
// the deployment shape the static constructor exists for.
func newJWKSServer(t *testing.T, keysJSON []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStaticAuthenticator_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	srv := newJWKSServer(t, jwks)

	issuer := "https://issuer.example.com"
	aud := "https://api.example.com/mcp"
	cfg := baseConfig(issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, cfg, srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "mcp:read",
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	ui, err := a.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}
}

func TestStaticAuthenticator_ScopeEnforced(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	srv := newJWKSServer(t, jwks)

	issuer := "https://issuer.example.com"
	aud := "https://api.example.com/mcp"
	cfg := baseConfig(issuer, aud)
	cfg.RequiredScopes = []string{"mcp:write"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, cfg, srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "mcp:read", // missing mcp:write
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}

	claims["scope"] = "mcp:read mcp:write"
	tok2 := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok2); err != nil {
		t.Fatalf("check with satisfying scope: %v", err)
	}
}

func TestStaticAuthenticator_InvalidTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	srv := newJWKSServer(t, jwks)

	issuer := "https://issuer.example.com"
	aud := "https://api.example.com/mcp"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, baseConfig(issuer, aud), srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "JWT", claims) // not an access token typ

	if _, err := a.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestStaticAuthenticator_RequiresAudience(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Issuer = "https://issuer.example.com"
	if _, err := NewStatic(context.Background(), cfg, "https://issuer.example.com/keys"); err == nil {
		t.Fatal("expected error for missing audience")
	}
}
