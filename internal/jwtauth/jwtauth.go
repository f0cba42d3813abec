// Package jwtauth validates RFC 9068 JWT access tokens, either against a
// statically configured JWKS or one learned through OIDC discovery. It is
// the enforcement half of bearer authentication; challenge construction is
// the transport's concern.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the primary audience (index 0) followed by
	// any additional accepted audiences. Additional entries are primarily for
	// local / testing scenarios where the served endpoint base URL differs
	// from the production one.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo is the claims carrier for validated tokens.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens and returns a minimal UserInfo that
// exposes the subject and access to raw claims. Implementations MUST perform
// signature, issuer, audience and time validations.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy; callers should respond with HTTP 403 where relevant.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// tokenAuthenticator validates RFC 9068 access tokens against a keyfunc.
// Both construction paths end here: discovery resolves the issuer and
// jwks_uri first, the static path takes them as given. The validation
// policy is identical either way.
type tokenAuthenticator struct {
	cfg     *Config
	iss     string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer, and
// constructs an Authenticator that validates RFC 9068 access tokens using the
// configured policies in Config. JWKS keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*tokenAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	// Auto-refreshing JWKS
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &tokenAuthenticator{
		cfg:     cfg,
		iss:     meta.Issuer,
		keyfunc: allowedAlgsKeyfunc(cfg.AllowedAlgs, kf),
	}, nil
}

// allowedAlgsKeyfunc rejects tokens signed with an algorithm outside the
// allow-list before any key lookup happens.
func allowedAlgsKeyfunc(algs []string, kf keyfunc.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		allowed := false
		for _, a := range algs {
			if alg == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}
}

func (a *tokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, errors.New("empty token")
	}

	// If exactly one expected audience is configured we can leverage the
	// parser's built-in audience enforcement. If multiple are present we
	// perform intersection logic after parsing.
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.ExpectedAudiences[0]))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// Header checks (RFC 9068 typ)
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	now := time.Now().Add(a.cfg.Leeway)

	// iss, exp covered by Parse + WithExpirationRequired; re-check iss
	// defensively against the discovered value.
	if iss, _ := claims["iss"].(string); iss == "" || iss != a.iss {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		if !audContains(claims["aud"], a.cfg.ExpectedAudiences[0]) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	} else if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(now.Add(5 * time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	// Scope checks if configured
	if len(a.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := map[string]bool{}
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		if a.cfg.ScopeModeAny {
			ok := false
			for _, want := range a.cfg.RequiredScopes {
				if have[want] {
					ok = true
					break
				}
			}
			if !ok {
				return nil, ErrInsufficientScope
			}
		} else {
			for _, want := range a.cfg.RequiredScopes {
				if !have[want] {
					return nil, ErrInsufficientScope
				}
			}
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	for _, w := range wants {
		if audContains(aud, w) {
			return true
		}
	}
	return false
}

func audContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
