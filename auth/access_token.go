package auth

import (
	"context"
	"errors"
	"time"

	"github.com/durablemcp/server-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the RFC 9068 access
// token authenticator (scopes, algorithms, leeway, etc.). Audience is a
// required formal argument to the constructors.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts extra audiences beyond the primary one,
// primarily for local / testing deployments served on a different base URL.
func WithAdditionalAudiences(audiences ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, audiences...)
	}
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT
// access tokens discovered via OpenID Connect discovery (jwks_uri, issuer).
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically the public endpoint URL
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewStatic returns an Authenticator that verifies RFC 9068 JWT access
// tokens against a statically configured issuer, audience, and JWKS URI,
// with no discovery round trip. All options, scope requirements included,
// apply exactly as they do on the discovery path.
func NewStatic(ctx context.Context, issuer, audience, jwksURI string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	internal, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
