package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
)

// NewStatic constructs an Authenticator against a pinned issuer and JWKS
// endpoint, with no discovery round trip. Deployments that cannot (or do not
// want to) reach a discovery document, such as air-gapped environments or
// tests serving a JWKS fixture, use this path; the validation policy,
// scope enforcement included, is the same as the discovery path's.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*tokenAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri is required")
	}

	// Auto-refreshing JWKS, same as the discovery path.
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &tokenAuthenticator{
		cfg:     cfg,
		iss:     cfg.Issuer,
		keyfunc: allowedAlgsKeyfunc(cfg.AllowedAlgs, kf),
	}, nil
}
