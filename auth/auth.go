// Package auth provides pluggable bearer token authentication for the
// streaming HTTP transport. An Authenticator validates an incoming bearer
// token string and returns a UserInfo (or an error); the transport extracts
// the token from the request and maps sentinel errors into RFC 6750
// challenges.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/durablemcp/server-go/authctx"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ContextFor builds the ephemeral authorization context for an
// authenticated principal. The raw token stays in-process; scopes and
// expiry come from the standard claims when the implementation carries
// them.
func ContextFor(ui UserInfo, rawToken string) *authctx.Context {
	ac := &authctx.Context{
		Subject: ui.UserID(),
		Token:   rawToken,
	}
	var std struct {
		Scope string  `json:"scope"`
		Exp   float64 `json:"exp"`
	}
	if err := ui.Claims(&std); err == nil {
		if std.Scope != "" {
			ac.Scopes = strings.Fields(std.Scope)
		}
		if std.Exp > 0 {
			ac.ExpiresAt = time.Unix(int64(std.Exp), 0)
		}
	}
	return ac
}
