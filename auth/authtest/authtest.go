// Package authtest provides fake authenticators for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/durablemcp/server-go/auth"
)

// Static validates tokens against a fixed in-memory token table. Unknown
// tokens fail with auth.ErrUnauthorized.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]*User
}

// User is the principal a static token resolves to.
type User struct {
	ID     string
	Claims map[string]any
}

func NewStatic() *Static {
	return &Static{tokens: make(map[string]*User)}
}

// AddToken registers a bearer token for the given user.
func (s *Static) AddToken(token string, u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = u
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	u, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", auth.ErrUnauthorized)
	}
	return &staticUserInfo{u: u}, nil
}

type staticUserInfo struct {
	u *User
}

func (si *staticUserInfo) UserID() string { return si.u.ID }

func (si *staticUserInfo) Claims(ref any) error {
	b, err := json.Marshal(si.u.Claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*Static)(nil)
