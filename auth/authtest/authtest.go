// Package authtest provides an in-memory Authenticator for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/smc-node-go/auth"
)

// Tokens authenticates a fixed table of bearer tokens. Each token maps to a
// user and the scopes it was granted.
type Tokens struct {
	mu       sync.RWMutex
	tokens   map[string]grant
	required []string
}

type grant struct {
	user   string
	scopes []string
}

// NewTokens returns an authenticator requiring every scope in required.
func NewTokens(required ...string) *Tokens {
	return &Tokens{tokens: make(map[string]grant), required: required}
}

// Add registers tok for user with the given scopes.
func (t *Tokens) Add(tok, user string, scopes ...string) *Tokens {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[tok] = grant{user: user, scopes: scopes}
	return t
}

// CheckAuthentication looks tok up in the table.
func (t *Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	t.mu.RLock()
	g, ok := t.tokens[tok]
	t.mu.RUnlock()
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	for _, s := range t.required {
		if !slices.Contains(g.scopes, s) {
			return nil, auth.ErrInsufficientScope
		}
	}
	return &userInfo{user: g.user, scope: strings.Join(g.scopes, " ")}, nil
}

type userInfo struct {
	user  string
	scope string
}

func (u *userInfo) UserID() string { return u.user }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.user, "scope": u.scope})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*Tokens)(nil)
