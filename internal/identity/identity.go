// Package identity derives the authenticated principal from the backend's
// access token.
//
// Token issuance and refresh belong to the auth collaborator. The agent only
// reads the claims it needs to address the socket and label call signaling;
// the backend remains the verifier of the signature.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mindhaven/pkg/types"
)

// Identity errors
var (
	ErrMissingToken   = errors.New("access token is empty")
	ErrMalformedToken = errors.New("access token is malformed")
	ErrMissingUserID  = errors.New("access token has no user_id claim")
	ErrTokenExpired   = errors.New("access token has expired")
)

// Parse reads the identity claims of raw without verifying its signature.
// fallbackRole is used when the token carries no role claim.
func Parse(raw string, fallbackRole types.Role, now time.Time) (types.Identity, error) {
	if raw == "" {
		return types.Identity{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return types.Identity{}, ErrTokenExpired
	}

	id, err := userID(claims["user_id"])
	if err != nil {
		return types.Identity{}, err
	}

	ident := types.Identity{UserID: id, Role: fallbackRole}
	if role, ok := claims["role"].(string); ok && types.Role(role).Valid() {
		ident.Role = types.Role(role)
	}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}
	return ident, nil
}

func userID(v interface{}) (types.ID, error) {
	switch id := v.(type) {
	case float64:
		if id <= 0 || id != float64(int64(id)) {
			return "", fmt.Errorf("%w: user_id %v is not a positive integer", ErrMalformedToken, id)
		}
		return types.ID(strconv.FormatInt(int64(id), 10)), nil
	case string:
		if !types.IsValidID(types.ID(id)) {
			return "", fmt.Errorf("%w: user_id %q", ErrMalformedToken, id)
		}
		return types.ID(id), nil
	case nil:
		return "", ErrMissingUserID
	default:
		return "", fmt.Errorf("%w: user_id has type %T", ErrMalformedToken, v)
	}
}

// Source holds the current access token and the identity it carries. It is
// both the REST client's bearer token provider and the stores' identity provider.
type Source struct {
	mu           sync.RWMutex
	token        string
	identity     types.Identity
	ok           bool
	fallbackRole types.Role
	now          func() time.Time
}

// NewSource creates an empty source; fallbackRole applies to tokens without a role claim.
func NewSource(fallbackRole types.Role) *Source {
	if !fallbackRole.Valid() {
		fallbackRole = types.RoleUser
	}
	return &Source{fallbackRole: fallbackRole, now: time.Now}
}

// SetToken installs raw as the access token. An unparsable token leaves the
// source unauthenticated.
func (s *Source) SetToken(raw string) error {
	ident, err := Parse(raw, s.fallbackRole, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.token, s.identity, s.ok = "", types.Identity{}, false
		return err
	}
	s.token, s.identity, s.ok = raw, ident, true
	return nil
}

// Clear forgets the token (logout).
func (s *Source) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.identity, s.ok = "", types.Identity{}, false
}

// AccessToken returns the bearer token, or "" when unauthenticated.
func (s *Source) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Identity returns the authenticated identity.
func (s *Source) Identity() (types.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.ok
}
