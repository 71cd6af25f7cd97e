// Package authtest provides trivial Authenticator implementations for tests
// and local development. Never use these in production.
package authtest

import (
	"context"

	"github.com/streamplane/mcpd/auth"
)

// NoAuth accepts every bearer token and reports a fixed user. Useful for
// development environments where authentication is not required.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator for the given user id. An empty id
// defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication implements auth.Authenticator. It never fails.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &staticUserInfo{userID: n.UserID}, nil
}

// StaticTokens maps exact bearer token strings to user ids. Any other token
// is rejected with auth.ErrUnauthorized.
type StaticTokens struct {
	Tokens map[string]string
}

// CheckAuthentication implements auth.Authenticator.
func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if uid, ok := s.Tokens[tok]; ok {
		return &staticUserInfo{userID: uid}, nil
	}
	return nil, auth.ErrUnauthorized
}

type staticUserInfo struct {
	userID string
}

func (u *staticUserInfo) UserID() string { return u.userID }

func (u *staticUserInfo) Claims(ref any) error { return nil }
