package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized means no valid credentials accompanied the request. The
// transport answers with a 401 Bearer challenge.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope means the caller authenticated but the token's scopes
// do not cover the operation. The transport answers 403.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo is an authenticated principal. Implementations are immutable and
// safe for concurrent use.
type UserInfo interface {
	// UserID returns the stable identifier of the principal (the JWT sub).
	UserID() string
	// Claims unmarshals the token's claim set into ref.
	Claims(ref any) error
}

// Authenticator validates a bearer token string. Invalid credentials surface
// as an error wrapping ErrUnauthorized; valid credentials with missing scopes
// wrap ErrInsufficientScope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
