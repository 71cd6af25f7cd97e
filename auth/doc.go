// Package auth supplies bearer token authentication for the streaming HTTP
// transport. Servers that delegate authorization to an external OAuth 2.0 /
// OIDC authorization server verify RFC 9068 JWT access tokens here; the
// transport extracts the token from each request and turns this package's
// sentinel errors into Bearer challenges.
//
// NewFromDiscovery is the usual entry point: it resolves the issuer's OIDC
// discovery document, keeps the JWKS fresh, and enforces issuer, audience and
// time claims. Scope requirements, accepted algorithms and clock-skew leeway
// are functional options:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/api",
//	    auth.WithRequiredScopes("mcp:read", "mcp:write"),
//	)
//
// For issuers without discovery, populate a SecurityConfig (issuer, audiences,
// JWKSURL) and call NewManualJWTAuthenticator.
//
// Validation outcomes map onto two sentinels: ErrUnauthorized when the token
// is invalid (signature, expiry, issuer, audience) and ErrInsufficientScope
// when the token is valid but lacks a required scope. Check them with
// errors.Is; the transport responds 401 and 403 respectively.
//
// Both constructors return a SecurityProvider, which pairs the Authenticator
// with a SecurityDescriptor. The transport reads the descriptor to publish
// RFC 9728 protected resource metadata and the authorization server metadata
// mirror under /.well-known.
package auth
