package auth

import (
	"context"
	"errors"
	"time"

	"github.com/streamplane/mcpd/internal/jwtauth"
)

// AccessTokenAuthOption tunes the discovery-based access token authenticator:
// scopes, algorithms, leeway. Issuer and audience are formal arguments to
// NewFromDiscovery.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires every listed scope to appear in the token's
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope relaxes the requirement to any one of the listed
// scopes.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs replaces the accepted JWS algorithm set (default RS256).
// "none" is never accepted.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets the clock-skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery builds a SecurityProvider that validates RFC 9068 access
// tokens with keys and endpoints learned from the issuer's OIDC discovery
// document. The audience is the "aud" value clients must present, typically
// the public MCP endpoint URL. The discovered authorization server metadata
// is carried on the returned SecurityConfig for /.well-known advertisement.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.ExpectedAudiences) == 0 || cfg.ExpectedAudiences[0] == "" {
		return nil, errors.New("audience is required")
	}

	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}

	meta := internal.Metadata()
	sec := SecurityConfig{
		Issuer:      cfg.Issuer,
		Audiences:   append([]string(nil), cfg.ExpectedAudiences...),
		AllowedAlgs: append([]string(nil), cfg.AllowedAlgs...),
		JWKSURL:     meta.JWKSURI,
		Leeway:      cfg.Leeway,
		EnforceExp:  true,
		EnforceNbf:  true,
		OIDC: &OIDCExtra{
			AuthorizationEndpoint:                      meta.AuthorizationEndpoint,
			TokenEndpoint:                              meta.TokenEndpoint,
			RegistrationEndpoint:                       meta.RegistrationEndpoint,
			ScopesSupported:                            meta.ScopesSupported,
			ResponseTypesSupported:                     meta.ResponseTypesSupported,
			GrantTypesSupported:                        meta.GrantTypesSupported,
			ResponseModesSupported:                     meta.ResponseModesSupported,
			CodeChallengeMethodsSupported:              meta.CodeChallengeMethodsSupported,
			TokenEndpointAuthMethodsSupported:          meta.TokenEndpointAuthMethodsSupported,
			TokenEndpointAuthSigningAlgValuesSupported: meta.TokenEndpointAuthSigningAlgValuesSupported,
			ServiceDocumentation:                       meta.ServiceDocumentation,
			OpPolicyURI:                                meta.OpPolicyURI,
			OpTosURI:                                   meta.OpTosURI,
		},
	}
	sec.Normalize()
	return &adapter{a: internal, sec: sec}, nil
}

// adapter bridges the internal authenticator to the public contract and maps
// its sentinel errors onto this package's.
type adapter struct {
	a   jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return principal{ui: ui}, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }

type principal struct{ ui jwtauth.UserInfo }

func (p principal) UserID() string       { return p.ui.UserID() }
func (p principal) Claims(ref any) error { return p.ui.Claims(ref) }
