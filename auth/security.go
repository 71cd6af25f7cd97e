package auth

import (
	"context"
	"errors"
	"time"

	"github.com/streamplane/mcpd/internal/jwtauth"
)

// SecurityConfig is the single source of truth for how this resource
// validates and advertises bearer authentication: issuer, accepted audiences,
// algorithm and clock-skew policy, plus optional OAuth metadata republished
// under /.well-known.
//
// A zero value is invalid. Populate the required fields and call Validate, or
// obtain a config from an authenticator constructor.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // empty means RS256 only
	JWKSURL     string   // set manually or filled in by discovery

	Leeway     time.Duration // clock skew tolerance, default 60s
	EnforceExp bool
	EnforceNbf bool
	Advertise  bool // transport may publish /.well-known metadata

	OIDC *OIDCExtra
}

// OIDCExtra is authorization server metadata surfaced to clients for
// bootstrapping. Nothing in it participates in token validation.
type OIDCExtra struct {
	AuthorizationEndpoint                      string
	TokenEndpoint                              string
	RegistrationEndpoint                       string
	ScopesSupported                            []string
	ResponseTypesSupported                     []string
	GrantTypesSupported                        []string
	ResponseModesSupported                     []string
	CodeChallengeMethodsSupported              []string
	TokenEndpointAuthMethodsSupported          []string
	TokenEndpointAuthSigningAlgValuesSupported []string
	ServiceDocumentation                       string
	OpPolicyURI                                string
	OpTosURI                                   string
}

// Normalize fills policy defaults in place. Advertisement is always on for a
// normalized config; transports that must stay silent simply skip the
// metadata endpoints.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	c.Advertise = true
}

// Validate reports whether the required enforcement fields are present.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy the caller may mutate freely.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	if c.OIDC != nil {
		ox := *c.OIDC
		ox.ScopesSupported = append([]string(nil), c.OIDC.ScopesSupported...)
		ox.ResponseTypesSupported = append([]string(nil), c.OIDC.ResponseTypesSupported...)
		ox.GrantTypesSupported = append([]string(nil), c.OIDC.GrantTypesSupported...)
		ox.ResponseModesSupported = append([]string(nil), c.OIDC.ResponseModesSupported...)
		ox.CodeChallengeMethodsSupported = append([]string(nil), c.OIDC.CodeChallengeMethodsSupported...)
		ox.TokenEndpointAuthMethodsSupported = append([]string(nil), c.OIDC.TokenEndpointAuthMethodsSupported...)
		ox.TokenEndpointAuthSigningAlgValuesSupported = append([]string(nil), c.OIDC.TokenEndpointAuthSigningAlgValuesSupported...)
		dup.OIDC = &ox
	}
	return dup
}

// NewManualJWTAuthenticator builds a JWT authenticator from this config
// without OIDC discovery. Issuer, at least one audience and JWKSURL are
// required; AllowedAlgs and Leeway default via Normalize.
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	a, err := jwtauth.NewStatic(ctx, &jwtauth.StaticConfig{
		Issuer:            cc.Issuer,
		ExpectedAudiences: append([]string(nil), cc.Audiences...),
		AllowedAlgs:       append([]string(nil), cc.AllowedAlgs...),
		Leeway:            cc.Leeway,
	}, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, sec: cc}, nil
}

// SecurityDescriptor exposes the effective security configuration so
// transports can advertise it.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider is what the constructors return: token validation plus the
// descriptor the transport advertises from.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
