package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
)

// StaticConfig is the validation policy for manually configured issuers where
// no OIDC discovery document is available. The JWKS URL is supplied directly.
type StaticConfig struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// StaticAuthenticator validates tokens against a fixed issuer, audience set
// and JWKS URL. Unlike the discovery path it does not require the RFC 9068
// typ header, since manually configured issuers often mint plain JWTs.
type StaticAuthenticator struct {
	verifier
}

// NewStatic builds an authenticator from explicit configuration. The JWKS is
// fetched and auto-refreshed from jwksURI.
func NewStatic(ctx context.Context, cfg *StaticConfig, jwksURI string) (*StaticAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &StaticAuthenticator{verifier: verifier{
		issuer:    cfg.Issuer,
		audiences: append([]string(nil), cfg.ExpectedAudiences...),
		algs:      append([]string(nil), algs...),
		leeway:    leeway,
		keys:      guardedKeyfunc(kf, algs),
	}}, nil
}

var _ Authenticator = (*StaticAuthenticator)(nil)
