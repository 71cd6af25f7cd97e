// Package jwtauth validates RFC 9068 JWT access tokens. The public auth
// package wraps it; nothing here is served to library consumers directly.
//
// Both constructors produce the same verification core. NewFromDiscovery
// learns the JWKS location and endpoint metadata from the issuer's OIDC
// discovery document; NewStatic takes a JWKS URL directly and skips
// discovery.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized marks a token that failed validation: signature, issuer,
// audience, typ or time claims.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope marks a valid token whose scope claim does not satisfy
// the configured requirement. Transports map it to 403.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config holds the validation policy for discovery-based authenticators.
type Config struct {
	Issuer string
	// ExpectedAudiences lists every accepted "aud" value. The first entry is
	// the canonical audience registered with the authorization server; extra
	// entries exist for local setups where the served base URL differs.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // any one required scope suffices instead of all
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig applies the RS256-only, 60s-leeway baseline.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo carries the validated principal: the subject plus access to the
// raw claim set.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

// Authenticator is the contract both constructors satisfy. Implementations
// perform signature, issuer, audience and time validation before returning.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type claimsUser struct {
	sub    string
	claims jwt.MapClaims
}

func (u *claimsUser) UserID() string { return u.sub }

func (u *claimsUser) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// verifier is the shared validation core. Construction paths differ only in
// how they obtain the keyfunc and whether the RFC 9068 typ header is
// mandatory.
type verifier struct {
	issuer         string
	audiences      []string
	requiredScopes []string
	scopeAny       bool
	algs           []string
	leeway         time.Duration
	requireATTyp   bool
	keys           jwt.Keyfunc
}

func (v *verifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(tok, v.keys)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.requireATTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", ErrUnauthorized)
	}
	if !audienceAccepted(claims["aud"], v.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		if time.Unix(int64(iatf), 0).After(time.Now().Add(v.leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if err := v.checkScopes(claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &claimsUser{sub: sub, claims: claims}, nil
}

func (v *verifier) checkScopes(claims jwt.MapClaims) error {
	if len(v.requiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := make(map[string]bool)
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	if v.scopeAny {
		for _, want := range v.requiredScopes {
			if have[want] {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range v.requiredScopes {
		if !have[want] {
			return ErrInsufficientScope
		}
	}
	return nil
}

// audienceAccepted handles the three wire shapes of "aud": a single string,
// an array of values, or a decoded []string.
func audienceAccepted(aud any, accepted []string) bool {
	ok := func(s string) bool {
		for _, a := range accepted {
			if s == a {
				return true
			}
		}
		return false
	}
	switch v := aud.(type) {
	case string:
		return ok(v)
	case []any:
		for _, e := range v {
			if s, isStr := e.(string); isStr && ok(s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if ok(s) {
				return true
			}
		}
	}
	return false
}

// guardedKeyfunc wraps the auto-refreshing JWKS keyfunc with an allowed-algs
// gate so a key lookup never happens for a disallowed algorithm.
func guardedKeyfunc(kf keyfunc.Keyfunc, algs []string) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range algs {
			if alg == a {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

// ProviderMetadata is the subset of the issuer's discovery document the
// transport republishes under /.well-known. Advertisement only; none of it
// participates in token validation.
type ProviderMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	JWKSURI               string

	ScopesSupported                            []string
	ResponseTypesSupported                     []string
	GrantTypesSupported                        []string
	ResponseModesSupported                     []string
	CodeChallengeMethodsSupported              []string
	TokenEndpointAuthMethodsSupported          []string
	TokenEndpointAuthSigningAlgValuesSupported []string

	ServiceDocumentation string
	OpPolicyURI          string
	OpTosURI             string
}

func (m ProviderMetadata) copy() ProviderMetadata {
	dup := m
	dup.ScopesSupported = append([]string(nil), m.ScopesSupported...)
	dup.ResponseTypesSupported = append([]string(nil), m.ResponseTypesSupported...)
	dup.GrantTypesSupported = append([]string(nil), m.GrantTypesSupported...)
	dup.ResponseModesSupported = append([]string(nil), m.ResponseModesSupported...)
	dup.CodeChallengeMethodsSupported = append([]string(nil), m.CodeChallengeMethodsSupported...)
	dup.TokenEndpointAuthMethodsSupported = append([]string(nil), m.TokenEndpointAuthMethodsSupported...)
	dup.TokenEndpointAuthSigningAlgValuesSupported = append([]string(nil), m.TokenEndpointAuthSigningAlgValuesSupported...)
	return dup
}

// DiscoveryAuthenticator validates tokens against keys and policy learned via
// OIDC discovery and retains the provider metadata for advertisement.
type DiscoveryAuthenticator struct {
	verifier
	meta ProviderMetadata
}

// Metadata returns a copy of the provider metadata learned at construction.
func (a *DiscoveryAuthenticator) Metadata() ProviderMetadata { return a.meta.copy() }

// NewFromDiscovery resolves the issuer's OIDC discovery document, starts an
// auto-refreshing JWKS fetch, and returns an authenticator enforcing cfg.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*DiscoveryAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var doc struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Registration  string   `json:"registration_endpoint"`
		ResponseTypes []string `json:"response_types_supported"`
		Scopes        []string `json:"scopes_supported"`
		GrantTypes    []string `json:"grant_types_supported"`
		ResponseModes []string `json:"response_modes_supported"`
		CodeChallenge []string `json:"code_challenge_methods_supported"`
		TokenAuth     []string `json:"token_endpoint_auth_methods_supported"`
		TokenAuthAlgs []string `json:"token_endpoint_auth_signing_alg_values_supported"`
		ServiceDoc    string   `json:"service_documentation"`
		PolicyURI     string   `json:"op_policy_uri"`
		TosURI        string   `json:"op_tos_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	var missing []string
	for _, req := range []struct {
		name string
		ok   bool
	}{
		{"jwks_uri", doc.JwksURI != ""},
		{"authorization_endpoint", doc.Authorization != ""},
		{"token_endpoint", doc.Token != ""},
		{"response_types_supported", len(doc.ResponseTypes) > 0},
	} {
		if !req.ok {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{doc.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &DiscoveryAuthenticator{
		verifier: verifier{
			issuer:         doc.Issuer,
			audiences:      append([]string(nil), cfg.ExpectedAudiences...),
			requiredScopes: append([]string(nil), cfg.RequiredScopes...),
			scopeAny:       cfg.ScopeModeAny,
			algs:           append([]string(nil), cfg.AllowedAlgs...),
			leeway:         cfg.Leeway,
			requireATTyp:   true,
			keys:           guardedKeyfunc(kf, cfg.AllowedAlgs),
		},
		meta: ProviderMetadata{
			Issuer:                 doc.Issuer,
			AuthorizationEndpoint:  doc.Authorization,
			TokenEndpoint:          doc.Token,
			RegistrationEndpoint:   doc.Registration,
			JWKSURI:                doc.JwksURI,
			ScopesSupported:        doc.Scopes,
			ResponseTypesSupported: doc.ResponseTypes,
			GrantTypesSupported:    doc.GrantTypes,
			ResponseModesSupported: doc.ResponseModes,
			CodeChallengeMethodsSupported:              doc.CodeChallenge,
			TokenEndpointAuthMethodsSupported:          doc.TokenAuth,
			TokenEndpointAuthSigningAlgValuesSupported: doc.TokenAuthAlgs,
			ServiceDocumentation:                       doc.ServiceDoc,
			OpPolicyURI:                                doc.PolicyURI,
			OpTosURI:                                   doc.TosURI,
		},
	}, nil
}
