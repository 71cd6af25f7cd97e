package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// fakeIssuer serves an OIDC discovery document and a JWKS for one RSA key.
type fakeIssuer struct {
	srv      *httptest.Server
	key      *rsa.PrivateKey
	kid      string
	overlay  map[string]any
	jwksPath string
}

func newFakeIssuer(t *testing.T, overlay map[string]any) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fi := &fakeIssuer{key: key, kid: "k1", overlay: overlay, jwksPath: "/keys"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"issuer":                   fi.srv.URL,
			"jwks_uri":                 fi.srv.URL + fi.jwksPath,
			"authorization_endpoint":   fi.srv.URL + "/oauth2/auth",
			"token_endpoint":           fi.srv.URL + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range fi.overlay {
			doc[k] = v
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc(fi.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		set := struct {
			Keys []jose.JSONWebKey `json:"keys"`
		}{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: fi.kid, Algorithm: "RS256", Use: "sig"}}}
		_ = json.NewEncoder(w).Encode(set)
	})
	fi.srv = httptest.NewServer(mux)
	t.Cleanup(fi.srv.Close)
	return fi
}

func (fi *fakeIssuer) url() string { return fi.srv.URL }

// mint signs a token with the issuer's key. typ of "" leaves the header
// default ("JWT").
func (fi *fakeIssuer) mint(t *testing.T, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = fi.kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(fi.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func accessClaims(issuer, sub, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": sub,
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func discoveryConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

func TestDiscoveryTokenAccepted(t *testing.T) {
	fi := newFakeIssuer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aud := "https://api.example.com/mcp"
	a, err := NewFromDiscovery(ctx, discoveryConfig(fi.url(), aud))
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}

	claims := accessClaims(fi.url(), "user-123", aud)
	claims["scope"] = "mcp:read mcp:write"
	ui, err := a.CheckAuthentication(ctx, fi.mint(t, "at+jwt", claims))
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if out.Scope != "mcp:read mcp:write" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}

	meta := a.Metadata()
	if meta.AuthorizationEndpoint != fi.url()+"/oauth2/auth" || meta.TokenEndpoint != fi.url()+"/oauth2/token" {
		t.Fatalf("unexpected discovery metadata: %+v", meta)
	}
}

func TestDiscoveryRequiresCompleteMetadata(t *testing.T) {
	fi := newFakeIssuer(t, map[string]any{"token_endpoint": ""})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := NewFromDiscovery(ctx, discoveryConfig(fi.url(), "aud")); err == nil {
		t.Fatal("discovery without token_endpoint must fail")
	}
}

func TestAudienceMatching(t *testing.T) {
	fi := newFakeIssuer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primary := "https://api.example.com/mcp"
	extra := "http://localhost:8080/mcp"
	cfg := discoveryConfig(fi.url(), primary)
	cfg.ExpectedAudiences = []string{primary, extra}
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}

	// aud as array containing an accepted value.
	claims := accessClaims(fi.url(), "u", "")
	claims["aud"] = []string{"https://other", primary}
	if _, err := a.CheckAuthentication(ctx, fi.mint(t, "at+jwt", claims)); err != nil {
		t.Fatalf("array audience rejected: %v", err)
	}

	// aud as the secondary accepted string.
	claims["aud"] = extra
	if _, err := a.CheckAuthentication(ctx, fi.mint(t, "at+jwt", claims)); err != nil {
		t.Fatalf("secondary audience rejected: %v", err)
	}

	// aud not in the accepted set.
	claims["aud"] = "https://unknown"
	if _, err := a.CheckAuthentication(ctx, fi.mint(t, "at+jwt", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for unknown audience, got %v", err)
	}
}

func TestAllRequiredScopesEnforced(t *testing.T) {
	fi := newFakeIssuer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aud := "https://api.example.com/mcp"
	cfg := discoveryConfig(fi.url(), aud)
	cfg.RequiredScopes = []string{"mcp:write", "mcp:admin"}
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}

	claims := accessClaims(fi.url(), "u", aud)
	claims["scope"] = "mcp:write" // mcp:admin missing
	if _, err := a.CheckAuthentication(ctx, fi.mint(t, "at+jwt", claims)); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}
}

func TestDiscoveryRejectsPlainJWTTyp(t *testing.T) {
	fi := newFakeIssuer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aud := "https://api.example.com/mcp"
	a, err := NewFromDiscovery(ctx, discoveryConfig(fi.url(), aud))
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}

	tok := fi.mint(t, "JWT", accessClaims(fi.url(), "u", aud))
	if _, err := a.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for typ JWT, got %v", err)
	}
}

func TestIssuerMismatchRejected(t *testing.T) {
	fi := newFakeIssuer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aud := "https://api.example.com/mcp"
	a, err := NewFromDiscovery(ctx, discoveryConfig(fi.url(), aud))
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}

	claims := accessClaims("https://evil.example.com", "u", aud)
	if _, err := a.CheckAuthentication(ctx, fi.mint(t, "at+jwt", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for issuer mismatch, got %v", err)
	}
}

func TestStaticAcceptsPlainJWT(t *testing.T) {
	fi := newFakeIssuer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aud := "https://api.example.com/mcp"
	cfg := &StaticConfig{Issuer: fi.url(), ExpectedAudiences: []string{aud}, Leeway: time.Second}
	a, err := NewStatic(ctx, cfg, fi.url()+"/keys")
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	// Manual issuers mint plain JWTs; the static path must not require at+jwt.
	ui, err := a.CheckAuthentication(ctx, fi.mint(t, "", accessClaims(fi.url(), "user-9", aud)))
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != "user-9" {
		t.Fatalf("want sub user-9, got %s", ui.UserID())
	}

	claims := accessClaims(fi.url(), "user-9", "https://unknown")
	if _, err := a.CheckAuthentication(ctx, fi.mint(t, "", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for unknown audience, got %v", err)
	}
}
