package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamplane/mcpd/internal/jwtauth"
)

func TestSecurityConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     SecurityConfig
		wantErr bool
	}{
		{"complete", SecurityConfig{Issuer: "https://issuer", Audiences: []string{"https://api"}}, false},
		{"missing issuer", SecurityConfig{Audiences: []string{"https://api"}}, true},
		{"no audiences", SecurityConfig{Issuer: "https://issuer"}, true},
		{"empty audience entry", SecurityConfig{Issuer: "https://issuer", Audiences: []string{""}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSecurityConfigNormalizeDefaults(t *testing.T) {
	c := SecurityConfig{Issuer: "https://issuer", Audiences: []string{"https://api"}}
	c.Normalize()
	if len(c.AllowedAlgs) != 1 || c.AllowedAlgs[0] != "RS256" {
		t.Fatalf("AllowedAlgs = %v, want [RS256]", c.AllowedAlgs)
	}
	if c.Leeway != 60*time.Second {
		t.Fatalf("Leeway = %v, want 60s", c.Leeway)
	}
	if !c.Advertise {
		t.Fatal("normalized config must advertise")
	}
}

func TestSecurityConfigCopyIsDeep(t *testing.T) {
	orig := SecurityConfig{
		Issuer:    "https://issuer",
		Audiences: []string{"https://api"},
		OIDC:      &OIDCExtra{ScopesSupported: []string{"mcp:read"}},
	}
	dup := orig.Copy()
	dup.Audiences[0] = "mutated"
	dup.OIDC.ScopesSupported[0] = "mutated"
	if orig.Audiences[0] != "https://api" {
		t.Fatal("Copy shares the audiences slice")
	}
	if orig.OIDC.ScopesSupported[0] != "mcp:read" {
		t.Fatal("Copy shares the OIDC scopes slice")
	}
}

type stubTokenChecker struct{ err error }

func (s stubTokenChecker) CheckAuthentication(ctx context.Context, tok string) (jwtauth.UserInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}

func TestAdapterMapsSentinelErrors(t *testing.T) {
	ctx := context.Background()

	ad := &adapter{a: stubTokenChecker{err: jwtauth.ErrInsufficientScope}}
	if _, err := ad.CheckAuthentication(ctx, "tok"); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}

	ad = &adapter{a: stubTokenChecker{err: jwtauth.ErrUnauthorized}}
	if _, err := ad.CheckAuthentication(ctx, "tok"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}
