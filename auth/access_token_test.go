package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/smc-node-go/auth"
	"github.com/ggoodman/smc-node-go/auth/authtest"
)

func TestRequiresAudience(t *testing.T) {
	if _, err := auth.NewStatic(context.Background(), "https://issuer", "", "https://issuer/keys"); err == nil {
		t.Fatalf("expected audience error")
	}
	if _, err := auth.NewFromDiscovery(context.Background(), "https://issuer", ""); err == nil {
		t.Fatalf("expected audience error")
	}
}

func TestTokens(t *testing.T) {
	a := authtest.NewTokens("smc:control").
		Add("good", "orchestrator", "smc:control", "smc:read").
		Add("weak", "viewer", "smc:read")

	ui, err := a.CheckAuthentication(context.Background(), "good")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "orchestrator" {
		t.Fatalf("user %q", ui.UserID())
	}
	var claims struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&claims); err != nil || claims.Scope != "smc:control smc:read" {
		t.Fatalf("claims %+v, %v", claims, err)
	}
	if _, err := a.CheckAuthentication(context.Background(), "weak"); !errors.Is(err, auth.ErrInsufficientScope) {
		t.Fatalf("want insufficient scope, got %v", err)
	}
	if _, err := a.CheckAuthentication(context.Background(), "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want unauthorized, got %v", err)
	}
}
