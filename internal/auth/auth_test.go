package auth

import (
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/nulpointcorp/inference-gateway/internal/credentials"
	"github.com/valyala/fasthttp"
)

func newTestPlane(t *testing.T, key string, allowed map[string]bool) *configplane.Plane {
	t.Helper()
	plane := configplane.New(credentials.New(), nil)
	hash := HashKey(key)
	raw := []byte(`{"hash":"` + hash + `","tenant_id":"tenant-a"}`)
	if len(allowed) > 0 {
		// build a minimal JSON body including allowed_models
		raw = []byte(`{"hash":"` + hash + `","tenant_id":"tenant-a","allowed_models":{"gpt-4":true}}`)
	}
	if err := plane.ApplyAPIKeySet(raw); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	return plane
}

func TestParseBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc123":   "abc123",
		"bearer abc123":   "abc123",
		"":                 "",
		"Basic abc123":     "",
		"Bearer ":          "",
		"Bearer   abc123 ": "abc123",
	}
	for header, want := range cases {
		if got := ParseBearerToken(header); got != want {
			t.Errorf("ParseBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	a := New(newTestPlane(t, "good_key", nil))
	ctx := &fasthttp.RequestCtx{}
	if _, err := a.Authenticate(ctx); err != ErrMissingKey {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	a := New(newTestPlane(t, "good_key", nil))
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer wrong_key")
	if _, err := a.Authenticate(ctx); err != ErrUnknownKey {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestAuthenticate_Success(t *testing.T) {
	a := New(newTestPlane(t, "good_key", nil))
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer good_key")
	p, err := a.Authenticate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TenantID != "tenant-a" {
		t.Errorf("tenant id = %q, want tenant-a", p.TenantID)
	}
}

func TestPrincipal_AllowsModel(t *testing.T) {
	a := New(newTestPlane(t, "good_key", map[string]bool{"gpt-4": true}))
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer good_key")
	p, err := a.Authenticate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.AllowsModel("gpt-4") {
		t.Errorf("expected gpt-4 to be allowed")
	}
	if p.AllowsModel("claude-3") {
		t.Errorf("expected claude-3 to be denied")
	}
}
