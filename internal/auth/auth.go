// Package auth implements the Authenticator (C3): bearer-key extraction,
// O(1) lookup against the Config Plane's API-key table, and attachment of
// the resolved tenant/quota/metadata to the request context.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/valyala/fasthttp"
)

// Principal is the resolved identity attached to an authenticated request.
type Principal struct {
	KeyHash       string
	TenantID      string
	ProjectID     string
	AllowedModels map[string]bool
	UsageQuota    *configplane.UsageQuota
	Metadata      map[string]string
}

// AllowsModel reports whether this principal may call modelID.
func (p *Principal) AllowsModel(modelID string) bool {
	if p == nil {
		return false
	}
	if len(p.AllowedModels) == 0 {
		return true
	}
	return p.AllowedModels[modelID]
}

type ctxKey struct{}

// FromContext returns the Principal attached by Authenticator.Authenticate,
// or nil if the request was never authenticated (e.g. an unauthenticated
// operational route).
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}

// Authenticator validates bearer API keys against the Config Plane's table.
type Authenticator struct {
	plane *configplane.Plane
}

// New returns an Authenticator backed by plane.
func New(plane *configplane.Plane) *Authenticator {
	return &Authenticator{plane: plane}
}

// ErrMissingKey and ErrUnknownKey distinguish the two unauthenticated
// failure modes that both map to the "unauthenticated" error kind.
var (
	ErrMissingKey = authErr("missing or malformed Authorization header")
	ErrUnknownKey = authErr("API key not recognized")
)

type authErr string

func (e authErr) Error() string { return string(e) }

// Authenticate extracts the bearer token from ctx, looks it up, and returns
// the resolved Principal. It never mutates ctx itself — callers attach the
// Principal to the request's user value or a derived context.Context.
func (a *Authenticator) Authenticate(ctx *fasthttp.RequestCtx) (*Principal, error) {
	token := ParseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		return nil, ErrMissingKey
	}
	hash := HashKey(token)
	entry, ok := a.plane.APIKeyByHash(hash)
	if !ok {
		return nil, ErrUnknownKey
	}
	return &Principal{
		KeyHash:       hash,
		TenantID:      entry.TenantID,
		ProjectID:     entry.ProjectID,
		AllowedModels: entry.AllowedModels,
		UsageQuota:    entry.UsageQuota,
		Metadata:      entry.Metadata,
	}, nil
}

// AuthenticateRelaxed is used by telemetry/operational routes: it accepts
// any recognized key without checking model scope. It performs the same
// lookup as Authenticate, so a missing or unknown key is still an error.
func (a *Authenticator) AuthenticateRelaxed(ctx *fasthttp.RequestCtx) (*Principal, error) {
	return a.Authenticate(ctx)
}

// ParseBearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. Returns "" if the header is empty or malformed.
func ParseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// HashKey returns the deterministic SHA-256 hex digest used as the lookup
// key into the Config Plane's API-key table (keys are never stored or
// compared in plaintext).
func HashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
