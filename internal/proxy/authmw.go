package proxy

import (
	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// requireAuth wraps an OpenAI-compatible route with the Authenticator (C3):
// a missing or unrecognized bearer key is rejected with 401 before next runs.
// When no Authenticator is configured the route runs unauthenticated, the
// same nil-safe posture every other optional dependency uses (dev/test mode).
func (g *Gateway) requireAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.authenticator == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		principal, err := g.authenticator.Authenticate(ctx)
		if err != nil {
			apierr.WriteKind(ctx, apierr.KindUnauthenticated, err.Error(), "invalid_api_key")
			return
		}
		ctx.SetUserValue("principal", principal)
		next(ctx)
	}
}

// requireAuthRelaxed wraps the telemetry/operational surface: any recognized
// key is admitted without a model-scope check. Still nil-safe when no
// Authenticator is configured.
func (g *Gateway) requireAuthRelaxed(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.authenticator == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		principal, err := g.authenticator.AuthenticateRelaxed(ctx)
		if err != nil {
			apierr.WriteKind(ctx, apierr.KindUnauthenticated, err.Error(), "invalid_api_key")
			return
		}
		ctx.SetUserValue("principal", principal)
		next(ctx)
	}
}

// principalFromCtx is a small local alias so route handlers in this package
// don't need to import internal/auth directly in every file.
func principalFromCtx(ctx *fasthttp.RequestCtx) *auth.Principal {
	return auth.PrincipalFromCtx(ctx)
}
