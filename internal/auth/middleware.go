package auth

import (
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Middleware authenticates every request and stores the resolved Principal
// in the request's user values under "principal". Unauthenticated requests
// are rejected with a 401 before next is invoked.
func Middleware(a *Authenticator) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			principal, err := a.Authenticate(ctx)
			if err != nil {
				apierr.WriteKind(ctx, apierr.KindUnauthenticated, err.Error(), "invalid_api_key")
				return
			}
			ctx.SetUserValue("principal", principal)
			next(ctx)
		}
	}
}

// PrincipalFromCtx retrieves the Principal stashed by Middleware.
func PrincipalFromCtx(ctx *fasthttp.RequestCtx) *Principal {
	p, _ := ctx.UserValue("principal").(*Principal)
	return p
}
