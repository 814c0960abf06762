package proxy

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/router"
)

// routerInvoke builds the router.Invoke closure for one chat/completion
// request: it resolves the concrete providers.Provider for a routing
// attempt from the provider config's kind (falling back to the provider
// id itself) and calls its Request method.
func (g *Gateway) routerInvoke(proxyReq *providers.ProxyRequest) router.Invoke {
	return func(ctx context.Context, modelID, providerID string, pc *configplane.ProviderConfig) (any, error) {
		prov, ok := g.providers[pc.Kind]
		if !ok {
			prov, ok = g.providers[providerID]
		}
		if !ok {
			return nil, fmt.Errorf("no provider configured for kind %q (provider id %q)", pc.Kind, providerID)
		}
		reqCopy := *proxyReq
		reqCopy.Model = modelID
		return prov.Request(ctx, &reqCopy)
	}
}

// dispatchViaRouter runs a chat/completion request through the Router
// (C7): config-plane-driven routing order + fallback-chain walk, as
// opposed to the static alias/circuit-breaker failover path in failover.go
// used when the model has no Config Plane entry.
func (g *Gateway) dispatchViaRouter(ctx context.Context, proxyReq *providers.ProxyRequest, modelID string) (*providers.ProxyResponse, string, error) {
	result, err := g.modelRouter.Dispatch(ctx, modelID, "chat", g.routerInvoke(proxyReq))
	if err != nil {
		return nil, "", err
	}
	resp, ok := result.Value.(*providers.ProxyResponse)
	if !ok {
		return nil, "", fmt.Errorf("router: provider %s returned an unexpected response type", result.ProviderID)
	}
	return resp, result.ProviderID, nil
}

// hasRouterModel reports whether the Config Plane has routing data for
// modelID, i.e. whether the request should use the Router (C7) instead of
// the legacy static-alias failover path.
func (g *Gateway) hasRouterModel(modelID string) bool {
	if g.modelRouter == nil || g.plane == nil {
		return false
	}
	_, ok := g.plane.Model(modelID)
	return ok
}
