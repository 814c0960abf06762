package proxy

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleResponsesCreate implements POST /v1/responses. It runs the standard
// blocking/rate-limit/usage policy gates, then delegates to the resolved
// provider's ResponseProvider capability (the Dummy provider backs it when
// no real provider implements the stateful Responses API yet) and records
// the result for later GET/DELETE/cancel/input_items lookups.
func (g *Gateway) handleResponsesCreate(ctx *fasthttp.RequestCtx) {
	var req struct {
		Model        string `json:"model"`
		Input        any    `json:"input"`
		Instructions string `json:"instructions"`
		Store        bool   `json:"store"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	principal := auth.PrincipalFromCtx(ctx)
	if _, ok := g.applyPolicy(ctx, principal, req.Model, nil); !ok {
		return
	}

	prov := g.resolveAnyProvider(resolveProvider(req.Model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	responder, ok := prov.(providers.ResponseProvider)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindCapabilityNotSupport,
			"provider does not support the responses API", apierr.CodeCapabilityNotSupport)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	resp, err := responder.CreateResponse(provCtx, &providers.ResponsesRequest{
		Model: req.Model, Input: req.Input, Instructions: req.Instructions, Store: req.Store,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	id := resp.ID
	if id == "" {
		id = "resp-" + uuid.New().String()
	}
	inputItems, _ := req.Input.([]any)
	g.stateful.putResponse(&storedResponse{
		id: id, model: resp.Model, status: resp.Status, output: resp.Output,
		inputItems: inputItems, createdAt: nowUnix(),
	})

	writeJSON(ctx, map[string]any{
		"id": id, "object": "response", "model": resp.Model,
		"status": resp.Status, "output": resp.Output, "usage": resp.Usage,
	})
}

// handleResponsesGet implements GET /v1/responses/{id}.
func (g *Gateway) handleResponsesGet(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	r, ok := g.stateful.getResponse(id)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindNotFound, "response not found", "")
		return
	}
	writeJSON(ctx, map[string]any{
		"id": r.id, "object": "response", "model": r.model, "status": r.status, "output": r.output,
	})
}

// handleResponsesDelete implements DELETE /v1/responses/{id}.
func (g *Gateway) handleResponsesDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if !g.stateful.deleteResponse(id) {
		apierr.WriteKind(ctx, apierr.KindNotFound, "response not found", "")
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "object": "response", "deleted": true})
}

// handleResponsesCancel implements POST /v1/responses/{id}/cancel.
func (g *Gateway) handleResponsesCancel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	r, ok := g.stateful.getResponse(id)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindNotFound, "response not found", "")
		return
	}
	r.status = "cancelled"
	g.stateful.putResponse(r)
	writeJSON(ctx, map[string]any{"id": r.id, "object": "response", "status": r.status})
}

// handleResponsesInputItems implements GET /v1/responses/{id}/input_items.
func (g *Gateway) handleResponsesInputItems(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	r, ok := g.stateful.getResponse(id)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindNotFound, "response not found", "")
		return
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": r.inputItems})
}
