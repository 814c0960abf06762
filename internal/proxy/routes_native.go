package proxy

import (
	"context"
	"encoding/json"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleNativeInference implements POST /inference, the unauthenticated
// native surface that wraps dispatchChat's pipeline but replies with the
// native {"error": "...", "provider_error"?: {...}} envelope on failure
// instead of the OpenAI-compatible one — the two envelopes share every
// upstream stage, they differ only in how errors render. The status code and
// headers are kept; no provider_error annotation is attached on this path.
func (g *Gateway) handleNativeInference(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
	if ctx.Response.StatusCode() < 400 {
		return
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(ctx.Response.Body(), &env) == nil && env.Error.Message != "" {
		body, _ := json.Marshal(map[string]string{"error": env.Error.Message})
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	}
}

// handleBatchInference implements POST /batch_inference: a thin wrapper over
// a JSON body whose "requests" array holds one chat request per element,
// each run through the policy gate and requestWithFailover.
// Offline scheduling across calls (queue now, collect results later) is
// not implemented — each line resolves synchronously within the request.
func (g *Gateway) handleBatchInference(ctx *fasthttp.RequestCtx) {
	var req struct {
		Requests []json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteNative(ctx, apierr.KindInvalidRequest, "invalid JSON", nil)
		return
	}
	if len(req.Requests) == 0 {
		apierr.WriteNative(ctx, apierr.KindInvalidRequest, "field 'requests' must be a non-empty array", nil)
		return
	}

	principal := principalFromCtx(ctx)
	results := make([]map[string]any, 0, len(req.Requests))
	for _, raw := range req.Requests {
		result, abort := g.processBatchLine(ctx, principal, raw)
		if abort {
			// applyPolicy already wrote the rejection envelope for the whole
			// request; a blocked/rate-limited/over-quota tenant doesn't get
			// partial results back for the lines that would have succeeded.
			return
		}
		results = append(results, result)
	}

	writeJSON(ctx, map[string]any{"results": results})
}

// processBatchLine runs one /batch_inference line through the same policy
// gate, provider-resolution, and dispatch used by dispatchChat, without the
// caching/guardrail/streaming machinery that only makes sense for a single
// interactive request. abort reports that applyPolicy rejected the line and
// has already written the response envelope — the caller must stop looping.
func (g *Gateway) processBatchLine(ctx *fasthttp.RequestCtx, principal *auth.Principal, raw json.RawMessage) (result map[string]any, abort bool) {
	var line inboundRequest
	if err := json.Unmarshal(raw, &line); err != nil {
		return map[string]any{"error": "invalid JSON: " + err.Error()}, false
	}
	if line.Model == "" {
		return map[string]any{"error": "field 'model' is required"}, false
	}

	if _, ok := g.applyPolicy(ctx, principal, line.Model, nil); !ok {
		return nil, true
	}

	msgs := make([]providers.Message, len(line.Messages))
	for i, m := range line.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	proxyReq := &providers.ProxyRequest{Model: line.Model, Messages: msgs, Temperature: line.Temperature, MaxTokens: line.MaxTokens}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	providerName := resolveProvider(line.Model)
	resp, usedProvider, err := g.requestWithFailover(provCtx, proxyReq, providerName, "batch_inference")
	if err != nil {
		return map[string]any{"error": err.Error()}, false
	}

	g.recordChatInference(ctx, "", usedProvider, resp.Model, resp.Content, 0, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return map[string]any{
		"model":   resp.Model,
		"content": resp.Content,
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
		},
	}, false
}

// handleFeedback implements POST /feedback: records a client-reported
// evaluation metric/tag against a prior inference. Accepted and acknowledged
// without a persisted feedback table — there's no feedback column family in
// the analytics store alongside the chat/embeddings/etc. tables, so this is
// a deliberate no-op accept rather than a silent drop.
func (g *Gateway) handleFeedback(ctx *fasthttp.RequestCtx) {
	var req struct {
		InferenceID string          `json:"inference_id"`
		MetricName  string          `json:"metric_name"`
		Value       json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteNative(ctx, apierr.KindInvalidRequest, "invalid JSON", nil)
		return
	}
	if req.InferenceID == "" || req.MetricName == "" {
		apierr.WriteNative(ctx, apierr.KindInvalidRequest, "fields 'inference_id' and 'metric_name' are required", nil)
		return
	}
	writeJSON(ctx, map[string]any{"status": "ok", "inference_id": req.InferenceID})
}
