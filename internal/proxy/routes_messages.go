package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleMessages implements POST /v1/messages, the Anthropic-shaped alias
// for chat completion. It shares dispatchChat's request/response JSON
// shape — the OpenAI and Anthropic "messages" arrays normalize identically
// into providers.Message — so no separate pipeline is needed.
func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleClassify implements POST /v1/classify: a single-label content
// classification built on the same ModerationProvider capability that backs
// /v1/moderations, differing only in response shape (flat "flagged"/
// "category" fields instead of the categories/category_scores object).
func (g *Gateway) handleClassify(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	var req struct {
		Input string `json:"input"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Input == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'input' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	model := req.Model
	if model == "" {
		model = "text-moderation-latest"
	}

	principal := principalFromCtx(ctx)
	if _, ok := g.applyPolicy(ctx, principal, model, nil); !ok {
		return
	}

	prov := g.resolveAnyProvider(resolveProvider(model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	moderator, ok := prov.(providers.ModerationProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support classification", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	resp, err := moderator.Moderate(provCtx, &providers.ModerationRequest{Input: []string{req.Input}, Model: model})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	category := "safe"
	flagged := false
	if len(resp.Results) > 0 {
		r := resp.Results[0]
		flagged = r.Flagged
		category = topCategory(r.Categories)
	}
	writeJSON(ctx, map[string]any{
		"model": model, "flagged": flagged, "category": category,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

func topCategory(c providers.ModerationCategories) string {
	switch {
	case c.Hate:
		return "hate"
	case c.Violence:
		return "violence"
	case c.SelfHarm:
		return "self_harm"
	case c.Sexual:
		return "sexual"
	default:
		return "safe"
	}
}

// handleDocuments implements POST /v1/documents: accepts a document payload
// for retrieval-oriented embedding, delegating to the same EmbeddingProvider
// capability /v1/embeddings uses. Chunking/indexing beyond a single-document
// embed is out of scope — no vector store component exists in this gateway.
func (g *Gateway) handleDocuments(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}
