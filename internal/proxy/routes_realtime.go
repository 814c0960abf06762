package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleRealtimeSessions implements POST /v1/realtime/sessions: it mints an
// ephemeral client-secret grant rather than tunneling a live WebSocket —
// concrete provider wire tunneling beyond the shared abstractions is out
// of scope.
func (g *Gateway) handleRealtimeSessions(ctx *fasthttp.RequestCtx) {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &req)

	prov := g.resolveAnyProvider(resolveProvider(req.Model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	sessioner, ok := prov.(providers.RealtimeSessionProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support realtime sessions", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	sess, err := sessioner.CreateRealtimeSession(provCtx, req.Model)
	if err != nil {
		handleProviderError(ctx, err)
		return
	}
	writeJSON(ctx, sess)
}

// handleRealtimeTranscriptionSessions implements POST
// /v1/realtime/transcription_sessions.
func (g *Gateway) handleRealtimeTranscriptionSessions(ctx *fasthttp.RequestCtx) {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &req)

	prov := g.resolveAnyProvider(resolveProvider(req.Model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	sessioner, ok := prov.(providers.RealtimeTranscriptionProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support realtime transcription sessions", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	sess, err := sessioner.CreateRealtimeTranscriptionSession(provCtx, req.Model)
	if err != nil {
		handleProviderError(ctx, err)
		return
	}
	writeJSON(ctx, sess)
}
