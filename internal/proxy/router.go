package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.requireAuth(g.handleChatCompletions))
	r.POST("/v1/completions", g.requireAuth(g.handleCompletions))
	r.POST("/v1/messages", g.requireAuth(g.handleMessages))
	r.POST("/v1/embeddings", g.requireAuth(g.handleEmbeddings))
	r.POST("/v1/moderations", g.requireAuth(g.handleModerations))
	r.POST("/v1/classify", g.requireAuth(g.handleClassify))
	r.GET("/v1/models", g.requireAuthRelaxed(g.handleListModels))
	r.POST("/v1/audio/transcriptions", g.requireAuth(g.handleAudioTranscriptions))
	r.POST("/v1/audio/translations", g.requireAuth(g.handleAudioTranslations))
	r.POST("/v1/audio/speech", g.requireAuth(g.handleAudioSpeech))
	r.POST("/v1/images/generations", g.requireAuth(g.handleImageGenerations))
	r.POST("/v1/images/edits", g.requireAuth(g.handleImageEdits))
	r.POST("/v1/images/variations", g.requireAuth(g.handleImageVariations))
	r.POST("/v1/documents", g.requireAuth(g.handleDocuments))
	r.POST("/v1/realtime/sessions", g.requireAuth(g.handleRealtimeSessions))
	r.POST("/v1/realtime/transcription_sessions", g.requireAuth(g.handleRealtimeTranscriptionSessions))

	r.POST("/v1/responses", g.requireAuth(g.handleResponsesCreate))
	r.GET("/v1/responses/{id}", g.requireAuth(g.handleResponsesGet))
	r.DELETE("/v1/responses/{id}", g.requireAuth(g.handleResponsesDelete))
	r.POST("/v1/responses/{id}/cancel", g.requireAuth(g.handleResponsesCancel))
	r.GET("/v1/responses/{id}/input_items", g.requireAuth(g.handleResponsesInputItems))

	r.POST("/v1/files", g.requireAuth(g.handleFilesCreate))
	r.GET("/v1/files", g.requireAuth(g.handleFilesList))
	r.GET("/v1/files/{id}", g.requireAuth(g.handleFilesGet))
	r.DELETE("/v1/files/{id}", g.requireAuth(g.handleFilesDelete))
	r.GET("/v1/files/{id}/content", g.requireAuth(g.handleFilesContent))

	r.POST("/v1/batches", g.requireAuth(g.handleBatchesCreate))
	r.GET("/v1/batches", g.requireAuth(g.handleBatchesList))
	r.GET("/v1/batches/{id}", g.requireAuth(g.handleBatchesGet))
	r.POST("/v1/batches/{id}/cancel", g.requireAuth(g.handleBatchesCancel))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/status", g.requireAuthRelaxed(g.handleStatus))

	// Native surface — unauthenticated, distinct envelope shape from the
	// OpenAI-compatible routes above.
	r.POST("/inference", g.handleNativeInference)
	r.POST("/batch_inference", g.handleBatchInference)
	r.POST("/feedback", g.handleFeedback)
	r.POST("/v1/traces", g.handleTelemetryProxy)
	r.POST("/v1/metrics", g.handleTelemetryProxy)
	r.POST("/v1/logs", g.handleTelemetryProxy)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:            handler,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       60 * time.Second,
		MaxRequestBodySize: 100 * 1024 * 1024,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
