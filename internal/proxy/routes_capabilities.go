package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// resolveAnyProvider returns the configured provider named providerName,
// falling back to an arbitrary configured provider (Go map iteration order)
// when none has that name.
func (g *Gateway) resolveAnyProvider(providerName string) providers.Provider {
	if prov, ok := g.providers[providerName]; ok {
		return prov
	}
	for _, p := range g.providers {
		return p
	}
	return nil
}

// handleModerations implements POST /v1/moderations, dispatching through
// the same guardrail probe surface C10 uses (ModerationProvider), and
// recording one ModerationInferenceRecord per call to C11.
func (g *Gateway) handleModerations(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	var req struct {
		Input json.RawMessage `json:"input"`
		Model string          `json:"model"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
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
			fmt.Sprintf("provider %q does not support moderation", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// Cache read-through (C9): fingerprint over the canonicalized request so
	// a repeated moderation call replays the verdict instead of re-probing.
	cacheKey := ""
	cacheable := g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(model))
	if cacheable {
		cacheKey = cache.Fingerprint("moderation", prov.Name(), model, inputs)
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	compute := func(computeCtx context.Context) ([]byte, error) {
		resp, err := moderator.Moderate(computeCtx, &providers.ModerationRequest{
			Input: inputs, Model: model, RequestID: reqID,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}

	var body []byte
	if cacheable {
		body, err = cache.Populate(provCtx, g.cache, cacheKey, g.cacheTTL, 0, compute)
	} else {
		body, err = compute(provCtx)
	}
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	var resp providers.ModerationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to deserialize moderation response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, &resp)
	g.recordModerationInference(ctx, model, inputs, &resp, time.Since(start))
}

func (g *Gateway) recordModerationInference(ctx *fasthttp.RequestCtx, model string, inputs []string, resp *providers.ModerationResponse, dur time.Duration) {
	if g.analyticsMgr == nil {
		return
	}
	tenantID := ""
	if p := principalFromCtx(ctx); p != nil {
		tenantID = p.TenantID
	}
	flagged := false
	cats := "{}"
	if len(resp.Results) > 0 {
		flagged = resp.Results[0].Flagged
		cats = formatModerationCategories(resp.Results[0].Categories)
	}
	input := ""
	if len(inputs) > 0 {
		input = inputs[0]
	}
	g.analyticsMgr.Send(analytics.TableModerationInference, analytics.ModerationInferenceRecord{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Model:          model,
		Input:          input,
		Flagged:        flagged,
		Categories:     cats,
		ProcessingTime: dur.Milliseconds(),
		Timestamp:      time.Now(),
	})
}

// handleListModels implements GET /v1/models, listing every model the
// Config Plane (C1) knows about; the list is not filtered by the caller's
// tenant or API key. Falls back to the static alias tables when no
// Config Plane is wired, so the route works in static-config deployments.
func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	var data []modelEntry
	if g.plane != nil {
		for _, m := range g.plane.Models() {
			owner := ""
			for name := range m.Providers {
				owner = name
				break
			}
			data = append(data, modelEntry{ID: m.ID, Object: "model", OwnedBy: owner})
		}
	} else {
		seen := make(map[string]bool)
		for model, provider := range providers.ModelAliases {
			if seen[model] {
				continue
			}
			seen[model] = true
			data = append(data, modelEntry{ID: model, Object: "model", OwnedBy: provider})
		}
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleAudioTranscriptions implements POST /v1/audio/transcriptions.
func (g *Gateway) handleAudioTranscriptions(ctx *fasthttp.RequestCtx) {
	g.dispatchAudio(ctx, "transcription", func(prov providers.Provider, reqCtx context.Context, audio []byte, filename, model string) (string, float64, error) {
		t, ok := prov.(providers.AudioTranscriptionProvider)
		if !ok {
			return "", 0, fmt.Errorf("provider %q does not support transcription", prov.Name())
		}
		resp, err := t.Transcribe(reqCtx, &providers.AudioTranscriptionRequest{Audio: audio, Filename: filename, Model: model})
		if err != nil {
			return "", 0, err
		}
		return resp.Text, resp.Duration, nil
	})
}

// handleAudioTranslations implements POST /v1/audio/translations.
func (g *Gateway) handleAudioTranslations(ctx *fasthttp.RequestCtx) {
	g.dispatchAudio(ctx, "translation", func(prov providers.Provider, reqCtx context.Context, audio []byte, filename, model string) (string, float64, error) {
		t, ok := prov.(providers.AudioTranslationProvider)
		if !ok {
			return "", 0, fmt.Errorf("provider %q does not support translation", prov.Name())
		}
		resp, err := t.Translate(reqCtx, &providers.AudioTranslationRequest{Audio: audio, Filename: filename, Model: model})
		if err != nil {
			return "", 0, err
		}
		return resp.Text, 0, nil
	})
}

// dispatchAudio holds the shared multipart-parse / dispatch / record
// machinery for the two speech-to-text routes, which differ only in which
// capability interface and request type they call.
func (g *Gateway) dispatchAudio(ctx *fasthttp.RequestCtx, operation string, call func(prov providers.Provider, reqCtx context.Context, audio []byte, filename, model string) (text string, durationSec float64, err error)) {
	start := time.Now()
	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "expected multipart/form-data body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model := firstFormValue(form, "model")
	audio, filename, err := firstFormFile(form, "file")
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
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

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	text, durationSec, err := call(prov, provCtx, audio, filename, model)
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	writeJSON(ctx, map[string]string{"text": text})
	g.recordAudioInference(ctx, model, operation, durationSec, time.Since(start))
}

// handleAudioSpeech implements POST /v1/audio/speech (text-to-speech).
func (g *Gateway) handleAudioSpeech(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	var req struct {
		Model          string `json:"model"`
		Input          string `json:"input"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	principal := principalFromCtx(ctx)
	if _, ok := g.applyPolicy(ctx, principal, req.Model, nil); !ok {
		return
	}

	prov := g.resolveAnyProvider(resolveProvider(req.Model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	speaker, ok := prov.(providers.TextToSpeechProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support speech synthesis", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	resp, err := speaker.Speak(provCtx, &providers.TextToSpeechRequest{
		Input: req.Input, Model: req.Model, Voice: req.Voice, ResponseFormat: req.ResponseFormat,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	ctx.SetContentType("audio/" + firstNonEmpty(resp.Format, "mpeg"))
	ctx.SetBody(resp.Audio)
	g.recordAudioInference(ctx, req.Model, "speech", 0, time.Since(start))
}

func (g *Gateway) recordAudioInference(ctx *fasthttp.RequestCtx, model, operation string, durationSec float64, dur time.Duration) {
	if g.analyticsMgr == nil {
		return
	}
	tenantID := ""
	if p := principalFromCtx(ctx); p != nil {
		tenantID = p.TenantID
	}
	g.analyticsMgr.Send(analytics.TableAudioInference, analytics.AudioInferenceRecord{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Model:          model,
		Operation:      operation,
		DurationSec:    durationSec,
		ProcessingTime: dur.Milliseconds(),
		Timestamp:      time.Now(),
	})
}

// handleImageGenerations implements POST /v1/images/generations.
func (g *Gateway) handleImageGenerations(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	var req struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
		N      int    `json:"n"`
		Size   string `json:"size"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.N == 0 {
		req.N = 1
	}

	principal := principalFromCtx(ctx)
	if _, ok := g.applyPolicy(ctx, principal, req.Model, nil); !ok {
		return
	}

	prov := g.resolveAnyProvider(resolveProvider(req.Model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	gen, ok := prov.(providers.ImageGenerationProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support image generation", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	resp, err := gen.GenerateImage(provCtx, &providers.ImageGenerationRequest{
		Prompt: req.Prompt, Model: req.Model, N: req.N, Size: req.Size,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	writeJSON(ctx, resp)
	g.recordImageInference(ctx, req.Model, "generation", len(resp.Data), req.Size, time.Since(start))
}

// handleStatus implements GET /status, a relaxed-auth operational summary
// distinct from the unauthenticated /health and /readiness probes.
func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	status := map[string]any{
		"status":    "ok",
		"providers": len(g.providers),
	}
	if g.plane != nil {
		status["models"] = g.plane.ModelCount()
		status["guardrails"] = g.plane.GuardrailCount()
	}
	writeJSON(ctx, status)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFormValue(form *multipart.Form, key string) string {
	if vs, ok := form.Value[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func firstFormFile(form *multipart.Form, key string) (data []byte, filename string, err error) {
	fhs, ok := form.File[key]
	if !ok || len(fhs) == 0 {
		return nil, "", fmt.Errorf("field %q is required", key)
	}
	fh := fhs[0]
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return buf, fh.Filename, nil
}
