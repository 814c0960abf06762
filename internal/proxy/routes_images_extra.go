package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleImageEdits implements POST /v1/images/edits.
func (g *Gateway) handleImageEdits(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "expected multipart/form-data body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model := firstFormValue(form, "model")
	prompt := firstFormValue(form, "prompt")
	size := firstFormValue(form, "size")
	image, _, err := firstFormFile(form, "image")
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	mask, _, _ := firstFormFile(form, "mask") // optional

	principal := principalFromCtx(ctx)
	if _, ok := g.applyPolicy(ctx, principal, model, nil); !ok {
		return
	}

	prov := g.resolveAnyProvider(resolveProvider(model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	editor, ok := prov.(providers.ImageEditProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support image editing", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	resp, err := editor.EditImage(provCtx, &providers.ImageEditRequest{
		Image: image, Mask: mask, Prompt: prompt, Model: model, N: 1, Size: size,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	writeJSON(ctx, resp)
	g.recordImageInference(ctx, model, "edit", len(resp.Data), size, time.Since(start))
}

// handleImageVariations implements POST /v1/images/variations.
func (g *Gateway) handleImageVariations(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "expected multipart/form-data body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model := firstFormValue(form, "model")
	size := firstFormValue(form, "size")
	image, _, err := firstFormFile(form, "image")
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
	varier, ok := prov.(providers.ImageVariationProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support image variations", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	resp, err := varier.VaryImage(provCtx, &providers.ImageVariationRequest{
		Image: image, Model: model, N: 1, Size: size,
	})
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	writeJSON(ctx, resp)
	g.recordImageInference(ctx, model, "variation", len(resp.Data), size, time.Since(start))
}

func (g *Gateway) recordImageInference(ctx *fasthttp.RequestCtx, model, operation string, count int, size string, dur time.Duration) {
	if g.analyticsMgr == nil {
		return
	}
	tenantID := ""
	if p := principalFromCtx(ctx); p != nil {
		tenantID = p.TenantID
	}
	g.analyticsMgr.Send(analytics.TableImageInference, analytics.ImageInferenceRecord{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Model:          model,
		Operation:      operation,
		Count:          count,
		Size:           size,
		ProcessingTime: dur.Milliseconds(),
		Timestamp:      time.Now(),
	})
}
