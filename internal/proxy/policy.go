package proxy

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/blocking"
	"github.com/nulpointcorp/inference-gateway/internal/guardrail"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// applyPolicy runs the C6 (blocking) → C4 (rate limit) → C5 (usage) →
// C10-input (guardrail) gates shared by every proxy route, in that
// mandatory order. It writes the rejection response itself and returns
// ok=false when the caller must stop.
//
// guardInputs is the text the input guardrail should inspect (e.g. the
// concatenated chat messages); pass nil to skip guardrail evaluation for
// routes that have no natural text input (e.g. audio/image binary bodies).
func (g *Gateway) applyPolicy(ctx *fasthttp.RequestCtx, principal *auth.Principal, modelID string, guardInputs []string) (guardrailResult *guardrail.Result, ok bool) {
	if g.blockingEngine != nil {
		tenantID := ""
		if principal != nil {
			tenantID = principal.TenantID
		}
		action, ruleID := g.blockingEngine.Evaluate(blocking.Attributes{
			TenantID: tenantID,
			IP:       ctx.RemoteIP().String(),
			ModelID:  modelID,
			Path:     string(ctx.Path()),
		})
		if action == blocking.ActionBlock {
			g.log.WarnContext(ctx, "request_blocked", slog.String("rule_id", ruleID), slog.String("model", modelID))
			apierr.WriteKind(ctx, apierr.KindForbidden, "request blocked by policy", apierr.CodeForbiddenModel)
			return nil, false
		}
	}

	if principal != nil && !principal.AllowsModel(modelID) {
		apierr.WriteKind(ctx, apierr.KindForbidden, "model not allowed for this API key", apierr.CodeForbiddenModel)
		return nil, false
	}

	if g.modelLimiter != nil {
		keyHash := ""
		if principal != nil {
			keyHash = principal.KeyHash
		}
		d := g.modelLimiter.Check(ctx, modelID, keyHash)
		if !d.Allowed {
			apierr.WriteRateLimit(ctx, d.Limit, d.Remaining, d.ResetAt, d.RetryAfterSec)
			return nil, false
		}
	}

	if g.usageLimiter != nil && principal != nil {
		if err := g.usageLimiter.Check(ctx, principal.TenantID, principal.UsageQuota); err != nil {
			apierr.WriteQuotaExceeded(ctx, "usage quota exceeded")
			return nil, false
		}
	}

	if len(guardInputs) == 0 || g.guardrailEngine == nil || g.plane == nil {
		return nil, true
	}
	model, ok := g.plane.Model(modelID)
	if !ok || model.GuardrailID == "" {
		return nil, true
	}
	cfg, ok := g.plane.Guardrail(model.GuardrailID)
	if !ok {
		return nil, true
	}

	res, err := g.guardrailEngine.Evaluate(ctx, cfg, guardInputs, guardrail.DirectionInput)
	if err != nil {
		// Evaluate only returns an error in fail-fast mode, when a probe
		// itself errored rather than returning a verdict. Fail-fast's whole
		// point is to abort on a single probe failure, so this must deny the
		// request, not wave it through as if the guardrail had passed.
		g.log.WarnContext(ctx, "guardrail_input_probe_error", slog.String("guardrail_id", cfg.ID), slog.String("error", err.Error()))
		if g.metrics != nil {
			g.metrics.RecordGuardrailProbeErrorDenied(cfg.ID, "input")
		}
		apierr.WriteKind(ctx, apierr.KindGuardrailProbeError, "guardrail probe error", apierr.CodeGuardrailProbeError)
		return nil, false
	}
	tenantID := ""
	if principal != nil {
		tenantID = principal.TenantID
	}
	g.recordGuardrail(cfg.ID, tenantID, "input", res)
	if res.AllProbesErrored && g.metrics != nil {
		g.metrics.RecordGuardrailAllErrored(cfg.ID)
	}
	if res.Flagged {
		apierr.WriteKind(ctx, apierr.KindGuardrailInput, "request blocked by guardrail", apierr.CodeGuardrailInput)
		return res, false
	}
	return res, true
}

// recordGuardrail emits one GuardrailInferenceRecord per probe result to
// C11's guardrail_inference table.
func (g *Gateway) recordGuardrail(guardrailID, tenantID, direction string, res *guardrail.Result) {
	if g.analyticsMgr == nil || res == nil {
		return
	}
	now := time.Now()
	for _, pr := range res.ProviderResults {
		cats := ""
		if pr.Result != nil && len(pr.Result.Results) > 0 {
			cats = formatModerationCategories(pr.Result.Results[0].Categories)
		}
		g.analyticsMgr.Send(analytics.TableGuardrailInference, analytics.GuardrailInferenceRecord{
			ID:          uuid.New().String(),
			TenantID:    tenantID,
			GuardrailID: guardrailID,
			ProbeID:     pr.ProbeID,
			Direction:   direction,
			Flagged:     pr.Flagged,
			Categories:  cats,
			Errored:     pr.Err != nil,
			Timestamp:   now,
		})
	}
}

// checkOutputGuardrail runs the C10-output stage against the generated
// response text. It reports whether the response was flagged and, if so,
// has already written the error envelope.
func (g *Gateway) checkOutputGuardrail(ctx *fasthttp.RequestCtx, modelID string, outputs []string) (flagged bool) {
	if g.guardrailEngine == nil || g.plane == nil || len(outputs) == 0 {
		return false
	}
	model, ok := g.plane.Model(modelID)
	if !ok || model.GuardrailID == "" {
		return false
	}
	cfg, ok := g.plane.Guardrail(model.GuardrailID)
	if !ok {
		return false
	}
	res, err := g.guardrailEngine.Evaluate(ctx, cfg, outputs, guardrail.DirectionOutput)
	if err != nil {
		g.log.WarnContext(ctx, "guardrail_output_probe_error", slog.String("guardrail_id", cfg.ID), slog.String("error", err.Error()))
		if g.metrics != nil {
			g.metrics.RecordGuardrailProbeErrorDenied(cfg.ID, "output")
		}
		apierr.WriteKind(ctx, apierr.KindGuardrailProbeError, "guardrail probe error", apierr.CodeGuardrailProbeError)
		return true
	}
	tenantID := ""
	if p := principalFromCtx(ctx); p != nil {
		tenantID = p.TenantID
	}
	g.recordGuardrail(cfg.ID, tenantID, "output", res)
	if res.AllProbesErrored && g.metrics != nil {
		g.metrics.RecordGuardrailAllErrored(cfg.ID)
	}
	if res.Flagged {
		apierr.WriteKind(ctx, apierr.KindGuardrailOutputErr, "response blocked by guardrail", apierr.CodeGuardrailOutput)
		return true
	}
	return false
}

