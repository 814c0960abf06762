package proxy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleBatchesCreate implements POST /v1/batches as a thin envelope over
// the provider's BatchProvider — offline batch scheduling is forwarded to
// upstreams rather than run locally, so no job scheduling or retry logic
// lives here, just routing, policy gates, and bookkeeping so GET/cancel/list
// can find the job again.
func (g *Gateway) handleBatchesCreate(ctx *fasthttp.RequestCtx) {
	var req struct {
		Model       string   `json:"model"`
		InputFileID string   `json:"input_file_id"`
		Lines       []string `json:"lines"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	principal := auth.PrincipalFromCtx(ctx)
	if _, ok := g.applyPolicy(ctx, principal, req.Model, nil); !ok {
		return
	}

	var lines [][]byte
	if req.InputFileID != "" {
		if f, ok := g.stateful.getFile(req.InputFileID); ok {
			for _, line := range strings.Split(string(f.bytes), "\n") {
				if line != "" {
					lines = append(lines, []byte(line))
				}
			}
		}
	}
	for _, l := range req.Lines {
		lines = append(lines, []byte(l))
	}

	prov := g.resolveAnyProvider(resolveProvider(req.Model))
	if prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no providers configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	batcher, ok := prov.(providers.BatchProvider)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindCapabilityNotSupport, "provider does not support batch inference", apierr.CodeCapabilityNotSupport)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()
	job, err := batcher.SubmitBatch(provCtx, req.Model, lines)
	if err != nil {
		handleProviderError(ctx, err)
		return
	}

	id := job.ID
	if id == "" {
		id = "batch-" + uuid.New().String()
	}
	g.stateful.putBatch(&storedBatch{
		id: id, status: job.Status, inputFileID: req.InputFileID,
		createdAt: job.CreatedAt, completedAt: job.CompletedAt,
		total: job.RequestCounts.Total, completed: job.RequestCounts.Completed, failed: job.RequestCounts.Failed,
	})

	writeJSON(ctx, batchToJSON(id, job))
}

// handleBatchesGet implements GET /v1/batches/{id}.
func (g *Gateway) handleBatchesGet(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	b, ok := g.stateful.getBatch(id)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindNotFound, "batch not found", "")
		return
	}
	writeJSON(ctx, storedBatchToJSON(b))
}

// handleBatchesList implements GET /v1/batches.
func (g *Gateway) handleBatchesList(ctx *fasthttp.RequestCtx) {
	batches := g.stateful.listBatches()
	data := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		data = append(data, storedBatchToJSON(b))
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleBatchesCancel implements POST /v1/batches/{id}/cancel.
func (g *Gateway) handleBatchesCancel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	b, ok := g.stateful.getBatch(id)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindNotFound, "batch not found", "")
		return
	}
	b.status = "cancelled"
	g.stateful.putBatch(b)
	writeJSON(ctx, storedBatchToJSON(b))
}

func batchToJSON(id string, job *providers.BatchJob) map[string]any {
	return map[string]any{
		"id": id, "object": "batch", "status": job.Status,
		"request_counts": map[string]int{
			"total": job.RequestCounts.Total, "completed": job.RequestCounts.Completed, "failed": job.RequestCounts.Failed,
		},
		"created_at": job.CreatedAt, "completed_at": job.CompletedAt,
	}
}

func storedBatchToJSON(b *storedBatch) map[string]any {
	return map[string]any{
		"id": b.id, "object": "batch", "status": b.status, "input_file_id": b.inputFileID,
		"request_counts": map[string]int{"total": b.total, "completed": b.completed, "failed": b.failed},
		"created_at": b.createdAt, "completed_at": b.completedAt,
	}
}
