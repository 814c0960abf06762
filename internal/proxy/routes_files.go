package proxy

import (
	"github.com/google/uuid"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleFilesCreate implements POST /v1/files. Blobs are held in the
// process-local statefulStore rather than a durable object store, so this
// is a bounded, single-process stand-in sized for batch input files and
// moderation/audio fixtures, not production file hosting.
func (g *Gateway) handleFilesCreate(ctx *fasthttp.RequestCtx) {
	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "expected multipart/form-data body",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	purpose := firstFormValue(form, "purpose")
	data, filename, err := firstFormFile(form, "file")
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	f := &storedFile{
		id: "file-" + uuid.New().String(), filename: filename, purpose: purpose,
		bytes: data, createdAt: nowUnix(),
	}
	g.stateful.putFile(f)
	writeJSON(ctx, fileToJSON(f))
}

// handleFilesList implements GET /v1/files.
func (g *Gateway) handleFilesList(ctx *fasthttp.RequestCtx) {
	files := g.stateful.listFiles()
	data := make([]map[string]any, 0, len(files))
	for _, f := range files {
		data = append(data, fileToJSON(f))
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleFilesGet implements GET /v1/files/{id}.
func (g *Gateway) handleFilesGet(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	f, ok := g.stateful.getFile(id)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindNotFound, "file not found", "")
		return
	}
	writeJSON(ctx, fileToJSON(f))
}

// handleFilesDelete implements DELETE /v1/files/{id}.
func (g *Gateway) handleFilesDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if !g.stateful.deleteFile(id) {
		apierr.WriteKind(ctx, apierr.KindNotFound, "file not found", "")
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "object": "file", "deleted": true})
}

// handleFilesContent implements GET /v1/files/{id}/content.
func (g *Gateway) handleFilesContent(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	f, ok := g.stateful.getFile(id)
	if !ok {
		apierr.WriteKind(ctx, apierr.KindNotFound, "file not found", "")
		return
	}
	ctx.SetContentType("application/octet-stream")
	ctx.SetBody(f.bytes)
}

func fileToJSON(f *storedFile) map[string]any {
	return map[string]any{
		"id": f.id, "object": "file", "filename": f.filename,
		"purpose": f.purpose, "bytes": len(f.bytes), "created_at": f.createdAt,
	}
}
