package dummy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Embed implements providers.EmbeddingProvider. Every vector is a fixed-size
// zero vector; callers care about shape and routing, not semantic content.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if strings.HasPrefix(p.modelName, "error") {
		return nil, &providerError{msg: fmt.Sprintf("error sending request to dummy provider for model %q", p.modelName), retryable: true}
	}

	data := make([]providers.EmbeddingData, len(req.Input))
	for i := range req.Input {
		data[i] = providers.EmbeddingData{Index: i, Embedding: make([]float32, 1536)}
	}
	return &providers.EmbeddingResponse{Model: p.modelName, Data: data, Usage: usage10x10}, nil
}

// Moderate implements providers.ModerationProvider. Content containing the
// keywords "hate", "violent", or "harmful" is flagged on the matching
// category; everything else passes.
func (p *Provider) Moderate(ctx context.Context, req *providers.ModerationRequest) (*providers.ModerationResponse, error) {
	results := make([]providers.ModerationResult, len(req.Input))
	for i, text := range req.Input {
		var cats providers.ModerationCategories
		var scores providers.ModerationCategoryScores
		if strings.Contains(text, "hate") {
			cats.Hate = true
			scores.Hate = 0.95
		}
		if strings.Contains(text, "violent") {
			cats.Violence = true
			scores.Violence = 0.85
		}
		if strings.Contains(text, "harmful") {
			cats.SelfHarm = true
			scores.SelfHarm = 0.75
		}
		flagged := cats.Hate || cats.Violence || cats.SelfHarm
		results[i] = providers.ModerationResult{Flagged: flagged, Categories: cats, CategoryScores: scores}
	}

	n := len(req.Input)
	return &providers.ModerationResponse{
		ID:      "dummy-moderation-id",
		Model:   p.modelName,
		Results: results,
		Usage:   providers.Usage{InputTokens: 10 * n, OutputTokens: 5 * n},
	}, nil
}

// Transcribe implements providers.AudioTranscriptionProvider.
func (p *Provider) Transcribe(ctx context.Context, req *providers.AudioTranscriptionRequest) (*providers.AudioTranscriptionResponse, error) {
	return &providers.AudioTranscriptionResponse{
		Text:     "This is a dummy transcription",
		Language: "en",
		Duration: 5.0,
		Usage:    providers.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// Translate implements providers.AudioTranslationProvider.
func (p *Provider) Translate(ctx context.Context, req *providers.AudioTranslationRequest) (*providers.AudioTranslationResponse, error) {
	return &providers.AudioTranslationResponse{
		Text:  "This is a dummy translation",
		Usage: providers.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// Speak implements providers.TextToSpeechProvider.
func (p *Provider) Speak(ctx context.Context, req *providers.TextToSpeechRequest) (*providers.TextToSpeechResponse, error) {
	format := req.ResponseFormat
	if format == "" {
		format = "mp3"
	}
	return &providers.TextToSpeechResponse{
		Audio:  make([]byte, 1024),
		Format: format,
		Usage:  providers.Usage{InputTokens: len(req.Input)},
	}, nil
}

func (p *Provider) dummyImage(id string, format string, kind string, index int) providers.ImageData {
	if format == "b64_json" {
		return providers.ImageData{B64JSON: "ZHVtbXk="}
	}
	suffix := ""
	if index > 0 {
		suffix = fmt.Sprintf("-%d", index)
	}
	return providers.ImageData{URL: fmt.Sprintf("https://dummy.invalid/%s/%s%s.png", kind, id, suffix)}
}

// GenerateImage implements providers.ImageGenerationProvider.
func (p *Provider) GenerateImage(ctx context.Context, req *providers.ImageGenerationRequest) (*providers.ImageResponse, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	images := make([]providers.ImageData, n)
	for i := range images {
		img := p.dummyImage(req.Model, req.ResponseFormat, "image", 0)
		if req.ResponseFormat != "b64_json" && req.Style != "" {
			img.RevisedPrompt = "Enhanced prompt: " + req.Prompt
		}
		images[i] = img
	}
	return &providers.ImageResponse{Created: time.Now().Unix(), Data: images}, nil
}

// EditImage implements providers.ImageEditProvider.
func (p *Provider) EditImage(ctx context.Context, req *providers.ImageEditRequest) (*providers.ImageResponse, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	images := make([]providers.ImageData, n)
	for i := range images {
		images[i] = p.dummyImage(req.Model, req.ResponseFormat, "edited-image", 0)
	}
	return &providers.ImageResponse{Created: time.Now().Unix(), Data: images}, nil
}

// VaryImage implements providers.ImageVariationProvider.
func (p *Provider) VaryImage(ctx context.Context, req *providers.ImageVariationRequest) (*providers.ImageResponse, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	images := make([]providers.ImageData, n)
	for i := range images {
		images[i] = p.dummyImage(req.Model, req.ResponseFormat, "variation", i)
	}
	return &providers.ImageResponse{Created: time.Now().Unix(), Data: images}, nil
}

// CreateResponse implements providers.ResponseProvider.
func (p *Provider) CreateResponse(ctx context.Context, req *providers.ResponsesRequest) (*providers.ResponsesResponse, error) {
	return &providers.ResponsesResponse{
		ID:     "resp-" + p.modelName,
		Model:  req.Model,
		Status: "completed",
		Output: []any{map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": "This is a dummy response from the dummy provider.",
			}},
		}},
		Usage: providers.Usage{InputTokens: 10, OutputTokens: 15},
	}, nil
}

// SubmitBatch implements providers.BatchProvider.
func (p *Provider) SubmitBatch(ctx context.Context, modelID string, lines [][]byte) (*providers.BatchJob, error) {
	now := time.Now().Unix()
	return &providers.BatchJob{
		ID:            "batch-" + modelID,
		Status:        "completed",
		RequestCounts: providers.BatchRequestCounts{Total: len(lines), Completed: len(lines)},
		CreatedAt:     now,
		CompletedAt:   now,
	}, nil
}

// GetBatch implements providers.BatchProvider.
func (p *Provider) GetBatch(ctx context.Context, batchID string) (*providers.BatchJob, error) {
	now := time.Now().Unix()
	return &providers.BatchJob{ID: batchID, Status: "completed", CreatedAt: now, CompletedAt: now}, nil
}

// CancelBatch implements providers.BatchProvider.
func (p *Provider) CancelBatch(ctx context.Context, batchID string) (*providers.BatchJob, error) {
	return &providers.BatchJob{ID: batchID, Status: "cancelled", CreatedAt: time.Now().Unix()}, nil
}

// CreateRealtimeSession implements providers.RealtimeSessionProvider.
func (p *Provider) CreateRealtimeSession(ctx context.Context, modelID string) (*providers.RealtimeSession, error) {
	return &providers.RealtimeSession{
		ID:           "sess-" + modelID,
		Model:        modelID,
		ClientSecret: "dummy-client-secret",
		ExpiresAt:    time.Now().Add(time.Minute).Unix(),
	}, nil
}

// CreateRealtimeTranscriptionSession implements
// providers.RealtimeTranscriptionProvider.
func (p *Provider) CreateRealtimeTranscriptionSession(ctx context.Context, modelID string) (*providers.RealtimeSession, error) {
	return &providers.RealtimeSession{
		ID:           "transcribe-sess-" + modelID,
		Model:        modelID,
		ClientSecret: "dummy-client-secret",
		ExpiresAt:    time.Now().Add(time.Minute).Unix(),
	}, nil
}
