package providers

import "context"

// This file extends the base Provider/EmbeddingProvider interfaces with the
// rest of the capability surface (moderation, audio, images, responses,
// batch, realtime). Each is optional — a concrete provider implements only
// the capabilities it actually supports, and callers type-assert for them.

type (
	// ModerationRequest — normalized content-moderation request.
	ModerationRequest struct {
		Input       []string
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ModerationCategories flags which policy categories a moderation result
	// tripped.
	ModerationCategories struct {
		Hate     bool
		Violence bool
		SelfHarm bool
		Sexual   bool
	}

	// ModerationCategoryScores carries the per-category confidence scores
	// backing ModerationCategories.
	ModerationCategoryScores struct {
		Hate     float64
		Violence float64
		SelfHarm float64
		Sexual   float64
	}

	// ModerationResult is the verdict for a single input string.
	ModerationResult struct {
		Flagged        bool
		Categories     ModerationCategories
		CategoryScores ModerationCategoryScores
	}

	// ModerationResponse — normalized moderation response.
	ModerationResponse struct {
		ID      string
		Model   string
		Results []ModerationResult
		Usage   Usage
	}

	// AudioTranscriptionRequest — normalized speech-to-text request.
	AudioTranscriptionRequest struct {
		Audio       []byte
		Filename    string
		Model       string
		Language    string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// AudioTranscriptionResponse — normalized speech-to-text response.
	AudioTranscriptionResponse struct {
		Text     string
		Language string
		Duration float64
		Usage    Usage
	}

	// AudioTranslationRequest — normalized speech-to-English-text request.
	AudioTranslationRequest struct {
		Audio       []byte
		Filename    string
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// AudioTranslationResponse — normalized translation response.
	AudioTranslationResponse struct {
		Text  string
		Usage Usage
	}

	// TextToSpeechRequest — normalized text-to-speech request.
	TextToSpeechRequest struct {
		Input          string
		Model          string
		Voice          string
		ResponseFormat string
		WorkspaceID    string
		APIKey         string
		APIKeyID       string
		RequestID      string
	}

	// TextToSpeechResponse — normalized text-to-speech response.
	TextToSpeechResponse struct {
		Audio  []byte
		Format string
		Usage  Usage
	}

	// ImageData is one generated/edited/varied image.
	ImageData struct {
		URL           string
		B64JSON       string
		RevisedPrompt string
	}

	// ImageGenerationRequest — normalized image-generation request.
	ImageGenerationRequest struct {
		Prompt         string
		Model          string
		N              int
		Size           string
		Style          string
		ResponseFormat string
		WorkspaceID    string
		APIKey         string
		APIKeyID       string
		RequestID      string
	}

	// ImageEditRequest — normalized image-edit request.
	ImageEditRequest struct {
		Image          []byte
		Mask           []byte
		Prompt         string
		Model          string
		N              int
		Size           string
		ResponseFormat string
		WorkspaceID    string
		APIKey         string
		APIKeyID       string
		RequestID      string
	}

	// ImageVariationRequest — normalized image-variation request.
	ImageVariationRequest struct {
		Image          []byte
		Model          string
		N              int
		Size           string
		ResponseFormat string
		WorkspaceID    string
		APIKey         string
		APIKeyID       string
		RequestID      string
	}

	// ImageResponse — normalized response shared by generation/edit/variation.
	ImageResponse struct {
		Created int64
		Data    []ImageData
		Usage   Usage
	}

	// ResponsesRequest — normalized request for the stateful Responses API.
	ResponsesRequest struct {
		Model              string
		Input              any
		Instructions       string
		PreviousResponseID string
		Store              bool
		Stream             bool
		WorkspaceID        string
		APIKey             string
		APIKeyID           string
		RequestID          string
	}

	// ResponsesResponse — normalized Responses API response. Output is left
	// as a raw JSON-able value since its shape is provider/mode dependent.
	ResponsesResponse struct {
		ID     string
		Model  string
		Status string
		Output []any
		Usage  Usage
	}

	// BatchJob describes a submitted or in-flight batch inference job.
	BatchJob struct {
		ID            string
		Status        string
		InputFileID   string
		OutputFileID  string
		ErrorFileID   string
		RequestCounts BatchRequestCounts
		CreatedAt     int64
		CompletedAt   int64
	}

	// BatchRequestCounts tallies a batch job's line-item outcomes.
	BatchRequestCounts struct {
		Total     int
		Completed int
		Failed    int
	}

	// RealtimeSession describes an ephemeral realtime (WebSocket/WebRTC)
	// session grant.
	RealtimeSession struct {
		ID           string
		Model        string
		ClientSecret string
		ExpiresAt    int64
	}
)

// ModerationProvider is implemented by providers that support content
// moderation.
type ModerationProvider interface {
	Moderate(ctx context.Context, req *ModerationRequest) (*ModerationResponse, error)
}

// AudioTranscriptionProvider is implemented by providers that transcribe
// audio to text in the source language.
type AudioTranscriptionProvider interface {
	Transcribe(ctx context.Context, req *AudioTranscriptionRequest) (*AudioTranscriptionResponse, error)
}

// AudioTranslationProvider is implemented by providers that transcribe
// audio and translate it to English.
type AudioTranslationProvider interface {
	Translate(ctx context.Context, req *AudioTranslationRequest) (*AudioTranslationResponse, error)
}

// TextToSpeechProvider is implemented by providers that synthesize speech.
type TextToSpeechProvider interface {
	Speak(ctx context.Context, req *TextToSpeechRequest) (*TextToSpeechResponse, error)
}

// ImageGenerationProvider is implemented by providers that generate images
// from a text prompt.
type ImageGenerationProvider interface {
	GenerateImage(ctx context.Context, req *ImageGenerationRequest) (*ImageResponse, error)
}

// ImageEditProvider is implemented by providers that edit an existing image.
type ImageEditProvider interface {
	EditImage(ctx context.Context, req *ImageEditRequest) (*ImageResponse, error)
}

// ImageVariationProvider is implemented by providers that produce variations
// of an existing image.
type ImageVariationProvider interface {
	VaryImage(ctx context.Context, req *ImageVariationRequest) (*ImageResponse, error)
}

// ResponseProvider is implemented by providers that support the stateful
// Responses API.
type ResponseProvider interface {
	CreateResponse(ctx context.Context, req *ResponsesRequest) (*ResponsesResponse, error)
}

// BatchProvider is implemented by providers that support asynchronous batch
// inference.
type BatchProvider interface {
	SubmitBatch(ctx context.Context, modelID string, lines [][]byte) (*BatchJob, error)
	GetBatch(ctx context.Context, batchID string) (*BatchJob, error)
	CancelBatch(ctx context.Context, batchID string) (*BatchJob, error)
}

// RealtimeSessionProvider is implemented by providers that mint ephemeral
// realtime session grants.
type RealtimeSessionProvider interface {
	CreateRealtimeSession(ctx context.Context, modelID string) (*RealtimeSession, error)
}

// RealtimeTranscriptionProvider is implemented by providers that mint
// ephemeral realtime transcription session grants.
type RealtimeTranscriptionProvider interface {
	CreateRealtimeTranscriptionSession(ctx context.Context, modelID string) (*RealtimeSession, error)
}
