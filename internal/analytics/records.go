package analytics

import "time"

// Table names for the 8 destination tables, matching the ClickHouse schema
// and original_source/inference_batcher.rs's per-table channels.
const (
	TableModelInference      = "model_inference"
	TableChatInference       = "chat_inference"
	TableJSONInference       = "json_inference"
	TableEmbeddingInference  = "embedding_inference"
	TableAudioInference      = "audio_inference"
	TableImageInference      = "image_inference"
	TableModerationInference = "moderation_inference"
	TableGuardrailInference  = "guardrail_inference"
)

// Tables lists every destination table a Manager should start a batcher
// for; pass this to NewManager for the full pipeline.
var Tables = []string{
	TableModelInference,
	TableChatInference,
	TableJSONInference,
	TableEmbeddingInference,
	TableAudioInference,
	TableImageInference,
	TableModerationInference,
	TableGuardrailInference,
}

// ModelInferenceRecord is the raw provider-call record: one row per
// upstream HTTP round trip, independent of which gateway endpoint
// triggered it.
type ModelInferenceRecord struct {
	ID                string
	InferenceID       string
	RawRequest        string
	RawResponse       string
	ModelName         string
	ModelProviderName string
	InputTokens       int
	OutputTokens      int
	ResponseTimeMs    int64
	TTFTMs            *int64
	CachedAt          *time.Time
	Timestamp         time.Time
}

// ChatInferenceRecord is one chat completion request/response pair.
type ChatInferenceRecord struct {
	ID             string
	TenantID       string
	EpisodeID      string
	FunctionName   string
	VariantName    string
	Model          string
	Input          string
	Output         string
	ToolParams     string
	ProcessingTime int64
	Tags           map[string]string
	Timestamp      time.Time
}

// JSONInferenceRecord is one structured-output (JSON mode) request/response
// pair.
type JSONInferenceRecord struct {
	ID             string
	TenantID       string
	EpisodeID      string
	FunctionName   string
	VariantName    string
	Model          string
	Input          string
	Output         string
	ProcessingTime int64
	Tags           map[string]string
	Timestamp      time.Time
}

// EmbeddingInferenceRecord is one embedding request/response pair.
type EmbeddingInferenceRecord struct {
	ID             string
	TenantID       string
	Model          string
	Input          string
	Dimensions     int
	ProcessingTime int64
	Timestamp      time.Time
}

// AudioInferenceRecord is one transcription, translation, or
// text-to-speech request/response pair.
type AudioInferenceRecord struct {
	ID             string
	TenantID       string
	Model          string
	Operation      string // transcription|translation|speech
	DurationSec    float64
	ProcessingTime int64
	Timestamp      time.Time
}

// ImageInferenceRecord is one image generation, edit, or variation
// request/response pair.
type ImageInferenceRecord struct {
	ID             string
	TenantID       string
	Model          string
	Operation      string // generation|edit|variation
	Count          int
	Size           string
	ProcessingTime int64
	Timestamp      time.Time
}

// ModerationInferenceRecord is one moderation endpoint call.
type ModerationInferenceRecord struct {
	ID             string
	TenantID       string
	Model          string
	Input          string
	Flagged        bool
	Categories     string // JSON-encoded providers.ModerationCategories
	ProcessingTime int64
	Timestamp      time.Time
}

// GuardrailInferenceRecord is one guardrail probe evaluation, one row per
// probe task (so a split rule-set produces multiple rows for one logical
// guardrail check).
type GuardrailInferenceRecord struct {
	ID          string
	TenantID    string
	GuardrailID string
	ProbeID     string
	Direction   string // input|output
	Flagged     bool
	Categories  string // JSON-encoded providers.ModerationCategories
	Errored     bool
	Timestamp   time.Time
}
