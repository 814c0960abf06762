package dummy

import (
	"context"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

func TestProvider_Name(t *testing.T) {
	p := New("anything")
	if p.Name() != "dummy" {
		t.Fatalf("expected 'dummy', got %q", p.Name())
	}
}

func TestProvider_Request_Default(t *testing.T) {
	p := New("gpt-4o")
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != responseContent {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.Usage != usage10x10 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_Request_Null(t *testing.T) {
	p := New("null")
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "null"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}
}

func TestProvider_Request_Streaming(t *testing.T) {
	p := New("gpt-4o")
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chunks int
	var finished bool
	for chunk := range resp.Stream {
		if chunk.FinishReason != "" {
			finished = true
			continue
		}
		chunks++
	}
	if chunks != len(streamingChunks) {
		t.Errorf("expected %d content chunks, got %d", len(streamingChunks), chunks)
	}
	if !finished {
		t.Error("expected a final chunk with FinishReason set")
	}
}

func TestProvider_Request_FlakyAlternates(t *testing.T) {
	p := New("flaky_test_model_a")
	var failures, successes int
	for i := 0; i < 4; i++ {
		if _, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "flaky_test_model_a"}); err != nil {
			failures++
		} else {
			successes++
		}
	}
	if failures != 2 || successes != 2 {
		t.Errorf("expected 2 failures and 2 successes from 4 calls, got %d/%d", failures, successes)
	}
}

func TestProvider_Request_ErrorPrefixAlwaysFails(t *testing.T) {
	p := New("error-model")
	if _, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "error-model"}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestProvider_Request_TestKeyGate(t *testing.T) {
	p := New("test_key")

	if _, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "test_key", APIKey: "good_key"}); err != nil {
		t.Fatalf("expected good_key to succeed, got %v", err)
	}

	_, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "test_key", APIKey: "wrong_key"})
	if err == nil {
		t.Fatal("expected an error for a mismatched API key")
	}
	var re interface{ Retryable() bool }
	if pe, ok := err.(*providerError); ok {
		re = pe
	}
	if re == nil || re.Retryable() {
		t.Error("expected the invalid-key error to be non-retryable")
	}
}

func TestProvider_Embed(t *testing.T) {
	p := New("text-embedding-3-small")
	resp, err := p.Embed(context.Background(), &providers.EmbeddingRequest{Input: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(resp.Data))
	}
	if len(resp.Data[0].Embedding) != 1536 {
		t.Errorf("expected 1536-dim vector, got %d", len(resp.Data[0].Embedding))
	}
}

func TestProvider_Moderate_FlagsKeywords(t *testing.T) {
	p := New("omni-moderation-latest")
	resp, err := p.Moderate(context.Background(), &providers.ModerationRequest{Input: []string{"a hate message", "a nice message"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Results[0].Flagged || !resp.Results[0].Categories.Hate {
		t.Error("expected first input to be flagged for hate")
	}
	if resp.Results[1].Flagged {
		t.Error("expected second input to pass moderation")
	}
}

func TestProvider_Transcribe(t *testing.T) {
	p := New("whisper-1")
	resp, err := p.Transcribe(context.Background(), &providers.AudioTranscriptionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text == "" {
		t.Error("expected non-empty transcription text")
	}
}

func TestProvider_GenerateImage_RespectsN(t *testing.T) {
	p := New("dall-e-3")
	resp, err := p.GenerateImage(context.Background(), &providers.ImageGenerationRequest{Prompt: "a cat", N: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 3 {
		t.Errorf("expected 3 images, got %d", len(resp.Data))
	}
}

func TestProvider_SubmitBatch(t *testing.T) {
	p := New("gpt-4o")
	job, err := p.SubmitBatch(context.Background(), "gpt-4o", [][]byte{[]byte("{}"), []byte("{}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.RequestCounts.Total != 2 || job.Status != "completed" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestProvider_CreateRealtimeSession(t *testing.T) {
	p := New("gpt-4o-realtime")
	sess, err := p.CreateRealtimeSession(context.Background(), "gpt-4o-realtime")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ClientSecret == "" {
		t.Error("expected a client secret")
	}
}
