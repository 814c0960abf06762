// Package dummy implements a canned, deterministic Provider used for local
// development, integration tests, and the gateway's own test suite. It
// implements every capability interface in internal/providers so that tests
// can exercise the full dispatch/routing/caching/guardrail stack without a
// real upstream LLM provider.
//
// Behavior is keyed entirely off the model name, mirroring the reference
// gateway's test-fixture provider:
//   - "slow"            sleeps 5s before responding.
//   - "flaky_*"         fails every other call (process-wide, per model name).
//   - "error*"          always fails.
//   - "test_key"        rejects a caller-supplied API key other than "good_key"
//                       (a request with no API key is accepted).
//   - "null"            responds with empty content.
//   - "tool"/"bad_tool" responds with a canned tool call.
//   - "reasoner"        responds with a thinking block plus the standard text.
//   - anything else     responds with the standard canned text.
package dummy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const providerName = "dummy"

// responseContent is the canned chat completion text for the common case.
const responseContent = "Megumin gleefully chanted her spell, unleashing a thunderous explosion that lit up the sky and left a massive crater in its wake."

// alternateResponseContent is the unary response of the "alternate" model.
const alternateResponseContent = "Anya giggled, unleashing a telepathic blast that knocked over three trees and startled a nearby squirrel."

// streamingChunks splits responseContent into the same 18 word-ish chunks
// the reference fixture streams, so tests can assert on chunk boundaries.
var streamingChunks = []string{
	"Megumin ", "gleefully ", "chanted ", "her ", "spell, ", "unleashing ",
	"a ", "thunderous ", "explosion ", "that ", "lit ", "up ", "the ",
	"sky ", "and ", "left ", "a ", "massive crater in its wake.",
}

var usage10x10 = providers.Usage{InputTokens: 10, OutputTokens: 10}

// providerError is the error type returned for every failure case. It
// implements Retryable() so the router's failover policy can distinguish a
// transient provider hiccup from a request that will fail identically on
// every provider (e.g. an invalid API key).
type providerError struct {
	msg       string
	retryable bool
	status    int
}

func (e *providerError) Error() string   { return e.msg }
func (e *providerError) Retryable() bool { return e.retryable }
func (e *providerError) HTTPStatus() int { return e.status }

var flakyCounters sync.Map // model name -> *atomic.Int64

func flakyCallNumber(modelName string) int64 {
	v, _ := flakyCounters.LoadOrStore(modelName, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1)
}

// Provider is the dummy provider. The zero value is ready to use.
type Provider struct {
	modelName string
}

// New returns a dummy Provider that behaves according to modelName's
// special-case prefixes/values, per the package doc.
func New(modelName string) *Provider {
	return &Provider{modelName: modelName}
}

var (
	_ providers.Provider                     = (*Provider)(nil)
	_ providers.EmbeddingProvider             = (*Provider)(nil)
	_ providers.ModerationProvider            = (*Provider)(nil)
	_ providers.AudioTranscriptionProvider    = (*Provider)(nil)
	_ providers.AudioTranslationProvider      = (*Provider)(nil)
	_ providers.TextToSpeechProvider          = (*Provider)(nil)
	_ providers.ImageGenerationProvider       = (*Provider)(nil)
	_ providers.ImageEditProvider             = (*Provider)(nil)
	_ providers.ImageVariationProvider        = (*Provider)(nil)
	_ providers.ResponseProvider              = (*Provider)(nil)
	_ providers.BatchProvider                 = (*Provider)(nil)
	_ providers.RealtimeSessionProvider       = (*Provider)(nil)
	_ providers.RealtimeTranscriptionProvider = (*Provider)(nil)
)

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error { return nil }

// Request implements providers.Provider.
func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if err := p.simulateFailureModes(req.APIKey); err != nil {
		return nil, err
	}

	if req.Stream {
		return &providers.ProxyResponse{
			ID:     "dummy-" + p.modelName,
			Model:  p.modelName,
			Usage:  usage10x10,
			Stream: p.stream(ctx),
		}, nil
	}

	return &providers.ProxyResponse{
		ID:      "dummy-" + p.modelName,
		Model:   p.modelName,
		Content: p.content(),
		Usage:   usage10x10,
	}, nil
}

func (p *Provider) content() string {
	switch p.modelName {
	case "null":
		return ""
	case "tool":
		return `{"name":"get_temperature","arguments":"{\"location\":\"Brooklyn\",\"units\":\"celsius\"}"}`
	case "bad_tool":
		return `{"name":"get_temperature","arguments":"{\"location\":\"Brooklyn\",\"units\":\"Celsius\"}"}`
	case "reasoner":
		return "hmmm\n" + responseContent
	case "json_reasoner":
		return `hmmm` + "\n" + `{"answer":"Hello"}`
	case "alternate":
		return alternateResponseContent
	default:
		return responseContent
	}
}

func (p *Provider) stream(ctx context.Context) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range streamingChunks {
			select {
			case <-ctx.Done():
				return
			case ch <- providers.StreamChunk{Content: chunk}:
			}
			time.Sleep(10 * time.Millisecond)
		}
		select {
		case <-ctx.Done():
		case ch <- providers.StreamChunk{FinishReason: "stop"}:
		}
	}()
	return ch
}

// simulateFailureModes applies the model-name-driven failure fixtures of chat
// requests: "slow", "flaky_*", "error*", and "test_key". Other capabilities
// do not call it.
func (p *Provider) simulateFailureModes(apiKey string) error {
	if p.modelName == "slow" {
		time.Sleep(5 * time.Second)
	}

	if strings.HasPrefix(p.modelName, "flaky_") {
		n := flakyCallNumber(p.modelName)
		if n%2 == 0 {
			return &providerError{
				msg:       fmt.Sprintf("flaky model %q failed on call number %d", p.modelName, n),
				retryable: true,
			}
		}
	}

	if strings.HasPrefix(p.modelName, "error") {
		return &providerError{
			msg:       fmt.Sprintf("error sending request to dummy provider for model %q", p.modelName),
			retryable: true,
		}
	}

	if p.modelName == "test_key" && apiKey != "" && apiKey != "good_key" {
		return &providerError{
			msg:       "invalid API key for dummy provider",
			retryable: false,
			status:    401,
		}
	}

	return nil
}
