package guardrail

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// providerProbe is a Probe backed by a real provider's ModerationProvider
// capability, the production counterpart to guardrail_test.go's fakeProbe.
type providerProbe struct {
	id    string
	rules []string
	mod   providers.ModerationProvider
}

func (p *providerProbe) ID() string { return p.id }

func (p *providerProbe) Run(ctx context.Context, input []string) (*providers.ModerationResponse, error) {
	return p.mod.Moderate(ctx, &providers.ModerationRequest{Input: input})
}

// NewProviderProbeFactory returns a ProbeFactory that resolves each probe's
// provider name against provs and wraps its ModerationProvider capability.
// Used at boot to give guardrail.New a real registry instead of the tests'
// fakeProbe stand-ins.
func NewProviderProbeFactory(provs map[string]providers.Provider) ProbeFactory {
	return func(provider, probeName string, rules []string) (Probe, error) {
		prov, ok := provs[provider]
		if !ok {
			return nil, fmt.Errorf("guardrail probe %s: provider %q not configured", probeName, provider)
		}
		mod, ok := prov.(providers.ModerationProvider)
		if !ok {
			return nil, fmt.Errorf("guardrail probe %s: provider %q does not support moderation", probeName, provider)
		}
		return &providerProbe{id: probeName, rules: rules, mod: mod}, nil
	}
}
