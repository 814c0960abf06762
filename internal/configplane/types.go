package configplane

import "encoding/json"

// ModelEntry is the data-plane's view of one routable model.
type ModelEntry struct {
	ID          string                    `json:"id"`
	Routing     []string                  `json:"routing"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Endpoints   map[string]bool           `json:"endpoints"`
	RateLimit   *RateLimitConfig          `json:"rate_limits,omitempty"`
	Fallbacks   []string                  `json:"fallbacks,omitempty"`
	GuardrailID string                    `json:"guardrail_id,omitempty"`
}

// HasCapability reports whether this model declares the given capability tag.
func (m *ModelEntry) HasCapability(capability string) bool {
	if m == nil || m.Endpoints == nil {
		return false
	}
	return m.Endpoints[capability]
}

// ProviderConfig is a tagged variant per provider kind carrying the
// endpoint URL, credential location, and provider-specific extras.
type ProviderConfig struct {
	Kind       string             `json:"kind"`
	Endpoint   string             `json:"endpoint,omitempty"`
	Credential CredentialLocation `json:"-"`
	Extra      map[string]string  `json:"extra,omitempty"`
}

// providerConfigWire is the JSON wire shape of ProviderConfig; Credential is
// resolved from the tagged "credential" object via UnmarshalJSON.
type providerConfigWire struct {
	Kind       string            `json:"kind"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Credential json.RawMessage   `json:"credential,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// UnmarshalJSON resolves the tagged credential-location variant.
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	var w providerConfigWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Kind, p.Endpoint, p.Extra = w.Kind, w.Endpoint, w.Extra
	loc, err := ParseCredentialLocation(w.Credential)
	if err != nil {
		return err
	}
	p.Credential = loc
	return nil
}

// MarshalJSON re-serializes ProviderConfig with its resolved credential tag.
func (p ProviderConfig) MarshalJSON() ([]byte, error) {
	cred, err := marshalCredential(p.Credential)
	if err != nil {
		return nil, err
	}
	return json.Marshal(providerConfigWire{
		Kind: p.Kind, Endpoint: p.Endpoint, Credential: cred, Extra: p.Extra,
	})
}

// RateLimitConfig is the per-model rate-limit config shape.
type RateLimitConfig struct {
	PerSecond       *int    `json:"per_second,omitempty"`
	PerMinute       *int    `json:"per_minute,omitempty"`
	PerHour         *int    `json:"per_hour,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	Algorithm       string  `json:"algorithm"` // fixed-window|sliding|token-bucket
	LocalAllowance  float64 `json:"local_allowance"`
	CacheTTLMs      int     `json:"cache_ttl_ms"`
	SyncIntervalMs  int     `json:"sync_interval_ms"`
	SharedTimeoutMs int     `json:"shared_timeout_ms"`
}

// UsageQuota bounds cumulative token/cost usage for a tenant.
type UsageQuota struct {
	MaxTokens *int64   `json:"max_tokens,omitempty"`
	MaxCostUSD *float64 `json:"max_cost_usd,omitempty"`
	WindowSecs int64    `json:"window_secs"`
}

// APIKeyEntry maps a presented bearer key (by hash) to tenant + policy data.
type APIKeyEntry struct {
	Hash          string            `json:"hash"`
	TenantID      string            `json:"tenant_id"`
	AllowedModels map[string]bool   `json:"allowed_models"`
	ProjectID     string            `json:"project_id,omitempty"`
	UsageQuota    *UsageQuota       `json:"usage_quota,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AllowsModel reports whether this key may call the given model id.
func (k *APIKeyEntry) AllowsModel(modelID string) bool {
	if k == nil {
		return false
	}
	if len(k.AllowedModels) == 0 {
		return true // empty set means "no restriction"
	}
	return k.AllowedModels[modelID]
}

// ProviderProbeConfig is one guardrail provider entry.
type ProviderProbeConfig struct {
	Provider  string   `json:"provider"`
	ProbeName string   `json:"probe"`
	Rules     []string `json:"rules,omitempty"` // e.g. ["text","code"] for rule-splitting probes
	TimeoutMs int      `json:"timeout_ms"`
}

// GuardrailConfig is the per-guardrail config shape.
type GuardrailConfig struct {
	ID                string                `json:"id"`
	GuardTypes        map[string]bool       `json:"guard_types"` // subset of {input,output}
	Providers         []ProviderProbeConfig `json:"providers"`
	SeverityThreshold float64               `json:"severity_threshold"`
	ExecutionMode     string                `json:"execution_mode"` // parallel|sequential
	FailureMode       string                `json:"failure_mode"`   // fail-fast|best-effort
}

// BlockingRule is one tenant-scoped or global deny rule (C6).
type BlockingRule struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id,omitempty"` // empty == global
	IPs         []string `json:"ips,omitempty"`
	UAClasses   []string `json:"ua_classes,omitempty"`
	Countries   []string `json:"countries,omitempty"`
	ModelIDs    []string `json:"model_ids,omitempty"`
	PathPrefix  string   `json:"path_prefix,omitempty"`
	Action      string   `json:"action"` // allow|block|challenge
}
