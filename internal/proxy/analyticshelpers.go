package proxy

import (
	"encoding/json"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// formatModerationCategories JSON-encodes the flagged-category subset for
// the analytics rows' Categories column (moderation_inference and
// guardrail_inference both store it pre-serialized so the columnar schema
// doesn't need a struct column per provider).
func formatModerationCategories(c providers.ModerationCategories) string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}
