package configplane

// snapshot is an immutable point-in-time view of all four config tables.
// Readers obtain a reference via Plane.current() and never block a writer;
// writers build a new snapshot and swap the Plane's atomic pointer.
type snapshot struct {
	models     map[string]*ModelEntry
	apiKeys    map[string]*APIKeyEntry // keyed by hash
	guardrails map[string]*GuardrailConfig
	blocking   []*BlockingRule
}

func emptySnapshot() *snapshot {
	return &snapshot{
		models:     make(map[string]*ModelEntry),
		apiKeys:    make(map[string]*APIKeyEntry),
		guardrails: make(map[string]*GuardrailConfig),
		blocking:   nil,
	}
}

// clone performs a shallow copy of the top-level maps/slice so a single
// entry can be replaced or removed without mutating the snapshot any reader
// currently holds.
func (s *snapshot) clone() *snapshot {
	n := &snapshot{
		models:     make(map[string]*ModelEntry, len(s.models)),
		apiKeys:    make(map[string]*APIKeyEntry, len(s.apiKeys)),
		guardrails: make(map[string]*GuardrailConfig, len(s.guardrails)),
		blocking:   make([]*BlockingRule, len(s.blocking)),
	}
	for k, v := range s.models {
		n.models[k] = v
	}
	for k, v := range s.apiKeys {
		n.apiKeys[k] = v
	}
	for k, v := range s.guardrails {
		n.guardrails[k] = v
	}
	copy(n.blocking, s.blocking)
	return n
}
