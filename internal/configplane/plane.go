// Package configplane implements the Config Plane (C1): copy-on-write
// snapshot tables for models, API keys, guardrails, and blocking rules,
// hot-swapped by a background pub/sub subscriber (see subscriber.go).
package configplane

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nulpointcorp/inference-gateway/internal/credentials"
)

// Plane owns the four config tables and the credential store they feed.
// Readers call the accessor methods and never block the writer; the writer
// (applyX methods, called only from the subscriber goroutine or at boot)
// builds a new snapshot and atomically swaps the pointer.
type Plane struct {
	snap  atomic.Pointer[snapshot]
	creds *credentials.Store
	rsa   *rsa.PrivateKey // nil when TENSORZERO_RSA_PRIVATE_KEY is not configured
}

// New returns an empty Plane backed by creds. rsaKey may be nil.
func New(creds *credentials.Store, rsaKey *rsa.PrivateKey) *Plane {
	p := &Plane{creds: creds, rsa: rsaKey}
	p.snap.Store(emptySnapshot())
	return p
}

func (p *Plane) current() *snapshot { return p.snap.Load() }

// ── Read accessors ───────────────────────────────────────────────────────

// Model returns the model entry for id, or (nil, false) if unknown.
func (p *Plane) Model(id string) (*ModelEntry, bool) {
	m, ok := p.current().models[id]
	return m, ok
}

// APIKeyByHash returns the API-key entry for a presented key's hash.
func (p *Plane) APIKeyByHash(hash string) (*APIKeyEntry, bool) {
	k, ok := p.current().apiKeys[hash]
	return k, ok
}

// Guardrail returns the guardrail config by id.
func (p *Plane) Guardrail(id string) (*GuardrailConfig, bool) {
	g, ok := p.current().guardrails[id]
	return g, ok
}

// BlockingRules returns all global rules plus any scoped to tenantID.
func (p *Plane) BlockingRules(tenantID string) []*BlockingRule {
	s := p.current()
	out := make([]*BlockingRule, 0, len(s.blocking))
	for _, r := range s.blocking {
		if r.TenantID == "" || r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}

// Models returns every model entry currently in the snapshot, for routes
// that list the catalog (e.g. GET /v1/models) rather than look up one ID.
func (p *Plane) Models() []*ModelEntry {
	s := p.current()
	out := make([]*ModelEntry, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out
}

// ModelCount / APIKeyCount / GuardrailCount report table sizes (metrics/health).
func (p *Plane) ModelCount() int     { return len(p.current().models) }
func (p *Plane) APIKeyCount() int    { return len(p.current().apiKeys) }
func (p *Plane) GuardrailCount() int { return len(p.current().guardrails) }

// ── Writers (called from subscriber.go or Seed) ──────────────────────────

// ApplyModelSet installs or replaces a model entry. It validates that
// routing entries exist in providers and the fallback chain is acyclic
// before installing — a failing entry is rejected and the
// prior snapshot is left untouched.
func (p *Plane) ApplyModelSet(raw []byte) error {
	var m ModelEntry
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("configplane: parse model: %w", err)
	}
	if m.ID == "" {
		return fmt.Errorf("configplane: model entry missing id")
	}
	for _, provID := range m.Routing {
		if _, ok := m.Providers[provID]; !ok {
			return fmt.Errorf("configplane: model %s: routing entry %q not in providers", m.ID, provID)
		}
	}

	cur := p.current()
	if err := checkAcyclic(m.ID, m.Fallbacks, cur.models, &m); err != nil {
		return err
	}

	if err := p.decryptSecrets(&m); err != nil {
		return fmt.Errorf("configplane: model %s: %w", m.ID, err)
	}

	next := cur.clone()
	next.models[m.ID] = &m
	p.snap.Store(next)
	return nil
}

// ApplyModelDelete removes a model entry.
func (p *Plane) ApplyModelDelete(id string) {
	cur := p.current()
	if _, ok := cur.models[id]; !ok {
		return
	}
	next := cur.clone()
	delete(next.models, id)
	p.snap.Store(next)
	p.creds.Delete(id)
}

// ApplyAPIKeySet installs or replaces an API-key entry, keyed by its hash.
func (p *Plane) ApplyAPIKeySet(raw []byte) error {
	var k APIKeyEntry
	if err := json.Unmarshal(raw, &k); err != nil {
		return fmt.Errorf("configplane: parse api_key: %w", err)
	}
	if k.Hash == "" {
		return fmt.Errorf("configplane: api_key entry missing hash")
	}
	cur := p.current()
	next := cur.clone()
	next.apiKeys[k.Hash] = &k
	p.snap.Store(next)
	return nil
}

// ApplyAPIKeyDelete evicts an API-key entry by hash.
func (p *Plane) ApplyAPIKeyDelete(hash string) {
	cur := p.current()
	if _, ok := cur.apiKeys[hash]; !ok {
		return
	}
	next := cur.clone()
	delete(next.apiKeys, hash)
	p.snap.Store(next)
}

// ApplyGuardrailSet installs or replaces a guardrail config.
func (p *Plane) ApplyGuardrailSet(raw []byte) error {
	var g GuardrailConfig
	if err := json.Unmarshal(raw, &g); err != nil {
		return fmt.Errorf("configplane: parse guardrail: %w", err)
	}
	if g.ID == "" {
		return fmt.Errorf("configplane: guardrail entry missing id")
	}
	if len(g.Providers) == 0 {
		return fmt.Errorf("configplane: guardrail %s: at least one probe is required", g.ID)
	}
	cur := p.current()
	next := cur.clone()
	next.guardrails[g.ID] = &g
	p.snap.Store(next)
	return nil
}

// ApplyGuardrailDelete removes a guardrail config.
func (p *Plane) ApplyGuardrailDelete(id string) {
	cur := p.current()
	if _, ok := cur.guardrails[id]; !ok {
		return
	}
	next := cur.clone()
	delete(next.guardrails, id)
	p.snap.Store(next)
}

// ApplyBlockingSet installs or replaces a blocking rule (matched by ID within
// the rule slice).
func (p *Plane) ApplyBlockingSet(raw []byte) error {
	var r BlockingRule
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("configplane: parse blocking rule: %w", err)
	}
	if r.ID == "" {
		return fmt.Errorf("configplane: blocking rule missing id")
	}
	cur := p.current()
	next := cur.clone()
	replaced := false
	for i, existing := range next.blocking {
		if existing.ID == r.ID {
			next.blocking[i] = &r
			replaced = true
			break
		}
	}
	if !replaced {
		next.blocking = append(next.blocking, &r)
	}
	p.snap.Store(next)
	return nil
}

// ApplyBlockingDelete removes a blocking rule by id.
func (p *Plane) ApplyBlockingDelete(id string) {
	cur := p.current()
	next := cur.clone()
	out := next.blocking[:0]
	for _, r := range next.blocking {
		if r.ID != id {
			out = append(out, r)
		}
	}
	next.blocking = out
	p.snap.Store(next)
}

// checkAcyclic walks the fallback chain for a model being installed (or
// updated) and rejects the write if it would introduce a cycle. candidate
// overrides models[candidate.ID] during the walk so a self-update is checked
// against its own new fallback list.
//
// The walk tracks the current DFS path (the chain of ancestors between id
// and the node being visited), not a single set of every node ever seen —
// two models legitimately falling back to the same shared target (a
// diamond: X→[A,B], A→[Z], B→[Z]) must not be rejected just because Z is
// reached twice. Only a node reappearing on its own ancestor path is a
// cycle, mirroring how the runtime walk in router.go treats a revisited
// node as "already tried, skip" rather than an error.
func checkAcyclic(id string, fallbacks []string, models map[string]*ModelEntry, candidate *ModelEntry) error {
	lookup := func(modelID string) *ModelEntry {
		if modelID == candidate.ID {
			return candidate
		}
		return models[modelID]
	}

	path := map[string]bool{id: true}
	var walk func(nodes []string) error
	walk = func(nodes []string) error {
		for _, next := range nodes {
			if next == id || path[next] {
				return fmt.Errorf("configplane: model %s: circular_fallback via %s", id, next)
			}
			entry := lookup(next)
			if entry == nil {
				continue // unknown model, nothing further to traverse
			}
			path[next] = true
			if err := walk(entry.Fallbacks); err != nil {
				return err
			}
			delete(path, next)
		}
		return nil
	}
	return walk(fallbacks)
}

// Seed installs a batch of bootstrap model entries (e.g. derived from a
// static ModelAliases table) before any pub/sub event has arrived.
// Entries that fail validation are skipped and logged by the caller.
func (p *Plane) Seed(entries []*ModelEntry) []error {
	var errs []error
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.ApplyModelSet(raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Credentials exposes the backing Credential Store for read access by
// provider adapters resolving DynamicLookup locations.
func (p *Plane) Credentials() *credentials.Store { return p.creds }
