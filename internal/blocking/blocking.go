// Package blocking implements the Blocking Engine (C6): evaluates a
// request's attributes against compiled per-tenant and global deny rules.
package blocking

import (
	"regexp"
	"sync"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
)

// Action is the verdict returned by Evaluate.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionChallenge Action = "challenge"
)

// Attributes describes the request facts a rule is matched against.
type Attributes struct {
	TenantID string
	IP       string
	UAClass  string
	Country  string
	ModelID  string
	Path     string
}

// compiledRule is a BlockingRule with its attribute sets turned into O(1)
// lookup tables, mirroring internal/cache.ExclusionList's
// compile-once-match-many shape.
type compiledRule struct {
	id         string
	tenantID   string
	ips        map[string]struct{}
	uaClasses  map[string]struct{}
	countries  map[string]struct{}
	modelIDs   map[string]struct{}
	pathPrefix string
	pathRE     *regexp.Regexp
	action     Action
}

func compile(r *configplane.BlockingRule) *compiledRule {
	cr := &compiledRule{
		id:         r.ID,
		tenantID:   r.TenantID,
		ips:        toSet(r.IPs),
		uaClasses:  toSet(r.UAClasses),
		countries:  toSet(r.Countries),
		modelIDs:   toSet(r.ModelIDs),
		pathPrefix: r.PathPrefix,
		action:     Action(r.Action),
	}
	if cr.action == "" {
		cr.action = ActionBlock
	}
	return cr
}

func toSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

// matches reports whether attrs satisfies every non-empty dimension of the
// rule. A dimension with no configured values is ignored (matches anything).
func (cr *compiledRule) matches(attrs Attributes) bool {
	if !matchSet(cr.ips, attrs.IP) {
		return false
	}
	if !matchSet(cr.uaClasses, attrs.UAClass) {
		return false
	}
	if !matchSet(cr.countries, attrs.Country) {
		return false
	}
	if !matchSet(cr.modelIDs, attrs.ModelID) {
		return false
	}
	if cr.pathPrefix != "" && !hasPrefix(attrs.Path, cr.pathPrefix) {
		return false
	}
	return true
}

func matchSet(set map[string]struct{}, val string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[val]
	return ok
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Engine evaluates incoming request attributes against the Config Plane's
// blocking-rule table. Rules are compiled once per *configplane.BlockingRule
// pointer and cached; a Plane update that replaces a rule produces a new
// pointer, so the cache self-invalidates without needing an explicit
// generation counter.
type Engine struct {
	plane *configplane.Plane

	mu    sync.Mutex
	cache map[*configplane.BlockingRule]*compiledRule
}

// New returns an Engine backed by plane.
func New(plane *configplane.Plane) *Engine {
	return &Engine{plane: plane, cache: make(map[*configplane.BlockingRule]*compiledRule)}
}

func (e *Engine) compiled(r *configplane.BlockingRule) *compiledRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cr, ok := e.cache[r]; ok {
		return cr
	}
	cr := compile(r)
	e.cache[r] = cr
	return cr
}

// Evaluate returns the first matching rule's action for tenantID's
// applicable rules (global rules plus the tenant's own), or ActionAllow if
// none match. Global rules are evaluated before tenant rules so an
// operator-wide block always takes precedence.
func (e *Engine) Evaluate(attrs Attributes) (Action, string) {
	rules := e.plane.BlockingRules(attrs.TenantID)
	for _, global := range []bool{true, false} {
		for _, r := range rules {
			if (r.TenantID == "") != global {
				continue
			}
			cr := e.compiled(r)
			if cr.matches(attrs) {
				return cr.action, cr.id
			}
		}
	}
	return ActionAllow, ""
}
