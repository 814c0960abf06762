package blocking

import (
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/nulpointcorp/inference-gateway/internal/credentials"
)

func TestEvaluate_NoRules_Allows(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	e := New(plane)
	action, _ := e.Evaluate(Attributes{TenantID: "tenant-a", IP: "1.2.3.4"})
	if action != ActionAllow {
		t.Errorf("action = %q, want allow", action)
	}
}

func TestEvaluate_GlobalBlockByIP(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	if err := plane.ApplyBlockingSet([]byte(`{"id":"r1","ips":["1.2.3.4"],"action":"block"}`)); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	e := New(plane)

	action, id := e.Evaluate(Attributes{TenantID: "tenant-a", IP: "1.2.3.4"})
	if action != ActionBlock || id != "r1" {
		t.Errorf("got (%q, %q), want (block, r1)", action, id)
	}

	action, _ = e.Evaluate(Attributes{TenantID: "tenant-a", IP: "9.9.9.9"})
	if action != ActionAllow {
		t.Errorf("unrelated IP should allow, got %q", action)
	}
}

func TestEvaluate_TenantScopedRule(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	if err := plane.ApplyBlockingSet([]byte(`{"id":"r1","tenant_id":"tenant-a","model_ids":["gpt-4"],"action":"block"}`)); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	e := New(plane)

	action, _ := e.Evaluate(Attributes{TenantID: "tenant-a", ModelID: "gpt-4"})
	if action != ActionBlock {
		t.Errorf("tenant-a/gpt-4 should block, got %q", action)
	}
	action, _ = e.Evaluate(Attributes{TenantID: "tenant-b", ModelID: "gpt-4"})
	if action != ActionAllow {
		t.Errorf("tenant-b should not be affected by tenant-a's rule, got %q", action)
	}
}

func TestEvaluate_PathPrefix(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	if err := plane.ApplyBlockingSet([]byte(`{"id":"r1","path_prefix":"/v1/admin","action":"challenge"}`)); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	e := New(plane)

	action, _ := e.Evaluate(Attributes{Path: "/v1/admin/keys"})
	if action != ActionChallenge {
		t.Errorf("path under prefix should challenge, got %q", action)
	}
	action, _ = e.Evaluate(Attributes{Path: "/v1/chat/completions"})
	if action != ActionAllow {
		t.Errorf("path outside prefix should allow, got %q", action)
	}
}

func TestEvaluate_CachesCompiledRule(t *testing.T) {
	plane := configplane.New(credentials.New(), nil)
	if err := plane.ApplyBlockingSet([]byte(`{"id":"r1","ips":["1.2.3.4"],"action":"block"}`)); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	e := New(plane)
	e.Evaluate(Attributes{IP: "1.2.3.4"})
	e.Evaluate(Attributes{IP: "1.2.3.4"})
	if len(e.cache) != 1 {
		t.Errorf("expected exactly one cached compiled rule, got %d", len(e.cache))
	}
}
