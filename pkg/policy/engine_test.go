package policy

import (
	"context"
	"testing"

	"github.com/webfleet/webfleet/pkg/fleet"
)

func lintSite() *fleet.Site {
	return &fleet.Site{
		Domain:      "dev.example.com",
		ProviderID:  "lunarsystemx",
		Environment: fleet.EnvDev,
		ServerID:    "web1",
		Backend:     fleet.BackendNginx,
		Routes: []fleet.Route{
			{
				Name:        "api",
				Path:        "/api/",
				Type:        fleet.RouteProxy,
				UpstreamRef: "api__identity",
			},
		},
	}
}

func lintUpstreams() map[string]*fleet.Upstream {
	return map[string]*fleet.Upstream{
		"api__identity": {
			Ref:         "api__identity",
			ServiceType: "api",
			Slug:        "identity",
			Nodes: []fleet.UpstreamNode{
				{Name: "api_identity_node_1", Host: "10.0.0.10", Port: 8080, Weight: 1},
				{Name: "api_identity_node_2", Host: "10.0.0.11", Port: 8080, Weight: 1},
			},
		},
	}
}

func violationsFor(res *Result, policy string) []Violation {
	var out []Violation
	for _, v := range res.Violations {
		if v.Policy == policy {
			out = append(out, v)
		}
	}
	return out
}

func TestEvaluateSiteCleanSite(t *testing.T) {
	engine := NewEngine()

	res, err := engine.EvaluateSite(context.Background(), lintSite(), lintUpstreams())
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if !res.Allowed {
		t.Errorf("expected clean site to be allowed, violations: %+v", res.Violations)
	}
	if len(res.Violations) != 0 {
		t.Errorf("expected no violations, got %+v", res.Violations)
	}
	if res.EvaluatedPolicies != len(BuiltinPolicies()) {
		t.Errorf("evaluated %d policies, want %d", res.EvaluatedPolicies, len(BuiltinPolicies()))
	}
}

func TestEvaluateSiteUpstreamNaming(t *testing.T) {
	ups := lintUpstreams()
	ups["identityapi"] = &fleet.Upstream{
		Ref: "identityapi",
		Nodes: []fleet.UpstreamNode{
			{Name: "n1", Host: "10.0.0.12", Port: 8080, Weight: 1},
		},
	}

	res, err := NewEngine().EvaluateSite(context.Background(), lintSite(), ups)
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if res.Allowed {
		t.Error("expected bad upstream name to deny the site")
	}
	got := violationsFor(res, "upstream-ref-naming")
	if len(got) != 1 {
		t.Fatalf("expected one naming violation, got %+v", res.Violations)
	}
	if got[0].Severity != SeverityError {
		t.Errorf("severity = %s, want %s", got[0].Severity, SeverityError)
	}
	if got[0].Domain != "dev.example.com" {
		t.Errorf("domain = %s, want dev.example.com", got[0].Domain)
	}
}

func TestEvaluateSiteEnvironmentDomainPrefix(t *testing.T) {
	site := lintSite()
	site.Domain = "example.com"

	res, err := NewEngine().EvaluateSite(context.Background(), site, lintUpstreams())
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if !res.Allowed {
		t.Errorf("warnings alone should not deny, violations: %+v", res.Violations)
	}
	if len(violationsFor(res, "environment-domain-prefix")) != 1 {
		t.Errorf("expected one environment prefix warning, got %+v", res.Violations)
	}
	if len(res.Warnings()) != 1 {
		t.Errorf("Warnings() = %d, want 1", len(res.Warnings()))
	}
}

func TestEvaluateSiteProdRedundancy(t *testing.T) {
	site := lintSite()
	site.Domain = "example.com"
	site.Environment = fleet.EnvProd

	ups := lintUpstreams()
	ups["api__identity"].Nodes[1].Down = true

	res, err := NewEngine().EvaluateSite(context.Background(), site, ups)
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	got := violationsFor(res, "prod-upstream-redundancy")
	if len(got) != 1 {
		t.Fatalf("expected one redundancy warning, got %+v", res.Violations)
	}
	if got[0].Severity != SeverityWarning {
		t.Errorf("severity = %s, want %s", got[0].Severity, SeverityWarning)
	}
}

func TestEvaluateSiteRoutePathShape(t *testing.T) {
	site := lintSite()
	site.Routes[0].Path = "/api"

	res, err := NewEngine().EvaluateSite(context.Background(), site, lintUpstreams())
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if len(violationsFor(res, "route-path-shape")) != 1 {
		t.Errorf("expected one route path warning, got %+v", res.Violations)
	}
}

func TestEvaluateSiteAllNodesDown(t *testing.T) {
	ups := lintUpstreams()
	for i := range ups["api__identity"].Nodes {
		ups["api__identity"].Nodes[i].Down = true
	}

	res, err := NewEngine().EvaluateSite(context.Background(), lintSite(), ups)
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if res.Allowed {
		t.Error("expected all-down upstream to deny the site")
	}
	if len(violationsFor(res, "upstream-active-nodes")) != 1 {
		t.Errorf("expected one active-nodes violation, got %+v", res.Violations)
	}
	if len(res.Errors()) != 1 {
		t.Errorf("Errors() = %d, want 1", len(res.Errors()))
	}
}

func TestAddPolicyRejectsInvalid(t *testing.T) {
	engine := NewEngine()

	if err := engine.AddPolicy(Policy{Rego: "package x\n"}); !fleet.IsSchema(err) {
		t.Errorf("nameless policy error = %v, want schema error", err)
	}
	if err := engine.AddPolicy(Policy{Name: "x", Rego: "deny = true"}); !fleet.IsSchema(err) {
		t.Errorf("packageless policy error = %v, want schema error", err)
	}
}

func TestAddCustomPolicy(t *testing.T) {
	engine := NewEngine(WithPolicies(nil))

	err := engine.AddPolicy(Policy{
		Name:     "no-apache",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.no_apache

import rego.v1

deny contains violation if {
	input.site.backend == "apache"
	violation := {"message": "apache sites are frozen", "severity": "error"}
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	site := lintSite()
	site.Backend = fleet.BackendApache
	res, err := engine.EvaluateSite(context.Background(), site, lintUpstreams())
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if res.Allowed {
		t.Error("expected custom policy to deny apache site")
	}
	if res.EvaluatedPolicies != 1 {
		t.Errorf("evaluated %d policies, want 1", res.EvaluatedPolicies)
	}

	engine.RemovePolicy("no-apache")
	res, err = engine.EvaluateSite(context.Background(), site, lintUpstreams())
	if err != nil {
		t.Fatalf("EvaluateSite after remove: %v", err)
	}
	if !res.Allowed || res.EvaluatedPolicies != 0 {
		t.Errorf("expected empty engine to allow, got %+v", res)
	}
}

func TestEvaluateSiteDisabledPolicySkipped(t *testing.T) {
	policies := BuiltinPolicies()
	for i := range policies {
		policies[i].Enabled = false
	}
	engine := NewEngine(WithPolicies(policies))

	ups := lintUpstreams()
	ups["badname"] = &fleet.Upstream{Ref: "badname", Nodes: ups["api__identity"].Nodes}

	res, err := engine.EvaluateSite(context.Background(), lintSite(), ups)
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if res.EvaluatedPolicies != 0 {
		t.Errorf("evaluated %d policies, want 0", res.EvaluatedPolicies)
	}
	if !res.Allowed {
		t.Error("disabled policies should not deny")
	}
}
