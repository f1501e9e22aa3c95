package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const noPort80Rego = `# description: upstream nodes must not listen on port 80
# severity: error
# tags: security, transport
package operator.no_port_80

import rego.v1

deny contains violation if {
	some up in input.upstreams
	some n in up.nodes
	n.port == 80
	violation := {"message": sprintf("node %s listens on port 80", [n.name]), "severity": "error"}
}
`

const preferStripRego = `# description: passthrough routes deserve a second look
package operator.prefer_strip

import rego.v1

deny contains violation if {
	some route in input.site.routes
	route.uri.strategy == "passthrough"
	violation := {"message": sprintf("route %s forwards the public path upstream", [route.name])}
}
`

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "no_port_80.rego", noPort80Rego)
	writePolicyFile(t, dir, "prefer_strip.rego", preferStripRego)
	writePolicyFile(t, dir, "notes.txt", "not a policy")
	writePolicyFile(t, dir, "broken.rego", "deny = true\n")

	loader := NewLoader(nil)
	policies, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2", len(policies))
	}

	byName := make(map[string]Policy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}

	p, ok := byName["no_port_80"]
	if !ok {
		t.Fatal("no_port_80 policy not loaded")
	}
	if p.Severity != SeverityError {
		t.Errorf("severity = %s, want %s", p.Severity, SeverityError)
	}
	if p.Description != "upstream nodes must not listen on port 80" {
		t.Errorf("description = %q", p.Description)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "security" || p.Tags[1] != "transport" {
		t.Errorf("tags = %v", p.Tags)
	}

	p, ok = byName["prefer_strip"]
	if !ok {
		t.Fatal("prefer_strip policy not loaded")
	}
	if p.Severity != SeverityWarning {
		t.Errorf("default severity = %s, want %s", p.Severity, SeverityWarning)
	}
	if !p.Enabled {
		t.Error("loaded policies should default to enabled")
	}
}

func TestLoadDirSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "security")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePolicyFile(t, sub, "no_port_80.rego", noPort80Rego)

	policies, err := NewLoader(nil).LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "no_port_80" {
		t.Fatalf("policies = %+v, want one no_port_80", policies)
	}
}

func TestLoadedPolicyEvaluates(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "no_port_80.rego", noPort80Rego)

	policies, err := NewLoader(nil).LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	engine := NewEngine(WithPolicies(policies))

	ups := lintUpstreams()
	ups["api__identity"].Nodes[0].Port = 80

	res, err := engine.EvaluateSite(context.Background(), lintSite(), ups)
	if err != nil {
		t.Fatalf("EvaluateSite: %v", err)
	}
	if res.Allowed {
		t.Errorf("expected port 80 node to deny the site, violations: %+v", res.Violations)
	}
	if len(violationsFor(res, "no_port_80")) != 1 {
		t.Errorf("violations = %+v", res.Violations)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "prefer_strip.rego", preferStripRego)

	loader := NewLoader(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, dir, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.StopWatching()

	writePolicyFile(t, dir, "no_port_80.rego", noPort80Rego)

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("reloaded %d policies, want 2", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for policy reload")
	}
}
