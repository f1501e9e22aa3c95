package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/webfleet/webfleet/pkg/fleet"
)

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// fixtureTree writes a minimal valid desired-state tree for provider
// "lunarsystemx" with one nginx/dev scope.
func fixtureTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeDoc(t, ProviderFilePath(root, "lunarsystemx"), `
id: lunarsystemx
base_domain: lunarsystemx.com
owner: platform
`)
	writeDoc(t, ServerFilePath(root, "lunarsystemx", "web1"), `
id: web1
environment: dev
address: 10.0.0.2
`)
	writeDoc(t, UpstreamPath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvDev, "api__identity"), `
service_type: api
slug: identity
nodes:
  - name: identity_node_1
    host: 10.0.0.5
    port: 8080
`)
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvDev, "dev.example.com"), `
domain: dev.example.com
server: web1
root: /var/www/dev.example.com
routes:
  - name: root
    path: /
    type: static
  - name: api_identity
    path: /api/identity/
    type: proxy
    upstream_ref: api__identity
`)
	return root
}

func TestLoadBuildsGraph(t *testing.T) {
	root := fixtureTree(t)

	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	site, err := g.ResolveSite("dev.example.com")
	if err != nil {
		t.Fatalf("ResolveSite: %v", err)
	}
	if site.ProviderID != "lunarsystemx" || site.Backend != fleet.BackendNginx || site.Environment != fleet.EnvDev {
		t.Errorf("scope not filled from tree location: %+v", site)
	}
	if site.ServerID != "web1" {
		t.Errorf("ServerID = %q", site.ServerID)
	}

	ups, err := g.SiteUpstreams(site)
	if err != nil {
		t.Fatalf("SiteUpstreams: %v", err)
	}
	up, ok := ups["api__identity"]
	if !ok {
		t.Fatal("upstream api__identity not resolved")
	}
	if up.Nodes[0].Addr() != "10.0.0.5:8080" {
		t.Errorf("node addr = %q", up.Nodes[0].Addr())
	}
	// Omitted weight defaults to 1.
	if up.Nodes[0].Weight != 1 {
		t.Errorf("node weight = %d, want 1", up.Nodes[0].Weight)
	}
}

func TestLoadDefaultsOmittedURI(t *testing.T) {
	root := fixtureTree(t)

	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	site, _ := g.ResolveSite("dev.example.com")

	for _, r := range site.Routes {
		if r.URI == nil {
			t.Fatalf("route %q: uri not materialized", r.Name)
		}
	}
	var api fleet.Route
	for _, r := range site.Routes {
		if r.Name == "api_identity" {
			api = r
		}
	}
	if api.URI.Strategy != fleet.StrategyStrip || api.URI.Upstream != "/" {
		t.Errorf("api route default = %+v, want strip to /", api.URI)
	}
}

func TestLoadRequireURIStrict(t *testing.T) {
	root := fixtureTree(t)

	_, err := NewLoader(WithRequireURI()).Load(root)
	if err == nil {
		t.Fatal("strict load accepted an omitted uri descriptor")
	}
	if !fleet.IsSchema(err) {
		t.Errorf("error kind = %v, want schema", fleet.KindOf(err))
	}
}

func TestLoadExplicitURIHonored(t *testing.T) {
	root := fixtureTree(t)
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvDev, "dev2.example.com"), `
domain: dev2.example.com
server: web1
routes:
  - name: shop
    path: /shop/
    type: proxy
    upstream_ref: api__identity
    uri:
      public: /shop/
      upstream: /store/
      strategy: strip
`)

	g, err := NewLoader(WithRequireURI()).Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	site, _ := g.ResolveSite("dev2.example.com")
	if site.Routes[0].URI.Upstream != "/store/" {
		t.Errorf("explicit uri not kept: %+v", site.Routes[0].URI)
	}
}

func TestLoadDuplicateDomain(t *testing.T) {
	root := fixtureTree(t)
	// Same domain declared again under another scope.
	writeDoc(t, ServerFilePath(root, "lunarsystemx", "web2"), `
id: web2
environment: qa
address: 10.0.0.3
`)
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvQA, "dev.example.com"), `
domain: dev.example.com
server: web2
routes:
  - name: root
    path: /
    type: static
`)

	_, err := NewLoader().Load(root)
	if err == nil {
		t.Fatal("load accepted a duplicate domain")
	}
	if !fleet.IsSchema(err) {
		t.Errorf("error kind = %v, want schema", fleet.KindOf(err))
	}
}

func TestLoadUnresolvedUpstreamRef(t *testing.T) {
	root := fixtureTree(t)
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvDev, "dev3.example.com"), `
domain: dev3.example.com
server: web1
routes:
  - name: api
    path: /api/
    type: proxy
    upstream_ref: api__missing
`)

	_, err := NewLoader().Load(root)
	if err == nil {
		t.Fatal("load accepted an unresolved upstream_ref")
	}
	if !fleet.IsSchema(err) {
		t.Errorf("error kind = %v, want schema", fleet.KindOf(err))
	}
}

func TestLoadUndeclaredServer(t *testing.T) {
	root := fixtureTree(t)
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvDev, "dev4.example.com"), `
domain: dev4.example.com
server: ghost
routes:
  - name: root
    path: /
    type: static
`)

	_, err := NewLoader().Load(root)
	if err == nil || !fleet.IsSchema(err) {
		t.Fatalf("want schema error for undeclared server, got %v", err)
	}
}

func TestLoadServerEnvironmentMismatch(t *testing.T) {
	root := fixtureTree(t)
	// web1 is tagged dev; referencing it from a qa site is invalid.
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvQA, "qa.example.com"), `
domain: qa.example.com
server: web1
routes:
  - name: root
    path: /
    type: static
`)

	_, err := NewLoader().Load(root)
	if err == nil || !fleet.IsSchema(err) {
		t.Fatalf("want schema error for environment mismatch, got %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	root := fixtureTree(t)
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvDev, "dev5.example.com"), `
domain: dev5.example.com
server: web1
banana: true
routes:
  - name: root
    path: /
    type: static
`)

	_, err := NewLoader().Load(root)
	if err == nil || !fleet.IsSchema(err) {
		t.Fatalf("want schema error for unknown field, got %v", err)
	}
}

func TestListSitesOrderAndFilter(t *testing.T) {
	root := fixtureTree(t)
	writeDoc(t, ServerFilePath(root, "lunarsystemx", "web2"), `
id: web2
environment: qa
address: 10.0.0.3
`)
	writeDoc(t, SitePath(root, "lunarsystemx", fleet.BackendNginx, fleet.EnvQA, "alpha.example.com"), `
domain: alpha.example.com
server: web2
routes:
  - name: root
    path: /
    type: static
`)

	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	all := g.ListSites(Filter{})
	if len(all) != 2 {
		t.Fatalf("ListSites returned %d sites, want 2", len(all))
	}
	if all[0].Domain != "alpha.example.com" || all[1].Domain != "dev.example.com" {
		t.Errorf("sites not in lexicographic order: %s, %s", all[0].Domain, all[1].Domain)
	}

	qaOnly := g.ListSites(Filter{Environment: fleet.EnvQA})
	if len(qaOnly) != 1 || qaOnly[0].Domain != "alpha.example.com" {
		t.Errorf("environment filter returned %d sites", len(qaOnly))
	}
}

func TestResolveSiteNotFound(t *testing.T) {
	root := fixtureTree(t)
	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err = g.ResolveSite("nope.example.com")
	if err == nil || !fleet.IsNotFound(err) {
		t.Fatalf("want not-found error, got %v", err)
	}
}

func TestLoadMissingProvidersDir(t *testing.T) {
	_, err := NewLoader().Load(t.TempDir())
	if err == nil || !fleet.IsSchema(err) {
		t.Fatalf("want schema error for missing providers dir, got %v", err)
	}
}
