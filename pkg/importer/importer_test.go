package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/state"
)

var testDefaults = Defaults{
	ProviderID:    "lunarsystemx",
	Environment:   fleet.EnvDev,
	ServerID:      "web1",
	ServerAddress: "10.0.0.2",
}

func nginxSite() (*fleet.Site, map[string]*fleet.Upstream) {
	site := &fleet.Site{
		Domain:      "dev.example.com",
		ProviderID:  "lunarsystemx",
		Environment: fleet.EnvDev,
		ServerID:    "web1",
		Backend:     fleet.BackendNginx,
		Root:        "/var/www/dev.example.com",
		Routes: []fleet.Route{
			{
				Name: "root",
				Path: "/",
				Type: fleet.RouteStatic,
			},
			{
				Name:        "api_identity",
				Path:        "/api/identity/",
				Type:        fleet.RouteProxy,
				UpstreamRef: "api__identity",
				URI:         &fleet.URITransform{Public: "/api/identity/", Upstream: "/", Strategy: fleet.StrategyStrip},
			},
			{
				Name:        "app",
				Path:        "/app/",
				Type:        fleet.RouteProxy,
				UpstreamRef: "web__storefront",
				URI:         &fleet.URITransform{Public: "/app/", Upstream: "/app/", Strategy: fleet.StrategyPassthrough},
			},
		},
	}
	upstreams := map[string]*fleet.Upstream{
		"api__identity": {
			Ref:         "api__identity",
			ServiceType: "api",
			Slug:        "identity",
			Nodes: []fleet.UpstreamNode{
				{Name: "api_identity_node_1", Host: "10.0.0.5", Port: 8080, Weight: 2},
				{Name: "api_identity_node_2", Host: "10.0.0.6", Port: 8080, Weight: 1, Backup: true},
			},
		},
		"web__storefront": {
			Ref:         "web__storefront",
			ServiceType: "web",
			Slug:        "storefront",
			Nodes: []fleet.UpstreamNode{
				{Name: "web_storefront_node_1", Host: "10.0.0.7", Port: 3000, Weight: 1},
			},
		},
	}
	return site, upstreams
}

func TestNginxRoundTrip(t *testing.T) {
	site, upstreams := nginxSite()
	art, err := emit.DefaultGenerator().Generate(site, upstreams)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	parsed, ups, err := ParseNginxConf(art.Content, Defaults{
		ProviderID:  "wrong-provider",
		Environment: fleet.EnvProd,
		ServerID:    "wrong-server",
	})
	if err != nil {
		t.Fatalf("ParseNginxConf: %v", err)
	}

	// The metadata header, not the defaults, supplies the scope.
	if parsed.ProviderID != "lunarsystemx" || parsed.Environment != fleet.EnvDev || parsed.ServerID != "web1" {
		t.Errorf("scope = %s/%s/%s, want header values", parsed.ProviderID, parsed.Environment, parsed.ServerID)
	}
	if parsed.Domain != site.Domain || parsed.Backend != fleet.BackendNginx || parsed.Root != site.Root {
		t.Errorf("site = %s/%s/%s", parsed.Domain, parsed.Backend, parsed.Root)
	}
	if diff := cmp.Diff(site.SortedRoutes(), parsed.SortedRoutes()); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
	want := []*fleet.Upstream{upstreams["api__identity"], upstreams["web__storefront"]}
	if diff := cmp.Diff(want, ups); diff != "" {
		t.Errorf("upstreams mismatch (-want +got):\n%s", diff)
	}
}

func TestTraefikRoundTrip(t *testing.T) {
	site := &fleet.Site{
		Domain:      "qa.shop.example.com",
		ProviderID:  "lunarsystemx",
		Environment: fleet.EnvQA,
		ServerID:    "web2",
		Backend:     fleet.BackendTraefik,
		Routes: []fleet.Route{
			{
				Name:        "api_cart",
				Path:        "/api/cart/",
				Type:        fleet.RouteProxy,
				UpstreamRef: "api__cart",
				URI:         &fleet.URITransform{Public: "/api/cart/", Upstream: "/", Strategy: fleet.StrategyStrip},
			},
			{
				Name:        "store",
				Path:        "/store/",
				Type:        fleet.RouteProxy,
				UpstreamRef: "web__store",
				URI:         &fleet.URITransform{Public: "/store/", Upstream: "/shop/", Strategy: fleet.StrategyStrip},
			},
			{
				Name:        "root",
				Path:        "/",
				Type:        fleet.RouteProxy,
				UpstreamRef: "web__store",
				URI:         &fleet.URITransform{Public: "/", Upstream: "/", Strategy: fleet.StrategyPassthrough},
			},
		},
	}
	upstreams := map[string]*fleet.Upstream{
		"api__cart": {
			Ref: "api__cart", ServiceType: "api", Slug: "cart",
			Nodes: []fleet.UpstreamNode{{Name: "api_cart_node_1", Host: "10.1.0.5", Port: 8081, Weight: 1}},
		},
		"web__store": {
			Ref: "web__store", ServiceType: "web", Slug: "store",
			Nodes: []fleet.UpstreamNode{{Name: "web_store_node_1", Host: "10.1.0.6", Port: 3000, Weight: 1}},
		},
	}

	art, err := emit.DefaultGenerator().Generate(site, upstreams)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	parsed, ups, err := ParseTraefikConf(art.Content, testDefaults)
	if err != nil {
		t.Fatalf("ParseTraefikConf: %v", err)
	}
	if parsed.Domain != site.Domain || parsed.ServerID != "web2" || parsed.Environment != fleet.EnvQA {
		t.Errorf("scope = %s/%s/%s", parsed.Domain, parsed.ServerID, parsed.Environment)
	}
	if diff := cmp.Diff(site.SortedRoutes(), parsed.SortedRoutes()); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
	if len(ups) != 2 || ups[0].Ref != "api__cart" || ups[1].Ref != "web__store" {
		t.Fatalf("upstreams = %+v", ups)
	}
	if diff := cmp.Diff(upstreams["web__store"], ups[1]); diff != "" {
		t.Errorf("upstream mismatch (-want +got):\n%s", diff)
	}
}

func TestParseNginxForeignConfigUsesDefaults(t *testing.T) {
	conf := `
upstream legacy_app {
    server 192.168.1.10:9000 weight=3;
    server 192.168.1.11:9000 down;
}

server {
    listen 80;
    server_name legacy.example.com www.legacy.example.com;

    location / {
        proxy_pass http://legacy_app;
        proxy_set_header Host $host;
    }
}
`
	site, ups, err := ParseNginxConf([]byte(conf), testDefaults)
	if err != nil {
		t.Fatalf("ParseNginxConf: %v", err)
	}
	if site.Domain != "legacy.example.com" {
		t.Errorf("domain = %q, want first server_name", site.Domain)
	}
	if site.ProviderID != "lunarsystemx" || site.Environment != fleet.EnvDev || site.ServerID != "web1" {
		t.Errorf("scope = %s/%s/%s, want defaults", site.ProviderID, site.Environment, site.ServerID)
	}
	if len(site.Routes) != 1 {
		t.Fatalf("routes = %+v", site.Routes)
	}
	r := site.Routes[0]
	if r.URI == nil || r.URI.Strategy != fleet.StrategyPassthrough {
		t.Errorf("bare proxy_pass inferred as %+v, want passthrough", r.URI)
	}
	if len(ups) != 1 || len(ups[0].Nodes) != 2 {
		t.Fatalf("upstreams = %+v", ups)
	}
	if ups[0].Nodes[0].Weight != 3 || !ups[0].Nodes[1].Down {
		t.Errorf("node flags lost: %+v", ups[0].Nodes)
	}
	if ups[0].ServiceType != "api" || ups[0].Slug != "legacy_app" {
		t.Errorf("ref split = %s/%s", ups[0].ServiceType, ups[0].Slug)
	}
}

func TestParseNginxErrors(t *testing.T) {
	cases := []struct {
		name string
		conf string
	}{
		{"no server_name", "server {\n    listen 80;\n    location / {\n        proxy_pass http://a;\n    }\n}\n"},
		{"no locations", "server {\n    server_name x.example.com;\n}\n"},
		{"undeclared upstream", "server {\n    server_name x.example.com;\n    location / {\n        proxy_pass http://ghost;\n    }\n}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseNginxConf([]byte(tc.conf), testDefaults)
			if !fleet.IsSchema(err) {
				t.Errorf("err = %v, want schema kind", err)
			}
		})
	}
}

func TestImportDirDryRunThenCommit(t *testing.T) {
	site, upstreams := nginxSite()
	art, err := emit.DefaultGenerator().Generate(site, upstreams)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	legacyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(legacyDir, "dev.example.com.conf"), art.Content, 0o644); err != nil {
		t.Fatalf("write legacy conf: %v", err)
	}
	stateRoot := t.TempDir()

	im, err := NewImporter(stateRoot, testDefaults)
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}

	dry, err := im.ImportDir(legacyDir, false)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	// provider + server + two upstreams + site
	if got := dry.Count(StatusPlanned); got != 5 {
		t.Errorf("planned = %d, want 5", got)
	}
	if _, err := os.Stat(state.ProvidersDir(stateRoot)); !os.IsNotExist(err) {
		t.Error("dry run wrote to the state tree")
	}

	committed, err := im.ImportDir(legacyDir, true)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := committed.Count(StatusCreated); got != 5 {
		t.Errorf("created = %d, want 5", got)
	}

	g, err := state.NewLoader().Load(stateRoot)
	if err != nil {
		t.Fatalf("Load after import: %v", err)
	}
	imported, err := g.ResolveSite("dev.example.com")
	if err != nil {
		t.Fatalf("ResolveSite: %v", err)
	}
	// The loader materializes a default URI on routes that omit one,
	// so normalize the fixture the same way before comparing.
	want := site.SortedRoutes()
	for i := range want {
		if want[i].URI == nil {
			def := fleet.DefaultURI(want[i].Path)
			want[i].URI = &def
		}
	}
	if diff := cmp.Diff(want, imported.SortedRoutes()); diff != "" {
		t.Errorf("routes after state round trip (-want +got):\n%s", diff)
	}
}

func TestImportFirstWriteWins(t *testing.T) {
	site, upstreams := nginxSite()
	art, err := emit.DefaultGenerator().Generate(site, upstreams)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	legacyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(legacyDir, "dev.example.com.conf"), art.Content, 0o644); err != nil {
		t.Fatalf("write legacy conf: %v", err)
	}
	stateRoot := t.TempDir()

	// A hand-maintained site document already covers this domain.
	existing := `
domain: dev.example.com
server: web1
routes:
  - name: root
    path: /
    type: static
`
	sitePath := state.SitePath(stateRoot, "lunarsystemx", fleet.BackendNginx, fleet.EnvDev, "dev.example.com")
	if err := os.MkdirAll(filepath.Dir(sitePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(sitePath, []byte(existing), 0o644); err != nil {
		t.Fatalf("write site: %v", err)
	}

	im, err := NewImporter(stateRoot, testDefaults)
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}
	res, err := im.ImportDir(legacyDir, true)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if got := res.Count(StatusSkipped); got != 1 {
		t.Errorf("skipped = %d, want 1 for the existing site", got)
	}

	data, err := os.ReadFile(sitePath)
	if err != nil {
		t.Fatalf("read site: %v", err)
	}
	if string(data) != existing {
		t.Error("import overwrote an existing site document")
	}
}

func TestImportDirRecordsParseFailures(t *testing.T) {
	legacyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(legacyDir, "broken.conf"), []byte("server {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	site, upstreams := nginxSite()
	art, err := emit.DefaultGenerator().Generate(site, upstreams)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := os.WriteFile(filepath.Join(legacyDir, "dev.example.com.conf"), art.Content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	im, err := NewImporter(t.TempDir(), testDefaults)
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}
	res, err := im.ImportDir(legacyDir, true)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if got := res.Count(StatusFailed); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := res.Count(StatusCreated); got != 5 {
		t.Errorf("created = %d, want 5 despite the broken neighbor", got)
	}
}
