package state

import (
	"errors"
	"testing"

	"github.com/webfleet/webfleet/pkg/fleet"
)

func testSite(domain string) *fleet.Site {
	return &fleet.Site{
		Domain:      domain,
		ProviderID:  "lunarsystemx",
		Environment: fleet.EnvDev,
		ServerID:    "web1",
		Backend:     fleet.BackendNginx,
		Routes: []fleet.Route{
			{
				Name: "root",
				Path: "/",
				Type: fleet.RouteStatic,
				URI:  &fleet.URITransform{Public: "/", Upstream: "/", Strategy: fleet.StrategyPassthrough},
			},
		},
	}
}

func TestWriteSiteRoundTrip(t *testing.T) {
	root := fixtureTree(t)
	w := NewWriter(root)

	site := testSite("written.example.com")
	site.Root = "/var/www/written.example.com"
	if _, err := w.WriteSite(site, false); err != nil {
		t.Fatalf("WriteSite: %v", err)
	}

	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load after write: %v", err)
	}
	got, err := g.ResolveSite("written.example.com")
	if err != nil {
		t.Fatalf("ResolveSite: %v", err)
	}
	if got.Root != site.Root || len(got.Routes) != 1 || got.Routes[0].URI.Strategy != fleet.StrategyPassthrough {
		t.Errorf("round-tripped site differs: %+v", got)
	}
}

func TestWriteSiteCreateIfAbsent(t *testing.T) {
	root := fixtureTree(t)
	w := NewWriter(root)

	site := testSite("once.example.com")
	if _, err := w.WriteSite(site, false); err != nil {
		t.Fatalf("first write: %v", err)
	}

	_, err := w.WriteSite(site, false)
	if !errors.Is(err, ErrExists) {
		t.Fatalf("second write: got %v, want ErrExists", err)
	}

	// Overwrite mode replaces the document.
	site.Root = "/srv/once"
	if _, err := w.WriteSite(site, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := g.ResolveSite("once.example.com")
	if got.Root != "/srv/once" {
		t.Errorf("overwrite not applied, root = %q", got.Root)
	}
}

func TestWriteUpstream(t *testing.T) {
	root := fixtureTree(t)
	w := NewWriter(root)

	up := &fleet.Upstream{
		Ref:         "api__billing",
		ServiceType: "api",
		Slug:        "billing",
		Nodes: []fleet.UpstreamNode{
			{Name: "billing_node_1", Host: "10.0.0.9", Port: 9000, Weight: 2},
		},
	}
	if _, err := w.WriteUpstream("lunarsystemx", fleet.BackendNginx, fleet.EnvDev, up, false); err != nil {
		t.Fatalf("WriteUpstream: %v", err)
	}

	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	site, _ := g.ResolveSite("dev.example.com")
	got, err := g.ResolveUpstream(site, "api__billing")
	if err != nil {
		t.Fatalf("ResolveUpstream: %v", err)
	}
	if got.Nodes[0].Weight != 2 {
		t.Errorf("weight = %d, want 2", got.Nodes[0].Weight)
	}
}

func TestDeleteServerReferentialGuard(t *testing.T) {
	root := fixtureTree(t)
	g, err := NewLoader().Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := NewWriter(root)

	// web1 still serves dev.example.com.
	if err := w.DeleteServer(g, "lunarsystemx", "web1"); err == nil || !fleet.IsSchema(err) {
		t.Fatalf("want schema error for referenced server, got %v", err)
	}

	// An unreferenced server can be removed.
	srv := &fleet.Server{ID: "spare", ProviderID: "lunarsystemx", Environment: fleet.EnvDev, Address: "10.0.0.8"}
	if _, err := w.WriteServer(srv, false); err != nil {
		t.Fatalf("WriteServer: %v", err)
	}
	g, err = NewLoader().Load(root)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := w.DeleteServer(g, "lunarsystemx", "spare"); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}

	// Deleting again reports not-found.
	if err := w.DeleteServer(g, "lunarsystemx", "spare"); err == nil || !fleet.IsNotFound(err) {
		t.Fatalf("want not-found error, got %v", err)
	}
}
