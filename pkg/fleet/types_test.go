package fleet

import "testing"

func TestForwardedPathStrip(t *testing.T) {
	uri := URITransform{Public: "/api/identity/", Upstream: "/", Strategy: StrategyStrip}

	tests := []struct {
		request string
		want    string
	}{
		{"/api/identity/", "/"},
		{"/api/identity/users", "/users"},
		{"/api/identity/users/42", "/users/42"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		got := uri.ForwardedPath(tt.request)
		if got != tt.want {
			t.Errorf("ForwardedPath(%q) = %q, want %q", tt.request, got, tt.want)
		}
	}
}

func TestForwardedPathStripNonRootUpstream(t *testing.T) {
	uri := URITransform{Public: "/shop/", Upstream: "/store/", Strategy: StrategyStrip}

	got := uri.ForwardedPath("/shop/cart")
	if got != "/store/cart" {
		t.Errorf("ForwardedPath(/shop/cart) = %q, want /store/cart", got)
	}
}

func TestForwardedPathPassthrough(t *testing.T) {
	uri := URITransform{Public: "/", Upstream: "/", Strategy: StrategyPassthrough}

	for _, p := range []string{"/", "/anything", "/deep/nested/path"} {
		got := uri.ForwardedPath(p)
		if got != p {
			t.Errorf("ForwardedPath(%q) = %q, want unchanged", p, got)
		}
	}
}

func TestDefaultURI(t *testing.T) {
	root := DefaultURI("/")
	if root.Strategy != StrategyPassthrough {
		t.Errorf("DefaultURI(/) strategy = %q, want passthrough", root.Strategy)
	}
	if root.Public != "/" || root.Upstream != "/" {
		t.Errorf("DefaultURI(/) = %+v, want public=/ upstream=/", root)
	}

	sub := DefaultURI("/api/identity/")
	if sub.Strategy != StrategyStrip {
		t.Errorf("DefaultURI(/api/identity/) strategy = %q, want strip", sub.Strategy)
	}
	if sub.Public != "/api/identity/" || sub.Upstream != "/" {
		t.Errorf("DefaultURI(/api/identity/) = %+v, want public=/api/identity/ upstream=/", sub)
	}
}

func TestEffectiveURI(t *testing.T) {
	explicit := Route{
		Path: "/api/",
		URI:  &URITransform{Public: "/api/", Upstream: "/v2/", Strategy: StrategyStrip},
	}
	if got := explicit.EffectiveURI(); got.Upstream != "/v2/" {
		t.Errorf("explicit uri not honored: got %+v", got)
	}

	omitted := Route{Path: "/api/"}
	got := omitted.EffectiveURI()
	if got.Strategy != StrategyStrip || got.Upstream != "/" {
		t.Errorf("omitted uri default = %+v, want strip to /", got)
	}
}

func TestSortedRoutesLongestPrefixFirst(t *testing.T) {
	site := Site{
		Domain: "dev.example.com",
		Routes: []Route{
			{Name: "root", Path: "/"},
			{Name: "api", Path: "/api/"},
			{Name: "api_identity", Path: "/api/identity/"},
			{Name: "admin", Path: "/admin/"},
		},
	}

	got := site.SortedRoutes()
	wantOrder := []string{"api_identity", "admin", "api", "root"}
	if len(got) != len(wantOrder) {
		t.Fatalf("SortedRoutes returned %d routes, want %d", len(got), len(wantOrder))
	}
	for i, name := range wantOrder {
		if got[i].Name != name {
			t.Errorf("route[%d] = %q, want %q", i, got[i].Name, name)
		}
	}

	// Sorting must not mutate the declared order.
	if site.Routes[0].Name != "root" {
		t.Errorf("SortedRoutes mutated the receiver's route slice")
	}
}

func TestSortedRoutesEqualLengthTieBreak(t *testing.T) {
	site := Site{
		Routes: []Route{
			{Name: "b", Path: "/bb/"},
			{Name: "a", Path: "/aa/"},
		},
	}
	got := site.SortedRoutes()
	if got[0].Name != "a" || got[1].Name != "b" {
		t.Errorf("equal-length paths not ordered lexicographically: %q, %q", got[0].Name, got[1].Name)
	}
}

func TestUpstreamRef(t *testing.T) {
	tests := []struct {
		serviceType string
		slug        string
		want        string
	}{
		{"api", "identity", "api__identity"},
		{"frontend", "web-shop", "frontend__web_shop"},
		{"", "billing", "api__billing"},
		{"Admin", "Portal", "admin__portal"},
	}
	for _, tt := range tests {
		if got := UpstreamRef(tt.serviceType, tt.slug); got != tt.want {
			t.Errorf("UpstreamRef(%q, %q) = %q, want %q", tt.serviceType, tt.slug, got, tt.want)
		}
	}
}

func TestActiveNodes(t *testing.T) {
	up := Upstream{
		Ref: "api__identity",
		Nodes: []UpstreamNode{
			{Name: "n1", Host: "10.0.0.1", Port: 8080},
			{Name: "n2", Host: "10.0.0.2", Port: 8080, Down: true},
			{Name: "n3", Host: "10.0.0.3", Port: 8080, Backup: true},
		},
	}
	active := up.ActiveNodes()
	if len(active) != 2 {
		t.Fatalf("ActiveNodes returned %d nodes, want 2", len(active))
	}
	if active[0].Name != "n1" || active[1].Name != "n3" {
		t.Errorf("ActiveNodes order = %q, %q", active[0].Name, active[1].Name)
	}
}

func TestBackendArtifactExt(t *testing.T) {
	if got := BackendNginx.ArtifactExt(); got != ".conf" {
		t.Errorf("nginx ext = %q, want .conf", got)
	}
	if got := BackendApache.ArtifactExt(); got != ".conf" {
		t.Errorf("apache ext = %q, want .conf", got)
	}
	if got := BackendTraefik.ArtifactExt(); got != ".yml" {
		t.Errorf("traefik ext = %q, want .yml", got)
	}
}

func TestValidEnumerations(t *testing.T) {
	if !EnvProd.Valid() || Environment("staging").Valid() {
		t.Error("Environment.Valid misclassified")
	}
	if !BackendTraefik.Valid() || BackendType("caddy").Valid() {
		t.Error("BackendType.Valid misclassified")
	}
}
