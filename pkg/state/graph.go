package state

import (
	"fmt"
	"sort"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// Graph is the in-memory desired-state graph. It is immutable after
// loading; concurrent readers need no synchronization.
type Graph struct {
	providers map[string]*fleet.Provider
	servers   map[string]*fleet.Server   // providerID "/" serverID
	sites     map[string]*fleet.Site     // domain
	upstreams map[string]*fleet.Upstream // scope "/" ref
	domains   []string                   // sorted
}

// Filter narrows ListSites. Zero values match everything.
type Filter struct {
	Provider    string
	Environment fleet.Environment
}

func newGraph() *Graph {
	return &Graph{
		providers: make(map[string]*fleet.Provider),
		servers:   make(map[string]*fleet.Server),
		sites:     make(map[string]*fleet.Site),
		upstreams: make(map[string]*fleet.Upstream),
	}
}

func serverKey(providerID, serverID string) string {
	return providerID + "/" + serverID
}

func upstreamKey(providerID string, backend fleet.BackendType, env fleet.Environment, ref string) string {
	return fmt.Sprintf("%s/%s/%s/%s", providerID, backend, env, ref)
}

// Provider returns the provider with the given id.
func (g *Graph) Provider(id string) (*fleet.Provider, error) {
	p, ok := g.providers[id]
	if !ok {
		return nil, fleet.NewNotFoundError(fmt.Sprintf("provider %q not declared", id))
	}
	return p, nil
}

// Providers returns all providers ordered by id.
func (g *Graph) Providers() []*fleet.Provider {
	ids := make([]string, 0, len(g.providers))
	for id := range g.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*fleet.Provider, len(ids))
	for i, id := range ids {
		out[i] = g.providers[id]
	}
	return out
}

// Server returns the server with the given id within a provider.
func (g *Graph) Server(providerID, serverID string) (*fleet.Server, error) {
	s, ok := g.servers[serverKey(providerID, serverID)]
	if !ok {
		return nil, fleet.NewNotFoundError(fmt.Sprintf("server %q not declared for provider %q", serverID, providerID))
	}
	return s, nil
}

// ResolveSite returns the site for a domain name.
func (g *Graph) ResolveSite(domain string) (*fleet.Site, error) {
	s, ok := g.sites[domain]
	if !ok {
		return nil, fleet.NewNotFoundError(fmt.Sprintf("site %q not declared", domain))
	}
	return s, nil
}

// ListSites returns the sites matching the filter, ordered
// lexicographically by domain name.
func (g *Graph) ListSites(f Filter) []*fleet.Site {
	out := make([]*fleet.Site, 0, len(g.domains))
	for _, domain := range g.domains {
		s := g.sites[domain]
		if f.Provider != "" && s.ProviderID != f.Provider {
			continue
		}
		if f.Environment != "" && s.Environment != f.Environment {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ResolveUpstream returns the upstream a site's route references. The
// lookup is scoped to the site's provider, backend, and environment.
func (g *Graph) ResolveUpstream(site *fleet.Site, ref string) (*fleet.Upstream, error) {
	u, ok := g.upstreams[upstreamKey(site.ProviderID, site.Backend, site.Environment, ref)]
	if !ok {
		return nil, fleet.NewNotFoundError(fmt.Sprintf("upstream %q not declared in scope %s/%s/%s",
			ref, site.ProviderID, site.Backend, site.Environment)).WithDomain(site.Domain)
	}
	return u, nil
}

// SiteUpstreams resolves every upstream the site's proxy routes reference.
func (g *Graph) SiteUpstreams(site *fleet.Site) (map[string]*fleet.Upstream, error) {
	out := make(map[string]*fleet.Upstream)
	for _, r := range site.Routes {
		if r.UpstreamRef == "" {
			continue
		}
		if _, done := out[r.UpstreamRef]; done {
			continue
		}
		u, err := g.ResolveUpstream(site, r.UpstreamRef)
		if err != nil {
			return nil, err
		}
		out[r.UpstreamRef] = u
	}
	return out, nil
}

// SitesOnServer returns the sites assigned to one server, ordered by
// domain. Used to enforce referential integrity before server removal.
func (g *Graph) SitesOnServer(providerID, serverID string) []*fleet.Site {
	var out []*fleet.Site
	for _, domain := range g.domains {
		s := g.sites[domain]
		if s.ProviderID == providerID && s.ServerID == serverID {
			out = append(out, s)
		}
	}
	return out
}

func (g *Graph) addSite(s *fleet.Site) error {
	if _, dup := g.sites[s.Domain]; dup {
		return fleet.NewSchemaError(fmt.Sprintf("duplicate domain %q", s.Domain), nil)
	}
	g.sites[s.Domain] = s
	return nil
}

func (g *Graph) freeze() {
	g.domains = make([]string, 0, len(g.sites))
	for domain := range g.sites {
		g.domains = append(g.domains, domain)
	}
	sort.Strings(g.domains)
}
