package state

import (
	"github.com/webfleet/webfleet/pkg/fleet"
)

// Raw document schemas as they appear on disk. Provider, environment, and
// backend fields inside site and upstream documents are optional; the
// document's location in the tree is authoritative and a populated field
// that contradicts the path is a schema error.

type providerDocument struct {
	ID         string `yaml:"id" validate:"required"`
	BaseDomain string `yaml:"base_domain" validate:"required,fqdn"`
	Owner      string `yaml:"owner"`
}

type serverDocument struct {
	ID          string `yaml:"id" validate:"required"`
	Provider    string `yaml:"provider"`
	Environment string `yaml:"environment" validate:"required,oneof=dev qa prod"`
	Address     string `yaml:"address" validate:"required"`
}

type uriDocument struct {
	Public   string `yaml:"public" validate:"omitempty,startswith=/"`
	Upstream string `yaml:"upstream" validate:"required,startswith=/"`
	Strategy string `yaml:"strategy" validate:"required,oneof=strip passthrough"`
}

type routeDocument struct {
	Name        string       `yaml:"name" validate:"required"`
	Path        string       `yaml:"path" validate:"required,startswith=/"`
	Type        string       `yaml:"type" validate:"required,oneof=static proxy"`
	UpstreamRef string       `yaml:"upstream_ref" validate:"required_if=Type proxy"`
	URI         *uriDocument `yaml:"uri" validate:"omitempty"`
}

type siteDocument struct {
	Domain      string          `yaml:"domain" validate:"required,fqdn"`
	Provider    string          `yaml:"provider"`
	Environment string          `yaml:"environment" validate:"omitempty,oneof=dev qa prod"`
	Server      string          `yaml:"server" validate:"required"`
	Backend     string          `yaml:"backend" validate:"omitempty,oneof=nginx traefik apache"`
	Root        string          `yaml:"root"`
	Routes      []routeDocument `yaml:"routes" validate:"required,min=1,dive"`
}

type upstreamNodeDocument struct {
	Name   string `yaml:"name" validate:"required"`
	Host   string `yaml:"host" validate:"required"`
	Port   int    `yaml:"port" validate:"required,min=1,max=65535"`
	Weight int    `yaml:"weight" validate:"gte=0"`
	Backup bool   `yaml:"backup"`
	Down   bool   `yaml:"down"`
}

type upstreamDocument struct {
	Ref         string                 `yaml:"ref"`
	ServiceType string                 `yaml:"service_type" validate:"required"`
	Slug        string                 `yaml:"slug" validate:"required"`
	Nodes       []upstreamNodeDocument `yaml:"nodes" validate:"required,min=1,dive"`
}

func (d *providerDocument) toProvider() *fleet.Provider {
	return &fleet.Provider{
		ID:         d.ID,
		BaseDomain: d.BaseDomain,
		Owner:      d.Owner,
	}
}

func (d *serverDocument) toServer(providerID string) *fleet.Server {
	return &fleet.Server{
		ID:          d.ID,
		ProviderID:  providerID,
		Environment: fleet.Environment(d.Environment),
		Address:     d.Address,
	}
}

func (d *upstreamDocument) toUpstream() *fleet.Upstream {
	nodes := make([]fleet.UpstreamNode, len(d.Nodes))
	for i, n := range d.Nodes {
		weight := n.Weight
		if weight == 0 {
			weight = 1
		}
		nodes[i] = fleet.UpstreamNode{
			Name:   n.Name,
			Host:   n.Host,
			Port:   n.Port,
			Weight: weight,
			Backup: n.Backup,
			Down:   n.Down,
		}
	}
	ref := d.Ref
	if ref == "" {
		ref = fleet.UpstreamRef(d.ServiceType, d.Slug)
	}
	return &fleet.Upstream{
		Ref:         ref,
		ServiceType: d.ServiceType,
		Slug:        d.Slug,
		Nodes:       nodes,
	}
}

func (d *siteDocument) toSite(providerID string, backend fleet.BackendType, env fleet.Environment) *fleet.Site {
	routes := make([]fleet.Route, len(d.Routes))
	for i, r := range d.Routes {
		route := fleet.Route{
			Name:        r.Name,
			Path:        r.Path,
			Type:        fleet.RouteType(r.Type),
			UpstreamRef: r.UpstreamRef,
		}
		if r.URI != nil {
			public := r.URI.Public
			if public == "" {
				public = r.Path
			}
			route.URI = &fleet.URITransform{
				Public:   public,
				Upstream: r.URI.Upstream,
				Strategy: fleet.URIStrategy(r.URI.Strategy),
			}
		}
		routes[i] = route
	}
	return &fleet.Site{
		Domain:      d.Domain,
		ProviderID:  providerID,
		Environment: env,
		ServerID:    d.Server,
		Backend:     backend,
		Root:        d.Root,
		Routes:      routes,
	}
}
