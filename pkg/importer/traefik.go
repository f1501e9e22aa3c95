package importer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
)

// Dynamic-configuration shapes mirroring the traefik file provider.
type traefikDoc struct {
	HTTP struct {
		Routers map[string]struct {
			Rule        string   `yaml:"rule"`
			Service     string   `yaml:"service"`
			Middlewares []string `yaml:"middlewares"`
		} `yaml:"routers"`
		Middlewares map[string]struct {
			StripPrefix *struct {
				Prefixes []string `yaml:"prefixes"`
			} `yaml:"stripPrefix"`
			ReplacePathRegex *struct {
				Regex       string `yaml:"regex"`
				Replacement string `yaml:"replacement"`
			} `yaml:"replacePathRegex"`
		} `yaml:"middlewares"`
		Services map[string]struct {
			LoadBalancer struct {
				Servers []struct {
					URL string `yaml:"url"`
				} `yaml:"servers"`
			} `yaml:"loadBalancer"`
		} `yaml:"services"`
	} `yaml:"http"`
}

var traefikRuleRe = regexp.MustCompile("^Host\\(`([^`]+)`\\)\\s*&&\\s*PathPrefix\\(`([^`]+)`\\)$")

// ParseTraefikConf reconstructs a site and its upstream groups from a
// traefik dynamic configuration file.
func ParseTraefikConf(content []byte, def Defaults) (*fleet.Site, []*fleet.Upstream, error) {
	meta, _ := emit.ParseMetaHeader(content)
	site := &fleet.Site{Backend: fleet.BackendTraefik}
	applyMeta(site, meta, def)

	var doc traefikDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, nil, fleet.NewSchemaError("parse traefik config", err)
	}
	if len(doc.HTTP.Routers) == 0 {
		return nil, nil, fleet.NewSchemaError("traefik config has no routers", nil)
	}

	names := make([]string, 0, len(doc.HTTP.Routers))
	for name := range doc.HTTP.Routers {
		names = append(names, name)
	}
	sort.Strings(names)

	refs := map[string]bool{}
	for _, name := range names {
		router := doc.HTTP.Routers[name]
		m := traefikRuleRe.FindStringSubmatch(router.Rule)
		if m == nil {
			return nil, nil, fleet.NewSchemaError(
				fmt.Sprintf("router %q: unsupported rule %q", name, router.Rule), nil,
			)
		}
		domain, path := m[1], m[2]
		if site.Domain == "" {
			site.Domain = domain
		} else if site.Domain != domain {
			return nil, nil, fleet.NewSchemaError(
				fmt.Sprintf("router %q serves %s, file already claimed by %s", name, domain, site.Domain), nil,
			).WithDomain(site.Domain)
		}

		uri, err := traefikRouteURI(path, router.Middlewares, doc)
		if err != nil {
			return nil, nil, err
		}
		site.Routes = append(site.Routes, fleet.Route{
			Name:        routeName(path),
			Path:        path,
			Type:        fleet.RouteProxy,
			UpstreamRef: router.Service,
			URI:         uri,
		})
		refs[router.Service] = true
	}

	var ups []*fleet.Upstream
	for ref := range refs {
		svc, ok := doc.HTTP.Services[ref]
		if !ok {
			return nil, nil, fleet.NewSchemaError(
				fmt.Sprintf("router references undeclared service %q", ref), nil,
			).WithDomain(site.Domain)
		}
		serviceType, slug := splitRef(ref)
		up := &fleet.Upstream{Ref: ref, ServiceType: serviceType, Slug: slug}
		for i, server := range svc.LoadBalancer.Servers {
			addr := strings.TrimPrefix(server.URL, "http://")
			host, port, err := parseHostPort(addr)
			if err != nil {
				return nil, nil, fleet.NewSchemaError(
					fmt.Sprintf("service %q: %v", ref, err), nil,
				).WithDomain(site.Domain)
			}
			up.Nodes = append(up.Nodes, fleet.UpstreamNode{
				Name:   fmt.Sprintf("%s_node_%d", strings.ReplaceAll(ref, "__", "_"), i+1),
				Host:   host,
				Port:   port,
				Weight: 1,
			})
		}
		if len(up.Nodes) == 0 {
			return nil, nil, fleet.NewSchemaError(
				fmt.Sprintf("service %q has no servers", ref), nil,
			).WithDomain(site.Domain)
		}
		ups = append(ups, up)
	}
	sort.Slice(ups, func(i, j int) bool { return ups[i].Ref < ups[j].Ref })

	if site.Domain == "" {
		return nil, nil, fleet.NewSchemaError("traefik config names no host", nil)
	}
	return site, ups, nil
}

// traefikRouteURI recovers the URI strategy from a router's middleware
// chain. No strip middleware means passthrough; stripPrefix strips to
// the upstream root; replacePathRegex carries a non-root upstream
// prefix in its replacement.
func traefikRouteURI(path string, middlewares []string, doc traefikDoc) (*fleet.URITransform, error) {
	for _, name := range middlewares {
		mw, ok := doc.HTTP.Middlewares[name]
		if !ok {
			return nil, fleet.NewSchemaError(
				fmt.Sprintf("router references undeclared middleware %q", name), nil,
			)
		}
		if mw.StripPrefix != nil {
			return &fleet.URITransform{Public: path, Upstream: "/", Strategy: fleet.StrategyStrip}, nil
		}
		if mw.ReplacePathRegex != nil {
			upstream := strings.TrimSuffix(mw.ReplacePathRegex.Replacement, "$1")
			if upstream == "" || !strings.HasPrefix(upstream, "/") {
				return nil, fleet.NewSchemaError(
					fmt.Sprintf("middleware %q: unsupported replacement %q", name, mw.ReplacePathRegex.Replacement), nil,
				)
			}
			return &fleet.URITransform{Public: path, Upstream: upstream, Strategy: fleet.StrategyStrip}, nil
		}
	}
	return &fleet.URITransform{Public: path, Upstream: path, Strategy: fleet.StrategyPassthrough}, nil
}
