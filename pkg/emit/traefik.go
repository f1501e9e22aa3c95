package emit

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// Traefik dynamic-configuration document structure (file provider).
type traefikConfig struct {
	HTTP traefikHTTP `yaml:"http"`
}

type traefikHTTP struct {
	Routers     map[string]traefikRouter     `yaml:"routers"`
	Middlewares map[string]traefikMiddleware `yaml:"middlewares,omitempty"`
	Services    map[string]traefikService    `yaml:"services"`
}

type traefikRouter struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	EntryPoints []string `yaml:"entryPoints"`
	Middlewares []string `yaml:"middlewares,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`
}

type traefikMiddleware struct {
	StripPrefix      *traefikStripPrefix      `yaml:"stripPrefix,omitempty"`
	ReplacePathRegex *traefikReplacePathRegex `yaml:"replacePathRegex,omitempty"`
}

type traefikStripPrefix struct {
	Prefixes []string `yaml:"prefixes"`
}

type traefikReplacePathRegex struct {
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
}

type traefikService struct {
	LoadBalancer traefikLoadBalancer `yaml:"loadBalancer"`
}

type traefikLoadBalancer struct {
	Servers []traefikServerURL `yaml:"servers"`
}

type traefikServerURL struct {
	URL string `yaml:"url"`
}

// traefikEmitter renders traefik dynamic YAML. Traefik serves proxy
// routes only; a static route on a traefik site is rejected.
type traefikEmitter struct{}

// NewTraefikEmitter creates the traefik emitter.
func NewTraefikEmitter() fleet.Emitter {
	return traefikEmitter{}
}

func (traefikEmitter) Backend() fleet.BackendType {
	return fleet.BackendTraefik
}

func (traefikEmitter) Emit(site *fleet.Site, upstreams map[string]*fleet.Upstream) ([]byte, error) {
	cfg := traefikConfig{
		HTTP: traefikHTTP{
			Routers:     make(map[string]traefikRouter),
			Middlewares: make(map[string]traefikMiddleware),
			Services:    make(map[string]traefikService),
		},
	}

	for _, r := range site.Routes {
		if r.Type != fleet.RouteProxy {
			return nil, fleet.NewSchemaError(
				fmt.Sprintf("route %q: the traefik backend serves proxy routes only", r.Name), nil,
			).WithDomain(site.Domain)
		}

		up, err := resolveUpstream(site, upstreams, r.UpstreamRef)
		if err != nil {
			return nil, err
		}

		name := routerName(site.Domain, r.Name)
		router := traefikRouter{
			Rule:        fmt.Sprintf("Host(`%s`) && PathPrefix(`%s`)", site.Domain, r.Path),
			Service:     up.Ref,
			EntryPoints: []string{"web"},
			// Longest prefix wins. Priority mirrors the match length so
			// the ordering is explicit in the rendered document.
			Priority: len(r.Path),
		}

		if mw, mwName := traefikStripMiddleware(name, r.EffectiveURI()); mw != nil {
			cfg.HTTP.Middlewares[mwName] = *mw
			router.Middlewares = []string{mwName}
		}

		cfg.HTTP.Routers[name] = router
		cfg.HTTP.Services[up.Ref] = traefikService{LoadBalancer: traefikLoadBalancer{
			Servers: traefikServers(up),
		}}
	}

	if len(cfg.HTTP.Middlewares) == 0 {
		cfg.HTTP.Middlewares = nil
	}

	body, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fleet.NewInternalError("cannot marshal traefik config", err).WithDomain(site.Domain)
	}

	out := metaHeader(site) + "\n" + string(body)
	return []byte(out), nil
}

// traefikStripMiddleware returns the middleware implementing a strip
// transform, or nil for passthrough. Stripping down to / uses
// stripPrefix; a non-root upstream prefix needs replacePathRegex.
func traefikStripMiddleware(router string, uri fleet.URITransform) (*traefikMiddleware, string) {
	if uri.Strategy == fleet.StrategyPassthrough {
		return nil, ""
	}

	name := router + "-strip"
	prefix := strings.TrimSuffix(uri.Public, "/")
	if prefix == "" {
		prefix = "/"
	}

	if uri.Upstream == "/" {
		return &traefikMiddleware{
			StripPrefix: &traefikStripPrefix{Prefixes: []string{prefix}},
		}, name
	}
	return &traefikMiddleware{
		ReplacePathRegex: &traefikReplacePathRegex{
			Regex:       "^" + regexp.QuoteMeta(uri.Public) + "(.*)",
			Replacement: uri.Upstream + "$1",
		},
	}, name
}

func traefikServers(up *fleet.Upstream) []traefikServerURL {
	nodes := up.ActiveNodes()
	servers := make([]traefikServerURL, len(nodes))
	for i, n := range nodes {
		servers[i] = traefikServerURL{URL: "http://" + n.Addr()}
	}
	return servers
}

// routerName builds the traefik object name for one route.
func routerName(domain, route string) string {
	d := strings.ReplaceAll(domain, ".", "-")
	r := strings.ReplaceAll(route, "_", "-")
	return d + "-" + r
}
