package fleet

import (
	"fmt"
	"sort"
	"strings"
)

// Environment identifies the deployment stage a server or site belongs to.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvQA   Environment = "qa"
	EnvProd Environment = "prod"
)

// Valid reports whether the environment is one of the known stages.
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvQA, EnvProd:
		return true
	}
	return false
}

// BackendType identifies which web-server engine serves a site.
type BackendType string

const (
	// BackendNginx is the reverse-proxy engine used for proxied sites.
	BackendNginx BackendType = "nginx"

	// BackendTraefik is the edge reverse-proxy engine (dynamic YAML config).
	BackendTraefik BackendType = "traefik"

	// BackendApache is the virtual-host engine used for static/PHP sites.
	BackendApache BackendType = "apache"
)

// Valid reports whether the backend type has a known emitter.
func (b BackendType) Valid() bool {
	switch b {
	case BackendNginx, BackendTraefik, BackendApache:
		return true
	}
	return false
}

// ArtifactExt returns the file extension of artifacts for this backend.
func (b BackendType) ArtifactExt() string {
	if b == BackendTraefik {
		return ".yml"
	}
	return ".conf"
}

// RouteType distinguishes static-content routes from proxied routes.
type RouteType string

const (
	RouteStatic RouteType = "static"
	RouteProxy  RouteType = "proxy"
)

// URIStrategy controls how the public path prefix is rewritten before a
// request is forwarded to the upstream.
type URIStrategy string

const (
	// StrategyStrip replaces the public prefix with the upstream prefix.
	StrategyStrip URIStrategy = "strip"

	// StrategyPassthrough forwards the full original path unchanged.
	StrategyPassthrough URIStrategy = "passthrough"
)

// URITransform describes how a route's public path maps onto the path the
// upstream application expects.
type URITransform struct {
	// Public is the path prefix matched on the frontend (e.g. /api/identity/).
	Public string `json:"public" yaml:"public"`

	// Upstream is the path prefix the application expects (e.g. /).
	Upstream string `json:"upstream" yaml:"upstream"`

	// Strategy selects strip or passthrough handling.
	Strategy URIStrategy `json:"strategy" yaml:"strategy"`
}

// ForwardedPath returns the path the upstream receives for a request path.
// Strip replaces the matched public prefix with the upstream prefix and
// appends the remainder; passthrough forwards the path unchanged.
func (t URITransform) ForwardedPath(requestPath string) string {
	if t.Strategy == StrategyPassthrough {
		return requestPath
	}
	if !strings.HasPrefix(requestPath, t.Public) {
		return requestPath
	}
	rest := strings.TrimPrefix(requestPath, t.Public)
	return t.Upstream + rest
}

// DefaultURI returns the transform inferred for a route that omits the uri
// descriptor: passthrough for the root path, otherwise strip down to /.
// The inference is deterministic and matches what adopters of the legacy
// format rely on; strict loading rejects the omission instead.
func DefaultURI(publicPath string) URITransform {
	if publicPath == "/" {
		return URITransform{Public: "/", Upstream: "/", Strategy: StrategyPassthrough}
	}
	return URITransform{Public: publicPath, Upstream: "/", Strategy: StrategyStrip}
}

// Provider is a named infrastructure tenant. Its identifier is immutable
// once created and is referenced by servers and sites.
type Provider struct {
	// ID is the unique provider key (e.g. "lunarsystemx").
	ID string `json:"id" yaml:"id"`

	// BaseDomain is the tenant's base domain (e.g. "lunarsystemx.com").
	BaseDomain string `json:"base_domain" yaml:"base_domain"`

	// Owner is the default technical owner for the tenant's sites.
	Owner string `json:"owner" yaml:"owner"`
}

// Server is a physical or virtual host belonging to a provider. It may be
// deleted only after all sites referencing it are removed.
type Server struct {
	// ID is the server identifier unique within its provider.
	ID string `json:"id" yaml:"id"`

	// ProviderID references the owning provider.
	ProviderID string `json:"provider" yaml:"provider"`

	// Environment tags the server with its deployment stage.
	Environment Environment `json:"environment" yaml:"environment"`

	// Address is the network address (IP or hostname) of the host.
	Address string `json:"address" yaml:"address"`
}

// Route is one path prefix within a site and its forwarding rule.
type Route struct {
	// Name is the route's unique name within the site (e.g. api_identity).
	Name string `json:"name" yaml:"name"`

	// Path is the public match path prefix.
	Path string `json:"path" yaml:"path"`

	// Type is static or proxy.
	Type RouteType `json:"type" yaml:"type"`

	// UpstreamRef names the upstream document for proxy routes.
	UpstreamRef string `json:"upstream_ref,omitempty" yaml:"upstream_ref,omitempty"`

	// URI describes the public→upstream path transform. Nil means the
	// route was declared without one; the loader normalizes it via
	// DefaultURI unless strict loading is enabled.
	URI *URITransform `json:"uri,omitempty" yaml:"uri,omitempty"`
}

// EffectiveURI returns the route's transform, applying the documented
// default when the descriptor was omitted.
func (r Route) EffectiveURI() URITransform {
	if r.URI != nil {
		return *r.URI
	}
	return DefaultURI(r.Path)
}

// UpstreamNode is one server inside an upstream group.
type UpstreamNode struct {
	// Name is the node name (e.g. identity_node_1).
	Name string `json:"name" yaml:"name"`

	// Host is the node's IP or hostname.
	Host string `json:"host" yaml:"host"`

	// Port is the service port on the node.
	Port int `json:"port" yaml:"port"`

	// Weight is the load-balancing weight of the node.
	Weight int `json:"weight" yaml:"weight"`

	// Backup marks a node used only when primaries are unavailable.
	Backup bool `json:"backup,omitempty" yaml:"backup,omitempty"`

	// Down marks a node administratively removed from rotation.
	Down bool `json:"down,omitempty" yaml:"down,omitempty"`
}

// Addr returns the node's host:port pair.
func (n UpstreamNode) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Upstream is a named group of application nodes that proxy routes
// forward to. The ref follows the <service_type>__<slug> convention.
type Upstream struct {
	// Ref is the logical name routes reference (e.g. api__identity).
	Ref string `json:"ref" yaml:"ref"`

	// ServiceType classifies the upstream (api, frontend, admin, static).
	ServiceType string `json:"service_type" yaml:"service_type"`

	// Slug is the short service identifier (e.g. identity).
	Slug string `json:"slug" yaml:"slug"`

	// Nodes are the group members. A single-node upstream is the common case.
	Nodes []UpstreamNode `json:"nodes" yaml:"nodes"`
}

// ActiveNodes returns the nodes not marked down.
func (u *Upstream) ActiveNodes() []UpstreamNode {
	out := make([]UpstreamNode, 0, len(u.Nodes))
	for _, n := range u.Nodes {
		if !n.Down {
			out = append(out, n)
		}
	}
	return out
}

// UpstreamRef builds the conventional <service_type>__<slug> reference.
func UpstreamRef(serviceType, slug string) string {
	st := strings.ToLower(strings.TrimSpace(serviceType))
	if st == "" {
		st = "api"
	}
	sl := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(slug)), "-", "_")
	return st + "__" + sl
}

// Site is the unit of desired state: one domain's routing configuration.
// The domain name is globally unique across the whole store.
type Site struct {
	// Domain is the fully-qualified domain name, the site's unique key.
	Domain string `json:"domain" yaml:"domain"`

	// ProviderID references the owning provider.
	ProviderID string `json:"provider" yaml:"provider"`

	// Environment is the deployment stage of the site.
	Environment Environment `json:"environment" yaml:"environment"`

	// ServerID references the server assigned to serve the domain.
	ServerID string `json:"server" yaml:"server"`

	// Backend selects which engine's emitter renders the artifact.
	Backend BackendType `json:"backend" yaml:"backend"`

	// Root is the filesystem document root for static content. Empty for
	// pure proxy sites.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Routes are the site's path prefixes, ordered as declared.
	Routes []Route `json:"routes" yaml:"routes"`
}

// SortedRoutes returns the routes ordered by descending path length then
// lexicographically, the order emitters render them in so that
// longest-prefix matching is explicit and output is deterministic.
func (s *Site) SortedRoutes() []Route {
	routes := make([]Route, len(s.Routes))
	copy(routes, s.Routes)
	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].Path) != len(routes[j].Path) {
			return len(routes[i].Path) > len(routes[j].Path)
		}
		return routes[i].Path < routes[j].Path
	})
	return routes
}

// Artifact is the generated backend-native configuration for one site.
// Artifacts are derived data: recomputed from the site on every pass and
// never hand-edited.
type Artifact struct {
	// Domain is the site the artifact was generated for.
	Domain string `json:"domain"`

	// Backend is the engine the artifact targets.
	Backend BackendType `json:"backend"`

	// RelPath is the artifact's path relative to the live (or staging)
	// configuration tree root.
	RelPath string `json:"rel_path"`

	// Content is the rendered configuration text.
	Content []byte `json:"-"`

	// Fingerprint is the content hash used for drift and idempotence checks.
	Fingerprint string `json:"fingerprint"`
}

// DriftStatus classifies the relation between desired and live artifacts.
type DriftStatus string

const (
	// DriftInSync means the live artifact matches the desired one.
	DriftInSync DriftStatus = "in-sync"

	// DriftDiverged means both exist but differ (manual edits included).
	DriftDiverged DriftStatus = "diverged"

	// DriftMissingLive means the site is declared but was never applied.
	DriftMissingLive DriftStatus = "missing-live"

	// DriftMissingDesired means a live artifact has no corresponding site.
	DriftMissingDesired DriftStatus = "missing-desired"
)

// DriftRecord is the comparison result for one site (or one orphaned live
// artifact). Produced fresh on each detection pass, never persisted as
// authoritative state.
type DriftRecord struct {
	// Domain is the site domain, or the domain inferred from an orphaned
	// live artifact's filename.
	Domain string `json:"domain"`

	// Backend is the backend the compared artifact targets.
	Backend BackendType `json:"backend"`

	// Path is the live artifact path relative to the live tree root.
	Path string `json:"path"`

	// DesiredFingerprint is the hash of the freshly generated artifact,
	// empty for missing-desired.
	DesiredFingerprint string `json:"desired_fingerprint,omitempty"`

	// LiveFingerprint is the hash of the artifact on disk, empty for
	// missing-live.
	LiveFingerprint string `json:"live_fingerprint,omitempty"`

	// Status is the comparison verdict.
	Status DriftStatus `json:"status"`
}
