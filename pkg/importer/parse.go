package importer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// Defaults supply the scope fields for configs that carry no webfleet
// metadata header.
type Defaults struct {
	// ProviderID is the provider imported sites are filed under.
	ProviderID string `yaml:"provider" validate:"required"`

	// Environment is assumed for sites without a header.
	Environment fleet.Environment `yaml:"environment" validate:"required,oneof=dev qa prod"`

	// ServerID is the server imported sites are assigned to.
	ServerID string `yaml:"server" validate:"required"`

	// ServerAddress fills the server document when the import has to
	// create it.
	ServerAddress string `yaml:"server_address"`

	// BaseDomain fills the provider document when the import has to
	// create it. When empty it is derived from the first imported
	// site's domain.
	BaseDomain string `yaml:"base_domain"`
}

// parsedSite is one legacy config reconstructed as desired state.
type parsedSite struct {
	site      *fleet.Site
	upstreams []*fleet.Upstream
}

// applyMeta fills the site's scope from a generated artifact's
// metadata header, falling back to the importer defaults.
func applyMeta(site *fleet.Site, meta map[string]string, def Defaults) {
	site.ProviderID = def.ProviderID
	site.Environment = def.Environment
	site.ServerID = def.ServerID
	if meta == nil {
		return
	}
	if v := meta["provider"]; v != "" {
		site.ProviderID = v
	}
	if v := fleet.Environment(meta["environment"]); v.Valid() {
		site.Environment = v
	}
	if v := meta["server"]; v != "" {
		site.ServerID = v
	}
	if v := meta["domain"]; v != "" {
		site.Domain = v
	}
}

// routeName derives a stable route name from its public path.
func routeName(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "root"
	}
	name := strings.ReplaceAll(trimmed, "/", "_")
	return strings.ReplaceAll(name, "-", "_")
}

// splitRef recovers service type and slug from an upstream group name
// of the form type__slug.
func splitRef(ref string) (serviceType, slug string) {
	if i := strings.Index(ref, "__"); i > 0 {
		return ref[:i], ref[i+2:]
	}
	return "api", ref
}

// parseHostPort splits an address into host and port.
func parseHostPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("address %q has no port", addr)
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("address %q has an invalid port", addr)
	}
	return addr[:i], port, nil
}

// inferURI reconstructs the URI transform from a proxy target path.
// An empty target path forwards the request path unchanged, which is
// the passthrough strategy; any other prefix is a strip.
func inferURI(publicPath, targetPath string) *fleet.URITransform {
	if targetPath == "" {
		return &fleet.URITransform{
			Public:   publicPath,
			Upstream: publicPath,
			Strategy: fleet.StrategyPassthrough,
		}
	}
	return &fleet.URITransform{
		Public:   publicPath,
		Upstream: targetPath,
		Strategy: fleet.StrategyStrip,
	}
}

// deriveBaseDomain drops the leftmost label so dev.shop.example.com
// yields shop.example.com. Domains with fewer than three labels stand
// as their own base.
func deriveBaseDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) < 3 {
		return domain
	}
	return strings.Join(parts[1:], ".")
}
