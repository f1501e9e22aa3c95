package emit

import (
	"fmt"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// apacheEmitter renders apache virtual hosts. Apache has no native
// upstream group here: proxy routes forward to the first active node of
// their upstream.
type apacheEmitter struct{}

// NewApacheEmitter creates the apache emitter.
func NewApacheEmitter() fleet.Emitter {
	return apacheEmitter{}
}

func (apacheEmitter) Backend() fleet.BackendType {
	return fleet.BackendApache
}

func (apacheEmitter) Emit(site *fleet.Site, upstreams map[string]*fleet.Upstream) ([]byte, error) {
	var b strings.Builder
	b.WriteString(metaHeader(site))
	b.WriteString("\n")

	b.WriteString("<VirtualHost *:80>\n")
	fmt.Fprintf(&b, "    ServerName %s\n", site.Domain)
	if site.Root != "" {
		fmt.Fprintf(&b, "    DocumentRoot %s\n", site.Root)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "    ErrorLog ${APACHE_LOG_DIR}/%s.error.log\n", site.Domain)
	fmt.Fprintf(&b, "    CustomLog ${APACHE_LOG_DIR}/%s.access.log combined\n", site.Domain)

	proxied := false
	for _, r := range site.SortedRoutes() {
		if r.Type != fleet.RouteProxy {
			continue
		}
		if !proxied {
			b.WriteString("\n    ProxyPreserveHost On\n")
			proxied = true
		}
		up, err := resolveUpstream(site, upstreams, r.UpstreamRef)
		if err != nil {
			return nil, err
		}
		node, err := firstActiveNode(site, up)
		if err != nil {
			return nil, err
		}
		target := apacheProxyTarget(r.EffectiveURI(), node)
		fmt.Fprintf(&b, "    ProxyPass %s %s\n", r.Path, target)
		fmt.Fprintf(&b, "    ProxyPassReverse %s %s\n", r.Path, target)
	}

	b.WriteString("</VirtualHost>\n")
	return []byte(b.String()), nil
}

// apacheProxyTarget maps the URI strategy onto ProxyPass prefix
// substitution. ProxyPass always rewrites the matched prefix to the
// target path, so passthrough repeats the public prefix on the target.
func apacheProxyTarget(uri fleet.URITransform, node fleet.UpstreamNode) string {
	if uri.Strategy == fleet.StrategyPassthrough {
		return fmt.Sprintf("http://%s%s", node.Addr(), uri.Public)
	}
	return fmt.Sprintf("http://%s%s", node.Addr(), uri.Upstream)
}
