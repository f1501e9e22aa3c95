package emit

import (
	"fmt"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// proxyTarget returns the nginx proxy_pass target implementing the
// route's URI strategy. With a URI part present nginx substitutes the
// matched location prefix with it (strip); without one the original
// request path is forwarded unchanged (passthrough).
func proxyTarget(uri fleet.URITransform, ref string) string {
	if uri.Strategy == fleet.StrategyPassthrough {
		return "http://" + ref
	}
	return "http://" + ref + uri.Upstream
}

// resolveUpstream fetches a route's upstream from the resolved map. The
// state loader guarantees the reference exists; a miss here means the
// caller passed an incomplete map.
func resolveUpstream(site *fleet.Site, upstreams map[string]*fleet.Upstream, ref string) (*fleet.Upstream, error) {
	up, ok := upstreams[ref]
	if !ok {
		return nil, fleet.NewInternalError(
			fmt.Sprintf("upstream %q not in resolved set", ref), nil,
		).WithDomain(site.Domain)
	}
	return up, nil
}

// firstActiveNode returns the first node not marked down. Backends
// without native upstream groups forward to this node.
func firstActiveNode(site *fleet.Site, up *fleet.Upstream) (fleet.UpstreamNode, error) {
	for _, n := range up.Nodes {
		if !n.Down {
			return n, nil
		}
	}
	return fleet.UpstreamNode{}, fleet.NewSchemaError(
		fmt.Sprintf("upstream %q has no active nodes", up.Ref), nil,
	).WithDomain(site.Domain)
}
