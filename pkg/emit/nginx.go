package emit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// nginxEmitter renders nginx server blocks with upstream groups.
type nginxEmitter struct{}

// NewNginxEmitter creates the nginx emitter.
func NewNginxEmitter() fleet.Emitter {
	return nginxEmitter{}
}

func (nginxEmitter) Backend() fleet.BackendType {
	return fleet.BackendNginx
}

func (nginxEmitter) Emit(site *fleet.Site, upstreams map[string]*fleet.Upstream) ([]byte, error) {
	var b strings.Builder
	b.WriteString(metaHeader(site))
	b.WriteString("\n")

	// Upstream blocks first, ordered by ref for deterministic output.
	refs := make([]string, 0, len(upstreams))
	seen := make(map[string]bool)
	for _, r := range site.Routes {
		if r.UpstreamRef != "" && !seen[r.UpstreamRef] {
			seen[r.UpstreamRef] = true
			refs = append(refs, r.UpstreamRef)
		}
	}
	sort.Strings(refs)

	for _, ref := range refs {
		up, err := resolveUpstream(site, upstreams, ref)
		if err != nil {
			return nil, err
		}
		writeNginxUpstream(&b, up)
	}

	b.WriteString("server {\n")
	b.WriteString("    listen 80;\n")
	fmt.Fprintf(&b, "    server_name %s;\n\n", site.Domain)
	fmt.Fprintf(&b, "    access_log /var/log/nginx/%s.access.log;\n", site.Domain)
	fmt.Fprintf(&b, "    error_log /var/log/nginx/%s.error.log;\n", site.Domain)

	for _, r := range site.SortedRoutes() {
		b.WriteString("\n")
		if r.Type == fleet.RouteProxy {
			writeNginxProxyLocation(&b, r)
		} else {
			writeNginxStaticLocation(&b, site, r)
		}
	}

	b.WriteString("}\n")
	return []byte(b.String()), nil
}

func writeNginxUpstream(b *strings.Builder, up *fleet.Upstream) {
	fmt.Fprintf(b, "upstream %s {\n", up.Ref)
	for _, n := range up.Nodes {
		fmt.Fprintf(b, "    server %s weight=%d", n.Addr(), n.Weight)
		if n.Backup {
			b.WriteString(" backup")
		}
		if n.Down {
			b.WriteString(" down")
		}
		b.WriteString(";\n")
	}
	b.WriteString("}\n\n")
}

func writeNginxProxyLocation(b *strings.Builder, r fleet.Route) {
	uri := r.EffectiveURI()
	fmt.Fprintf(b, "    location %s {\n", r.Path)
	fmt.Fprintf(b, "        proxy_pass %s;\n", proxyTarget(uri, r.UpstreamRef))
	b.WriteString("        proxy_set_header Host $host;\n")
	b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")
	b.WriteString("    }\n")
}

func writeNginxStaticLocation(b *strings.Builder, site *fleet.Site, r fleet.Route) {
	fmt.Fprintf(b, "    location %s {\n", r.Path)
	if site.Root != "" {
		fmt.Fprintf(b, "        root %s;\n", site.Root)
	}
	b.WriteString("        try_files $uri $uri/ =404;\n")
	b.WriteString("    }\n")
}
