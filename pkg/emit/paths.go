package emit

import (
	"path"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// ArtifactRelPath returns the artifact's path relative to the live (or
// staging) tree root. The layout is fixed per backend:
//
//	nginx/conf.d/<provider>/<env>/<domain>.conf
//	apache/sites-available/<env>/<domain>.conf
//	traefik/dynamic/http/<domain>.yml
func ArtifactRelPath(site *fleet.Site) string {
	switch site.Backend {
	case fleet.BackendNginx:
		return path.Join("nginx", "conf.d", site.ProviderID, string(site.Environment), site.Domain+site.Backend.ArtifactExt())
	case fleet.BackendApache:
		return path.Join("apache", "sites-available", string(site.Environment), site.Domain+site.Backend.ArtifactExt())
	case fleet.BackendTraefik:
		return path.Join("traefik", "dynamic", "http", site.Domain+site.Backend.ArtifactExt())
	default:
		return ""
	}
}

// ParseArtifactRelPath maps a live-tree relative path back to the
// backend type and domain it belongs to. Files outside the known layout
// report ok=false and are ignored by fleet scans.
func ParseArtifactRelPath(rel string) (backend fleet.BackendType, domain string, ok bool) {
	rel = path.Clean(rel)
	base := path.Base(rel)

	switch {
	case strings.HasPrefix(rel, "nginx/conf.d/") && strings.HasSuffix(base, ".conf"):
		return fleet.BackendNginx, strings.TrimSuffix(base, ".conf"), true
	case strings.HasPrefix(rel, "apache/sites-available/") && strings.HasSuffix(base, ".conf"):
		return fleet.BackendApache, strings.TrimSuffix(base, ".conf"), true
	case strings.HasPrefix(rel, "traefik/dynamic/http/") && strings.HasSuffix(base, ".yml"):
		return fleet.BackendTraefik, strings.TrimSuffix(base, ".yml"), true
	}
	return "", "", false
}
