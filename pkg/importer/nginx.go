package importer

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
)

var (
	nginxUpstreamRe   = regexp.MustCompile(`^upstream\s+(\S+)\s*\{`)
	nginxServerRe     = regexp.MustCompile(`^server\s*\{`)
	nginxServerNameRe = regexp.MustCompile(`^server_name\s+([^;]+);`)
	nginxLocationRe   = regexp.MustCompile(`^location\s+(\S+)\s*\{`)
	nginxProxyPassRe  = regexp.MustCompile(`^proxy_pass\s+http://([^;]+);`)
	nginxRootRe       = regexp.MustCompile(`^root\s+([^;]+);`)
	nginxNodeRe       = regexp.MustCompile(`^server\s+([^;]+);`)
)

// ParseNginxConf reconstructs a site and its upstream groups from an
// nginx server-block config.
func ParseNginxConf(content []byte, def Defaults) (*fleet.Site, []*fleet.Upstream, error) {
	meta, _ := emit.ParseMetaHeader(content)
	site := &fleet.Site{Backend: fleet.BackendNginx}
	applyMeta(site, meta, def)

	var (
		upstreams = map[string]*fleet.Upstream{}
		curUp     *fleet.Upstream
		inServer  bool
		curPath   string
		curTarget string
		curProxy  bool
		curRoot   string
	)

	closeLocation := func() {
		if curPath == "" {
			return
		}
		route := fleet.Route{Name: routeName(curPath), Path: curPath}
		if curProxy {
			route.Type = fleet.RouteProxy
			ref, targetPath := splitProxyTarget(curTarget)
			route.UpstreamRef = ref
			route.URI = inferURI(curPath, targetPath)
		} else {
			route.Type = fleet.RouteStatic
			if curRoot != "" && site.Root == "" {
				site.Root = curRoot
			}
		}
		site.Routes = append(site.Routes, route)
		curPath, curTarget, curRoot = "", "", ""
		curProxy = false
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case curUp != nil:
			if line == "}" {
				upstreams[curUp.Ref] = curUp
				curUp = nil
				continue
			}
			if m := nginxNodeRe.FindStringSubmatch(line); m != nil {
				node, err := parseNginxNode(m[1], len(curUp.Nodes)+1, curUp.Ref)
				if err != nil {
					return nil, nil, fleet.NewSchemaError(err.Error(), nil).WithDomain(site.Domain)
				}
				curUp.Nodes = append(curUp.Nodes, node)
			}

		case curPath != "":
			if line == "}" {
				closeLocation()
				continue
			}
			if m := nginxProxyPassRe.FindStringSubmatch(line); m != nil {
				curProxy = true
				curTarget = m[1]
			} else if m := nginxRootRe.FindStringSubmatch(line); m != nil {
				curRoot = strings.TrimSpace(m[1])
			}

		case inServer:
			if line == "}" {
				inServer = false
				continue
			}
			if m := nginxServerNameRe.FindStringSubmatch(line); m != nil {
				name := strings.Fields(m[1])[0]
				if site.Domain == "" {
					site.Domain = name
				}
			} else if m := nginxLocationRe.FindStringSubmatch(line); m != nil {
				curPath = m[1]
			}

		default:
			if m := nginxUpstreamRe.FindStringSubmatch(line); m != nil {
				ref := m[1]
				serviceType, slug := splitRef(ref)
				curUp = &fleet.Upstream{Ref: ref, ServiceType: serviceType, Slug: slug}
			} else if nginxServerRe.MatchString(line) {
				inServer = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fleet.NewSchemaError("read nginx config", err)
	}

	if site.Domain == "" {
		return nil, nil, fleet.NewSchemaError("nginx config has no server_name", nil)
	}
	if len(site.Routes) == 0 {
		return nil, nil, fleet.NewSchemaError("nginx config has no locations", nil).WithDomain(site.Domain)
	}
	for _, r := range site.Routes {
		if r.Type == fleet.RouteProxy {
			if _, ok := upstreams[r.UpstreamRef]; !ok {
				return nil, nil, fleet.NewSchemaError(
					fmt.Sprintf("proxy_pass references undeclared upstream %q", r.UpstreamRef), nil,
				).WithDomain(site.Domain)
			}
		}
	}

	ups := make([]*fleet.Upstream, 0, len(upstreams))
	for _, up := range upstreams {
		ups = append(ups, up)
	}
	sort.Slice(ups, func(i, j int) bool { return ups[i].Ref < ups[j].Ref })
	return site, ups, nil
}

// splitProxyTarget separates the upstream group name from the URI part
// of a proxy_pass target.
func splitProxyTarget(target string) (ref, targetPath string) {
	if i := strings.Index(target, "/"); i >= 0 {
		return target[:i], target[i:]
	}
	return target, ""
}

func parseNginxNode(spec string, ordinal int, ref string) (fleet.UpstreamNode, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return fleet.UpstreamNode{}, fmt.Errorf("empty server directive in upstream %q", ref)
	}
	host, port, err := parseHostPort(fields[0])
	if err != nil {
		return fleet.UpstreamNode{}, fmt.Errorf("upstream %q: %v", ref, err)
	}
	node := fleet.UpstreamNode{
		Name:   fmt.Sprintf("%s_node_%d", strings.ReplaceAll(ref, "__", "_"), ordinal),
		Host:   host,
		Port:   port,
		Weight: 1,
	}
	for _, field := range fields[1:] {
		switch {
		case strings.HasPrefix(field, "weight="):
			w, err := strconv.Atoi(strings.TrimPrefix(field, "weight="))
			if err != nil || w <= 0 {
				return fleet.UpstreamNode{}, fmt.Errorf("upstream %q: invalid weight %q", ref, field)
			}
			node.Weight = w
		case field == "backup":
			node.Backup = true
		case field == "down":
			node.Down = true
		}
	}
	return node, nil
}
