package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/state"
)

func newBootstrapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create desired-state documents",
		Long: `Write provider, server, site and upstream documents into the state
tree at their conventional paths. Bootstrap never overwrites: a document
that already exists is an error, so scripted onboarding is repeatable.
Use reconfigure to replace existing documents.`,
	}

	cmd.AddCommand(newProviderDocCommand(false))
	cmd.AddCommand(newServerDocCommand(false))
	cmd.AddCommand(newSiteDocCommand(false))
	cmd.AddCommand(newUpstreamDocCommand(false))

	return cmd
}

func newReconfigureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconfigure",
		Short: "Replace desired-state documents",
		Long: `Rewrite provider, server, site and upstream documents in place. The
same document builders as bootstrap, with overwrite allowed. Run apply
afterwards to push the change to the fleet.`,
	}

	cmd.AddCommand(newProviderDocCommand(true))
	cmd.AddCommand(newServerDocCommand(true))
	cmd.AddCommand(newSiteDocCommand(true))
	cmd.AddCommand(newUpstreamDocCommand(true))

	return cmd
}

func stateWriter() (*state.Writer, error) {
	app, err := loadApp()
	if err != nil {
		return nil, err
	}
	return state.NewWriter(app.settings.StateRoot), nil
}

func reportWritten(path string) {
	if jsonOutput {
		_ = printJSON(map[string]string{"path": path})
		return
	}
	fmt.Println("wrote", path)
}

func newProviderDocCommand(overwrite bool) *cobra.Command {
	var p fleet.Provider

	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Write a provider document",
		Example: `  webfleet bootstrap provider --id lunarsystemx --base-domain example.com --owner platform`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := stateWriter()
			if err != nil {
				return err
			}
			path, err := w.WriteProvider(&p, overwrite)
			if err != nil {
				return err
			}
			reportWritten(path)
			return nil
		},
	}

	cmd.Flags().StringVar(&p.ID, "id", "", "provider identifier")
	cmd.Flags().StringVar(&p.BaseDomain, "base-domain", "", "base domain sites live under")
	cmd.Flags().StringVar(&p.Owner, "owner", "", "owning team or customer")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("base-domain")

	return cmd
}

func newServerDocCommand(overwrite bool) *cobra.Command {
	var (
		s   fleet.Server
		env string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Write a server document",
		Example: `  webfleet bootstrap server --id web1 --provider lunarsystemx --env dev --address 10.0.0.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s.Environment = fleet.Environment(env)
			if !s.Environment.Valid() {
				return fmt.Errorf("invalid environment %q (want dev, qa or prod)", env)
			}
			w, err := stateWriter()
			if err != nil {
				return err
			}
			path, err := w.WriteServer(&s, overwrite)
			if err != nil {
				return err
			}
			reportWritten(path)
			return nil
		},
	}

	cmd.Flags().StringVar(&s.ID, "id", "", "server identifier")
	cmd.Flags().StringVar(&s.ProviderID, "provider", "", "provider the server belongs to")
	cmd.Flags().StringVar(&env, "env", "", "environment (dev, qa, prod)")
	cmd.Flags().StringVar(&s.Address, "address", "", "server network address")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("address")

	return cmd
}

func newSiteDocCommand(overwrite bool) *cobra.Command {
	var (
		site    fleet.Site
		env     string
		backend string
		proxies []string
	)

	cmd := &cobra.Command{
		Use:   "site",
		Short: "Write a site document",
		Long: `Write a site document. --root declares a static route at /; each
--proxy flag declares a proxy route as <path>=<upstream-ref>. Routes get
the conventional URI defaulting; edit the document for explicit uri
blocks.`,
		Example: `  # Static site
  webfleet bootstrap site --domain dev.example.com --provider lunarsystemx \
      --env dev --server web1 --backend nginx --root /var/www/dev.example.com

  # Same site with an API behind it
  webfleet bootstrap site --domain dev.example.com --provider lunarsystemx \
      --env dev --server web1 --backend nginx --root /var/www/dev.example.com \
      --proxy /api/identity/=api__identity`,
		RunE: func(cmd *cobra.Command, args []string) error {
			site.Environment = fleet.Environment(env)
			if !site.Environment.Valid() {
				return fmt.Errorf("invalid environment %q (want dev, qa or prod)", env)
			}
			site.Backend = fleet.BackendType(backend)

			if site.Root != "" {
				site.Routes = append(site.Routes, fleet.Route{
					Name: "root",
					Path: "/",
					Type: fleet.RouteStatic,
				})
			}
			for _, spec := range proxies {
				path, ref, ok := strings.Cut(spec, "=")
				if !ok || !strings.HasPrefix(path, "/") || ref == "" {
					return fmt.Errorf("invalid --proxy %q (want <path>=<upstream-ref>)", spec)
				}
				site.Routes = append(site.Routes, fleet.Route{
					Name:        routeNameFor(path),
					Path:        path,
					Type:        fleet.RouteProxy,
					UpstreamRef: ref,
				})
			}
			if len(site.Routes) == 0 {
				return fmt.Errorf("a site needs --root or at least one --proxy route")
			}

			w, err := stateWriter()
			if err != nil {
				return err
			}
			path, err := w.WriteSite(&site, overwrite)
			if err != nil {
				return err
			}
			reportWritten(path)
			return nil
		},
	}

	cmd.Flags().StringVar(&site.Domain, "domain", "", "site domain")
	cmd.Flags().StringVar(&site.ProviderID, "provider", "", "provider the site belongs to")
	cmd.Flags().StringVar(&env, "env", "", "environment (dev, qa, prod)")
	cmd.Flags().StringVar(&site.ServerID, "server", "", "server the site runs on")
	cmd.Flags().StringVar(&backend, "backend", "nginx", "web engine (nginx, apache, traefik)")
	cmd.Flags().StringVar(&site.Root, "root", "", "document root for a static route at /")
	cmd.Flags().StringArrayVar(&proxies, "proxy", nil, "proxy route as <path>=<upstream-ref>, repeatable")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func newUpstreamDocCommand(overwrite bool) *cobra.Command {
	var (
		ref      string
		provider string
		env      string
		backend  string
		nodes    []string
	)

	cmd := &cobra.Command{
		Use:   "upstream",
		Short: "Write an upstream group document",
		Long: `Write an upstream group document. The ref follows the type__slug
convention. Each --node flag is <host>:<port> with optional
comma-separated attributes weight=<n>, backup and down.`,
		Example: `  webfleet bootstrap upstream --ref api__identity --provider lunarsystemx \
      --env dev --backend nginx \
      --node 10.0.0.10:8080,weight=2 --node 10.0.0.11:8080,backup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			environment := fleet.Environment(env)
			if !environment.Valid() {
				return fmt.Errorf("invalid environment %q (want dev, qa or prod)", env)
			}

			serviceType, slug, ok := strings.Cut(ref, "__")
			if !ok {
				return fmt.Errorf("upstream ref %q does not follow the type__slug convention", ref)
			}
			up := &fleet.Upstream{
				Ref:         ref,
				ServiceType: serviceType,
				Slug:        slug,
			}

			for i, spec := range nodes {
				node, err := parseNodeSpec(ref, i+1, spec)
				if err != nil {
					return err
				}
				up.Nodes = append(up.Nodes, node)
			}
			if len(up.Nodes) == 0 {
				return fmt.Errorf("an upstream group needs at least one --node")
			}

			w, err := stateWriter()
			if err != nil {
				return err
			}
			path, err := w.WriteUpstream(provider, fleet.BackendType(backend), environment, up, overwrite)
			if err != nil {
				return err
			}
			reportWritten(path)
			return nil
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "upstream ref (type__slug)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider the group belongs to")
	cmd.Flags().StringVar(&env, "env", "", "environment (dev, qa, prod)")
	cmd.Flags().StringVar(&backend, "backend", "nginx", "web engine the group serves")
	cmd.Flags().StringArrayVar(&nodes, "node", nil, "node as <host>:<port>[,weight=<n>][,backup][,down], repeatable")
	_ = cmd.MarkFlagRequired("ref")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

// routeNameFor derives a route name from its path the way the importer does,
// so bootstrapped and imported documents look alike.
func routeNameFor(path string) string {
	if path == "/" {
		return "root"
	}
	name := strings.Trim(path, "/")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

func parseNodeSpec(ref string, index int, spec string) (fleet.UpstreamNode, error) {
	parts := strings.Split(spec, ",")
	host, portStr, ok := strings.Cut(parts[0], ":")
	if !ok || host == "" {
		return fleet.UpstreamNode{}, fmt.Errorf("invalid --node %q (want <host>:<port>)", spec)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fleet.UpstreamNode{}, fmt.Errorf("invalid port in --node %q", spec)
	}

	node := fleet.UpstreamNode{
		Name:   fmt.Sprintf("%s_node_%d", strings.ReplaceAll(ref, "__", "_"), index),
		Host:   host,
		Port:   port,
		Weight: 1,
	}
	for _, attr := range parts[1:] {
		switch {
		case attr == "backup":
			node.Backup = true
		case attr == "down":
			node.Down = true
		case strings.HasPrefix(attr, "weight="):
			w, err := strconv.Atoi(strings.TrimPrefix(attr, "weight="))
			if err != nil || w < 1 {
				return fleet.UpstreamNode{}, fmt.Errorf("invalid weight in --node %q", spec)
			}
			node.Weight = w
		default:
			return fleet.UpstreamNode{}, fmt.Errorf("unknown attribute %q in --node %q", attr, spec)
		}
	}
	return node, nil
}
