package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/fleet"
)

func newSitesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect the declared fleet",
	}

	cmd.AddCommand(newSitesListCommand())
	cmd.AddCommand(newSitesRouteCommand())

	return cmd
}

func newSitesListCommand() *cobra.Command {
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List declared sites",
		Example: `  # Every site in the fleet
  webfleet sites list

  # One provider's prod sites
  webfleet sites list --provider lunarsystemx --env prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}

			filter, err := filters.filter()
			if err != nil {
				return err
			}

			graph, err := app.loadGraph()
			if err != nil {
				return err
			}

			sites := graph.ListSites(filter)
			if jsonOutput {
				return printJSON(sites)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tPROVIDER\tENV\tSERVER\tBACKEND\tROUTES")
			for _, site := range sites {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					site.Domain, site.ProviderID, site.Environment, site.ServerID, site.Backend, len(site.Routes))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&filters.provider, "provider", "p", "", "limit to one provider")
	cmd.Flags().StringVarP(&filters.env, "env", "e", "", "limit to one environment (dev, qa, prod)")

	return cmd
}

func newSitesRouteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "route <domain> <request-path>",
		Aliases: []string{"verify"},
		Short:   "Show which route a request path hits and what the upstream receives",
		Long: `Resolve a request path against a site's routes the way the generated
configuration will: longest declared prefix wins, and the route's URI
strategy decides whether the upstream sees the full public path or the
remainder after the prefix.`,
		Example: `  # Where does /api/identity/login go?
  webfleet sites route dev.example.com /api/identity/login`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, requestPath := args[0], args[1]
			if !strings.HasPrefix(requestPath, "/") {
				return fmt.Errorf("request path must start with /")
			}

			app, err := loadApp()
			if err != nil {
				return err
			}

			graph, err := app.loadGraph()
			if err != nil {
				return err
			}

			site, err := graph.ResolveSite(domain)
			if err != nil {
				return err
			}

			route, ok := matchRoute(site, requestPath)
			if !ok {
				return fmt.Errorf("no route on %s matches %s", domain, requestPath)
			}

			if route.Type == fleet.RouteStatic {
				if jsonOutput {
					return printJSON(map[string]interface{}{
						"route": route.Name,
						"type":  route.Type,
						"root":  site.Root,
					})
				}
				fmt.Printf("route %s (static), served from %s\n", route.Name, site.Root)
				return nil
			}

			forwarded := requestPath
			if route.URI != nil {
				forwarded = route.URI.ForwardedPath(requestPath)
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"route":     route.Name,
					"type":      route.Type,
					"upstream":  route.UpstreamRef,
					"forwarded": forwarded,
				})
			}
			fmt.Printf("route %s (proxy), upstream %s receives %s\n", route.Name, route.UpstreamRef, forwarded)
			return nil
		},
	}

	return cmd
}

// matchRoute picks the longest declared prefix that covers the request path,
// the same precedence the emitters encode.
func matchRoute(site *fleet.Site, requestPath string) (fleet.Route, bool) {
	for _, route := range site.SortedRoutes() {
		if route.Path == requestPath {
			return route, true
		}
		prefix := route.Path
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		if strings.HasPrefix(requestPath, prefix) {
			return route, true
		}
	}
	return fleet.Route{}, false
}
