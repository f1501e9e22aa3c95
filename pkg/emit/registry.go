package emit

import (
	"fmt"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// Generator turns sites into artifacts through a capability-keyed
// emitter table. Adding a backend type means registering another
// emitter; the generator core never branches on backend names.
type Generator struct {
	emitters map[fleet.BackendType]fleet.Emitter
}

// NewGenerator creates a generator with the given emitters registered.
func NewGenerator(emitters ...fleet.Emitter) *Generator {
	g := &Generator{emitters: make(map[fleet.BackendType]fleet.Emitter)}
	for _, e := range emitters {
		g.Register(e)
	}
	return g
}

// DefaultGenerator returns a generator with all built-in emitters.
func DefaultGenerator() *Generator {
	return NewGenerator(NewNginxEmitter(), NewTraefikEmitter(), NewApacheEmitter())
}

// Register adds or replaces the emitter for its backend type.
func (g *Generator) Register(e fleet.Emitter) {
	g.emitters[e.Backend()] = e
}

// Generate renders the artifact for a site. The upstreams map must hold
// every upstream the site's routes reference (the state graph's
// SiteUpstreams provides it). The returned artifact has passed the
// structural self-check and carries its content fingerprint.
func (g *Generator) Generate(site *fleet.Site, upstreams map[string]*fleet.Upstream) (*fleet.Artifact, error) {
	emitter, ok := g.emitters[site.Backend]
	if !ok {
		return nil, fleet.NewUnsupportedBackendError(site.Backend).WithDomain(site.Domain)
	}

	if err := checkRouteConflicts(site); err != nil {
		return nil, err
	}

	content, err := emitter.Emit(site, upstreams)
	if err != nil {
		return nil, err
	}

	if err := selfCheck(site.Backend, content); err != nil {
		return nil, err
	}

	return &fleet.Artifact{
		Domain:      site.Domain,
		Backend:     site.Backend,
		RelPath:     ArtifactRelPath(site),
		Content:     content,
		Fingerprint: Fingerprint(content),
	}, nil
}

// checkRouteConflicts rejects sites with two routes on the identical
// match path but different strategies. Distinct paths never conflict:
// longest-prefix matching disambiguates them.
func checkRouteConflicts(site *fleet.Site) error {
	seen := make(map[string]fleet.URIStrategy, len(site.Routes))
	for _, r := range site.Routes {
		strategy := r.EffectiveURI().Strategy
		if prev, dup := seen[r.Path]; dup && prev != strategy {
			return fleet.NewRouteConflictError(
				fmt.Sprintf("routes on path %q declare both %s and %s", r.Path, prev, strategy),
			).WithDomain(site.Domain)
		}
		seen[r.Path] = strategy
	}
	return nil
}
