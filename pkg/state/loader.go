package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// Loader reads the desired-state tree into a Graph.
type Loader struct {
	validate   *validator.Validate
	log        *telemetry.Logger
	requireURI bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithRequireURI makes a route without an explicit uri descriptor a
// schema error instead of applying the documented default.
func WithRequireURI() Option {
	return func(l *Loader) { l.requireURI = true }
}

// WithLogger sets the loader's logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// NewLoader creates a loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		l.log = logger.NewComponentLogger("state")
	}
	return l
}

// Load reads the whole tree under rootPath and returns the validated
// graph. Any malformed document, unresolved reference, or uniqueness
// violation fails the load; a partially loaded graph is never returned.
func (l *Loader) Load(rootPath string) (*Graph, error) {
	providersDir := ProvidersDir(rootPath)
	entries, err := os.ReadDir(providersDir)
	if err != nil {
		return nil, fleet.NewSchemaError(fmt.Sprintf("cannot read providers directory %s", providersDir), err)
	}

	g := newGraph()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := l.loadProvider(g, rootPath, entry.Name()); err != nil {
			return nil, err
		}
	}
	g.freeze()

	l.log.Debugf("loaded %d providers, %d servers, %d sites, %d upstreams",
		len(g.providers), len(g.servers), len(g.sites), len(g.upstreams))
	return g, nil
}

func (l *Loader) loadProvider(g *Graph, root, providerID string) error {
	var doc providerDocument
	path := ProviderFilePath(root, providerID)
	if err := l.loadDocument(path, &doc); err != nil {
		return err
	}
	if doc.ID != providerID {
		return fleet.NewSchemaError(fmt.Sprintf("%s: id %q does not match directory %q", path, doc.ID, providerID), nil)
	}
	g.providers[providerID] = doc.toProvider()

	if err := l.loadServers(g, root, providerID); err != nil {
		return err
	}
	return l.loadScopes(g, root, providerID)
}

func (l *Loader) loadServers(g *Graph, root, providerID string) error {
	hostsDir := filepath.Join(ProviderDir(root, providerID), hostsDirName)
	entries, err := os.ReadDir(hostsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("cannot read hosts directory %s", hostsDir), err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != documentExt {
			continue
		}
		path := filepath.Join(hostsDir, entry.Name())
		var doc serverDocument
		if err := l.loadDocument(path, &doc); err != nil {
			return err
		}
		if doc.ID != documentName(entry.Name()) {
			return fleet.NewSchemaError(fmt.Sprintf("%s: id %q does not match file name", path, doc.ID), nil)
		}
		if doc.Provider != "" && doc.Provider != providerID {
			return fleet.NewSchemaError(fmt.Sprintf("%s: provider %q does not match tree location %q", path, doc.Provider, providerID), nil)
		}
		g.servers[serverKey(providerID, doc.ID)] = doc.toServer(providerID)
	}
	return nil
}

func (l *Loader) loadScopes(g *Graph, root, providerID string) error {
	serversDir := filepath.Join(ProviderDir(root, providerID), serversDirName)
	backends, err := os.ReadDir(serversDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("cannot read servers directory %s", serversDir), err)
	}

	for _, backendEntry := range backends {
		if !backendEntry.IsDir() {
			continue
		}
		backend := fleet.BackendType(backendEntry.Name())
		if !backend.Valid() {
			return fleet.NewSchemaError(fmt.Sprintf("%s: unknown backend directory %q", serversDir, backendEntry.Name()), nil)
		}

		envs, err := os.ReadDir(filepath.Join(serversDir, backendEntry.Name()))
		if err != nil {
			return fleet.NewSchemaError(fmt.Sprintf("cannot read backend directory %s", backendEntry.Name()), err)
		}
		for _, envEntry := range envs {
			if !envEntry.IsDir() {
				continue
			}
			env := fleet.Environment(envEntry.Name())
			if !env.Valid() {
				return fleet.NewSchemaError(fmt.Sprintf("unknown environment directory %q under %s/%s", envEntry.Name(), providerID, backend), nil)
			}
			// Upstreams load before sites so route references resolve
			// within the same scope.
			if err := l.loadUpstreams(g, root, providerID, backend, env); err != nil {
				return err
			}
			if err := l.loadSites(g, root, providerID, backend, env); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) loadUpstreams(g *Graph, root, providerID string, backend fleet.BackendType, env fleet.Environment) error {
	dir := filepath.Join(ScopeDir(root, providerID, backend, env), upstreamsDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("cannot read upstreams directory %s", dir), err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != documentExt {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		var doc upstreamDocument
		if err := l.loadDocument(path, &doc); err != nil {
			return err
		}
		up := doc.toUpstream()
		if up.Ref != documentName(entry.Name()) {
			return fleet.NewSchemaError(fmt.Sprintf("%s: ref %q does not match file name", path, up.Ref), nil)
		}
		g.upstreams[upstreamKey(providerID, backend, env, up.Ref)] = up
	}
	return nil
}

func (l *Loader) loadSites(g *Graph, root, providerID string, backend fleet.BackendType, env fleet.Environment) error {
	dir := filepath.Join(ScopeDir(root, providerID, backend, env), sitesDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("cannot read sites directory %s", dir), err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != documentExt {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		var doc siteDocument
		if err := l.loadDocument(path, &doc); err != nil {
			return err
		}
		if doc.Domain != documentName(entry.Name()) {
			return fleet.NewSchemaError(fmt.Sprintf("%s: domain %q does not match file name", path, doc.Domain), nil)
		}
		if err := checkScopeFields(path, &doc, providerID, backend, env); err != nil {
			return err
		}

		site := doc.toSite(providerID, backend, env)
		if err := l.normalizeRoutes(site); err != nil {
			return err
		}
		if err := l.checkReferences(g, site); err != nil {
			return err
		}
		if err := g.addSite(site); err != nil {
			return err
		}
	}
	return nil
}

// checkScopeFields rejects documents whose embedded scope fields
// contradict their location in the tree.
func checkScopeFields(path string, doc *siteDocument, providerID string, backend fleet.BackendType, env fleet.Environment) error {
	if doc.Provider != "" && doc.Provider != providerID {
		return fleet.NewSchemaError(fmt.Sprintf("%s: provider %q does not match tree location %q", path, doc.Provider, providerID), nil)
	}
	if doc.Backend != "" && doc.Backend != string(backend) {
		return fleet.NewSchemaError(fmt.Sprintf("%s: backend %q does not match tree location %q", path, doc.Backend, backend), nil)
	}
	if doc.Environment != "" && doc.Environment != string(env) {
		return fleet.NewSchemaError(fmt.Sprintf("%s: environment %q does not match tree location %q", path, doc.Environment, env), nil)
	}
	return nil
}

// normalizeRoutes materializes the uri descriptor on every route. In
// strict mode an omitted descriptor is a schema error; otherwise the
// documented default applies (passthrough for the root path, strip to /
// for everything else).
func (l *Loader) normalizeRoutes(site *fleet.Site) error {
	for i := range site.Routes {
		r := &site.Routes[i]
		if r.URI != nil {
			continue
		}
		if l.requireURI {
			return fleet.NewSchemaError(
				fmt.Sprintf("route %q omits the uri descriptor and strict uri mode is enabled", r.Name), nil,
			).WithDomain(site.Domain)
		}
		def := fleet.DefaultURI(r.Path)
		r.URI = &def
		l.log.WithDomain(site.Domain).Debugf("route %q: uri omitted, defaulting to %s", r.Name, def.Strategy)
	}
	return nil
}

func (l *Loader) checkReferences(g *Graph, site *fleet.Site) error {
	srv, ok := g.servers[serverKey(site.ProviderID, site.ServerID)]
	if !ok {
		return fleet.NewSchemaError(
			fmt.Sprintf("server %q not declared for provider %q", site.ServerID, site.ProviderID), nil,
		).WithDomain(site.Domain)
	}
	if srv.Environment != site.Environment {
		return fleet.NewSchemaError(
			fmt.Sprintf("server %q is tagged %s but the site is %s", site.ServerID, srv.Environment, site.Environment), nil,
		).WithDomain(site.Domain)
	}

	for _, r := range site.Routes {
		if r.UpstreamRef == "" {
			continue
		}
		key := upstreamKey(site.ProviderID, site.Backend, site.Environment, r.UpstreamRef)
		if _, ok := g.upstreams[key]; !ok {
			return fleet.NewSchemaError(
				fmt.Sprintf("route %q references undeclared upstream %q", r.Name, r.UpstreamRef), nil,
			).WithDomain(site.Domain)
		}
	}
	return nil
}

// loadDocument reads one YAML document with strict field checking and
// runs struct validation on it.
func (l *Loader) loadDocument(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("cannot read %s", path), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("malformed document %s", path), err)
	}

	if err := l.validate.Struct(out); err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("invalid document %s", path), err)
	}
	return nil
}
