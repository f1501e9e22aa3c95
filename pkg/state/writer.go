package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/webfleet/webfleet/pkg/fleet"
)

// ErrExists is returned when a create-if-absent write finds an existing
// document. Callers doing first-write-wins adoption treat it as a skip.
var ErrExists = errors.New("document already exists")

// Writer persists documents into the desired-state tree. Bootstrap uses
// create-if-absent semantics, reconfigure overwrites.
type Writer struct {
	root string
}

// NewWriter creates a writer rooted at the desired-state tree.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// WriteProvider writes a provider document.
func (w *Writer) WriteProvider(p *fleet.Provider, overwrite bool) (string, error) {
	doc := providerDocument{
		ID:         p.ID,
		BaseDomain: p.BaseDomain,
		Owner:      p.Owner,
	}
	return w.writeDocument(ProviderFilePath(w.root, p.ID), &doc, overwrite)
}

// WriteServer writes a server document.
func (w *Writer) WriteServer(s *fleet.Server, overwrite bool) (string, error) {
	doc := serverDocument{
		ID:          s.ID,
		Provider:    s.ProviderID,
		Environment: string(s.Environment),
		Address:     s.Address,
	}
	return w.writeDocument(ServerFilePath(w.root, s.ProviderID, s.ID), &doc, overwrite)
}

// WriteSite writes a site document into its conventional location.
func (w *Writer) WriteSite(site *fleet.Site, overwrite bool) (string, error) {
	doc := siteDocument{
		Domain:      site.Domain,
		Provider:    site.ProviderID,
		Environment: string(site.Environment),
		Server:      site.ServerID,
		Backend:     string(site.Backend),
		Root:        site.Root,
		Routes:      make([]routeDocument, len(site.Routes)),
	}
	for i, r := range site.Routes {
		rd := routeDocument{
			Name:        r.Name,
			Path:        r.Path,
			Type:        string(r.Type),
			UpstreamRef: r.UpstreamRef,
		}
		if r.URI != nil {
			rd.URI = &uriDocument{
				Public:   r.URI.Public,
				Upstream: r.URI.Upstream,
				Strategy: string(r.URI.Strategy),
			}
		}
		doc.Routes[i] = rd
	}
	path := SitePath(w.root, site.ProviderID, site.Backend, site.Environment, site.Domain)
	return w.writeDocument(path, &doc, overwrite)
}

// WriteUpstream writes an upstream document into the given scope.
func (w *Writer) WriteUpstream(providerID string, backend fleet.BackendType, env fleet.Environment, up *fleet.Upstream, overwrite bool) (string, error) {
	doc := upstreamDocument{
		Ref:         up.Ref,
		ServiceType: up.ServiceType,
		Slug:        up.Slug,
		Nodes:       make([]upstreamNodeDocument, len(up.Nodes)),
	}
	for i, n := range up.Nodes {
		doc.Nodes[i] = upstreamNodeDocument{
			Name:   n.Name,
			Host:   n.Host,
			Port:   n.Port,
			Weight: n.Weight,
			Backup: n.Backup,
			Down:   n.Down,
		}
	}
	path := UpstreamPath(w.root, providerID, backend, env, up.Ref)
	return w.writeDocument(path, &doc, overwrite)
}

// DeleteServer removes a server document. The graph is consulted first:
// a server still referenced by sites cannot be removed.
func (w *Writer) DeleteServer(g *Graph, providerID, serverID string) error {
	if referencing := g.SitesOnServer(providerID, serverID); len(referencing) > 0 {
		return fleet.NewSchemaError(
			fmt.Sprintf("server %q still serves %d sites (first: %s)", serverID, len(referencing), referencing[0].Domain), nil)
	}
	path := ServerFilePath(w.root, providerID, serverID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fleet.NewNotFoundError(fmt.Sprintf("server %q not declared for provider %q", serverID, providerID))
		}
		return err
	}
	return nil
}

func (w *Writer) writeDocument(path string, doc interface{}, overwrite bool) (string, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("%s: %w", path, ErrExists)
		}
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fleet.NewInternalError(fmt.Sprintf("cannot marshal %s", path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
