package importer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/state"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// ActionStatus classifies what the import did, or would do, with one
// document.
type ActionStatus string

const (
	// StatusCreated means the document was written.
	StatusCreated ActionStatus = "created"

	// StatusSkipped means a document already existed and was left
	// untouched.
	StatusSkipped ActionStatus = "skipped"

	// StatusPlanned means a dry run would create the document.
	StatusPlanned ActionStatus = "planned"

	// StatusFailed means the source file could not be imported.
	StatusFailed ActionStatus = "failed"
)

// Action is one document-level outcome of an import.
type Action struct {
	// Kind is provider, server, site or upstream; source for per-file
	// parse failures.
	Kind string

	// Name identifies the document: a domain, an upstream ref or a
	// source file path.
	Name string

	// Path is the state-tree path the document lives at.
	Path string

	// Status tells what happened.
	Status ActionStatus

	// Err carries the parse failure for StatusFailed actions.
	Err error
}

// Result collects every action of one import run.
type Result struct {
	Actions []Action
}

// Count returns how many actions have the given status.
func (r *Result) Count(status ActionStatus) int {
	n := 0
	for _, a := range r.Actions {
		if a.Status == status {
			n++
		}
	}
	return n
}

func (r *Result) add(kind, name, path string, status ActionStatus) {
	r.Actions = append(r.Actions, Action{Kind: kind, Name: name, Path: path, Status: status})
}

// Importer scans legacy engine configs and files them into the state
// tree.
type Importer struct {
	stateRoot string
	writer    *state.Writer
	def       Defaults
	log       *telemetry.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger attaches a logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(im *Importer) { im.log = log }
}

// NewImporter builds an Importer writing into the state tree at
// stateRoot.
func NewImporter(stateRoot string, def Defaults, opts ...Option) (*Importer, error) {
	if def.ProviderID == "" || def.ServerID == "" {
		return nil, fleet.NewSchemaError("import defaults need a provider and a server", nil)
	}
	if !def.Environment.Valid() {
		return nil, fleet.NewSchemaError(fmt.Sprintf("invalid default environment %q", def.Environment), nil)
	}
	im := &Importer{
		stateRoot: stateRoot,
		writer:    state.NewWriter(stateRoot),
		def:       def,
	}
	for _, opt := range opts {
		opt(im)
	}
	if im.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		im.log = logger.NewComponentLogger("importer")
	}
	return im, nil
}

// ImportDir parses every engine config under dir and files the
// reconstructed documents. With commit false nothing is written; the
// result lists what a commit would create. Per-file parse failures are
// recorded and the rest of the directory is still imported.
func (im *Importer) ImportDir(dir string, commit bool) (*Result, error) {
	res := &Result{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		var backend fleet.BackendType
		switch {
		case strings.HasSuffix(path, ".conf"):
			backend = fleet.BackendNginx
		case strings.HasSuffix(path, ".yml"), strings.HasSuffix(path, ".yaml"):
			backend = fleet.BackendTraefik
		default:
			return nil
		}
		if err := im.importFile(res, path, backend, commit); err != nil {
			im.log.WithError(err).WithField("file", path).Warn("Import skipped unparseable config")
			res.Actions = append(res.Actions, Action{Kind: "source", Name: path, Status: StatusFailed, Err: err})
		}
		return nil
	})
	if err != nil {
		return nil, fleet.NewSchemaError(fmt.Sprintf("scan import directory %s", dir), err)
	}
	im.log.WithFields(map[string]interface{}{
		"created": res.Count(StatusCreated),
		"planned": res.Count(StatusPlanned),
		"skipped": res.Count(StatusSkipped),
		"failed":  res.Count(StatusFailed),
		"commit":  commit,
	}).Info("Import finished")
	return res, nil
}

func (im *Importer) importFile(res *Result, path string, backend fleet.BackendType, commit bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fleet.NewSchemaError(fmt.Sprintf("read %s", path), err)
	}

	var site *fleet.Site
	var ups []*fleet.Upstream
	switch backend {
	case fleet.BackendNginx:
		site, ups, err = ParseNginxConf(content, im.def)
	case fleet.BackendTraefik:
		site, ups, err = ParseTraefikConf(content, im.def)
	}
	if err != nil {
		return err
	}
	return im.fileSite(res, site, ups, commit)
}

func (im *Importer) fileSite(res *Result, site *fleet.Site, ups []*fleet.Upstream, commit bool) error {
	im.ensureProvider(res, site, commit)
	im.ensureServer(res, site, commit)

	for _, up := range ups {
		path := state.UpstreamPath(im.stateRoot, site.ProviderID, site.Backend, site.Environment, up.Ref)
		im.file(res, "upstream", up.Ref, path, commit, func() (string, error) {
			return im.writer.WriteUpstream(site.ProviderID, site.Backend, site.Environment, up, false)
		})
	}

	sitePath := state.SitePath(im.stateRoot, site.ProviderID, site.Backend, site.Environment, site.Domain)
	im.file(res, "site", site.Domain, sitePath, commit, func() (string, error) {
		return im.writer.WriteSite(site, false)
	})
	return nil
}

func (im *Importer) ensureProvider(res *Result, site *fleet.Site, commit bool) {
	path := state.ProviderFilePath(im.stateRoot, site.ProviderID)
	im.file(res, "provider", site.ProviderID, path, commit, func() (string, error) {
		base := im.def.BaseDomain
		if base == "" {
			base = deriveBaseDomain(site.Domain)
		}
		return im.writer.WriteProvider(&fleet.Provider{
			ID:         site.ProviderID,
			BaseDomain: base,
			Owner:      "imported",
		}, false)
	})
}

func (im *Importer) ensureServer(res *Result, site *fleet.Site, commit bool) {
	path := state.ServerFilePath(im.stateRoot, site.ProviderID, site.ServerID)
	im.file(res, "server", site.ServerID, path, commit, func() (string, error) {
		address := im.def.ServerAddress
		if address == "" {
			address = site.ServerID
		}
		return im.writer.WriteServer(&fleet.Server{
			ID:          site.ServerID,
			ProviderID:  site.ProviderID,
			Environment: site.Environment,
			Address:     address,
		}, false)
	})
}

// file records one document action, writing it when commit is set.
// Existing documents win: the write is never an overwrite.
func (im *Importer) file(res *Result, kind, name, path string, commit bool, write func() (string, error)) {
	if !commit {
		if _, err := os.Stat(path); err == nil {
			res.add(kind, name, path, StatusSkipped)
		} else {
			res.add(kind, name, path, StatusPlanned)
		}
		return
	}
	if _, err := write(); err != nil {
		if errors.Is(err, state.ErrExists) {
			res.add(kind, name, path, StatusSkipped)
			return
		}
		im.log.WithError(err).WithField("path", path).Warn("Import write failed")
		res.Actions = append(res.Actions, Action{Kind: kind, Name: name, Path: path, Status: StatusFailed, Err: err})
		return
	}
	res.add(kind, name, path, StatusCreated)
	im.log.WithFields(map[string]interface{}{"kind": kind, "name": name}).Debug("Imported document")
}
