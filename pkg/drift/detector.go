package drift

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/state"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// Detector computes drift between the desired-state graph and the live
// configuration tree.
type Detector struct {
	graph    *state.Graph
	gen      *emit.Generator
	liveRoot string
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(d *Detector) { d.log = log }
}

// WithMetrics records each comparison verdict.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector creates a detector over a loaded graph and a live tree.
func NewDetector(graph *state.Graph, gen *emit.Generator, liveRoot string, opts ...Option) *Detector {
	d := &Detector{
		graph:    graph,
		gen:      gen,
		liveRoot: liveRoot,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		d.log = logger.NewComponentLogger("drift")
	}
	return d
}

// CheckSite compares one site against its live artifact.
func (d *Detector) CheckSite(site *fleet.Site) (fleet.DriftRecord, error) {
	upstreams, err := d.graph.SiteUpstreams(site)
	if err != nil {
		return fleet.DriftRecord{}, err
	}
	desired, err := d.gen.Generate(site, upstreams)
	if err != nil {
		return fleet.DriftRecord{}, err
	}

	rec := fleet.DriftRecord{
		Domain:             site.Domain,
		Backend:            site.Backend,
		Path:               desired.RelPath,
		DesiredFingerprint: desired.Fingerprint,
	}

	live, err := os.ReadFile(filepath.Join(d.liveRoot, desired.RelPath))
	switch {
	case os.IsNotExist(err):
		rec.Status = fleet.DriftMissingLive
	case err != nil:
		return fleet.DriftRecord{}, fleet.NewInternalError("cannot read live artifact", err).WithDomain(site.Domain)
	default:
		rec.LiveFingerprint = emit.Fingerprint(live)
		if rec.LiveFingerprint == rec.DesiredFingerprint {
			rec.Status = fleet.DriftInSync
		} else {
			rec.Status = fleet.DriftDiverged
		}
	}

	d.record(rec)
	return rec, nil
}

// Scan checks every site matching the filter and then walks the live
// tree for artifacts with no corresponding site. Records are ordered:
// declared sites lexicographically by domain, then orphans by path.
// A site whose artifact cannot be generated is logged and skipped so
// one bad document does not hide the rest of the fleet's drift.
func (d *Detector) Scan(filter state.Filter) ([]fleet.DriftRecord, error) {
	var records []fleet.DriftRecord

	for _, site := range d.graph.ListSites(filter) {
		rec, err := d.CheckSite(site)
		if err != nil {
			d.log.WithDomain(site.Domain).WithError(err).Warn("drift check skipped")
			continue
		}
		records = append(records, rec)
	}

	orphans, err := d.orphanRecords(filter)
	if err != nil {
		return nil, err
	}
	records = append(records, orphans...)
	return records, nil
}

// orphanRecords walks the live tree and reports artifacts whose domain
// has no declared site.
func (d *Detector) orphanRecords(filter state.Filter) ([]fleet.DriftRecord, error) {
	var orphans []fleet.DriftRecord

	err := filepath.WalkDir(d.liveRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == d.liveRoot {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(d.liveRoot, path)
		if err != nil {
			return err
		}
		backend, domain, ok := emit.ParseArtifactRelPath(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		if _, err := d.graph.ResolveSite(domain); err == nil {
			return nil
		}
		if !matchesOrphan(filter, filepath.ToSlash(rel)) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rec := fleet.DriftRecord{
			Domain:          domain,
			Backend:         backend,
			Path:            filepath.ToSlash(rel),
			LiveFingerprint: emit.Fingerprint(content),
			Status:          fleet.DriftMissingDesired,
		}
		d.record(rec)
		orphans = append(orphans, rec)
		return nil
	})
	if err != nil {
		return nil, fleet.NewInternalError("cannot walk live tree", err)
	}

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Path < orphans[j].Path })
	return orphans, nil
}

// matchesOrphan applies the scan filter to a live artifact path. Only
// path components carry scope information for orphans; apache and
// traefik artifacts do not encode the provider, so a provider filter
// keeps them all.
func matchesOrphan(filter state.Filter, rel string) bool {
	if filter.Environment != "" {
		env := string(filter.Environment)
		dir := filepath.ToSlash(filepath.Dir(rel))
		if dir != "" && !containsSegment(dir, env) {
			// Traefik paths carry no environment either; keep them.
			if !containsSegment(dir, "dynamic") {
				return false
			}
		}
	}
	return true
}

func containsSegment(dir, segment string) bool {
	for _, part := range strings.Split(dir, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func (d *Detector) record(rec fleet.DriftRecord) {
	if d.metrics != nil {
		d.metrics.RecordDriftCheck(string(rec.Backend), string(rec.Status))
	}
}
