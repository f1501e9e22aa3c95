package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/propagate"
	"github.com/webfleet/webfleet/pkg/state"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

const (
	defaultWorkers        = 4
	defaultBackendTimeout = 30 * time.Second
)

// Reconciler applies desired state to live web servers.
type Reconciler struct {
	graph       *state.Graph
	gen         *emit.Generator
	controllers map[fleet.BackendType]fleet.BackendController
	mirror      *propagate.Mirror

	workers        int
	backendTimeout time.Duration
	dryRun         bool

	recorder Recorder
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	mu        sync.Mutex
	backendMu map[fleet.BackendType]*sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithWorkers sets how many sites plan and stage concurrently.
func WithWorkers(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBackendTimeout bounds each engine validate and reload call.
func WithBackendTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.backendTimeout = d
		}
	}
}

// WithDryRun makes Apply report what would change without writing to
// the staging or live trees or touching any engine.
func WithDryRun() Option {
	return func(r *Reconciler) { r.dryRun = true }
}

// WithRecorder persists each run's report through the given recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) { r.recorder = rec }
}

// WithLogger attaches a logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithTracer attaches a tracer. Apply runs and per-site reconciliation
// emit spans through it.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Reconciler) {
		if t != nil {
			r.tracer = t
		}
	}
}

// NewReconciler builds a Reconciler over a loaded graph.
func NewReconciler(graph *state.Graph, gen *emit.Generator, controllers map[fleet.BackendType]fleet.BackendController, mirror *propagate.Mirror, opts ...Option) *Reconciler {
	r := &Reconciler{
		graph:          graph,
		gen:            gen,
		controllers:    controllers,
		mirror:         mirror,
		workers:        defaultWorkers,
		backendTimeout: defaultBackendTimeout,
		backendMu:      make(map[fleet.BackendType]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		r.log = logger.NewComponentLogger("reconcile")
	}
	if r.metrics == nil {
		r.metrics = &telemetry.Metrics{}
	}
	if r.tracer == nil {
		r.tracer = telemetry.NoopTracer()
	}
	return r
}

// Apply runs the pipeline for every site the selector matches. Site
// failures are isolated: one site's validation failure rolls that
// site back and the rest of the batch continues. The returned error
// covers only selector resolution; per-site outcomes live in the
// report.
func (r *Reconciler) Apply(ctx context.Context, sel Selector) (*Report, error) {
	sites, err := r.selectSites(sel)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	report := &Report{
		RunID:    runID,
		Selector: sel.String(),
		Started:  time.Now(),
	}
	ctx, span := r.tracer.StartApplySpan(ctx, runID)
	defer span.End()
	telemetry.SetAttributes(span, telemetry.AttrSelector.String(report.Selector))
	log := r.log.WithRunID(runID)
	log.WithFields(map[string]interface{}{
		"selector": report.Selector,
		"sites":    len(sites),
		"dry_run":  r.dryRun,
	}).Info("Apply run started")
	r.metrics.RecordApplyStarted(report.Selector)

	work := make(chan *fleet.Site)
	results := make(chan SiteResult, len(sites))
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for site := range work {
				results <- r.applySite(ctx, log, site)
			}
		}()
	}

	// A canceled context stops feeding new sites; workers finish the
	// sites already in flight so no engine is left mid-transition.
feed:
	for i, site := range sites {
		select {
		case <-ctx.Done():
			report.Skipped = len(sites) - i
			break feed
		case work <- site:
		}
	}
	close(work)
	wg.Wait()
	close(results)

	for res := range results {
		report.Results = append(report.Results, res)
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Domain < report.Results[j].Domain
	})
	report.Finished = time.Now()

	status := "success"
	switch {
	case report.Skipped > 0:
		status = "canceled"
	case len(report.Failed()) > 0:
		status = "failed"
	}
	r.metrics.RecordApplyCompleted(status, report.Duration())
	telemetry.SetAttributes(span, telemetry.AttrRunStatus.String(status))
	if status == "success" {
		telemetry.RecordSuccess(span)
	}
	log.WithFields(map[string]interface{}{
		"status":    status,
		"succeeded": len(report.Succeeded()),
		"failed":    len(report.Failed()),
		"skipped":   report.Skipped,
		"duration":  report.Duration().String(),
	}).Info("Apply run finished")

	if r.recorder != nil && !r.dryRun {
		if err := r.recorder.RecordApply(ctx, report); err != nil {
			log.WithError(err).Warn("Failed to record apply run")
		}
	}
	return report, nil
}

// ApplySite runs the pipeline for a single domain.
func (r *Reconciler) ApplySite(ctx context.Context, domain string) (*Report, error) {
	return r.Apply(ctx, Selector{Domain: domain})
}

func (r *Reconciler) selectSites(sel Selector) ([]*fleet.Site, error) {
	if sel.Domain != "" {
		site, err := r.graph.ResolveSite(sel.Domain)
		if err != nil {
			return nil, err
		}
		return []*fleet.Site{site}, nil
	}
	return r.graph.ListSites(sel.Filter), nil
}

func (r *Reconciler) applySite(ctx context.Context, log *telemetry.Logger, site *fleet.Site) SiteResult {
	start := time.Now()
	log = log.WithDomain(site.Domain).WithBackend(string(site.Backend))
	res := SiteResult{Domain: site.Domain, Backend: site.Backend, Step: StepPlan}

	ctx, span := r.tracer.StartSiteSpan(ctx, site.Domain, string(site.Backend))
	defer func() {
		telemetry.SetAttributes(span, telemetry.AttrStep.String(string(res.Step)))
		span.End()
	}()

	fail := func(err error) SiteResult {
		res.Err = err
		r.metrics.RecordSiteApply(string(site.Backend), "failed", time.Since(start))
		r.metrics.RecordError(string(fleet.KindOf(err)))
		telemetry.SetAttributes(span, telemetry.AttrErrorKind.String(string(fleet.KindOf(err))))
		telemetry.RecordError(span, err)
		log.WithError(err).WithField("step", string(res.Step)).Error("Site apply failed")
		return res
	}

	ups, err := r.graph.SiteUpstreams(site)
	if err != nil {
		return fail(err)
	}
	art, err := r.gen.Generate(site, ups)
	if err != nil {
		return fail(err)
	}
	r.metrics.RecordArtifactGenerated(string(site.Backend))
	res.Fingerprint = art.Fingerprint
	livePath := r.mirror.LivePath(art.RelPath)

	// Fingerprint short-circuit: a live artifact that already matches
	// the desired content means no engine call and no reload.
	if live, err := os.ReadFile(livePath); err == nil && emit.Fingerprint(live) == art.Fingerprint {
		res.Step = StepDone
		if !r.dryRun {
			r.refreshStaged(log, art)
		}
		r.metrics.RecordSiteApply(string(site.Backend), "unchanged", time.Since(start))
		telemetry.RecordSuccess(span)
		log.WithField("fingerprint", art.Fingerprint).Debug("Site already in sync")
		return res
	}

	res.Changed = true
	if r.dryRun {
		log.WithField("fingerprint", art.Fingerprint).Info("Dry run, site would change")
		return res
	}

	res.Step = StepStage
	if err := r.stage(art); err != nil {
		return fail(err)
	}

	prev, prevErr := os.ReadFile(livePath)
	hadPrev := prevErr == nil
	if err := r.mirror.PropagateFile(art.RelPath); err != nil {
		return fail(err)
	}

	ctrl, ok := r.controllers[site.Backend]
	if !ok {
		r.rollback(log, art, prev, hadPrev)
		res.Step = StepRollback
		return fail(fleet.NewInternalError(fmt.Sprintf("no controller for backend %s", site.Backend), nil))
	}

	// Engines validate and reload their whole configuration at once,
	// so these two steps are serialized per backend.
	mu := r.lockBackend(site.Backend)
	mu.Lock()
	defer mu.Unlock()

	res.Step = StepValidate
	if err := r.validate(ctx, site.Backend, ctrl, livePath); err != nil {
		r.metrics.RecordValidationFailure(string(site.Backend))
		r.rollback(log, art, prev, hadPrev)
		res.Step = StepRollback
		return fail(err)
	}

	res.Step = StepActivate
	if err := r.reload(ctx, site.Backend, ctrl); err != nil {
		// The new artifact validated, so it stays live. Rolling back
		// here would swap configs underneath an engine that may pick
		// them up on its own schedule.
		r.metrics.RecordReload(string(site.Backend), "failed")
		return fail(err)
	}
	r.metrics.RecordReload(string(site.Backend), "success")

	res.Step = StepDone
	r.metrics.RecordSiteApply(string(site.Backend), "success", time.Since(start))
	telemetry.RecordSuccess(span)
	log.WithField("fingerprint", art.Fingerprint).Info("Site applied")
	return res
}

func (r *Reconciler) stage(art *fleet.Artifact) error {
	path := r.mirror.StagingPath(art.RelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fleet.NewInternalError(fmt.Sprintf("create staging directory for %s", art.RelPath), err)
	}
	if err := writeFileAtomic(path, art.Content, 0o644); err != nil {
		return fleet.NewInternalError(fmt.Sprintf("stage artifact %s", art.RelPath), err)
	}
	return nil
}

// refreshStaged converges a stale staged copy when the live artifact
// is already current, keeping the staging tree trustworthy for the
// propagation daemon.
func (r *Reconciler) refreshStaged(log *telemetry.Logger, art *fleet.Artifact) {
	staged, err := os.ReadFile(r.mirror.StagingPath(art.RelPath))
	if err == nil && emit.Fingerprint(staged) == art.Fingerprint {
		return
	}
	if err := r.stage(art); err != nil {
		log.WithError(err).Warn("Failed to refresh staged artifact")
	}
}

func (r *Reconciler) validate(ctx context.Context, backend fleet.BackendType, ctrl fleet.BackendController, configPath string) error {
	ctx, cancel := context.WithTimeout(ctx, r.backendTimeout)
	defer cancel()
	ctx, span := r.tracer.StartBackendSpan(ctx, string(backend), "validate")
	defer span.End()
	timer := telemetry.NewTimer()
	err := ctrl.Validate(ctx, configPath)
	r.metrics.RecordBackendCall(string(backend), "validate", timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return err
}

func (r *Reconciler) reload(ctx context.Context, backend fleet.BackendType, ctrl fleet.BackendController) error {
	ctx, cancel := context.WithTimeout(ctx, r.backendTimeout)
	defer cancel()
	ctx, span := r.tracer.StartBackendSpan(ctx, string(backend), "reload")
	defer span.End()
	timer := telemetry.NewTimer()
	err := ctrl.Reload(ctx)
	r.metrics.RecordBackendCall(string(backend), "reload", timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return err
}

// rollback restores the prior live artifact, or removes it when the
// site had none, and reverts the staged copy the same way so the
// daemon cannot re-propagate the rejected content.
func (r *Reconciler) rollback(log *telemetry.Logger, art *fleet.Artifact, prev []byte, hadPrev bool) {
	r.metrics.RecordRollback(string(art.Backend))
	if hadPrev {
		if err := writeFileAtomic(r.mirror.LivePath(art.RelPath), prev, 0o644); err != nil {
			log.WithError(err).Error("Failed to restore previous live artifact")
		}
		if err := writeFileAtomic(r.mirror.StagingPath(art.RelPath), prev, 0o644); err != nil {
			log.WithError(err).Error("Failed to restore previous staged artifact")
		}
		return
	}
	if err := os.Remove(r.mirror.LivePath(art.RelPath)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Error("Failed to remove rolled-back live artifact")
	}
	if err := os.Remove(r.mirror.StagingPath(art.RelPath)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Error("Failed to remove rolled-back staged artifact")
	}
}

func (r *Reconciler) lockBackend(backend fleet.BackendType) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.backendMu[backend]
	if !ok {
		mu = &sync.Mutex{}
		r.backendMu[backend] = mu
	}
	return mu
}
