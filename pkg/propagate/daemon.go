package propagate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// Mode selects how the daemon notices staging changes.
type Mode string

const (
	// ModeAuto watches with inotify and falls back to polling when the
	// watcher cannot be established.
	ModeAuto Mode = "auto"

	// ModeEvents requires the inotify watcher and fails without it.
	ModeEvents Mode = "events"

	// ModePoll rescans the staging tree on a fixed interval.
	ModePoll Mode = "poll"
)

// Valid reports whether the mode is one of auto, events or poll.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeEvents, ModePoll:
		return true
	}
	return false
}

// DaemonConfig tunes the propagation daemon.
type DaemonConfig struct {
	// Mode selects events, poll or auto detection.
	Mode Mode `yaml:"mode" validate:"omitempty,oneof=auto events poll"`

	// Debounce is how long a changed file must stay quiet before it is
	// propagated. Collapses editor write bursts into one copy.
	Debounce time.Duration `yaml:"debounce"`

	// QuietPeriod is how long the whole tree must stay quiet after the
	// last propagation before engines are validated and reloaded.
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// PollInterval is the rescan interval in poll mode.
	PollInterval time.Duration `yaml:"poll_interval"`

	// QueueSize bounds the internal change and reload queues. A full
	// queue applies backpressure to the watch loop rather than growing
	// without bound.
	QueueSize int `yaml:"queue_size"`

	// MaxRetries bounds propagation attempts per file change.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the pause between propagation retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// BackendTimeout bounds each engine validate and reload call.
	BackendTimeout time.Duration `yaml:"backend_timeout"`

	// Owner and Group name the account live artifacts are chowned to,
	// for engines that drop privileges. Empty leaves ownership as-is.
	Owner string `yaml:"owner"`
	Group string `yaml:"group"`

	// FileMode is the octal mode for live artifacts, e.g. "0640".
	// Empty uses the mirror default.
	FileMode string `yaml:"file_mode"`
}

// DefaultDaemonConfig returns the daemon defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Mode:           ModeAuto,
		Debounce:       time.Second,
		QuietPeriod:    2 * time.Second,
		PollInterval:   30 * time.Second,
		QueueSize:      64,
		MaxRetries:     3,
		RetryBackoff:   2 * time.Second,
		BackendTimeout: 30 * time.Second,
	}
}

func (c DaemonConfig) withDefaults() DaemonConfig {
	def := DefaultDaemonConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = def.QuietPeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = def.BackendTimeout
	}
	return c
}

// MirrorOptions resolves the ownership and mode settings into mirror
// options ready to pass to NewMirror.
func (c DaemonConfig) MirrorOptions() ([]MirrorOption, error) {
	var opts []MirrorOption
	if c.FileMode != "" {
		mode, err := strconv.ParseUint(c.FileMode, 8, 32)
		if err != nil {
			return nil, fleet.NewSchemaError(fmt.Sprintf("invalid file_mode %q, want octal like 0640", c.FileMode), err)
		}
		opts = append(opts, WithFileMode(os.FileMode(mode)))
	}
	if c.Owner != "" || c.Group != "" {
		uid, gid := -1, -1
		if c.Owner != "" {
			u, err := user.Lookup(c.Owner)
			if err != nil {
				return nil, fleet.NewSchemaError(fmt.Sprintf("unknown owner %q", c.Owner), err)
			}
			uid, err = strconv.Atoi(u.Uid)
			if err != nil {
				return nil, fleet.NewSchemaError(fmt.Sprintf("non-numeric uid for owner %q", c.Owner), err)
			}
		}
		if c.Group != "" {
			g, err := user.LookupGroup(c.Group)
			if err != nil {
				return nil, fleet.NewSchemaError(fmt.Sprintf("unknown group %q", c.Group), err)
			}
			gid, err = strconv.Atoi(g.Gid)
			if err != nil {
				return nil, fleet.NewSchemaError(fmt.Sprintf("non-numeric gid for group %q", c.Group), err)
			}
		}
		opts = append(opts, WithOwnership(uid, gid))
	}
	return opts, nil
}

// reloadRequest asks the scheduler to validate and reload one backend.
// rel names a changed artifact that still exists live, or is empty when
// the change was a removal.
type reloadRequest struct {
	backend fleet.BackendType
	rel     string
}

// Daemon continuously mirrors the staging tree into the live tree and
// schedules engine reloads after bursts of change settle.
type Daemon struct {
	mirror      *Mirror
	controllers map[fleet.BackendType]fleet.BackendController
	cfg         DaemonConfig
	log         *telemetry.Logger
	metrics     *telemetry.Metrics

	// changes feeds debounced file paths from the watch or poll loop
	// to the propagation worker; dirty feeds propagated backends to
	// the reload scheduler. Both are bounded.
	changes chan string
	dirty   chan reloadRequest

	debounceMu sync.Mutex
	debouncing map[string]*time.Timer
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithDaemonLogger attaches a logger.
func WithDaemonLogger(log *telemetry.Logger) DaemonOption {
	return func(d *Daemon) { d.log = log }
}

// WithDaemonMetrics attaches a metrics registry.
func WithDaemonMetrics(m *telemetry.Metrics) DaemonOption {
	return func(d *Daemon) { d.metrics = m }
}

// NewDaemon builds a propagation daemon over a mirror and the engine
// controllers for the backends present in the fleet.
func NewDaemon(mirror *Mirror, controllers map[fleet.BackendType]fleet.BackendController, cfg DaemonConfig, opts ...DaemonOption) *Daemon {
	d := &Daemon{
		mirror:      mirror,
		controllers: controllers,
		cfg:         cfg.withDefaults(),
		debouncing:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		d.log = logger.NewComponentLogger("propagate")
	}
	if d.metrics == nil {
		d.metrics = &telemetry.Metrics{}
	}
	d.changes = make(chan string, d.cfg.QueueSize)
	d.dirty = make(chan reloadRequest, d.cfg.QueueSize)
	return d
}

// Run blocks until the context is canceled. It performs one full sync
// on startup so a daemon restart converges the live tree, then follows
// staging changes in the configured mode.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.mirror.StagingRoot(), 0o755); err != nil {
		return fleet.NewPropagationError("create staging root", err)
	}
	if err := os.MkdirAll(d.mirror.LiveRoot(), 0o755); err != nil {
		return fleet.NewPropagationError("create live root", err)
	}

	d.startupSync(ctx)

	// The worker and scheduler exit on context cancellation only, so
	// error paths below must cancel before waiting on them.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.worker(ctx)
	}()
	go func() {
		defer wg.Done()
		d.scheduler(ctx)
	}()

	mode := d.cfg.Mode
	if mode == ModeAuto || mode == ModeEvents {
		watcher, err := d.newWatcher()
		if err != nil {
			if mode == ModeEvents {
				cancel()
				wg.Wait()
				return err
			}
			d.log.WithError(err).Warn("Falling back to polling, watcher unavailable")
			mode = ModePoll
		} else {
			d.log.WithField("staging", d.mirror.StagingRoot()).Info("Watching staging tree")
			d.watchLoop(ctx, watcher)
		}
	}
	if mode == ModePoll {
		d.log.WithField("interval", d.cfg.PollInterval.String()).Info("Polling staging tree")
		d.pollLoop(ctx)
	}

	wg.Wait()
	return nil
}

// startupSync converges the live tree once and queues reloads for any
// backend the catch-up pass touched.
func (d *Daemon) startupSync(ctx context.Context) {
	res, err := d.mirror.Sync()
	if err != nil {
		d.log.WithError(err).Error("Startup sync failed")
		return
	}
	for range res.Pruned {
		d.metrics.RecordOrphanPruned()
	}
	if !res.Changed() {
		return
	}
	d.log.WithFields(map[string]interface{}{
		"propagated": len(res.Propagated),
		"pruned":     len(res.Pruned),
	}).Info("Startup sync converged live tree")
	d.queueReloads(ctx, res)
}

func (d *Daemon) queueReloads(ctx context.Context, res *SyncResult) {
	latest := map[fleet.BackendType]string{}
	for _, rel := range res.Propagated {
		if backend, _, ok := emit.ParseArtifactRelPath(rel); ok {
			latest[backend] = rel
		}
	}
	for _, backend := range res.Backends {
		select {
		case d.dirty <- reloadRequest{backend: backend, rel: latest[backend]}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fleet.NewPropagationError("create staging watcher", err)
	}
	err = filepath.WalkDir(d.mirror.StagingRoot(), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, fleet.NewPropagationError("watch staging tree", err)
	}
	return watcher, nil
}

// watchLoop consumes raw fsnotify events, debounces them per file, and
// feeds settled paths into the change queue. New directories are added
// to the watch set as they appear.
func (d *Daemon) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// The directory may already hold children created
					// before the watch landed, so walk it.
					d.watchTree(ctx, watcher, event.Name)
					continue
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, ok := d.mirror.Rel(event.Name)
			if !ok {
				continue
			}
			if _, _, ok := emit.ParseArtifactRelPath(rel); !ok {
				continue
			}
			d.debounce(ctx, rel)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.log.WithError(err).Error("Watcher error")
		}
	}
}

// watchTree adds a directory and its descendants to the watcher and
// debounces any artifact files already present in it.
func (d *Daemon) watchTree(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if err := watcher.Add(path); err != nil {
				d.log.WithError(err).WithField("path", path).Warn("Failed to watch new directory")
			}
			return nil
		}
		if rel, ok := d.mirror.Rel(path); ok {
			if _, _, ok := emit.ParseArtifactRelPath(rel); ok {
				d.debounce(ctx, rel)
			}
		}
		return nil
	})
	if err != nil {
		d.log.WithError(err).WithField("path", dir).Warn("Failed to walk new directory")
	}
}

// debounce arms or extends the per-file settle timer. When the timer
// fires the path enters the change queue; a full queue blocks the
// timer goroutine, not the watch loop.
func (d *Daemon) debounce(ctx context.Context, rel string) {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()
	if timer, ok := d.debouncing[rel]; ok {
		timer.Reset(d.cfg.Debounce)
		return
	}
	d.debouncing[rel] = time.AfterFunc(d.cfg.Debounce, func() {
		d.debounceMu.Lock()
		delete(d.debouncing, rel)
		d.debounceMu.Unlock()
		select {
		case d.changes <- rel:
		case <-ctx.Done():
		}
	})
}

func (d *Daemon) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.mirror.Sync()
			if err != nil {
				d.log.WithError(err).Error("Poll sync failed")
				d.metrics.RecordPropagation("failed")
				continue
			}
			for range res.Propagated {
				d.metrics.RecordPropagation("success")
			}
			for range res.Pruned {
				d.metrics.RecordOrphanPruned()
			}
			if res.Changed() {
				d.queueReloads(ctx, res)
			}
		}
	}
}

// worker drains the change queue, copying or removing one live file
// per settled change, and marks the owning backend dirty.
func (d *Daemon) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rel := <-d.changes:
			backend, _, ok := emit.ParseArtifactRelPath(rel)
			if !ok {
				continue
			}
			req := reloadRequest{backend: backend}
			if _, err := os.Stat(d.mirror.StagingPath(rel)); err == nil {
				if err := d.propagateWithRetry(ctx, rel); err != nil {
					d.log.WithError(err).WithField("artifact", rel).Error("Propagation failed after retries")
					d.metrics.RecordPropagation("failed")
					continue
				}
				d.metrics.RecordPropagation("success")
				req.rel = rel
			} else {
				// Gone from staging: the desired state dropped the
				// site, so the live copy is an orphan.
				if err := d.mirror.RemoveLive(rel); err != nil {
					d.log.WithError(err).WithField("artifact", rel).Error("Orphan removal failed")
					continue
				}
				d.metrics.RecordOrphanPruned()
				d.log.WithField("artifact", rel).Info("Pruned orphaned live artifact")
			}
			select {
			case d.dirty <- req:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Daemon) propagateWithRetry(ctx context.Context, rel string) error {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		err = d.mirror.PropagateFile(rel)
		if err == nil {
			if attempt > 1 {
				d.log.WithFields(map[string]interface{}{
					"artifact": rel,
					"attempt":  attempt,
				}).Info("Propagation succeeded after retry")
			}
			return nil
		}
		if !fleet.IsPropagation(err) || attempt == d.cfg.MaxRetries {
			break
		}
		d.log.WithError(err).WithFields(map[string]interface{}{
			"artifact": rel,
			"attempt":  attempt,
		}).Warn("Propagation failed, retrying")
		select {
		case <-time.After(d.cfg.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// scheduler accumulates dirty backends while changes keep arriving and
// flushes them with a validate-then-reload once the tree has been
// quiet for the configured period.
func (d *Daemon) scheduler(ctx context.Context) {
	pending := map[fleet.BackendType]string{}
	var quiet *time.Timer
	var quietC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if quiet != nil {
				quiet.Stop()
			}
			return

		case req := <-d.dirty:
			// Keep the most recent live artifact path per backend for
			// engines that validate a specific file. A removal marks the
			// backend dirty without displacing an earlier path.
			if req.rel != "" {
				pending[req.backend] = req.rel
			} else if _, ok := pending[req.backend]; !ok {
				pending[req.backend] = ""
			}
			d.metrics.SetPendingReloads(float64(len(pending)))
			if quiet == nil {
				quiet = time.NewTimer(d.cfg.QuietPeriod)
				quietC = quiet.C
			} else {
				if !quiet.Stop() {
					select {
					case <-quietC:
					default:
					}
				}
				quiet.Reset(d.cfg.QuietPeriod)
			}

		case <-quietC:
			d.flush(ctx, pending)
			pending = map[fleet.BackendType]string{}
			d.metrics.SetPendingReloads(0)
			quiet = nil
			quietC = nil
		}
	}
}

// flush validates and reloads each dirty backend. A backend whose
// validation fails keeps serving its previous config; the failure is
// logged and the reload skipped until the next change settles.
func (d *Daemon) flush(ctx context.Context, pending map[fleet.BackendType]string) {
	backends := make([]fleet.BackendType, 0, len(pending))
	for backend := range pending {
		backends = append(backends, backend)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })

	for _, backend := range backends {
		log := d.log.WithBackend(string(backend))
		ctrl, ok := d.controllers[backend]
		if !ok {
			log.Error("No controller for backend, skipping reload")
			continue
		}
		if rel := pending[backend]; rel != "" {
			livePath := d.mirror.LivePath(rel)
			if _, err := os.Stat(livePath); err != nil {
				// The artifact was removed after it was marked dirty.
				// Nothing specific left to validate, but the engine still
				// needs the reload to drop the old config.
				log.WithField("artifact", rel).Debug("Pending artifact gone, reloading without validation")
			} else if err := d.validate(ctx, ctrl, livePath); err != nil {
				d.metrics.RecordValidationFailure(string(backend))
				d.metrics.RecordReload(string(backend), "failed")
				log.WithError(err).Error("Validation failed, reload skipped")
				continue
			}
		}
		if err := d.reload(ctx, ctrl); err != nil {
			d.metrics.RecordReload(string(backend), "failed")
			log.WithError(err).Error("Reload failed")
			continue
		}
		d.metrics.RecordReload(string(backend), "success")
		log.Info("Backend reloaded")
	}
}

func (d *Daemon) validate(ctx context.Context, ctrl fleet.BackendController, configPath string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BackendTimeout)
	defer cancel()
	return ctrl.Validate(ctx, configPath)
}

func (d *Daemon) reload(ctx context.Context, ctrl fleet.BackendController) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BackendTimeout)
	defer cancel()
	return ctrl.Reload(ctx)
}
