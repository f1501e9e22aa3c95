package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// Loader reads operator policies from .rego files on disk. Metadata is
// carried in leading comment lines, for example:
//
//	# description: forbid port 80 upstream nodes
//	# severity: error
//	# tags: security, transport
type Loader struct {
	log     *telemetry.Logger
	mu      sync.RWMutex
	cache   map[string]Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader. A nil logger falls back to the default
// component logger.
func NewLoader(log *telemetry.Logger) *Loader {
	if log == nil {
		logger, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		log = logger.NewComponentLogger("policy-loader")
	}
	return &Loader{
		log:   log,
		cache: make(map[string]Policy),
	}
}

// LoadDir loads every .rego file under dir, recursively. Files that fail to
// parse are logged and skipped so one broken policy does not take down the
// whole set.
func (l *Loader) LoadDir(dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		p, err := l.loadFile(path)
		if err != nil {
			l.log.WithError(err).WithField("path", path).Warn("skipping policy file")
			return nil
		}
		policies = append(policies, p)
		return nil
	})
	if err != nil {
		return nil, fleet.NewSchemaError("walking policy directory "+dir, err)
	}

	l.log.WithFields(map[string]interface{}{
		"dir":   dir,
		"count": len(policies),
	}).Info("policies loaded")

	return policies, nil
}

func (l *Loader) loadFile(path string) (Policy, error) {
	l.mu.RLock()
	if cached, ok := l.cache[path]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fleet.NewSchemaError("reading policy file", err)
	}

	src := string(data)
	if extractPackageName(src) == "" {
		return Policy{}, fleet.NewSchemaError("policy file "+path+" has no package declaration", nil)
	}

	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     src,
		Severity: SeverityWarning,
		Enabled:  true,
	}
	applyHeaderMetadata(&p, src)

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	return p, nil
}

// applyHeaderMetadata reads "# key: value" comment lines above the package
// declaration.
func applyHeaderMetadata(p *Policy, src string) {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				return
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, ok := strings.Cut(comment, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "description":
			p.Description = value
		case "severity":
			switch Severity(value) {
			case SeverityInfo, SeverityWarning, SeverityError:
				p.Severity = Severity(value)
			}
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		}
	}
}

// Watch reloads policies from dir whenever a .rego file changes, calling
// reloadFn with the fresh set. Events are debounced so an editor save burst
// produces one reload.
func (l *Loader) Watch(ctx context.Context, dir string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fleet.NewInternalError("creating policy watcher", err)
	}
	l.watcher = watcher

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fleet.NewInternalError("watching policy directory "+dir, err)
	}

	go l.processEvents(ctx, dir, reloadFn)

	l.log.WithField("dir", dir).Info("watching policy directory")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, dir string, reloadFn func([]Policy) error) {
	const reloadDelay = 500 * time.Millisecond
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				policies, err := l.LoadDir(dir)
				if err != nil {
					l.log.WithError(err).Error("policy reload failed")
					return
				}
				if err := reloadFn(policies); err != nil {
					l.log.WithError(err).Error("applying reloaded policies failed")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.WithError(err).Error("policy watcher error")
		}
	}
}

// StopWatching closes the underlying watcher.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache drops all cached file parses.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]Policy)
	l.mu.Unlock()
}
