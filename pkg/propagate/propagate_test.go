package propagate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/webfleet/webfleet/pkg/fleet"
)

const siteRel = "nginx/conf.d/lunarsystemx/dev/dev.example.com.conf"

func stage(t *testing.T, m *Mirror, rel, content string) {
	t.Helper()
	path := m.StagingPath(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	return NewMirror(t.TempDir(), t.TempDir())
}

func TestPropagateFileCopiesAndNormalizesMode(t *testing.T) {
	m := newTestMirror(t)
	stage(t, m, siteRel, "server {}\n")

	if err := m.PropagateFile(siteRel); err != nil {
		t.Fatalf("PropagateFile: %v", err)
	}
	live, err := os.ReadFile(m.LivePath(siteRel))
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	if string(live) != "server {}\n" {
		t.Errorf("live content = %q", live)
	}
	info, err := os.Stat(m.LivePath(siteRel))
	if err != nil {
		t.Fatalf("stat live: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("live mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestPropagateFileAppliesConfiguredMode(t *testing.T) {
	m := NewMirror(t.TempDir(), t.TempDir(), WithFileMode(0o600))
	stage(t, m, siteRel, "server {}\n")

	if err := m.PropagateFile(siteRel); err != nil {
		t.Fatalf("PropagateFile: %v", err)
	}
	info, err := os.Stat(m.LivePath(siteRel))
	if err != nil {
		t.Fatalf("stat live: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("live mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestPropagateFileMissingStaged(t *testing.T) {
	m := newTestMirror(t)
	err := m.PropagateFile(siteRel)
	if !fleet.IsPropagation(err) {
		t.Fatalf("err = %v, want propagation kind", err)
	}
}

func TestCurrent(t *testing.T) {
	m := newTestMirror(t)
	stage(t, m, siteRel, "server {}\n")

	if ok, _ := m.Current(siteRel); ok {
		t.Error("Current true before propagation")
	}
	if err := m.PropagateFile(siteRel); err != nil {
		t.Fatalf("PropagateFile: %v", err)
	}
	if ok, _ := m.Current(siteRel); !ok {
		t.Error("Current false after propagation")
	}
	stage(t, m, siteRel, "server { listen 80; }\n")
	if ok, _ := m.Current(siteRel); ok {
		t.Error("Current true after staged content changed")
	}
}

func TestSyncPropagatesAndPrunes(t *testing.T) {
	m := newTestMirror(t)
	stage(t, m, siteRel, "server {}\n")

	// An orphan in the live tree, plus an unmanaged file that must
	// survive the prune.
	orphanRel := "nginx/conf.d/lunarsystemx/dev/old.example.com.conf"
	for _, rel := range []string{orphanRel, "nginx/conf.d/README"} {
		path := m.LivePath(rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	res, err := m.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Propagated) != 1 || res.Propagated[0] != siteRel {
		t.Errorf("propagated = %v", res.Propagated)
	}
	if len(res.Pruned) != 1 || res.Pruned[0] != orphanRel {
		t.Errorf("pruned = %v", res.Pruned)
	}
	if len(res.Backends) != 1 || res.Backends[0] != fleet.BackendNginx {
		t.Errorf("backends = %v", res.Backends)
	}
	if _, err := os.Stat(m.LivePath(orphanRel)); !os.IsNotExist(err) {
		t.Error("orphan still present")
	}
	if _, err := os.Stat(m.LivePath("nginx/conf.d/README")); err != nil {
		t.Error("unmanaged live file was pruned")
	}

	// A second pass is a no-op.
	res, err = m.Sync()
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res.Changed() {
		t.Errorf("second sync changed the tree: %+v", res)
	}
}

func TestSyncEmptyTrees(t *testing.T) {
	m := NewMirror(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "absent"))
	res, err := m.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Changed() {
		t.Errorf("sync of absent trees changed something: %+v", res)
	}
}

func TestRemoveLiveIdempotent(t *testing.T) {
	m := newTestMirror(t)
	if err := m.RemoveLive(siteRel); err != nil {
		t.Fatalf("RemoveLive of absent file: %v", err)
	}
}

func TestRel(t *testing.T) {
	m := newTestMirror(t)
	rel, ok := m.Rel(m.StagingPath(siteRel))
	if !ok || rel != siteRel {
		t.Errorf("Rel(staging) = %q, %v", rel, ok)
	}
	rel, ok = m.Rel(m.LivePath(siteRel))
	if !ok || rel != siteRel {
		t.Errorf("Rel(live) = %q, %v", rel, ok)
	}
	if _, ok := m.Rel("/etc/passwd"); ok {
		t.Error("Rel accepted a path outside both trees")
	}
}

type fakeController struct {
	backend fleet.BackendType

	mu           sync.Mutex
	validated    []string
	reloads      int
	failValidate error
}

func (f *fakeController) Backend() fleet.BackendType { return f.backend }

func (f *fakeController) Validate(ctx context.Context, configPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, configPath)
	return f.failValidate
}

func (f *fakeController) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeController) reloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastDaemonConfig(mode Mode) DaemonConfig {
	return DaemonConfig{
		Mode:           mode,
		Debounce:       20 * time.Millisecond,
		QuietPeriod:    40 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		QueueSize:      16,
		MaxRetries:     2,
		RetryBackoff:   10 * time.Millisecond,
		BackendTimeout: time.Second,
	}
}

func startDaemon(t *testing.T, m *Mirror, ctrl *fakeController, mode Mode) context.CancelFunc {
	t.Helper()
	controllers := map[fleet.BackendType]fleet.BackendController{fleet.BackendNginx: ctrl}
	d := NewDaemon(m, controllers, fastDaemonConfig(mode))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestDaemonEventsPropagatesAndReloads(t *testing.T) {
	m := newTestMirror(t)
	ctrl := &fakeController{backend: fleet.BackendNginx}
	startDaemon(t, m, ctrl, ModeEvents)

	stage(t, m, siteRel, "server {}\n")

	waitFor(t, "live artifact", func() bool {
		_, err := os.Stat(m.LivePath(siteRel))
		return err == nil
	})
	waitFor(t, "reload", func() bool { return ctrl.reloadCount() == 1 })
}

func TestDaemonCoalescesBurstIntoOneReload(t *testing.T) {
	m := newTestMirror(t)
	ctrl := &fakeController{backend: fleet.BackendNginx}
	startDaemon(t, m, ctrl, ModeEvents)

	for i := 0; i < 5; i++ {
		stage(t, m, siteRel, "server {}\n")
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, "reload", func() bool { return ctrl.reloadCount() >= 1 })

	// Allow any stray reloads to land before counting.
	time.Sleep(150 * time.Millisecond)
	if got := ctrl.reloadCount(); got != 1 {
		t.Errorf("reloads = %d, want 1 for a coalesced burst", got)
	}
}

func TestDaemonPrunesOrphanOnRemoval(t *testing.T) {
	m := newTestMirror(t)
	ctrl := &fakeController{backend: fleet.BackendNginx}
	startDaemon(t, m, ctrl, ModeEvents)

	stage(t, m, siteRel, "server {}\n")
	waitFor(t, "live artifact", func() bool {
		_, err := os.Stat(m.LivePath(siteRel))
		return err == nil
	})
	waitFor(t, "first reload", func() bool { return ctrl.reloadCount() == 1 })

	if err := os.Remove(m.StagingPath(siteRel)); err != nil {
		t.Fatalf("remove staged: %v", err)
	}
	waitFor(t, "orphan prune", func() bool {
		_, err := os.Stat(m.LivePath(siteRel))
		return os.IsNotExist(err)
	})
	waitFor(t, "reload after prune", func() bool { return ctrl.reloadCount() == 2 })
}

func TestDaemonValidationFailureSkipsReload(t *testing.T) {
	m := newTestMirror(t)
	ctrl := &fakeController{
		backend:      fleet.BackendNginx,
		failValidate: fleet.NewValidationError("unknown directive", nil),
	}
	startDaemon(t, m, ctrl, ModeEvents)

	stage(t, m, siteRel, "server {}\n")
	waitFor(t, "validation attempt", func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.validated) >= 1
	})
	time.Sleep(100 * time.Millisecond)
	if got := ctrl.reloadCount(); got != 0 {
		t.Errorf("reloads = %d, want 0 after validation failure", got)
	}
	// The live copy stays in place; only the reload is withheld.
	if _, err := os.Stat(m.LivePath(siteRel)); err != nil {
		t.Errorf("live artifact missing after failed validation: %v", err)
	}
}

func TestDaemonPollMode(t *testing.T) {
	m := newTestMirror(t)
	ctrl := &fakeController{backend: fleet.BackendNginx}
	startDaemon(t, m, ctrl, ModePoll)

	stage(t, m, siteRel, "server {}\n")
	waitFor(t, "live artifact", func() bool {
		_, err := os.Stat(m.LivePath(siteRel))
		return err == nil
	})
	waitFor(t, "reload", func() bool { return ctrl.reloadCount() >= 1 })
}

func TestDaemonStartupSyncConverges(t *testing.T) {
	m := newTestMirror(t)
	stage(t, m, siteRel, "server {}\n")

	ctrl := &fakeController{backend: fleet.BackendNginx}
	startDaemon(t, m, ctrl, ModeEvents)

	waitFor(t, "live artifact from startup sync", func() bool {
		_, err := os.Stat(m.LivePath(siteRel))
		return err == nil
	})
	waitFor(t, "reload", func() bool { return ctrl.reloadCount() == 1 })
}

func TestDaemonEventsModeFailsFastWithoutWatcher(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind root")
	}
	m := newTestMirror(t)
	stage(t, m, siteRel, "server {}\n")

	// An unreadable staging subdirectory makes watcher setup fail.
	locked := filepath.Dir(m.StagingPath(siteRel))
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	ctrl := &fakeController{backend: fleet.BackendNginx}
	controllers := map[fleet.BackendType]fleet.BackendController{fleet.BackendNginx: ctrl}
	d := NewDaemon(m, controllers, fastDaemonConfig(ModeEvents))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		if !fleet.IsPropagation(err) {
			t.Errorf("Run err = %v, want propagation kind", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after watcher setup failed")
	}
}

func TestFlushReloadsWhenPendingArtifactGone(t *testing.T) {
	m := newTestMirror(t)
	ctrl := &fakeController{backend: fleet.BackendNginx}
	controllers := map[fleet.BackendType]fleet.BackendController{fleet.BackendNginx: ctrl}
	d := NewDaemon(m, controllers, fastDaemonConfig(ModeEvents))

	// The pending path was pruned from the live tree after it was
	// marked dirty. Validation has nothing to check, but the engine
	// still must reload to drop the old config.
	d.flush(context.Background(), map[fleet.BackendType]string{fleet.BackendNginx: siteRel})

	ctrl.mu.Lock()
	validated := len(ctrl.validated)
	ctrl.mu.Unlock()
	if validated != 0 {
		t.Errorf("validations = %d, want 0 for a missing artifact", validated)
	}
	if got := ctrl.reloadCount(); got != 1 {
		t.Errorf("reloads = %d, want 1", got)
	}
}

func TestDaemonConfigMirrorOptions(t *testing.T) {
	opts, err := DaemonConfig{}.MirrorOptions()
	if err != nil || len(opts) != 0 {
		t.Errorf("empty config = %d options, err %v", len(opts), err)
	}

	opts, err = DaemonConfig{FileMode: "0600"}.MirrorOptions()
	if err != nil {
		t.Fatalf("MirrorOptions: %v", err)
	}
	if len(opts) != 1 {
		t.Fatalf("options = %d, want 1", len(opts))
	}
	m := NewMirror(t.TempDir(), t.TempDir(), opts...)
	stage(t, m, siteRel, "server {}\n")
	if err := m.PropagateFile(siteRel); err != nil {
		t.Fatalf("PropagateFile: %v", err)
	}
	info, err := os.Stat(m.LivePath(siteRel))
	if err != nil {
		t.Fatalf("stat live: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("live mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := (DaemonConfig{FileMode: "not-octal"}).MirrorOptions(); !fleet.IsSchema(err) {
		t.Errorf("bad file_mode err = %v, want schema kind", err)
	}
	if _, err := (DaemonConfig{Owner: "no-such-user-webfleet"}).MirrorOptions(); !fleet.IsSchema(err) {
		t.Errorf("unknown owner err = %v, want schema kind", err)
	}
}

func TestModeValid(t *testing.T) {
	for _, mode := range []Mode{ModeAuto, ModeEvents, ModePoll} {
		if !mode.Valid() {
			t.Errorf("%s not valid", mode)
		}
	}
	if Mode("push").Valid() {
		t.Error("push accepted")
	}
}
