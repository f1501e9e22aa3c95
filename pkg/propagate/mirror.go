package propagate

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
)

const (
	defaultFileMode = os.FileMode(0o644)
	defaultDirMode  = os.FileMode(0o755)
)

// Mirror copies artifacts from a staging tree into a live tree,
// normalizing permissions and optionally ownership on every file it
// touches. Relative paths are identical on both sides.
type Mirror struct {
	stagingRoot string
	liveRoot    string

	fileMode os.FileMode
	dirMode  os.FileMode

	// uid and gid of -1 leave ownership as the process default.
	uid int
	gid int
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithFileMode overrides the mode applied to propagated files.
func WithFileMode(mode os.FileMode) MirrorOption {
	return func(m *Mirror) { m.fileMode = mode }
}

// WithOwnership sets the uid and gid applied to propagated files.
// Requires privileges to chown; typically only set when the daemon
// runs as root and the engines read configs as a service user.
func WithOwnership(uid, gid int) MirrorOption {
	return func(m *Mirror) {
		m.uid = uid
		m.gid = gid
	}
}

// NewMirror builds a Mirror between a staging root and a live root.
func NewMirror(stagingRoot, liveRoot string, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		stagingRoot: stagingRoot,
		liveRoot:    liveRoot,
		fileMode:    defaultFileMode,
		dirMode:     defaultDirMode,
		uid:         -1,
		gid:         -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StagingRoot returns the staging tree root.
func (m *Mirror) StagingRoot() string { return m.stagingRoot }

// LiveRoot returns the live tree root.
func (m *Mirror) LiveRoot() string { return m.liveRoot }

// StagingPath returns the absolute staging path for a relative artifact path.
func (m *Mirror) StagingPath(rel string) string {
	return filepath.Join(m.stagingRoot, filepath.FromSlash(rel))
}

// LivePath returns the absolute live path for a relative artifact path.
func (m *Mirror) LivePath(rel string) string {
	return filepath.Join(m.liveRoot, filepath.FromSlash(rel))
}

// Rel converts an absolute path under either root back to the shared
// relative artifact path. Returns false for paths outside both trees.
func (m *Mirror) Rel(abs string) (string, bool) {
	for _, root := range []string{m.stagingRoot, m.liveRoot} {
		rel, err := filepath.Rel(root, abs)
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel), true
		}
	}
	return "", false
}

// PropagateFile copies one staged artifact into the live tree. The
// write goes through a temporary file and rename so engine readers
// never observe a partial config. Mode and ownership are normalized
// even when the content is already current.
func (m *Mirror) PropagateFile(rel string) error {
	src := m.StagingPath(rel)
	data, err := os.ReadFile(src)
	if err != nil {
		return fleet.NewPropagationError(fmt.Sprintf("read staged artifact %s", rel), err)
	}
	dst := m.LivePath(rel)
	if err := os.MkdirAll(filepath.Dir(dst), m.dirMode); err != nil {
		return fleet.NewPropagationError(fmt.Sprintf("create live directory for %s", rel), err)
	}
	if err := writeFileAtomic(dst, data, m.fileMode); err != nil {
		return fleet.NewPropagationError(fmt.Sprintf("write live artifact %s", rel), err)
	}
	return m.normalize(dst, rel)
}

// RemoveLive deletes one artifact from the live tree. Removing an
// already-absent file is not an error.
func (m *Mirror) RemoveLive(rel string) error {
	if err := os.Remove(m.LivePath(rel)); err != nil && !os.IsNotExist(err) {
		return fleet.NewPropagationError(fmt.Sprintf("remove live artifact %s", rel), err)
	}
	return nil
}

// Current reports whether the live copy of rel already matches the
// staged content byte for byte.
func (m *Mirror) Current(rel string) (bool, error) {
	staged, err := os.ReadFile(m.StagingPath(rel))
	if err != nil {
		return false, fleet.NewPropagationError(fmt.Sprintf("read staged artifact %s", rel), err)
	}
	live, err := os.ReadFile(m.LivePath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fleet.NewPropagationError(fmt.Sprintf("read live artifact %s", rel), err)
	}
	return bytes.Equal(staged, live), nil
}

// Orphans lists artifact paths present in the live tree with no staged
// counterpart. Only paths matching the artifact layout are considered;
// unrelated files in the live tree are never touched.
func (m *Mirror) Orphans() ([]string, error) {
	var orphans []string
	err := filepath.WalkDir(m.liveRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, ok := m.Rel(path)
		if !ok {
			return nil
		}
		if _, _, ok := emit.ParseArtifactRelPath(rel); !ok {
			return nil
		}
		if _, err := os.Stat(m.StagingPath(rel)); os.IsNotExist(err) {
			orphans = append(orphans, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fleet.NewPropagationError("scan live tree for orphans", err)
	}
	sort.Strings(orphans)
	return orphans, nil
}

// SyncResult summarizes one full propagation pass.
type SyncResult struct {
	// Propagated lists artifact paths copied because staging and live
	// content differed or the live copy was missing.
	Propagated []string

	// Pruned lists live artifact paths removed as orphans.
	Pruned []string

	// Backends holds the set of backends whose artifacts changed in
	// this pass and therefore need a validate-and-reload.
	Backends []fleet.BackendType
}

// Changed reports whether the pass altered the live tree at all.
func (r *SyncResult) Changed() bool {
	return len(r.Propagated) > 0 || len(r.Pruned) > 0
}

// Sync walks the full staging tree, propagates every artifact whose
// live copy is missing or stale, and prunes live orphans. Used by the
// daemon's polling mode and as the catch-up pass on startup.
func (m *Mirror) Sync() (*SyncResult, error) {
	res := &SyncResult{}
	seen := map[fleet.BackendType]bool{}
	err := filepath.WalkDir(m.stagingRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, ok := m.Rel(path)
		if !ok {
			return nil
		}
		backend, _, ok := emit.ParseArtifactRelPath(rel)
		if !ok {
			return nil
		}
		current, err := m.Current(rel)
		if err != nil {
			return err
		}
		if current {
			// Content matches; still normalize mode and ownership so a
			// manually chmodded file converges.
			return m.normalize(m.LivePath(rel), rel)
		}
		if err := m.PropagateFile(rel); err != nil {
			return err
		}
		res.Propagated = append(res.Propagated, rel)
		seen[backend] = true
		return nil
	})
	if err != nil {
		if _, ok := err.(*fleet.Error); ok {
			return nil, err
		}
		return nil, fleet.NewPropagationError("scan staging tree", err)
	}

	orphans, err := m.Orphans()
	if err != nil {
		return nil, err
	}
	for _, rel := range orphans {
		if err := m.RemoveLive(rel); err != nil {
			return nil, err
		}
		res.Pruned = append(res.Pruned, rel)
		if backend, _, ok := emit.ParseArtifactRelPath(rel); ok {
			seen[backend] = true
		}
	}

	sort.Strings(res.Propagated)
	for backend := range seen {
		res.Backends = append(res.Backends, backend)
	}
	sort.Slice(res.Backends, func(i, j int) bool { return res.Backends[i] < res.Backends[j] })
	return res, nil
}

func (m *Mirror) normalize(path, rel string) error {
	if err := os.Chmod(path, m.fileMode); err != nil {
		return fleet.NewPropagationError(fmt.Sprintf("chmod live artifact %s", rel), err)
	}
	if m.uid >= 0 || m.gid >= 0 {
		if err := os.Chown(path, m.uid, m.gid); err != nil {
			return fleet.NewPropagationError(fmt.Sprintf("chown live artifact %s", rel), err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".webfleet-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
