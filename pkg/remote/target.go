package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/sftp"

	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/propagate"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// Target mirrors the local staging tree into the live configuration
// tree of one remote server. Remote paths always use forward slashes.
type Target struct {
	client *Client
	root   string

	fileMode os.FileMode
	log      *telemetry.Logger
}

// TargetOption configures a Target.
type TargetOption func(*Target)

// WithTargetFileMode overrides the mode applied to pushed files.
func WithTargetFileMode(mode os.FileMode) TargetOption {
	return func(t *Target) { t.fileMode = mode }
}

// WithTargetLogger attaches a logger.
func WithTargetLogger(log *telemetry.Logger) TargetOption {
	return func(t *Target) { t.log = log }
}

// NewTarget builds a Target rooted at the remote live directory.
func NewTarget(client *Client, root string, opts ...TargetOption) *Target {
	t := &Target{
		client:   client,
		root:     root,
		fileMode: 0o644,
		log:      client.log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RemotePath returns the absolute remote path for an artifact.
func (t *Target) RemotePath(rel string) string {
	return path.Join(t.root, rel)
}

// PushFile writes one artifact to the remote live tree through a
// temporary file and rename, then normalizes its mode.
func (t *Target) PushFile(ctx context.Context, rel string, data []byte) error {
	_, sftpClient, err := t.client.conn(ctx)
	if err != nil {
		return err
	}
	dst := t.RemotePath(rel)
	if err := sftpClient.MkdirAll(path.Dir(dst)); err != nil {
		return fleet.NewPropagationError(fmt.Sprintf("create remote directory for %s", rel), err)
	}
	tmp := dst + ".webfleet-tmp"
	f, err := sftpClient.Create(tmp)
	if err != nil {
		return fleet.NewPropagationError(fmt.Sprintf("create remote temp file for %s", rel), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		sftpClient.Remove(tmp)
		return fleet.NewPropagationError(fmt.Sprintf("write remote artifact %s", rel), err)
	}
	if err := f.Chmod(t.fileMode); err != nil {
		f.Close()
		sftpClient.Remove(tmp)
		return fleet.NewPropagationError(fmt.Sprintf("chmod remote artifact %s", rel), err)
	}
	if err := f.Close(); err != nil {
		sftpClient.Remove(tmp)
		return fleet.NewPropagationError(fmt.Sprintf("flush remote artifact %s", rel), err)
	}
	if err := sftpClient.PosixRename(tmp, dst); err != nil {
		sftpClient.Remove(tmp)
		return fleet.NewPropagationError(fmt.Sprintf("rename remote artifact %s", rel), err)
	}
	return nil
}

// Remove deletes one artifact from the remote live tree. A missing
// file is not an error.
func (t *Target) Remove(ctx context.Context, rel string) error {
	_, sftpClient, err := t.client.conn(ctx)
	if err != nil {
		return err
	}
	if err := sftpClient.Remove(t.RemotePath(rel)); err != nil && !os.IsNotExist(err) {
		return fleet.NewPropagationError(fmt.Sprintf("remove remote artifact %s", rel), err)
	}
	return nil
}

func (t *Target) readRemote(sftpClient *sftp.Client, rel string) ([]byte, bool, error) {
	f, err := sftpClient.Open(t.RemotePath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fleet.NewPropagationError(fmt.Sprintf("read remote artifact %s", rel), err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fleet.NewPropagationError(fmt.Sprintf("read remote artifact %s", rel), err)
	}
	return data, true, nil
}

// Sync pushes every staged artifact whose remote copy is missing or
// stale and prunes remote orphans. Returns what changed so the caller
// can schedule remote engine reloads.
func (t *Target) Sync(ctx context.Context, stagingRoot string) (*propagate.SyncResult, error) {
	_, sftpClient, err := t.client.conn(ctx)
	if err != nil {
		return nil, err
	}

	res := &propagate.SyncResult{}
	seen := map[fleet.BackendType]bool{}
	staged := map[string]bool{}

	err = filepath.WalkDir(stagingRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		relPath, err := filepath.Rel(stagingRoot, p)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(relPath)
		backend, _, ok := emit.ParseArtifactRelPath(rel)
		if !ok {
			return nil
		}
		staged[rel] = true
		local, err := os.ReadFile(p)
		if err != nil {
			return fleet.NewPropagationError(fmt.Sprintf("read staged artifact %s", rel), err)
		}
		remote, exists, err := t.readRemote(sftpClient, rel)
		if err != nil {
			return err
		}
		if exists && bytes.Equal(local, remote) {
			return nil
		}
		if err := t.PushFile(ctx, rel, local); err != nil {
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

	orphans, err := t.remoteOrphans(sftpClient, staged)
	if err != nil {
		return nil, err
	}
	for _, rel := range orphans {
		if err := t.Remove(ctx, rel); err != nil {
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

	if res.Changed() {
		t.log.WithFields(map[string]interface{}{
			"pushed": len(res.Propagated),
			"pruned": len(res.Pruned),
			"root":   t.root,
		}).Info("Remote live tree synced")
	}
	return res, nil
}

func (t *Target) remoteOrphans(sftpClient *sftp.Client, staged map[string]bool) ([]string, error) {
	var orphans []string
	walker := sftpClient.Walk(t.root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fleet.NewPropagationError("scan remote live tree", err)
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(path.Clean(walker.Path()), path.Clean(t.root)+"/")
		if _, _, ok := emit.ParseArtifactRelPath(rel); !ok {
			continue
		}
		if !staged[rel] {
			orphans = append(orphans, rel)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}
