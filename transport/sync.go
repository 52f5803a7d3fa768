package transport

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"devkitd/manifest"
)

// removeBatch bounds the number of paths passed to a single rm.
const removeBatch = 200

func (c *sshConn) SyncTree(ctx context.Context, localPath, remotePath string, m manifest.Manifest, opts SyncOptions) (SyncResult, error) {
	remotePath = strings.TrimSuffix(remotePath, "/")
	if remotePath == "" {
		return SyncResult{}, fmt.Errorf("remote path is empty")
	}

	live, err := c.store.LoadManifest(c.deviceID, remotePath, ManifestLive)
	if err != nil {
		return SyncResult{}, fmt.Errorf("loading manifest: %w", err)
	}

	target, kind, base := remotePath, ManifestLive, live
	if opts.Atomic {
		target, kind = remotePath+StagingSuffix, ManifestStaging
		base, err = c.prepareStaging(ctx, remotePath, live, opts.Force)
		if err != nil {
			return SyncResult{}, err
		}
	}

	prev := base
	if opts.Force {
		prev = nil
	}
	changed, _ := manifest.Diff(prev, m)
	_, removed := manifest.Diff(base, m)

	var total int64
	for _, p := range changed {
		total += m[p].Size
	}

	c.log.Info().
		Str("remote_path", remotePath).
		Int("changed", len(changed)).
		Int("unchanged", len(m)-len(changed)).
		Str("size", humanize.IBytes(uint64(total))).
		Bool("atomic", opts.Atomic).
		Msg("Syncing tree")

	result := SyncResult{}
	sent, err := c.upload(ctx, localPath, target, remotePath, kind, m, changed, total, opts.Progress)
	result.BytesTransferred = sent
	if err != nil {
		return result, err
	}
	result.FilesChanged = len(changed)

	if opts.Mirror && len(removed) > 0 {
		if err := c.remove(ctx, target, remotePath, kind, removed); err != nil {
			return result, err
		}
		result.FilesRemoved = len(removed)
	}

	if opts.Atomic {
		if err := c.swapStaging(ctx, remotePath); err != nil {
			return result, err
		}
		staged, err := c.store.LoadManifest(c.deviceID, remotePath, ManifestStaging)
		if err != nil {
			return result, fmt.Errorf("loading staging manifest: %w", err)
		}
		if err := c.store.ReplaceManifest(c.deviceID, remotePath, ManifestLive, staged); err != nil {
			return result, fmt.Errorf("recording manifest: %w", err)
		}
		if err := c.store.ClearManifest(c.deviceID, remotePath, ManifestStaging); err != nil {
			return result, fmt.Errorf("clearing staging manifest: %w", err)
		}
	}

	c.log.Info().
		Str("remote_path", remotePath).
		Str("transferred", humanize.IBytes(uint64(result.BytesTransferred))).
		Int("files_changed", result.FilesChanged).
		Int("files_removed", result.FilesRemoved).
		Msg("Tree synced")
	return result, nil
}

// prepareStaging makes sure the staging tree exists and returns its recorded manifest.
// An interrupted staging tree is resumed; otherwise the live tree is cloned with hard links.
func (c *sshConn) prepareStaging(ctx context.Context, remotePath string, live manifest.Manifest, force bool) (manifest.Manifest, error) {
	staging := remotePath + StagingSuffix

	if !force {
		staged, err := c.store.LoadManifest(c.deviceID, remotePath, ManifestStaging)
		if err != nil {
			return nil, fmt.Errorf("loading staging manifest: %w", err)
		}
		if len(staged) > 0 && c.runSimple(ctx, "test -d "+QuotePath(staging), nil) == nil {
			c.log.Info().Str("staging", staging).Int("staged", len(staged)).Msg("Resuming staging tree")
			return staged, nil
		}
	}

	cmd := fmt.Sprintf("mkdir -p %[1]s && rm -rf %[2]s && cp -al %[1]s %[2]s",
		QuotePath(remotePath), QuotePath(staging))
	if err := c.runSimple(ctx, cmd, nil); err != nil {
		return nil, fmt.Errorf("creating staging tree: %w", err)
	}
	if err := c.store.ReplaceManifest(c.deviceID, remotePath, ManifestStaging, live); err != nil {
		return nil, fmt.Errorf("recording staging manifest: %w", err)
	}
	return live, nil
}

// swapStaging replaces the live tree with the staging tree. A swap interrupted after the
// live tree was moved aside finishes on the next run without touching the moved copy.
func (c *sshConn) swapStaging(ctx context.Context, remotePath string) error {
	old := QuotePath(remotePath + OldSuffix)
	cmd := fmt.Sprintf("{ [ ! -e %[1]s ] || { rm -rf %[3]s && mv %[1]s %[3]s; }; } && mv %[2]s %[1]s && rm -rf %[3]s",
		QuotePath(remotePath), QuotePath(remotePath+StagingSuffix), old)
	if err := c.runSimple(ctx, cmd, nil); err != nil {
		return fmt.Errorf("swapping staging tree: %w", err)
	}
	return nil
}

// upload sends the changed files into target, recording each one as soon as it lands.
func (c *sshConn) upload(ctx context.Context, localPath, target, remotePath string, kind ManifestKind,
	m manifest.Manifest, changed []string, total int64, progress func(done, total int64)) (int64, error) {

	var (
		mu   sync.Mutex
		sent int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)

	for _, rel := range changed {
		entry := m[rel]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := c.uploadFile(gctx, filepath.Join(localPath, filepath.FromSlash(rel)), target, entry); err != nil {
				return fmt.Errorf("uploading %s: %w", rel, err)
			}
			if err := c.store.RecordEntry(c.deviceID, remotePath, kind, entry); err != nil {
				return fmt.Errorf("recording %s: %w", rel, err)
			}

			mu.Lock()
			defer mu.Unlock()
			sent += entry.Size
			if progress != nil {
				progress(sent, total)
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return sent, err
}

func (c *sshConn) uploadFile(ctx context.Context, local, target string, entry manifest.Entry) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	dst := path.Join(target, entry.Path)
	tmp := path.Join(path.Dir(dst), ".devkit-tmp-"+path.Base(dst))
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s && mv -f %s %s",
		QuotePath(path.Dir(dst)), QuotePath(tmp), entry.Mode.Perm(), QuotePath(tmp), QuotePath(tmp), QuotePath(dst))
	return c.runSimple(ctx, cmd, f)
}

// remove deletes paths from target and forgets them from the manifest of remotePath.
func (c *sshConn) remove(ctx context.Context, target, remotePath string, kind ManifestKind, paths []string) error {
	for start := 0; start < len(paths); start += removeBatch {
		batch := paths[start:min(start+removeBatch, len(paths))]

		quoted := make([]string, len(batch))
		for i, rel := range batch {
			quoted[i] = QuotePath(path.Join(target, rel))
		}
		if err := c.runSimple(ctx, "rm -f -- "+strings.Join(quoted, " "), nil); err != nil {
			return fmt.Errorf("removing stale files: %w", err)
		}
		if err := c.store.ForgetEntries(c.deviceID, remotePath, kind, batch); err != nil {
			return fmt.Errorf("forgetting stale files: %w", err)
		}
	}
	return nil
}
