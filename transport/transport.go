// Package transport runs commands on devkits and synchronizes build trees to them over SSH.
package transport

import (
	"context"
	"io"
	"time"

	"devkitd/manifest"
	"devkitd/models"
)

// Dialer opens authenticated connections to devices.
type Dialer interface {
	Connect(ctx context.Context, device models.Device) (Conn, error)
}

// Conn is one authenticated connection to a device. It is safe for concurrent use.
type Conn interface {
	// Run starts command on the device. Cancelling ctx or expiry of timeout (when non-zero)
	// terminates the remote process.
	Run(ctx context.Context, command string, timeout time.Duration) (Process, error)

	// SyncTree makes remotePath mirror the files of m, read from localPath.
	SyncTree(ctx context.Context, localPath, remotePath string, m manifest.Manifest, opts SyncOptions) (SyncResult, error)

	// Alive probes the connection without running a command.
	Alive() bool

	Close() error
}

// Process is a running remote command.
//
// Callers must drain both Stdout and Stderr before Wait returns, otherwise the
// remote side may block on a full channel window.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. A non-zero exit status is reported through
	// the exit code with a nil error; err is set only when the status is unknown.
	Wait() (exitCode int, err error)
	// Terminate sends SIGTERM to the remote process and closes the channel. Only the
	// first call has an effect.
	Terminate()
}

// SyncOptions tune SyncTree.
type SyncOptions struct {
	// Mirror removes remote files that are absent locally. Only files previously
	// transferred by this service are ever removed.
	Mirror bool
	// Atomic stages the new tree beside remotePath and swaps it in once every
	// upload succeeded.
	Atomic bool
	// Force ignores the recorded manifest and resends every file.
	Force bool
	// Progress, when set, is called after each file with the bytes sent so far and the
	// bytes this sync will send in total.
	Progress func(done, total int64)
}

// SyncResult reports what a sync transferred.
type SyncResult struct {
	BytesTransferred int64 `json:"bytes_transferred"`
	FilesChanged     int   `json:"files_changed"`
	FilesRemoved     int   `json:"files_removed"`
}

// Sibling directories used by atomic syncs: the tree being built and the tree being replaced.
const (
	StagingSuffix = ".devkit-staging"
	OldSuffix     = ".devkit-old"
)

// ManifestKind distinguishes the manifest of the live tree from that of a staging tree.
type ManifestKind string

const (
	ManifestLive    ManifestKind = "live"
	ManifestStaging ManifestKind = "staging"
)

// ManifestStore records which files have been transferred to a device path.
// Entries are recorded one at a time so an interrupted sync can resume.
type ManifestStore interface {
	LoadManifest(deviceID, remotePath string, kind ManifestKind) (manifest.Manifest, error)
	RecordEntry(deviceID, remotePath string, kind ManifestKind, entry manifest.Entry) error
	ForgetEntries(deviceID, remotePath string, kind ManifestKind, paths []string) error
	ReplaceManifest(deviceID, remotePath string, kind ManifestKind, m manifest.Manifest) error
	ClearManifest(deviceID, remotePath string, kind ManifestKind) error
}
