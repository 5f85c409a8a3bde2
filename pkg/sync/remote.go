package sync

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
	"github.com/sidkik/dirsync/pkg/transfer"
)

// Remote is the other side of a sync.
type Remote interface {
	// Snapshot returns the current state of the remote.
	Snapshot(ctx context.Context) (*snapshot.Snapshot, error)

	// Upload replaces the file at n.Path with the contents of `r`.
	Upload(ctx context.Context, n *snapshot.Node, r io.Reader) error

	// Download returns the contents of the file at n.Path.
	Download(ctx context.Context, n *snapshot.Node) (io.ReadCloser, error)

	// Mkdir creates the directory at n.Path.
	Mkdir(ctx context.Context, n *snapshot.Node) error

	// Remove removes the entry at n.Path and everything underneath it.
	Remove(ctx context.Context, n *snapshot.Node) error
}

// DirRemote is a Remote backed by another directory. File contents are moved
// through a chunked transfer Manager, the same way they would be for a remote
// in another process.
type DirRemote struct {
	root     string
	fs       afero.Fs
	builder  *snapshot.Builder
	endpoint transfer.Endpoint
}

// NewDirRemote returns a Remote for the directory at `root`. Transfers go
// through `endpoint`, which must serve the same directory. If `endpoint` is
// nil, an in-process Manager is used.
func NewDirRemote(root string, fs afero.Fs, endpoint transfer.Endpoint,
	opts ...snapshot.Option) *DirRemote {

	if endpoint == nil {
		endpoint = transfer.NewManager(root, transfer.WithFs(fs))
	}
	return &DirRemote{
		root:     root,
		fs:       fs,
		builder:  snapshot.NewBuilder(append([]snapshot.Option{snapshot.WithFs(fs)}, opts...)...),
		endpoint: endpoint,
	}
}

// Snapshot scans the remote directory. A directory that doesn't exist yet
// has a nil snapshot, so that everything local gets uploaded.
func (r *DirRemote) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	exists, err := afero.DirExists(r.fs, r.root)
	if err != nil {
		return nil, errors.WithContext(err, "stat remote")
	}
	if !exists {
		return nil, nil
	}
	return r.builder.Scan(ctx, r.root)
}

// Upload implements Remote.
func (r *DirRemote) Upload(ctx context.Context, n *snapshot.Node, src io.Reader) error {
	w := transfer.NewWriter(ctx, r.endpoint, n.Path)
	if _, err := io.Copy(w, src); err != nil {
		if cancelErr := w.Cancel(); cancelErr != nil {
			return errors.WithContext(cancelErr, "cancel after failed copy")
		}
		return errors.WithContext(err, "copy")
	}
	if err := w.Close(); err != nil {
		return errors.WithContext(err, "close")
	}
	return r.chtimes(n)
}

// Download implements Remote.
func (r *DirRemote) Download(ctx context.Context, n *snapshot.Node) (io.ReadCloser, error) {
	return transfer.NewReader(ctx, r.endpoint, n.Path), nil
}

// Mkdir implements Remote.
func (r *DirRemote) Mkdir(ctx context.Context, n *snapshot.Node) error {
	return r.fs.MkdirAll(r.path(n), 0755)
}

// Remove implements Remote.
func (r *DirRemote) Remove(ctx context.Context, n *snapshot.Node) error {
	if n.IsRoot() {
		return errors.New("refusing to remove the remote root")
	}
	return r.fs.RemoveAll(r.path(n))
}

func (r *DirRemote) chtimes(n *snapshot.Node) error {
	modTime := time.UnixMilli(n.ModTime)
	if err := r.fs.Chtimes(r.path(n), modTime, modTime); err != nil {
		return errors.WithContext(err, "set modtime")
	}
	return nil
}

func (r *DirRemote) path(n *snapshot.Node) string {
	clean, _ := transfer.Sanitize(n.Path)
	return filepath.Join(r.root, filepath.FromSlash(clean))
}
