package sync

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
	"github.com/sidkik/dirsync/pkg/transfer"
)

// Report summarizes the operations performed by an Executor.
type Report struct {
	Uploaded     int
	Downloaded   int
	Removed      int
	LocalRemoved int
	Directories  int
	Bytes        int64
}

func (r Report) String() string {
	return fmt.Sprintf("%d uploaded, %d downloaded, %d removed remotely, "+
		"%d removed locally, %d directories created (%d bytes)",
		r.Uploaded, r.Downloaded, r.Removed, r.LocalRemoved, r.Directories, r.Bytes)
}

type noopSuppressor struct{}

func (noopSuppressor) Suppress(string) {}

// Executor applies a Result to the local directory and a Remote.
type Executor struct {
	root       string
	fs         afero.Fs
	remote     Remote
	local      *transfer.Manager
	suppressor transfer.Suppressor
	log        *log.Entry
}

// NewExecutor returns an Executor for the local directory at `root`. Every
// local change is registered with `suppressor` before it's made. The
// suppressor may be nil if nothing is watching the directory.
func NewExecutor(root string, fs afero.Fs, remote Remote, suppressor transfer.Suppressor) *Executor {
	if suppressor == nil {
		suppressor = noopSuppressor{}
	}
	return &Executor{
		root:   root,
		fs:     fs,
		remote: remote,
		local: transfer.NewManager(root,
			transfer.WithFs(fs),
			transfer.WithSuppressor(suppressor)),
		suppressor: suppressor,
		log:        log.WithField("root", root),
	}
}

// Apply performs the operations in `res`. Removals happen before any
// transfers, so that an entry that changed type can be replaced. Apply stops
// at the first error.
func (e *Executor) Apply(ctx context.Context, res Result) (Report, error) {
	var report Report
	defer e.local.Close()

	for _, n := range res.LocalRemove {
		if err := e.removeLocal(n); err != nil {
			return report, errors.WithContext(err, fmt.Sprintf("remove local %q", n.Path))
		}
		report.LocalRemoved++
	}

	for _, n := range res.Remove {
		if err := e.remote.Remove(ctx, n); err != nil {
			return report, errors.WithContext(err, fmt.Sprintf("remove remote %q", n.Path))
		}
		report.Removed++
	}

	for _, n := range Flatten(res.Download) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if n.IsDir() {
			if err := e.mkdirLocal(n); err != nil {
				return report, errors.WithContext(err, fmt.Sprintf("create local %q", n.Path))
			}
			report.Directories++
			continue
		}

		written, err := e.download(ctx, n)
		if err != nil {
			return report, errors.WithContext(err, fmt.Sprintf("download %q", n.Path))
		}
		report.Downloaded++
		report.Bytes += written
	}

	for _, n := range Flatten(res.Upload) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if n.IsDir() {
			if err := e.remote.Mkdir(ctx, n); err != nil {
				return report, errors.WithContext(err, fmt.Sprintf("create remote %q", n.Path))
			}
			report.Directories++
			continue
		}

		written, err := e.upload(ctx, n)
		if err != nil {
			return report, errors.WithContext(err, fmt.Sprintf("upload %q", n.Path))
		}
		report.Uploaded++
		report.Bytes += written
	}

	e.log.WithField("report", report.String()).Info("Applied sync")
	return report, nil
}

func (e *Executor) removeLocal(n *snapshot.Node) error {
	if n.IsRoot() {
		return errors.New("refusing to remove the sync root")
	}

	// Removing a directory generates an event for everything inside it.
	for _, child := range Flatten([]*snapshot.Node{n}) {
		e.suppressor.Suppress(e.path(child))
	}
	return e.fs.RemoveAll(e.path(n))
}

func (e *Executor) mkdirLocal(n *snapshot.Node) error {
	path := e.path(n)
	if exists, err := afero.DirExists(e.fs, path); err == nil && exists {
		return nil
	}

	e.suppressor.Suppress(path)
	return e.fs.MkdirAll(path, 0755)
}

func (e *Executor) download(ctx context.Context, n *snapshot.Node) (int64, error) {
	src, err := e.remote.Download(ctx, n)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst := transfer.NewWriter(ctx, e.local, n.Path)
	written, err := io.Copy(dst, src)
	if err != nil {
		if cancelErr := dst.Cancel(); cancelErr != nil {
			e.log.WithError(cancelErr).Warn("Failed to cancel download")
		}
		return 0, err
	}
	if err := dst.Close(); err != nil {
		return 0, err
	}

	// Keep the remote's timestamp so that the file isn't mistaken for a
	// newer local version later.
	modTime := time.UnixMilli(n.ModTime)
	if err := e.fs.Chtimes(e.path(n), modTime, modTime); err != nil {
		return 0, errors.WithContext(err, "set modtime")
	}
	return written, nil
}

func (e *Executor) upload(ctx context.Context, n *snapshot.Node) (int64, error) {
	src := transfer.NewReader(ctx, e.local, n.Path)
	defer src.Close()

	counter := &countingReader{r: src}
	if err := e.remote.Upload(ctx, n, counter); err != nil {
		return 0, err
	}
	return counter.n, nil
}

func (e *Executor) path(n *snapshot.Node) string {
	clean, _ := transfer.Sanitize(n.Path)
	return filepath.Join(e.root, filepath.FromSlash(clean))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
