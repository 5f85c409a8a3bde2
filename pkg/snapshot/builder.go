package snapshot

import (
	"context"
	"os"
	"path/filepath"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/dirsync/pkg/errors"
)

// DefaultProgressInterval is the minimum time between two rate-limited
// progress updates.
const DefaultProgressInterval = time.Second

// DefaultHashWorkers is the number of files hashed in parallel.
const DefaultHashWorkers = 4

// Mocked out for unit testing. Called after a running scan has been told to
// stop, but before waiting for it to unwind.
var afterCancel = func() {}

// Builder scans directories into Snapshots. At most one scan runs at a time:
// starting a scan cancels the running one and waits for it to unwind first.
// The Builder also tracks the most recent complete snapshot.
type Builder struct {
	fs               afero.Fs
	hashAlgorithm    string
	hashWorkers      int
	progress         ProgressSink
	progressInterval time.Duration
	clock            clockwork.Clock
	log              *log.Entry

	// scanLock serializes starting and cancelling scans.
	scanLock goSync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}

	stateLock  goSync.RWMutex
	current    *Snapshot
	ready      bool
	generation uint64
}

// Option configures a Builder.
type Option func(*Builder)

// WithFs sets the filesystem that is scanned.
func WithFs(fs afero.Fs) Option {
	return func(b *Builder) { b.fs = fs }
}

// WithHashAlgorithm sets the content digest, either HashSHA256 or
// HashBlake2b.
func WithHashAlgorithm(algorithm string) Option {
	return func(b *Builder) { b.hashAlgorithm = algorithm }
}

// WithHashWorkers sets how many files are hashed concurrently. A value of 1
// hashes files sequentially.
func WithHashWorkers(n int) Option {
	return func(b *Builder) { b.hashWorkers = n }
}

// WithProgress sets the sink that receives progress updates.
func WithProgress(sink ProgressSink) Option {
	return func(b *Builder) { b.progress = sink }
}

// WithProgressInterval sets the minimum time between rate-limited progress
// updates.
func WithProgressInterval(interval time.Duration) Option {
	return func(b *Builder) { b.progressInterval = interval }
}

// WithClock sets the clock used to rate limit progress updates.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Builder) { b.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Entry) Option {
	return func(b *Builder) { b.log = logger }
}

// NewBuilder returns a Builder that scans the OS filesystem unless
// configured otherwise.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		fs:               afero.NewOsFs(),
		hashAlgorithm:    HashSHA256,
		hashWorkers:      DefaultHashWorkers,
		progressInterval: DefaultProgressInterval,
		clock:            clockwork.NewRealClock(),
		log:              log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.hashWorkers < 1 {
		b.hashWorkers = 1
	}
	return b
}

// Scan builds a snapshot of the directory at `root`. Any scan that's already
// running is cancelled, and Scan waits for it to finish before starting.
//
// If the scan is cancelled, either through ctx or by a later call to Scan or
// Cancel, errors.ErrScanCancelled is returned. A filesystem error aborts the
// scan with an errors.ScanAborted. Only complete snapshots are returned.
func (b *Builder) Scan(ctx context.Context, root string) (*Snapshot, error) {
	b.scanLock.Lock()
	b.stopLocked()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.setReady(false)
	b.scanLock.Unlock()

	defer close(done)
	defer cancel()

	snap, err := b.scan(ctx, root)
	if err != nil {
		return nil, err
	}

	b.stateLock.Lock()
	b.current = snap
	b.ready = true
	b.generation++
	b.stateLock.Unlock()
	return snap, nil
}

// Cancel stops the running scan, if any, and blocks until it has unwound.
func (b *Builder) Cancel() {
	b.scanLock.Lock()
	defer b.scanLock.Unlock()
	b.stopLocked()
}

func (b *Builder) stopLocked() {
	if b.cancel == nil {
		return
	}

	b.cancel()
	afterCancel()
	<-b.done
	b.cancel = nil
	b.done = nil
}

// Current returns the snapshot produced by the most recent successful scan.
// It returns false while a scan is in progress, or if the last scan failed or
// was cancelled.
func (b *Builder) Current() (*Snapshot, bool) {
	b.stateLock.RLock()
	defer b.stateLock.RUnlock()
	if !b.ready {
		return nil, false
	}
	return b.current, true
}

// IsReady returns whether Current has a snapshot.
func (b *Builder) IsReady() bool {
	b.stateLock.RLock()
	defer b.stateLock.RUnlock()
	return b.ready
}

// Generation returns the number of snapshots published so far.
func (b *Builder) Generation() uint64 {
	b.stateLock.RLock()
	defer b.stateLock.RUnlock()
	return b.generation
}

func (b *Builder) setReady(ready bool) {
	b.stateLock.Lock()
	b.ready = ready
	b.stateLock.Unlock()
}

type scanState struct {
	fs  afero.Fs
	rep *reporter
	log *log.Entry
}

func (b *Builder) scan(ctx context.Context, root string) (*Snapshot, error) {
	logger := b.log.WithField("root", root)
	rep := newReporter(root, b.progress, b.clock, b.progressInterval, logger)
	defer rep.close()

	// fail distinguishes cancellation from I/O errors. Once the scan's
	// context is done, any error is the result of unwinding.
	fail := func(err error) error {
		if ctx.Err() != nil {
			rep.stage(StageCancelled)
			logger.Info(rep.progress(StageCancelled).String())
			return errors.ErrScanCancelled
		}
		rep.stage(StageFailed)
		logger.WithError(err).Warn("Scan failed")
		return err
	}

	rep.stage(StageStarted)
	st := scanState{fs: b.fs, rep: rep, log: logger}

	info, err := b.fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fail(errors.ScanAborted{Path: "", Err: errors.FileNotFound{Path: root}})
		}
		return nil, fail(errors.ScanAborted{Path: "", Err: err})
	}
	if !info.IsDir() {
		return nil, fail(errors.ScanAborted{Path: "", Err: errors.New("%s is not a directory", root)})
	}

	tree, err := st.buildDir(ctx, root, "", info)
	if err != nil {
		return nil, fail(err)
	}
	tree.Name = RootName
	rep.stage(StageDiscovered)
	logger.Info(rep.progress(StageDiscovered).String())

	if err := st.hashFiles(ctx, root, tree, b.hashAlgorithm, b.hashWorkers); err != nil {
		return nil, fail(err)
	}
	rep.stage(StageComplete)
	logger.Debug(rep.progress(StageComplete).String())
	return New(tree), nil
}

// buildDir lists the directory at `absPath` and recurses into its
// subdirectories concurrently. File nodes are recorded without a hash.
func (st scanState) buildDir(ctx context.Context, absPath, relPath string,
	info os.FileInfo) (*Node, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(st.fs, absPath)
	if err != nil {
		return nil, errors.ScanAborted{Path: relPath, Err: err}
	}

	node := &Node{
		Name:     info.Name(),
		Path:     relPath,
		Kind:     Directory,
		ModTime:  toMillis(info.ModTime()),
		Children: make([]*Node, len(entries)),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		i, entry := i, entry
		childAbs := filepath.Join(absPath, entry.Name())
		childRel := Join(relPath, entry.Name())

		switch {
		case entry.IsDir():
			group.Go(func() error {
				child, err := st.buildDir(groupCtx, childAbs, childRel, entry)
				if err != nil {
					return err
				}
				node.Children[i] = child
				return nil
			})
		case entry.Mode().IsRegular():
			node.Children[i] = &Node{
				Name:    entry.Name(),
				Path:    childRel,
				Kind:    File,
				ModTime: toMillis(entry.ModTime()),
				Size:    entry.Size(),
			}
			st.rep.fileFound()
		default:
			// Symlinks, sockets, and devices aren't synced.
			st.log.WithField("path", childRel).Debug("Skipping irregular file")
		}
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	children := node.Children[:0]
	for _, child := range node.Children {
		if child != nil {
			children = append(children, child)
		}
	}
	node.Children = children
	return node, nil
}

func (st scanState) hashFiles(ctx context.Context, root string, tree *Node,
	algorithm string, workers int) error {

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	_ = tree.Walk(func(n *Node) error {
		if !n.IsFile() {
			return nil
		}
		if groupCtx.Err() != nil {
			return groupCtx.Err()
		}

		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			absPath := filepath.Join(root, filepath.FromSlash(n.Path))
			hash, err := HashFile(groupCtx, st.fs, absPath, algorithm)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				return errors.ScanAborted{Path: n.Path, Err: err}
			}

			n.Hash = hash
			st.rep.fileHashed()
			st.log.WithField("path", n.Path).Debug("Hashed file")
			return nil
		})
		return nil
	})
	return group.Wait()
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
