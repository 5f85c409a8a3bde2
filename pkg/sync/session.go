package sync

import (
	"context"
	"path/filepath"
	"strings"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/fswatch"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

// DefaultPollInterval is how often the directory is rescanned when it's too
// large to watch for changes.
const DefaultPollInterval = 15 * time.Second

// Session keeps the snapshot of a local directory up to date, and optionally
// syncs it with a remote whenever it changes.
type Session struct {
	root         string
	fs           afero.Fs
	builder      *snapshot.Builder
	watcher      *fswatch.Watcher
	clock        clockwork.Clock
	pollInterval time.Duration
	log          *log.Entry

	remote    Remote
	mergeMode bool
	syncLock  goSync.Mutex

	// trigger has a buffer of one so that bursts of changes collapse into a
	// single rescan.
	trigger chan struct{}

	lock       goSync.Mutex
	cancelScan context.CancelFunc
	cancelRun  context.CancelFunc
	ticker     clockwork.Ticker
	running    goSync.WaitGroup
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSnapshotOptions configures the Builder used to scan the directory.
func WithSnapshotOptions(opts ...snapshot.Option) SessionOption {
	return func(s *Session) {
		s.builder = snapshot.NewBuilder(append([]snapshot.Option{snapshot.WithFs(s.fs)}, opts...)...)
	}
}

// WithWatcherOptions configures the Watcher used to notice changes.
func WithWatcherOptions(opts ...fswatch.Option) SessionOption {
	return func(s *Session) { s.watcher = fswatch.New(opts...) }
}

// WithAutoSync syncs with `remote` after every rescan.
func WithAutoSync(remote Remote, mergeMode bool) SessionOption {
	return func(s *Session) {
		s.remote = remote
		s.mergeMode = mergeMode
	}
}

// WithSessionClock sets the clock used for polling.
func WithSessionClock(clock clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = clock }
}

// WithPollInterval sets how often the directory is rescanned if it can't be
// watched.
func WithPollInterval(interval time.Duration) SessionOption {
	return func(s *Session) { s.pollInterval = interval }
}

// NewSession returns a Session for the directory at `root`.
func NewSession(root string, fs afero.Fs, opts ...SessionOption) (*Session, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.WithContext(err, "resolve root")
	}

	s := &Session{
		root:         root,
		fs:           fs,
		builder:      snapshot.NewBuilder(snapshot.WithFs(fs)),
		watcher:      fswatch.New(),
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
		log:          log.WithField("root", root),
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute path of the synced directory.
func (s *Session) Root() string {
	return s.root
}

// Builder returns the Builder that holds the current snapshot.
func (s *Session) Builder() *snapshot.Builder {
	return s.builder
}

// Start scans the directory, and then keeps rescanning it whenever it
// changes until Stop is called.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.Rescan(ctx); err != nil {
		return errors.WithContext(err, "initial scan")
	}

	var poll <-chan time.Time
	err := s.watcher.Watch(s.root, s.changed)
	if err != nil {
		if !strings.Contains(errors.RootCause(err).Error(), "too many open files") {
			return errors.WithContext(err, "watch")
		}

		s.log.Warnf("Too many files to watch for changes. "+
			"Polling for changes every %s instead.", s.pollInterval)
		ticker := s.clock.NewTicker(s.pollInterval)
		poll = ticker.Chan()
		s.lock.Lock()
		s.ticker = ticker
		s.lock.Unlock()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.lock.Lock()
	s.cancelRun = cancel
	s.lock.Unlock()

	// The initial scan already reflects the current state, so only sync if
	// there's a remote.
	if s.remote != nil {
		s.changed()
	}

	s.running.Add(1)
	go func() {
		defer util.HandlePanic()
		defer s.running.Done()
		s.run(runCtx, poll)
	}()
	return nil
}

func (s *Session) run(ctx context.Context, poll <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-poll:
		}

		scanCtx, cancel := context.WithCancel(ctx)
		s.lock.Lock()
		s.cancelScan = cancel
		s.lock.Unlock()

		s.runOnce(scanCtx)

		s.lock.Lock()
		s.cancelScan = nil
		s.lock.Unlock()
		cancel()
	}
}

func (s *Session) runOnce(ctx context.Context) {
	if _, err := s.Rescan(ctx); err != nil {
		if errors.Is(err, errors.ErrScanCancelled) {
			s.log.Debug("Rescan superseded")
		} else {
			s.log.WithError(err).Error("Rescan failed")
		}
		return
	}

	if s.remote == nil {
		return
	}

	report, err := s.Sync(ctx, s.remote, s.mergeMode)
	if err != nil {
		s.log.WithError(err).Error("Sync failed")
		return
	}
	s.log.WithField("report", report.String()).Debug("Synced")
}

// changed is called by the watcher for every relevant change. It aborts the
// running scan, since its result is already stale, and queues a new one.
func (s *Session) changed() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}

	s.lock.Lock()
	if s.cancelScan != nil {
		s.cancelScan()
	}
	s.lock.Unlock()
}

// Rescan scans the directory and returns the new snapshot. Any scan that's
// already running is cancelled first.
func (s *Session) Rescan(ctx context.Context) (*snapshot.Snapshot, error) {
	return s.builder.Scan(ctx, s.root)
}

// Sync reconciles the current snapshot with `remote`. It fails if no
// complete snapshot is available yet.
func (s *Session) Sync(ctx context.Context, remote Remote, mergeMode bool) (Report, error) {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()

	local, ok := s.builder.Current()
	if !ok {
		return Report{}, errors.NewFriendlyError("The local directory hasn't been scanned yet.")
	}

	remoteSnapshot, err := remote.Snapshot(ctx)
	if err != nil {
		return Report{}, errors.WithContext(err, "get remote snapshot")
	}

	res := Diff(local, remoteSnapshot, mergeMode)
	if res.Empty() {
		return Report{}, nil
	}

	report, err := NewExecutor(s.root, s.fs, remote, s.watcher).Apply(ctx, res)
	if err != nil {
		return report, err
	}

	// The local changes were suppressed, so refresh the snapshot ourselves.
	if len(res.Download) != 0 || len(res.LocalRemove) != 0 {
		if _, err := s.Rescan(ctx); err != nil {
			return report, errors.WithContext(err, "rescan after sync")
		}
	}
	return report, nil
}

// Stop stops watching the directory and waits for any running scan or sync
// to finish.
func (s *Session) Stop() error {
	err := s.watcher.Stop()

	s.lock.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	if s.cancelScan != nil {
		s.cancelScan()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.lock.Unlock()

	s.running.Wait()
	s.builder.Cancel()
	return err
}
