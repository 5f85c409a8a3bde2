// Package fswatch notices changes to a synced directory. It only reports
// that something changed; the caller is expected to rescan the directory to
// find out what.
package fswatch

import (
	"os"
	"path/filepath"
	"strings"
	goSync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

const (
	// TempPrefix and TempSuffix mark files that are still being written.
	// Changes to them are never reported.
	TempPrefix = "~"
	TempSuffix = ".tmp"
)

// IsTemporary returns whether `path` names a file that's being staged.
func IsTemporary(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, TempPrefix) || strings.HasSuffix(name, TempSuffix)
}

// Watcher watches a directory tree and calls a callback whenever something in
// it changes, except for temporary files and changes registered with
// Suppress.
type Watcher struct {
	ignore     func(string) bool
	suppressor *Suppressor
	log        *log.Entry

	lock   goSync.Mutex
	root   string
	notify *fsnotify.Watcher
	done   chan struct{}

	// Only used by the event goroutine once the watch has started.
	// watched holds the directories added to the fsnotify watcher, and
	// removed holds the ones whose first removal event has been handled.
	// inotify reports the removal of a watched directory twice: once to
	// its parent and once to the directory itself.
	watched map[string]struct{}
	removed map[string]struct{}
}

// Option configures a Watcher.
type Option func(*watcherConfig)

type watcherConfig struct {
	ignore func(string) bool
	clock  clockwork.Clock
	ttl    time.Duration
	log    *log.Entry
}

// WithIgnore replaces the filter for paths whose changes are never reported.
func WithIgnore(ignore func(path string) bool) Option {
	return func(cfg *watcherConfig) { cfg.ignore = ignore }
}

// WithSuppressionTTL discards suppression entries that haven't been matched
// by an event within ttl.
func WithSuppressionTTL(ttl time.Duration) Option {
	return func(cfg *watcherConfig) { cfg.ttl = ttl }
}

// WithClock sets the clock used to expire suppression entries.
func WithClock(clock clockwork.Clock) Option {
	return func(cfg *watcherConfig) { cfg.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Entry) Option {
	return func(cfg *watcherConfig) { cfg.log = logger }
}

// New returns a Watcher that isn't watching anything yet.
func New(opts ...Option) *Watcher {
	cfg := watcherConfig{
		ignore: IsTemporary,
		clock:  clockwork.NewRealClock(),
		log:    log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Watcher{
		ignore:     cfg.ignore,
		suppressor: NewSuppressor(cfg.clock, cfg.ttl),
		log:        cfg.log,
		watched:    map[string]struct{}{},
		removed:    map[string]struct{}{},
	}
}

// Suppress registers that dirsync is about to change `path`, so the next
// event for it should be ignored. It must be called before the change is
// made.
func (w *Watcher) Suppress(path string) {
	w.suppressor.Add(path)
}

// PendingSuppressions returns the number of suppressions that haven't been
// matched by an event yet.
func (w *Watcher) PendingSuppressions() int {
	return w.suppressor.Pending()
}

// Watch starts watching `root` and all of its subdirectories. `onChange` is
// called from a single goroutine for every relevant event. If the Watcher was
// already watching a directory, the old watch is stopped first.
func (w *Watcher) Watch(root string, onChange func()) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return errors.WithContext(err, "resolve root")
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	if err := w.stopLocked(); err != nil {
		w.log.WithError(err).Warn("Failed to close previous file watcher")
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithContext(err, "create watcher")
	}

	w.watched = map[string]struct{}{}
	w.removed = map[string]struct{}{}
	dirs, _, err := addRecursive(notify, root)
	if err != nil {
		// Close the watcher so that we release the file handles for the
		// previously added paths.
		if err := notify.Close(); err != nil {
			w.log.WithError(err).Warn("Failed to close file watcher")
		}
		return errors.WithContext(err, "watch")
	}

	w.markWatched(dirs)

	done := make(chan struct{})
	w.root = root
	w.notify = notify
	w.done = done

	go func() {
		defer close(done)
		w.run(notify.Events, notify.Errors, onChange, func(dir string) ([]string, []string, error) {
			return addRecursive(notify, dir)
		})
	}()

	w.log.WithField("root", root).Info("Watching for changes")
	return nil
}

// Stop stops watching. It's safe to call Stop when nothing is being watched.
func (w *Watcher) Stop() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.stopLocked()
}

func (w *Watcher) stopLocked() error {
	if w.notify == nil {
		return nil
	}

	err := w.notify.Close()
	<-w.done
	w.notify = nil
	w.done = nil
	w.root = ""
	return err
}

// addDirFunc starts watching a directory tree. It returns the directories it
// added, and the other paths it found inside them.
type addDirFunc func(dir string) (dirs, files []string, err error)

// run consumes events until the event channel is closed.
func (w *Watcher) run(events <-chan fsnotify.Event, errs <-chan error,
	onChange func(), addDir addDirFunc) {

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if w.relevant(event, addDir) {
				onChange()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == fsnotify.ErrEventOverflow {
				// Events were lost, so the snapshot may be stale.
				w.log.Warn("File watcher overflowed, rescanning")
				onChange()
				continue
			}
			w.log.WithError(err).Warn("File watcher error")
		}
	}
}

// relevant returns whether `event` should trigger a rescan.
func (w *Watcher) relevant(event fsnotify.Event, addDir addDirFunc) bool {
	logger := w.log.WithFields(log.Fields{
		"path": event.Name,
		"op":   event.Op.String(),
	})

	if w.ignore(event.Name) {
		logger.Debug("Ignoring temporary file")
		return false
	}

	// Attribute changes alone don't change the snapshot.
	if event.Op == fsnotify.Chmod {
		return false
	}

	// fsnotify isn't recursive, so new subdirectories have to be added
	// explicitly. This happens even for suppressed events so that files
	// later written into a directory we created are still watched.
	if event.Has(fsnotify.Create) {
		delete(w.removed, event.Name)
		if info, err := fs.Stat(event.Name); err == nil && info.IsDir() {
			w.addCreatedDir(event.Name, addDir, logger)
		}
	}

	if event.Has(fsnotify.Remove) {
		if _, ok := w.removed[event.Name]; ok {
			delete(w.removed, event.Name)
			logger.Debug("Ignoring repeated removal of a watched directory")
			return false
		}
		if _, ok := w.watched[event.Name]; ok {
			delete(w.watched, event.Name)
			w.removed[event.Name] = struct{}{}
		}
	}

	if w.suppressor.Consume(event.Name) {
		logger.Debug("Ignoring self-initiated change")
		return false
	}

	logger.Debug("File watcher event")
	return true
}

// addCreatedDir watches a directory that was just created. Anything that was
// written into it before the watch was added will never produce an event, so
// suppressions registered for those paths are used up here instead.
func (w *Watcher) addCreatedDir(dir string, addDir addDirFunc, logger *log.Entry) {
	dirs, files, err := addDir(dir)
	if err != nil {
		logger.WithError(err).Warn("Failed to watch new directory")
		return
	}
	w.markWatched(dirs)

	var missed []string
	for _, path := range append(dirs, files...) {
		if path != dir {
			missed = append(missed, path)
		}
	}
	if n := w.suppressor.ConsumeAll(missed); n != 0 {
		logger.WithField("count", n).Debug("Dropped suppressions for changes made before the directory was watched")
	}
}

func (w *Watcher) markWatched(dirs []string) {
	for _, dir := range dirs {
		w.watched[filepath.Clean(dir)] = struct{}{}
	}
}

// addRecursive adds `dir` and all of its subdirectories to the watcher.
func addRecursive(notify *fsnotify.Watcher, dir string) (dirs, files []string, err error) {
	dirs, files, err = walkTree(dir, func(path string) error {
		if err := notify.Add(path); err != nil {
			return errors.WithContext(err, "watch "+path)
		}
		return nil
	})
	return dirs, files, err
}

// walkTree lists everything under `dir`, including `dir` itself. `visitDir`
// is called for each directory before its contents are listed.
func walkTree(dir string, visitDir func(string) error) (dirs, files []string, err error) {
	err = afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}
		if !info.IsDir() {
			files = append(files, path)
			return nil
		}
		if err := visitDir(path); err != nil {
			return err
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, files, err
}
