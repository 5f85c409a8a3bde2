// Package util contains helpers shared by the dirsync commands.
package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	goSync "sync"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the error and exits. Friendly errors are printed
// without their surrounding context.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the panic and its stack trace before exiting. It should be
// deferred at the start of every goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(1)
	}
}

// SignalContext returns a context that's cancelled on Ctrl-C.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			log.Debug("Interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ResolveDirectory returns the directory to operate on. An explicit argument
// wins, then the directory bound to `account` in `cfg`.
func ResolveDirectory(cfg config.User, args []string, account string) (string, error) {
	if len(args) != 0 {
		return filepath.Abs(args[0])
	}

	if account == "" {
		return "", errors.NewFriendlyError(
			"Either a directory or an --account must be specified.")
	}

	dir, ok := cfg.Directory(account)
	if !ok {
		return "", errors.NewFriendlyError("No directory is bound to account %q.\n"+
			"Run `dirsync config bind %s <directory>` to bind one.", account, account)
	}
	return dir, nil
}

// SnapshotOptions returns the Builder options configured by the user.
func SnapshotOptions(cfg config.User) []snapshot.Option {
	return []snapshot.Option{
		snapshot.WithHashAlgorithm(cfg.GetHashAlgorithm()),
		snapshot.WithHashWorkers(cfg.GetHashWorkers()),
	}
}

// ProgressPrinter prints scan progress, one line per update.
type ProgressPrinter struct {
	lock goSync.Mutex
	out  io.Writer
	last string
}

// NewProgressPrinter returns a ProgressPrinter that writes to `out`.
func NewProgressPrinter(out io.Writer) *ProgressPrinter {
	return &ProgressPrinter{out: out}
}

// Report implements snapshot.ProgressSink. Repeated messages are only
// printed once.
func (pp *ProgressPrinter) Report(p snapshot.Progress) {
	pp.lock.Lock()
	defer pp.lock.Unlock()

	msg := p.String()
	if msg == pp.last {
		return
	}
	pp.last = msg
	fmt.Fprintln(pp.out, msg)
}
