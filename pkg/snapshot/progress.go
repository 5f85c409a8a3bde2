package snapshot

import (
	"fmt"
	goSync "sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Stage identifies which part of a scan a Progress update refers to.
type Stage string

const (
	StageStarted     Stage = "started"
	StageDiscovering Stage = "discovering"
	StageDiscovered  Stage = "discovered"
	StageHashing     Stage = "hashing"
	StageComplete    Stage = "complete"
	StageCancelled   Stage = "cancelled"
	StageFailed      Stage = "failed"
)

// Progress is a progress update for a running scan.
type Progress struct {
	Stage Stage
	Root  string

	// Found is the number of files discovered so far.
	Found int64

	// Hashed is the number of files whose contents have been hashed so far.
	Hashed int64
}

func (p Progress) String() string {
	switch p.Stage {
	case StageStarted:
		return fmt.Sprintf("Reading directory %s", p.Root)
	case StageDiscovering:
		return fmt.Sprintf("Reading directory, %d files found...", p.Found)
	case StageDiscovered:
		return fmt.Sprintf("Directory scanned, %d files found.", p.Found)
	case StageHashing:
		return fmt.Sprintf("Reading files... %d / %d", p.Hashed, p.Found)
	case StageComplete:
		return "Files' checksums collected."
	case StageCancelled:
		if p.Hashed == 0 {
			return "Directory scan cancelled."
		}
		return "Files scan cancelled."
	case StageFailed:
		return "Directory scan failed."
	}
	return string(p.Stage)
}

// ProgressSink receives progress updates. Updates are delivered from a
// separate goroutine, and slow sinks miss updates rather than slowing down
// the scan.
type ProgressSink interface {
	Report(Progress)
}

// ProgressFunc adapts a function to a ProgressSink.
type ProgressFunc func(Progress)

// Report calls f(p).
func (f ProgressFunc) Report(p Progress) {
	f(p)
}

const progressQueueSize = 64

// reporter counts files for a single scan and forwards rate-limited updates
// to the sink.
type reporter struct {
	root    string
	sink    ProgressSink
	clock   clockwork.Clock
	limiter *rate.Limiter
	log     *log.Entry

	found  atomic.Int64
	hashed atomic.Int64

	queue chan Progress
	wg    goSync.WaitGroup
}

func newReporter(root string, sink ProgressSink, clock clockwork.Clock,
	interval time.Duration, logger *log.Entry) *reporter {

	r := &reporter{
		root:    root,
		sink:    sink,
		clock:   clock,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     logger,
		queue:   make(chan Progress, progressQueueSize),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for p := range r.queue {
			r.deliver(p)
		}
	}()
	return r
}

func (r *reporter) deliver(p Progress) {
	defer func() {
		if err := recover(); err != nil {
			r.log.WithField("panic", err).Warn("Progress sink panicked")
		}
	}()
	if r.sink != nil {
		r.sink.Report(p)
	}
}

func (r *reporter) progress(stage Stage) Progress {
	return Progress{
		Stage:  stage,
		Root:   r.root,
		Found:  r.found.Load(),
		Hashed: r.hashed.Load(),
	}
}

// stage sends an update that marks a change in stage. These aren't rate
// limited.
func (r *reporter) stage(stage Stage) {
	r.send(r.progress(stage))
}

func (r *reporter) fileFound() {
	r.found.Add(1)
	r.tick(StageDiscovering)
}

func (r *reporter) fileHashed() {
	r.hashed.Add(1)
	r.tick(StageHashing)
}

func (r *reporter) tick(stage Stage) {
	if r.limiter.AllowN(r.clock.Now(), 1) {
		r.send(r.progress(stage))
	}
}

func (r *reporter) send(p Progress) {
	select {
	case r.queue <- p:
	default:
		r.log.WithField("stage", p.Stage).Debug("Progress queue full, dropping update")
	}
}

// close flushes queued updates and stops the delivery goroutine.
func (r *reporter) close() {
	close(r.queue)
	r.wg.Wait()
}
