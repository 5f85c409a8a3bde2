package fswatch

import (
	"path/filepath"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Suppressor tracks paths that are about to be changed by dirsync itself, so
// that the filesystem events caused by those changes don't trigger a rescan.
//
// Each call to Add suppresses exactly one event for the path. Entries are
// kept until a matching event arrives, unless a TTL is set, in which case
// entries older than the TTL are discarded.
type Suppressor struct {
	clock clockwork.Clock
	ttl   time.Duration

	lock    goSync.Mutex
	entries map[string][]time.Time
}

// NewSuppressor returns an empty Suppressor. A zero ttl keeps entries until
// they're consumed.
func NewSuppressor(clock clockwork.Clock, ttl time.Duration) *Suppressor {
	return &Suppressor{
		clock:   clock,
		ttl:     ttl,
		entries: map[string][]time.Time{},
	}
}

// Add registers that the next event for `path` was caused by us.
func (s *Suppressor) Add(path string) {
	path = filepath.Clean(path)

	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries[path] = append(s.entries[path], s.clock.Now())
}

// Consume returns whether an event for `path` should be suppressed. A true
// result uses up one registration.
func (s *Suppressor) Consume(path string) bool {
	path = filepath.Clean(path)

	s.lock.Lock()
	defer s.lock.Unlock()

	registered := s.evictLocked(path)
	if len(registered) == 0 {
		return false
	}

	if len(registered) == 1 {
		delete(s.entries, path)
	} else {
		s.entries[path] = registered[1:]
	}
	return true
}

// ConsumeAll uses up one registration for each of `paths` that has one, and
// returns how many were used. It's for changes whose events are known to have
// been missed.
func (s *Suppressor) ConsumeAll(paths []string) (n int) {
	for _, path := range paths {
		if s.Consume(path) {
			n++
		}
	}
	return n
}

// Pending returns the number of registrations that haven't been consumed.
func (s *Suppressor) Pending() (n int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for path := range s.entries {
		n += len(s.evictLocked(path))
	}
	return n
}

// evictLocked drops the expired registrations for `path` and returns the
// remaining ones.
func (s *Suppressor) evictLocked(path string) []time.Time {
	registered := s.entries[path]
	if s.ttl == 0 || len(registered) == 0 {
		return registered
	}

	cutoff := s.clock.Now().Add(-s.ttl)
	i := 0
	for i < len(registered) && registered[i].Before(cutoff) {
		i++
	}

	registered = registered[i:]
	if len(registered) == 0 {
		delete(s.entries, path)
	} else {
		s.entries[path] = registered
	}
	return registered
}
