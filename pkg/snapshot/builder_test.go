package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	goSync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/errors"
)

const testRoot = "/sync"

type mockFile struct {
	path     string
	contents string
	modTime  time.Time
}

func newTestFs(t *testing.T, dirs []string, files []mockFile) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0755))
	for _, dir := range dirs {
		require.NoError(t, fs.MkdirAll(testRoot+"/"+dir, 0755))
	}
	for _, f := range files {
		path := testRoot + "/" + f.path
		require.NoError(t, afero.WriteFile(fs, path, []byte(f.contents), 0644))
		if !f.modTime.IsZero() {
			require.NoError(t, fs.Chtimes(path, f.modTime, f.modTime))
		}
	}
	return fs
}

func sha256Hex(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func paths(s *Snapshot) (paths []string) {
	_ = s.Walk(func(n *Node) error {
		paths = append(paths, n.Path)
		return nil
	})
	sort.Strings(paths)
	return paths
}

func TestScan(t *testing.T) {
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newTestFs(t, []string{"dir", "empty"}, []mockFile{
		{path: "a.txt", contents: "alpha", modTime: modTime},
		{path: "dir/b.txt", contents: "bravo"},
	})

	b := NewBuilder(WithFs(fs))
	assert.False(t, b.IsReady())

	snap, err := b.Scan(context.Background(), testRoot)
	require.NoError(t, err)
	require.NoError(t, snap.Validate())

	assert.Equal(t, []string{"", "a.txt", "dir", "dir/b.txt", "empty"}, paths(snap))
	assert.Equal(t, RootName, snap.Root.Name)
	assert.True(t, snap.Complete())

	a, ok := snap.Lookup("a.txt")
	require.True(t, ok)
	assert.Equal(t, sha256Hex("alpha"), a.Hash)
	assert.Equal(t, int64(5), a.Size)
	assert.Equal(t, modTime.UnixNano()/int64(time.Millisecond), a.ModTime)

	empty, ok := snap.Lookup("empty")
	require.True(t, ok)
	assert.True(t, empty.IsDir())
	assert.Empty(t, empty.Hash)

	current, ok := b.Current()
	assert.True(t, ok)
	assert.Equal(t, snap, current)
	assert.Equal(t, uint64(1), b.Generation())
}

func TestScanBlake2b(t *testing.T) {
	fs := newTestFs(t, nil, []mockFile{{path: "a.txt", contents: "alpha"}})

	snap, err := NewBuilder(WithFs(fs), WithHashAlgorithm(HashBlake2b)).
		Scan(context.Background(), testRoot)
	require.NoError(t, err)

	a, _ := snap.Lookup("a.txt")
	assert.Len(t, a.Hash, 64)
	assert.NotEqual(t, sha256Hex("alpha"), a.Hash)
}

func TestScanMissingRoot(t *testing.T) {
	b := NewBuilder(WithFs(afero.NewMemMapFs()))
	_, err := b.Scan(context.Background(), "/missing")

	var aborted errors.ScanAborted
	require.True(t, errors.As(err, &aborted))
	var notFound errors.FileNotFound
	assert.True(t, errors.As(err, &notFound))
	assert.False(t, b.IsReady())
}

// blockingFs blocks the first Open of `path` until `release` is closed.
type blockingFs struct {
	afero.Fs
	path    string
	entered chan struct{}
	release chan struct{}
	once    goSync.Once
}

func newBlockingFs(fs afero.Fs, path string) *blockingFs {
	return &blockingFs{
		Fs:      fs,
		path:    path,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (fs *blockingFs) Open(name string) (afero.File, error) {
	if name == fs.path {
		fs.once.Do(func() {
			close(fs.entered)
			<-fs.release
		})
	}
	return fs.Fs.Open(name)
}

func TestScanCancelled(t *testing.T) {
	memFs := newTestFs(t, []string{"dir"}, []mockFile{
		{path: "a.txt", contents: "alpha"},
		{path: "dir/b.txt", contents: "bravo"},
	})
	fs := newBlockingFs(memFs, testRoot+"/a.txt")

	var progressLock goSync.Mutex
	var stages []Stage
	sink := ProgressFunc(func(p Progress) {
		progressLock.Lock()
		defer progressLock.Unlock()
		stages = append(stages, p.Stage)
	})
	b := NewBuilder(WithFs(fs), WithHashWorkers(1), WithProgress(sink))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error)
	go func() {
		_, err := b.Scan(ctx, testRoot)
		result <- err
	}()

	<-fs.entered
	cancel()
	close(fs.release)

	assert.Equal(t, errors.ErrScanCancelled, <-result)
	_, ok := b.Current()
	assert.False(t, ok)
	progressLock.Lock()
	assert.Contains(t, stages, StageCancelled)
	assert.NotContains(t, stages, StageComplete)
	progressLock.Unlock()

	// A later scan of the same tree completes normally.
	snap, err := b.Scan(context.Background(), testRoot)
	require.NoError(t, err)
	assert.True(t, snap.Complete())
	assert.True(t, b.IsReady())
}

func TestScanSupersedesRunningScan(t *testing.T) {
	memFs := newTestFs(t, nil, []mockFile{{path: "a.txt", contents: "alpha"}})
	fs := newBlockingFs(memFs, testRoot+"/a.txt")
	b := NewBuilder(WithFs(fs), WithHashWorkers(1))

	origAfterCancel := afterCancel
	afterCancel = func() { close(fs.release) }
	defer func() { afterCancel = origAfterCancel }()

	first := make(chan error)
	go func() {
		_, err := b.Scan(context.Background(), testRoot)
		first <- err
	}()
	<-fs.entered

	snap, err := b.Scan(context.Background(), testRoot)
	require.NoError(t, err)
	assert.True(t, snap.Complete())
	assert.Equal(t, errors.ErrScanCancelled, <-first)
	assert.Equal(t, uint64(1), b.Generation())
}

func TestCancelIdle(t *testing.T) {
	b := NewBuilder(WithFs(afero.NewMemMapFs()))
	b.Cancel()
	assert.False(t, b.IsReady())
}

func TestScanReadError(t *testing.T) {
	fs := newTestFs(t, nil, []mockFile{{path: "a.txt", contents: "alpha"}})
	b := NewBuilder(WithFs(failingOpenFs{fs, testRoot + "/a.txt"}))

	_, err := b.Scan(context.Background(), testRoot)
	var aborted errors.ScanAborted
	require.True(t, errors.As(err, &aborted))
	assert.Equal(t, "a.txt", aborted.Path)
	assert.False(t, b.IsReady())
}

type failingOpenFs struct {
	afero.Fs
	path string
}

func (fs failingOpenFs) Open(name string) (afero.File, error) {
	if name == fs.path {
		return nil, errors.New("input/output error")
	}
	return fs.Fs.Open(name)
}

func TestProgressIsRateLimited(t *testing.T) {
	var files []mockFile
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files = append(files, mockFile{path: name, contents: name})
	}
	fs := newTestFs(t, nil, files)

	var updates []Progress
	sink := ProgressFunc(func(p Progress) { updates = append(updates, p) })
	b := NewBuilder(WithFs(fs), WithProgress(sink), WithClock(clockwork.NewFakeClock()))

	_, err := b.Scan(context.Background(), testRoot)
	require.NoError(t, err)

	// The clock never advances, so only one rate-limited update gets through.
	var ticks int
	var stages []Stage
	for _, p := range updates {
		if p.Stage == StageDiscovering || p.Stage == StageHashing {
			ticks++
			continue
		}
		stages = append(stages, p.Stage)
	}
	assert.Equal(t, 1, ticks)
	assert.Equal(t, []Stage{StageStarted, StageDiscovered, StageComplete}, stages)

	last := updates[len(updates)-1]
	assert.Equal(t, int64(5), last.Found)
	assert.Equal(t, int64(5), last.Hashed)
}

func TestPanickingProgressSink(t *testing.T) {
	fs := newTestFs(t, nil, []mockFile{{path: "a.txt", contents: "alpha"}})
	sink := ProgressFunc(func(Progress) { panic("ui went away") })

	snap, err := NewBuilder(WithFs(fs), WithProgress(sink)).Scan(context.Background(), testRoot)
	require.NoError(t, err)
	assert.True(t, snap.Complete())
}
