package sync

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/snapshot"
)

const (
	localRoot  = "/local"
	remoteRoot = "/remote"
)

type mockSuppressor struct {
	paths []string
}

func (s *mockSuppressor) Suppress(path string) {
	s.paths = append(s.paths, path)
}

func writeFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	}
}

func assertFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	for path, exp := range files {
		actual, err := afero.ReadFile(fs, path)
		if assert.NoError(t, err, path) {
			assert.Equal(t, exp, string(actual), path)
		}
	}
}

func scan(t *testing.T, fs afero.Fs, root string) *snapshot.Snapshot {
	s, err := snapshot.NewBuilder(snapshot.WithFs(fs)).Scan(context.Background(), root)
	require.NoError(t, err)
	return s
}

func TestExecutorRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		localRoot + "/a.txt":      "a",
		localRoot + "/dir/b.txt":  "bb",
		remoteRoot + "/c.txt":     "ccc",
		remoteRoot + "/dir/d.txt": "dddd",
	})

	remote := NewDirRemote(remoteRoot, fs, nil)
	remoteSnapshot, err := remote.Snapshot(context.Background())
	require.NoError(t, err)

	res := Diff(scan(t, fs, localRoot), remoteSnapshot, true)
	assert.Equal(t, []string{"a.txt", "dir/b.txt"}, paths(res.Upload))
	assert.Equal(t, []string{"dir/d.txt", "c.txt"}, paths(res.Download))

	suppressor := &mockSuppressor{}
	report, err := NewExecutor(localRoot, fs, remote, suppressor).Apply(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, Report{Uploaded: 2, Downloaded: 2, Bytes: 10}, report)

	both := map[string]string{
		"/a.txt":     "a",
		"/dir/b.txt": "bb",
		"/c.txt":     "ccc",
		"/dir/d.txt": "dddd",
	}
	for path, contents := range both {
		assertFiles(t, fs, map[string]string{
			localRoot + path:  contents,
			remoteRoot + path: contents,
		})
	}
	assert.ElementsMatch(t, []string{"/local/dir/d.txt", "/local/c.txt"}, suppressor.paths)

	// Downloaded files keep the remote's modification time.
	remoteC, ok := remoteSnapshot.Lookup("c.txt")
	require.True(t, ok)
	info, err := fs.Stat(localRoot + "/c.txt")
	require.NoError(t, err)
	assert.Equal(t, remoteC.ModTime, info.ModTime().UnixMilli())

	// No staging files are left behind.
	for _, path := range []string{localRoot + "/~c.txt.tmp", remoteRoot + "/~a.txt.tmp"} {
		exists, err := afero.Exists(fs, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}

	remoteSnapshot, err = remote.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, Diff(scan(t, fs, localRoot), remoteSnapshot, true).Empty())
}

func TestExecutorRemovals(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		localRoot + "/old/x.txt": "x",
		localRoot + "/keep.txt":  "k",
		remoteRoot + "/gone.txt": "g",
		remoteRoot + "/keep.txt": "k",
	})

	local := scan(t, fs, localRoot)
	remote := NewDirRemote(remoteRoot, fs, nil)
	remoteSnapshot, err := remote.Snapshot(context.Background())
	require.NoError(t, err)

	old, _ := local.Lookup("old")
	gone, _ := remoteSnapshot.Lookup("gone.txt")
	res := Result{
		LocalRemove: []*snapshot.Node{old},
		Remove:      []*snapshot.Node{gone},
	}

	suppressor := &mockSuppressor{}
	report, err := NewExecutor(localRoot, fs, remote, suppressor).Apply(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, Report{Removed: 1, LocalRemoved: 1}, report)
	assert.Equal(t, []string{"/local/old", "/local/old/x.txt"}, suppressor.paths)

	for path, expExists := range map[string]bool{
		localRoot + "/old":       false,
		localRoot + "/keep.txt":  true,
		remoteRoot + "/gone.txt": false,
		remoteRoot + "/keep.txt": true,
	} {
		exists, err := afero.Exists(fs, path)
		require.NoError(t, err)
		assert.Equal(t, expExists, exists, path)
	}
}

func TestExecutorTypeChange(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		localRoot + "/a":            "file",
		remoteRoot + "/a/child.txt": "child",
	})

	local := scan(t, fs, localRoot)
	remote := NewDirRemote(remoteRoot, fs, nil)
	remoteSnapshot, err := remote.Snapshot(context.Background())
	require.NoError(t, err)

	localA, _ := local.Lookup("a")
	remoteA, _ := remoteSnapshot.Lookup("a")
	res := Result{
		LocalRemove: []*snapshot.Node{localA},
		Download:    []*snapshot.Node{remoteA},
	}

	suppressor := &mockSuppressor{}
	report, err := NewExecutor(localRoot, fs, remote, suppressor).Apply(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, Report{LocalRemoved: 1, Downloaded: 1, Directories: 1, Bytes: 5}, report)
	assertFiles(t, fs, map[string]string{localRoot + "/a/child.txt": "child"})
	assert.Equal(t, []string{"/local/a", "/local/a", "/local/a/child.txt"}, suppressor.paths)
}

func TestExecutorUploadToMissingRemote(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		localRoot + "/a.txt":       "a",
		localRoot + "/dir/b/c.txt": "c",
	})

	remote := NewDirRemote(remoteRoot, fs, nil)
	remoteSnapshot, err := remote.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, remoteSnapshot)

	res := Diff(scan(t, fs, localRoot), remoteSnapshot, false)
	require.Equal(t, []string{""}, paths(res.Upload))

	report, err := NewExecutor(localRoot, fs, remote, nil).Apply(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Equal(t, 3, report.Directories)
	assertFiles(t, fs, map[string]string{
		remoteRoot + "/a.txt":       "a",
		remoteRoot + "/dir/b/c.txt": "c",
	})
}

func TestExecutorDownloadFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(localRoot, 0755))
	require.NoError(t, fs.MkdirAll(remoteRoot, 0755))

	missing := file("missing.txt", 1, "X")
	missing.Path = "missing.txt"

	remote := NewDirRemote(remoteRoot, fs, nil)
	_, err := NewExecutor(localRoot, fs, remote, nil).Apply(context.Background(),
		Result{Download: []*snapshot.Node{missing}})
	assert.Error(t, err)

	for _, path := range []string{localRoot + "/missing.txt", localRoot + "/~missing.txt.tmp"} {
		exists, err := afero.Exists(fs, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}
}

func TestExecutorCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{remoteRoot + "/a.txt": "a"})
	require.NoError(t, fs.MkdirAll(localRoot, 0755))

	remote := NewDirRemote(remoteRoot, fs, nil)
	remoteSnapshot, err := remote.Snapshot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Diff(scan(t, fs, localRoot), remoteSnapshot, true)
	_, err = NewExecutor(localRoot, fs, remote, nil).Apply(ctx, res)
	assert.Equal(t, context.Canceled, err)

	exists, err := afero.Exists(fs, localRoot+"/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}
