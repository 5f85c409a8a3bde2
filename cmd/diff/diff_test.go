package diff

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

func setup(t *testing.T) *bytes.Buffer {
	fs = afero.NewMemMapFs()
	loadCfg = func() (config.User, error) {
		return config.User{}, nil
	}

	var out bytes.Buffer
	stdout = &out
	return &out
}

func writeFile(t *testing.T, path, contents string, modTime time.Time) {
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	require.NoError(t, fs.Chtimes(path, modTime, modTime))
}

func TestDiffDirectories(t *testing.T) {
	out := setup(t)
	old := time.Unix(1000, 0)
	now := time.Unix(2000, 0)

	writeFile(t, "/local/same.txt", "same", old)
	writeFile(t, "/remote/same.txt", "same", old)
	writeFile(t, "/local/changed.txt", "new", now)
	writeFile(t, "/remote/changed.txt", "old", old)
	writeFile(t, "/local/dir/new.txt", "new", now)

	require.NoError(t, run(context.Background(), "/local", "/remote", true, false))
	assert.Equal(t, "upload        changed.txt\n"+
		"upload        dir/\n", out.String())
}

func TestDiffInSync(t *testing.T) {
	out := setup(t)
	writeFile(t, "/local/a.txt", "a", time.Unix(1000, 0))
	writeFile(t, "/remote/a.txt", "a", time.Unix(1000, 0))

	require.NoError(t, run(context.Background(), "/local", "/remote", false, false))
	assert.Equal(t, "Already in sync.\n", out.String())
}

func TestDiffMissingRemote(t *testing.T) {
	out := setup(t)
	writeFile(t, "/local/a.txt", "a", time.Unix(1000, 0))

	require.NoError(t, run(context.Background(), "/local", "/missing", false, false))
	assert.Equal(t, "upload        /\n", out.String())
}

func TestDiffSnapshotFile(t *testing.T) {
	out := setup(t)
	writeFile(t, "/local/a.txt", "a", time.Unix(1000, 0))

	remote := snapshot.New(&snapshot.Node{
		Name: snapshot.RootName,
		Kind: snapshot.Directory,
		Children: []*snapshot.Node{
			{Name: "b.txt", Path: "b.txt", Kind: snapshot.File, Hash: "abc"},
		},
	})
	data, err := json.Marshal(remote)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/remote.json", data, 0644))

	require.NoError(t, run(context.Background(), "/local", "/remote.json", true, false))
	assert.Equal(t, "upload        a.txt\n"+
		"download      b.txt\n", out.String())
}

func TestDiffInvalidSnapshotFile(t *testing.T) {
	setup(t)
	writeFile(t, "/local/a.txt", "a", time.Unix(1000, 0))
	require.NoError(t, afero.WriteFile(fs, "/remote.json", []byte("{"), 0644))

	assert.Error(t, run(context.Background(), "/local", "/remote.json", false, false))
}

func TestDiffPatch(t *testing.T) {
	out := setup(t)
	old := time.Unix(1000, 0)
	now := time.Unix(2000, 0)

	writeFile(t, "/local/up.txt", "one\ntwo\n", now)
	writeFile(t, "/remote/up.txt", "one\n", old)
	writeFile(t, "/local/down.txt", "a\n", old)
	writeFile(t, "/remote/down.txt", "b\n", now)
	writeFile(t, "/local/binary", "\x00\x01", now)
	writeFile(t, "/remote/binary", "\x00\x02", old)

	require.NoError(t, run(context.Background(), "/local", "/remote", true, true))
	assert.Equal(t, "upload        binary\n"+
		"upload        up.txt\n"+
		"download      down.txt\n"+
		"Binary or large file binary differs\n"+
		"--- remote/up.txt\n"+
		"+++ local/up.txt\n"+
		"@@ -1 +1,2 @@\n"+
		" one\n"+
		"+two\n"+
		"--- local/down.txt\n"+
		"+++ remote/down.txt\n"+
		"@@ -1 +1 @@\n"+
		"-a\n"+
		"+b\n", out.String())
}

func TestDiffPatchRequiresDirectory(t *testing.T) {
	setup(t)
	writeFile(t, "/local/a.txt", "a", time.Unix(1000, 0))
	require.NoError(t, afero.WriteFile(fs, "/remote.json",
		[]byte(`{"name": "/", "path": "", "type": "directory", "mtime": 0}`), 0644))

	assert.EqualError(t, run(context.Background(), "/local", "/remote.json", false, true),
		"--patch requires REMOTE to be a directory.")
}
