package diff

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/snapshot"
)

// maxPatchSize is the largest file that's shown as a patch.
const maxPatchSize = 1 << 20

// patcher prints unified diffs of files that changed on both sides.
type patcher struct {
	localRoot, remoteRoot string
	local, remote         *snapshot.Snapshot
}

// patch prints the diff that syncing `n` would apply to the other side.
// `upload` is true if `n` is a local node.
func (p patcher) patch(n *snapshot.Node, upload bool) {
	if !n.IsFile() {
		return
	}

	other := p.remote
	if !upload {
		other = p.local
	}
	if o, ok := other.Lookup(n.Path); !ok || !o.IsFile() {
		return
	}

	localData, ok := readText(filepath.Join(p.localRoot, filepath.FromSlash(n.Path)))
	if !ok {
		fmt.Fprintf(stdout, "Binary or large file %s differs\n", n.Path)
		return
	}
	remoteData, ok := readText(filepath.Join(p.remoteRoot, filepath.FromSlash(n.Path)))
	if !ok {
		fmt.Fprintf(stdout, "Binary or large file %s differs\n", n.Path)
		return
	}

	u := difflib.UnifiedDiff{
		A:        splitLines(remoteData),
		B:        splitLines(localData),
		FromFile: "remote/" + n.Path,
		ToFile:   "local/" + n.Path,
		Context:  3,
	}
	if !upload {
		u.A, u.B = u.B, u.A
		u.FromFile, u.ToFile = u.ToFile, u.FromFile
	}

	if err := difflib.WriteUnifiedDiff(stdout, u); err != nil {
		fmt.Fprintf(stdout, "Failed to diff %s: %s\n", n.Path, err)
	}
}

func readText(path string) (string, bool) {
	info, err := fs.Stat(path)
	if err != nil || info.Size() > maxPatchSize {
		return "", false
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 {
		return "", false
	}
	return string(data), true
}

// splitLines splits `s` into lines that keep their trailing newline.
func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
