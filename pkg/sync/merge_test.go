package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

func TestSpliceMissingParent(t *testing.T) {
	m := newMergeTree(sampleTree().Root)
	before := m.snapshot().Len()

	orphan := file("orphan", 1, "O")
	orphan.Path = "missing/orphan"
	warning := m.splice(orphan)
	require.NotNil(t, warning)
	assert.Equal(t, errors.DiffIntegrityWarning{Path: "missing/orphan", Parent: "missing"}, *warning)
	assert.Equal(t, before, m.snapshot().Len())

	// A file can't be a parent either.
	orphan.Path = "b/orphan"
	assert.NotNil(t, m.splice(orphan))
}

func TestSpliceReplacesSubtree(t *testing.T) {
	m := newMergeTree(sampleTree().Root)

	replacement := file("a", 99, "new")
	replacement.Path = "a"
	require.Nil(t, m.splice(replacement))

	s := m.snapshot()
	require.NoError(t, s.Validate())
	a, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "new", a.Hash)

	_, ok = s.Lookup("a/file1")
	assert.False(t, ok)
	_, ok = m.index["a/nested/file2"]
	assert.False(t, ok)

	// The replacement keeps its position among its siblings.
	assert.Equal(t, "a", s.Root.Children[0].Name)
}

func TestSpliceRoot(t *testing.T) {
	m := newMergeTree(nil)

	local := sampleTree()
	require.Nil(t, m.splice(local.Root))
	assert.Equal(t, local.Root, m.root)
	assert.NotSame(t, local.Root, m.root)
	assert.Len(t, m.index, local.Len())
}

func TestDiffWarnsOnMissingMergeParent(t *testing.T) {
	d := differ{merged: newMergeTree(nil)}
	orphan := file("orphan", 1, "O")
	orphan.Path = "dir/orphan"
	d.upload(orphan)

	assert.Equal(t, []*snapshot.Node{orphan}, d.res.Upload)
	assert.Len(t, d.res.Warnings, 1)
}

func TestDrop(t *testing.T) {
	m := newMergeTree(sampleTree().Root)
	m.drop("a/nested")
	m.drop("does/not/exist")

	s := m.snapshot()
	require.NoError(t, s.Validate())
	_, ok := s.Lookup("a/nested")
	assert.False(t, ok)
	_, ok = m.index["a/nested/file2"]
	assert.False(t, ok)
	_, ok = s.Lookup("a/file1")
	assert.True(t, ok)

	m.drop("")
	assert.Nil(t, m.root)
	assert.Empty(t, m.index)
}
