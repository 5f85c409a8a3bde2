package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinAndParent(t *testing.T) {
	tests := []struct {
		parent, name, path string
	}{
		{"", "a", "a"},
		{"a", "b", "a/b"},
		{"a/b", "c.txt", "a/b/c.txt"},
	}

	for _, test := range tests {
		assert.Equal(t, test.path, Join(test.parent, test.name))
		assert.Equal(t, test.parent, Parent(test.path))
	}
}

func TestParse(t *testing.T) {
	raw := `{
		"name": "/", "path": "", "type": "directory", "mtime": 10,
		"children": [
			{"name": "a", "path": "a", "type": "directory", "mtime": 5, "children": [
				{"name": "f.txt", "path": "a/f.txt", "type": "file", "mtime": 3, "size": 4, "hash": "abcd"}
			]}
		]
	}`

	s, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Complete())

	f, ok := s.Lookup("a/f.txt")
	require.True(t, ok)
	assert.Equal(t, File, f.Kind)
	assert.Equal(t, int64(3), f.ModTime)
	assert.Equal(t, "abcd", f.Hash)

	encoded, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"type":"file"`)
	assert.Contains(t, string(encoded), `"type":"directory"`)
}

func TestParseRejectsInvalidTrees(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "FileRoot",
			raw:  `{"name": "/", "path": "", "type": "file"}`,
		},
		{
			name: "UnknownType",
			raw:  `{"name": "/", "path": "", "type": "symlink"}`,
		},
		{
			name: "WrongChildPath",
			raw: `{"name": "/", "path": "", "type": "directory", "children": [
				{"name": "a", "path": "b", "type": "file"}]}`,
		},
		{
			name: "DuplicatePath",
			raw: `{"name": "/", "path": "", "type": "directory", "children": [
				{"name": "a", "path": "a", "type": "file"},
				{"name": "a", "path": "a", "type": "file"}]}`,
		},
		{
			name: "HashedDirectory",
			raw: `{"name": "/", "path": "", "type": "directory", "children": [
				{"name": "a", "path": "a", "type": "directory", "hash": "ff"}]}`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.raw))
			assert.Error(t, err)
		})
	}
}

func TestClone(t *testing.T) {
	orig := &Node{Name: RootName, Kind: Directory, Children: []*Node{
		{Name: "a", Path: "a", Kind: Directory, Children: []*Node{
			{Name: "f", Path: "a/f", Kind: File, Hash: "1"},
		}},
	}}

	clone := orig.Clone()
	assert.Equal(t, orig, clone)

	clone.Children[0].Children[0].Hash = "2"
	clone.Children[0].Children = append(clone.Children[0].Children, &Node{Name: "g", Path: "a/g"})
	assert.Equal(t, "1", orig.Children[0].Children[0].Hash)
	assert.Len(t, orig.Children[0].Children, 1)
}

func TestIncompleteSnapshot(t *testing.T) {
	s := New(&Node{Name: RootName, Kind: Directory, Children: []*Node{
		{Name: "hashed", Path: "hashed", Kind: File, Hash: "1"},
		{Name: "pending", Path: "pending", Kind: File},
	}})
	assert.False(t, s.Complete())
	assert.Len(t, s.Files(), 2)
}
