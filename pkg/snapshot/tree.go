package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sidkik/dirsync/pkg/errors"
)

// RootName is the name of the synthetic root node. The root's path is the
// empty string.
const RootName = "/"

// Kind is the type of a Node.
type Kind int

const (
	// File is a regular file. Files carry a Size and, once hashed, a Hash.
	File Kind = iota
	// Directory is a directory. Directories carry Children and never a Hash.
	Directory
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "directory"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case File, Directory:
		return []byte(k.String()), nil
	}
	return nil, errors.New("unknown node kind %d", int(k))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "file":
		*k = File
	case "directory":
		*k = Directory
	default:
		return errors.New("unknown node type %q", string(text))
	}
	return nil
}

// Node is a single entry in a snapshot tree.
type Node struct {
	// Name is the base name of the entry, or RootName for the root.
	Name string `json:"name"`

	// Path is the slash-separated path relative to the scan root.
	Path string `json:"path"`

	Kind Kind `json:"type"`

	// ModTime is the modification time in milliseconds since the epoch.
	ModTime int64 `json:"mtime"`

	// Size is the length of a file in bytes. It's informational only.
	Size int64 `json:"size,omitempty"`

	// Hash is the hex content digest of a file. It's empty until the file
	// has been hashed.
	Hash string `json:"hash,omitempty"`

	Children []*Node `json:"children,omitempty"`
}

// IsDir returns whether n is a directory.
func (n *Node) IsDir() bool {
	return n.Kind == Directory
}

// IsFile returns whether n is a regular file.
func (n *Node) IsFile() bool {
	return n.Kind == File
}

// IsRoot returns whether n is the root of its tree.
func (n *Node) IsRoot() bool {
	return n.Path == ""
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Children != nil {
		clone.Children = make([]*Node, 0, len(n.Children))
		for _, child := range n.Children {
			clone.Children = append(clone.Children, child.Clone())
		}
	}
	return &clone
}

// Walk calls fn for n and all of its descendants, parents before children.
// It stops at the first error returned by fn.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := child.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Join returns the path of the child `name` of the directory at `parent`.
func Join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Parent returns the path of the directory containing `path`. The parent of
// a top-level entry is the root, "".
func Parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// Snapshot is a point-in-time tree of a directory's contents. A Snapshot
// isn't modified after it's constructed, so it's safe to share between
// goroutines.
type Snapshot struct {
	Root *Node

	index map[string]*Node
}

// New creates a Snapshot rooted at `root` and indexes it by path.
func New(root *Node) *Snapshot {
	s := &Snapshot{Root: root, index: map[string]*Node{}}
	if root != nil {
		_ = root.Walk(func(n *Node) error {
			s.index[n.Path] = n
			return nil
		})
	}
	return s
}

// Parse decodes a snapshot from its JSON representation, as produced by
// MarshalJSON or by a remote snapshot provider.
func Parse(data []byte) (*Snapshot, error) {
	var root *Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, errors.WithContext(err, "decode")
	}

	s := New(root)
	if err := s.Validate(); err != nil {
		return nil, errors.WithContext(err, "validate")
	}
	return s, nil
}

// MarshalJSON encodes the snapshot as its root node.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Root)
}

// Lookup returns the node at `path`.
func (s *Snapshot) Lookup(path string) (*Node, bool) {
	if s == nil {
		return nil, false
	}
	n, ok := s.index[path]
	return n, ok
}

// Len returns the number of nodes in the snapshot, including the root.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.index)
}

// Walk calls fn for every node in the snapshot, parents before children.
func (s *Snapshot) Walk(fn func(*Node) error) error {
	if s == nil || s.Root == nil {
		return nil
	}
	return s.Root.Walk(fn)
}

// Files returns all the file nodes in the snapshot.
func (s *Snapshot) Files() (files []*Node) {
	_ = s.Walk(func(n *Node) error {
		if n.IsFile() {
			files = append(files, n)
		}
		return nil
	})
	return files
}

// Complete returns whether every file in the snapshot has been hashed.
func (s *Snapshot) Complete() bool {
	for _, f := range s.Files() {
		if f.Hash == "" {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of the tree: the root is a
// directory with an empty path, every path is its parent's path joined with
// its name, paths are unique, and only files carry hashes.
func (s *Snapshot) Validate() error {
	if s == nil || s.Root == nil {
		return errors.New("missing root")
	}
	if !s.Root.IsDir() {
		return errors.New("root must be a directory")
	}
	if s.Root.Path != "" {
		return errors.New("root path must be empty, got %q", s.Root.Path)
	}

	seen := map[string]struct{}{}
	var check func(parent, n *Node) error
	check = func(parent, n *Node) error {
		if _, ok := seen[n.Path]; ok {
			return errors.New("duplicate path %q", n.Path)
		}
		seen[n.Path] = struct{}{}

		if parent != nil && n.Path != Join(parent.Path, n.Name) {
			return errors.New("path %q doesn't match parent %q and name %q",
				n.Path, parent.Path, n.Name)
		}

		if n.IsDir() {
			if n.Hash != "" {
				return errors.New("directory %q has a hash", n.Path)
			}
		} else if len(n.Children) != 0 {
			return errors.New("file %q has children", n.Path)
		}

		for _, child := range n.Children {
			if err := check(n, child); err != nil {
				return err
			}
		}
		return nil
	}
	return check(nil, s.Root)
}
