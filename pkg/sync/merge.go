package sync

import (
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

// mergeTree is a mutable copy of a snapshot tree, indexed by path so that
// uploaded nodes can be spliced in without walking the tree.
type mergeTree struct {
	root  *snapshot.Node
	index map[string]*snapshot.Node
}

func newMergeTree(root *snapshot.Node) *mergeTree {
	t := &mergeTree{index: map[string]*snapshot.Node{}}
	t.setRoot(root.Clone())
	return t
}

func (t *mergeTree) setRoot(root *snapshot.Node) {
	t.root = root
	t.index = map[string]*snapshot.Node{}
	if root != nil {
		t.add(root)
	}
}

// splice inserts a copy of `n` at its path, replacing whatever is already
// there. If the parent directory doesn't exist, the tree is left unchanged and
// a warning is returned.
func (t *mergeTree) splice(n *snapshot.Node) *errors.DiffIntegrityWarning {
	clone := n.Clone()
	if n.IsRoot() {
		t.setRoot(clone)
		return nil
	}

	parentPath := snapshot.Parent(n.Path)
	parent, ok := t.index[parentPath]
	if !ok || !parent.IsDir() {
		return &errors.DiffIntegrityWarning{Path: n.Path, Parent: parentPath}
	}

	for i, child := range parent.Children {
		if child.Name == n.Name {
			t.remove(child)
			parent.Children[i] = clone
			t.add(clone)
			return nil
		}
	}

	parent.Children = append(parent.Children, clone)
	t.add(clone)
	return nil
}

// drop removes the node at `path` and its descendants.
func (t *mergeTree) drop(path string) {
	n, ok := t.index[path]
	if !ok {
		return
	}

	if n.IsRoot() {
		t.setRoot(nil)
		return
	}

	parent, ok := t.index[snapshot.Parent(path)]
	if !ok {
		return
	}
	for i, child := range parent.Children {
		if child == n {
			parent.Children = append(parent.Children[:i:i], parent.Children[i+1:]...)
			break
		}
	}
	t.remove(n)
}

func (t *mergeTree) add(n *snapshot.Node) {
	_ = n.Walk(func(n *snapshot.Node) error {
		t.index[n.Path] = n
		return nil
	})
}

func (t *mergeTree) remove(n *snapshot.Node) {
	_ = n.Walk(func(n *snapshot.Node) error {
		delete(t.index, n.Path)
		return nil
	})
}

func (t *mergeTree) snapshot() *snapshot.Snapshot {
	return snapshot.New(t.root)
}
