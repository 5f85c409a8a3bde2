package sync

import (
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

// Result contains the operations necessary to reconcile a local and remote
// snapshot. The nodes in the action sets point into the input snapshots, and
// must not be modified.
type Result struct {
	Upload      []*snapshot.Node
	Remove      []*snapshot.Node
	LocalRemove []*snapshot.Node
	Download    []*snapshot.Node

	// Merged is the expected state of the remote once the uploads have been
	// applied. It doesn't share any nodes with the inputs.
	Merged *snapshot.Snapshot

	// Warnings contains uploads that couldn't be spliced into Merged.
	Warnings []errors.DiffIntegrityWarning
}

// Empty returns whether the snapshots were already in sync.
func (res Result) Empty() bool {
	return len(res.Upload) == 0 && len(res.Remove) == 0 &&
		len(res.LocalRemove) == 0 && len(res.Download) == 0
}

// Flatten expands subtree roots into a list of every node in the subtrees.
// Parents come before their children.
func Flatten(nodes []*snapshot.Node) (flat []*snapshot.Node) {
	for _, n := range nodes {
		_ = n.Walk(func(n *snapshot.Node) error {
			flat = append(flat, n)
			return nil
		})
	}
	return flat
}

// Diff compares the local and remote snapshots. A nil snapshot is treated as
// a directory that doesn't exist.
//
// Unless `mergeMode` is set, an entry that's missing on one side is treated as
// deleted if the directory that contains it was modified more recently on
// that side. In merge mode, missing entries are always copied over, so that
// nothing is ever deleted.
func Diff(local, remote *snapshot.Snapshot, mergeMode bool) Result {
	localRoot, remoteRoot := root(local), root(remote)

	d := differ{
		mergeMode: mergeMode,
		merged:    newMergeTree(remoteRoot),
	}
	d.compare(localRoot, remoteRoot, nil, nil)

	d.res.Merged = d.merged.snapshot()
	return d.res
}

func root(s *snapshot.Snapshot) *snapshot.Node {
	if s == nil {
		return nil
	}
	return s.Root
}

type differ struct {
	mergeMode bool
	merged    *mergeTree
	res       Result
}

// compare reconciles the nodes at the same path. The parents are only set if
// the containing directory exists on both sides.
func (d *differ) compare(local, remote, localParent, remoteParent *snapshot.Node) {
	bothParents := localParent != nil && remoteParent != nil

	switch {
	case local == nil && remote == nil:
		return

	case local == nil:
		if !d.mergeMode && bothParents && localParent.ModTime > remoteParent.ModTime {
			d.remove(remote)
		} else {
			d.download(remote)
		}

	case remote == nil:
		if !d.mergeMode && bothParents && localParent.ModTime < remoteParent.ModTime {
			d.localRemove(local)
		} else {
			d.upload(local)
		}

	case local.Kind != remote.Kind:
		if local.ModTime > remote.ModTime {
			d.remove(remote)
			d.upload(local)
		} else {
			d.localRemove(local)
			d.download(remote)
		}

	case local.IsFile():
		// Identical contents never need to be synced, no matter what the
		// timestamps say.
		if local.Hash == remote.Hash {
			return
		}
		if local.ModTime > remote.ModTime {
			d.upload(local)
		} else {
			d.download(remote)
		}

	default:
		d.compareChildren(local, remote)
	}
}

func (d *differ) compareChildren(local, remote *snapshot.Node) {
	remoteChildren := make(map[string]*snapshot.Node, len(remote.Children))
	for _, child := range remote.Children {
		remoteChildren[child.Name] = child
	}

	localChildren := make(map[string]struct{}, len(local.Children))
	for _, child := range local.Children {
		localChildren[child.Name] = struct{}{}
		d.compare(child, remoteChildren[child.Name], local, remote)
	}

	// Catch the entries that only exist remotely. The others were handled
	// above.
	for _, child := range remote.Children {
		if _, ok := localChildren[child.Name]; !ok {
			d.compare(nil, child, local, remote)
		}
	}
}

func (d *differ) upload(n *snapshot.Node) {
	d.res.Upload = append(d.res.Upload, n)
	if warning := d.merged.splice(n); warning != nil {
		log.WithError(warning).Warn("Failed to merge uploaded node")
		d.res.Warnings = append(d.res.Warnings, *warning)
	}
}

func (d *differ) remove(n *snapshot.Node) {
	d.res.Remove = append(d.res.Remove, n)
	d.merged.drop(n.Path)
}

func (d *differ) localRemove(n *snapshot.Node) {
	d.res.LocalRemove = append(d.res.LocalRemove, n)
}

func (d *differ) download(n *snapshot.Node) {
	d.res.Download = append(d.res.Download, n)
}
