/*
Package snapshot builds content-addressed snapshots of directory trees.

A snapshot is a tree of Nodes rooted at a synthetic directory named "/" whose
path is "". Every other node's path is the slash-separated path relative to
the scanned directory. Files carry their size, modification time, and a hex
digest of their contents; directories carry their children.

Snapshots are built in two passes. The first pass walks the directory tree,
listing subdirectories concurrently and recording file metadata. The second
pass hashes every file. Both passes stop cooperatively when the scan is
cancelled, and a cancelled or failed scan never publishes a snapshot.
*/
package snapshot
