/*
The sync package implements dirsync's sync algorithm. It compares a snapshot
of the local directory against a snapshot of the remote one, decides what has
to move in which direction, and applies those decisions.

Every entry falls into one of four action sets:
1) Upload -- Entries that only exist locally, or whose local copy wins a
   conflict. These are copied to the remote.
2) Remove -- Remote entries that were deleted locally. The deletion is
   inferred from the parent directory: if the local parent was modified more
   recently than the remote one, the entry is assumed to have been removed
   on purpose.
3) LocalRemove -- The mirror image of Remove, plus local entries that lose a
   conflict against a different type of entry on the remote.
4) Download -- Entries that only exist remotely, or whose remote copy wins a
   conflict.

Conflicts are resolved wholesale: the side with the strictly newer
modification time wins, and ties go to the remote. File contents are compared
by hash, so files with the same contents never conflict regardless of their
modification times.

Entries in the action sets are subtree roots. A directory in Download stands
for itself and everything underneath it. Use Flatten to expand them.

The diff also projects what the remote tree will look like after the uploads
are applied. This Merged tree can be sent back to the remote as its new
index without having to rescan it.
*/
package sync
