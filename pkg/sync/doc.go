/*
The sync package keeps two live file trees mutually consistent: the project
tree, which the user's tools edit, and the collaboration tree, which the
real-time session transport exposes to remote peers.

A watcher on each tree feeds a per-path state machine. Each tracked path is
either idle or propagating in one direction. Events against a path that's
currently being written by a propagation in the other direction are dropped,
which breaks the feedback loop between the two watchers. Events that arrive
while a propagation in the same direction is in flight set a pending flag
instead of spawning a second task; the in-flight propagation re-runs once
per coalesced batch.

Content that can't travel through the text-oriented session channel is the
exception to plain mirroring: a binary file appears in the collaboration
tree under a suffixed name carrying base64 text, and the engine transcodes
at the boundary in both directions.

The engine also produces the per-kind bundle snapshots used for uploads. A
bundle kind is only re-serialized when one of its paths was added, removed,
or written since the last successful upload.
*/
package sync
