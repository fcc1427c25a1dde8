/*
Package peer implements the per-remote send/receive pipeline of a
CoreMember.

Each Peer owns a bounded outbound queue drained by a single sender
goroutine, and a receiver goroutine decoding framed RPCs off the
Network Channel into Incoming values pushed to an IncomingSink (which
pkg/member's CoreMember implements). A connection supervisor
goroutine reconnects on failure after create_socket_retry_period, and
a watchdog goroutine tears down a channel that's gone silent for
channel_inactivity_timeout. No messages are buffered
across a reconnect; in-flight sends are simply dropped and left to
AppendEntries retransmission to repair.

Backfill is cursor-driven: NextIndex is the cursor, IsBackfilling
compares MatchIndex against the leader's last index and
BackfillWindow, and the leader streams one batch per
AppendEntriesReply so exactly one batch is in flight at a time.

A Peer can also wrap a channel the remote initiated (NewInbound);
that's how a leader serves a cross-shard slave it has no topology
entry for.
*/
package peer
