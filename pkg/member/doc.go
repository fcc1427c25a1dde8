/*
Package member implements CoreMember, the Raft state machine for one
local member of one shard.

A single goroutine (run) owns every piece of mutable state: role,
term, votedFor, the in-memory lastIndex/lastTerm, commitIndex, and the
leader's view of each peer's replication progress. Incoming RPCs
arrive over Push (called by the member's Peers), SaveQueue
completions arrive over an internal channel, and cross-thread requests
like Enable/SetSlave are funneled through a control channel, so nothing
outside run() ever touches the state directly. A snapshot refreshed at
the end of every loop iteration backs the public getters
(IsLeader, GetTerm, GetCommitIndex, ...), which are safe to call from
any goroutine.

Leader replication batches pending commands from the command.Queue
into a single AppendEntries per tick (the gondola.batching key),
assigns them contiguous indices, and dispatches each entry to the
SaveQueue for local durability and to every Peer simultaneously.
Commit advancement uses the standard sorted-matchIndex technique: the
highest index present, durably, on a quorum of members (self
included) at the current term becomes the new commitIndex.

Slave mode reuses the same Peer machinery against a
foreign shard's leader: entering it deletes the local log and routes
the dedicated slave Peer's incoming AppendEntries through a separate
path that writes directly into this member's own Storage bucket
without touching the shard's own term/vote state. On the other side,
a leader serves slaves it never had in its topology: AttachSlavePeer
registers a Peer wrapped around the channel the slave dialed in on,
streams the log to it like any follower, excludes it from quorum, and
prunes it after slave_inactivity_timeout of silence.
*/
package member
