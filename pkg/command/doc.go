/*
Package command implements the submission and read-back pipeline in
front of a Shard's replicated log.

CheckoutCommand hands the caller a pooled Command in FREE state.
Commit submits its payload through the Queue (rejected synchronously
with raft.ErrNotLeader if this member isn't leader), blocking until the
CoreMember's commit advancement resolves it to COMMITTED, or until the
caller's timeout elapses and it becomes TIMEOUT. A TIMEOUT is not a
rollback: the entry can still land and later be read back by index
through GetCommittedCommand, which blocks until commitIndex reaches the
requested index and then loads it straight from Storage.

The CoreMember drives the Queue from its main loop: Dequeue pulls
pending submissions (throttled once the wait-map holds more than
wait_queue_throttle_size unresolved commands), AssignIndex registers
each one under the log index/term it was just given, and ResolveUpTo
is called after every commitIndex advance to wake the matching
waiters.
*/
package command
