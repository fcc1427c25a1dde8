// Package raftnet implements the Network contract used to exchange
// RequestVote/AppendEntries frames between members: an in-memory
// Loopback for tests and single-process deployments, and a TCP
// transport for multi-host ones. Transport internals are explicitly
// out of scope for the replication protocol itself; a
// buildable repo still needs at least one concrete implementation of
// each, so both are deliberately minimal rather than production
// hardened (no TLS, no backoff beyond what pkg/peer already does).
package raftnet
