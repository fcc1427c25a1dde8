// Package raftnet defines the pluggable Network contract
// used to exchange raw RPC bytes between members, plus two concrete
// implementations: an in-memory loopback for single-process tests and
// multi-shard simulations, and a TCP-socket transport for real
// deployments. Both are intentionally minimal: transport internals
// are explicitly out of scope, so these exist only so the repo has at
// least one buildable, runnable Network.
package raftnet

import "errors"

// ErrChannelClosed is returned by Send/Receive once a Channel has
// been torn down, e.g. after channel_inactivity_timeout.
var ErrChannelClosed = errors.New("raftnet: channel closed")

// Network creates Channels between member pairs. Implementations must
// be safe for concurrent CreateChannel calls from multiple Peers.
type Network interface {
	// CreateChannel returns a Channel from localMember to remoteMember.
	// Repeated calls for the same pair may return the same underlying
	// connection or a fresh one; callers must not assume either.
	CreateChannel(localMember, remoteMember int) (Channel, error)

	// Inbound surfaces channels initiated by remote members. The
	// Engine drains this to discover cross-shard slaves attaching to a
	// locally hosted leader; events for remotes that already have a
	// configured Peer are simply dropped by the consumer, unread.
	// Implementations that cannot observe remote initiations return nil.
	Inbound() <-chan Inbound

	// Close releases all channels and any listening resources.
	Close() error
}

// Inbound is a channel a remote member opened toward a local one.
type Inbound struct {
	LocalMember  int
	RemoteMember int
	Ch           Channel
}

// Channel is a reliable, FIFO-while-connected byte stream between two
// members. After a reconnect the other side sees a fresh stream; there
// is no guarantee about messages in flight during the break, since
// retransmission is handled by the AppendEntries protocol itself, not
// by Channel.
type Channel interface {
	// Send writes one framed message. Safe to call from the single
	// sender goroutine a Peer dedicates to this channel; not required
	// to be safe for concurrent callers.
	Send(b []byte) error

	// Receive blocks for the next framed message, or returns
	// ErrChannelClosed once the channel is torn down.
	Receive() ([]byte, error)

	// Close tears down the channel.
	Close() error
}
