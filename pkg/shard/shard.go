// Package shard binds one CoreMember to its Peers and exposes the
// public per-replication-group API:
// checkoutCommand, getCommittedCommand, and getMember. A Shard
// exclusively owns its CoreMember and Peers; it
// borrows Storage, Network, Clock, and the MessagePool from the
// owning Engine.
package shard

import (
	"fmt"
	"time"

	"github.com/cuemby/gondola/pkg/command"
	"github.com/cuemby/gondola/pkg/member"
	"github.com/cuemby/gondola/pkg/metrics"
	"github.com/cuemby/gondola/pkg/peer"
	"github.com/cuemby/gondola/pkg/storage"
)

// Member is the public surface of a CoreMember, as exposed through
// Shard.GetMember.
type Member interface {
	IsLeader() bool
	GetRole() string
	GetTerm() uint64
	SetSlave(targetShardID, masterMemberID int) error
	GetSlaveStatus() (member.SlaveStatus, bool)
	Enable(bool)
}

type memberAdapter struct{ *member.CoreMember }

func (a memberAdapter) GetRole() string { return string(a.CoreMember.GetRole()) }

// Shard is one independent Raft replication group hosted by this process.
type Shard struct {
	ID            int
	LocalMemberID int

	core  *member.CoreMember
	peers map[int]*peer.Peer
	cmdQ  *command.Queue
	store storage.Store
}

// New constructs a Shard from its already-built components; call
// Start to begin running the member and its peer connections.
func New(id, localMemberID int, core *member.CoreMember, peers map[int]*peer.Peer, cmdQ *command.Queue, store storage.Store) *Shard {
	return &Shard{ID: id, LocalMemberID: localMemberID, core: core, peers: peers, cmdQ: cmdQ, store: store}
}

// Start launches the CoreMember and every Peer's connection supervisor.
func (s *Shard) Start() error {
	if err := s.core.LoadState(); err != nil {
		return err
	}
	s.core.Start()
	for _, p := range s.peers {
		p.Start()
	}
	metrics.RaftPeers.WithLabelValues(fmt.Sprint(s.ID)).Set(float64(len(s.peers)))
	return nil
}

// Stop tears down peer connections and the CoreMember, in that order.
func (s *Shard) Stop() {
	for _, p := range s.peers {
		p.Stop()
	}
	s.core.Stop()
}

// CheckoutCommand returns a pooled Command in FREE state, ready for Commit.
func (s *Shard) CheckoutCommand() *command.Command {
	return s.cmdQ.CheckoutCommand()
}

// GetCommittedCommand blocks until commitIndex reaches index (or
// timeout), then returns the entry read back from Storage.
func (s *Shard) GetCommittedCommand(index uint64, timeout time.Duration) (*command.Command, error) {
	return s.cmdQ.GetCommittedCommand(s.store, s.LocalMemberID, index, timeout)
}

// GetMember returns the local Member view for memberID, if this
// process hosts it (each host runs at most one member per shard).
func (s *Shard) GetMember(memberID int) (Member, bool) {
	if memberID != s.LocalMemberID {
		return nil, false
	}
	return memberAdapter{s.core}, true
}

// CoreMember exposes the underlying state machine for callers (like
// the Engine) that need the full internal surface rather than the
// public Member view.
func (s *Shard) CoreMember() *member.CoreMember { return s.core }
