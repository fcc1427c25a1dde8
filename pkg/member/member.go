// Package member implements CoreMember, the Raft state machine for
// one shard: roles and timers, the election rules, log replication
// with batching and backpressure, commit advancement, the
// post-election no-op, and cross-shard slave mode.
//
// All mutable Raft state (role, term, votedFor, indices, leader
// state) is owned exclusively by the single goroutine running run():
// incoming peer messages, SaveQueue completions, and control requests
// (SetSlave, Enable, ...) are all funneled through channels the main
// loop selects on, so nothing else ever touches that state directly
// and role/term transitions need no internal locks. A small snapshot,
// refreshed at the end of every loop iteration, is what the public
// getters (IsLeader, GetTerm, ...) read under a lightweight RWMutex,
// since those are called from arbitrary application threads.
package member

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/command"
	"github.com/cuemby/gondola/pkg/config"
	"github.com/cuemby/gondola/pkg/events"
	"github.com/cuemby/gondola/pkg/log"
	"github.com/cuemby/gondola/pkg/metrics"
	"github.com/cuemby/gondola/pkg/peer"
	"github.com/cuemby/gondola/pkg/raft"
	"github.com/cuemby/gondola/pkg/savequeue"
	"github.com/cuemby/gondola/pkg/storage"
	"github.com/cuemby/gondola/pkg/wire"
	"github.com/rs/zerolog"
)

// Config holds the tunables read from pkg/config at construction
// time (the raft.* and gondola.* keys).
type Config struct {
	ElectionTimeout                time.Duration
	HeartbeatPeriod                time.Duration
	LeaderTimeout                  time.Duration
	RequestVotePeriod              time.Duration
	SlaveInactivityTimeout         time.Duration
	CommandMaxSize                 int
	WriteEmptyCommandAfterElection bool
	Batching                       bool
	PrevoteEnabled                 bool
	IncomingQueueSize              int
	MaxBatchEntries                int
	MaxBatchBytes                  int
}

// DefaultConfig carries the stock timer and sizing defaults.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:                2000 * time.Millisecond,
		HeartbeatPeriod:                250 * time.Millisecond,
		LeaderTimeout:                  10000 * time.Millisecond,
		RequestVotePeriod:              300 * time.Millisecond,
		SlaveInactivityTimeout:         60 * time.Second,
		CommandMaxSize:                 1 << 20,
		WriteEmptyCommandAfterElection: true,
		Batching:                       true,
		PrevoteEnabled:                 false,
		IncomingQueueSize:              1024,
		MaxBatchEntries:                64,
		MaxBatchBytes:                  1 << 20,
	}
}

// LoadConfig reads Config from a pkg/config.Config, falling back to
// DefaultConfig's values for any unset key.
func LoadConfig(c config.Config) Config {
	d := DefaultConfig()
	return Config{
		ElectionTimeout:                c.GetDuration("raft.election_timeout", d.ElectionTimeout),
		HeartbeatPeriod:                c.GetDuration("raft.heartbeat_period", d.HeartbeatPeriod),
		LeaderTimeout:                  c.GetDuration("raft.leader_timeout", d.LeaderTimeout),
		RequestVotePeriod:              c.GetDuration("raft.request_vote_period", d.RequestVotePeriod),
		SlaveInactivityTimeout:         c.GetDuration("gondola.slave_inactivity_timeout", d.SlaveInactivityTimeout),
		CommandMaxSize:                 c.GetInt("raft.command_max_size", d.CommandMaxSize),
		WriteEmptyCommandAfterElection: c.GetBool("raft.write_empty_command_after_election", d.WriteEmptyCommandAfterElection),
		Batching:                       c.GetBool("gondola.batching", d.Batching),
		PrevoteEnabled:                 c.GetBool("raft.prevote", d.PrevoteEnabled),
		IncomingQueueSize:              c.GetInt("gondola.incoming_queue_size", d.IncomingQueueSize),
		MaxBatchEntries:                d.MaxBatchEntries,
		MaxBatchBytes:                  d.MaxBatchBytes,
	}
}

// SlaveStatus reports the state of a member placed in cross-shard
// slave mode.
type SlaveStatus struct {
	MasterShardID  int
	MasterMemberID int
	Running        bool
}

type snapshot struct {
	role             raft.Role
	term             uint64
	leaderID         int
	commitIndex      uint64
	lastIndex        uint64
	enabled          bool
	slave            bool
	slaveOperational bool
	slaveShardID     int
	slaveMasterID    int
}

type savedEvent struct {
	index uint64
	err   error
}

type controlMsg struct {
	kind    string // "enable", "slave", "unslave", "attachSlave"
	enabled bool
	shardID int
	master  int
	peerRef *peer.Peer
	reply   chan error
}

// SlavePeerFactory creates the dedicated Peer connection used to pull
// a foreign shard's leader log while in slave mode. Supplied by the
// owning Shard, which has access to the Engine's Network.
type SlavePeerFactory func(targetShardID, masterMemberID int) (*peer.Peer, error)

// CoreMember is the Raft state machine for one local member of one shard.
type CoreMember struct {
	ShardID  int
	MemberID int

	store  storage.Store
	saveQ  *savequeue.SaveQueue
	cmdQ   *command.Queue
	clk    clock.Clock
	broker *events.Broker
	cfg    Config

	peers map[int]*peer.Peer

	// slaves are cross-shard read-only replicas attached at runtime:
	// replicated to like peers, never counted toward quorum, pruned
	// after SlaveInactivityTimeout of silence.
	slaves map[int]*peer.Peer

	slavePeerFactory SlavePeerFactory

	incoming      chan peer.Incoming
	slaveIncoming chan peer.Incoming
	saved         chan savedEvent
	control       chan controlMsg
	stopCh        chan struct{}
	wg            sync.WaitGroup

	// main-loop-owned state.
	role        raft.Role
	currentTerm uint64
	votedFor    int
	lastIndex   uint64
	lastTerm    uint64
	commitIndex uint64
	enabled     bool
	leaderID    int

	votesGranted    map[int]bool
	prevotesGranted map[int]bool
	prevotePhase    bool
	electionStart   time.Time
	nextVoteRetry   time.Time

	lastHeartbeatSent time.Time
	becameLeaderAt    time.Time
	lastAck           map[int]time.Time

	lastHeartbeatRecv time.Time

	slave            bool
	slaveShardID     int
	slaveMasterID    int
	slaveOperational bool
	slavePeer        *peer.Peer

	snapMu sync.RWMutex
	snap   snapshot

	rng *rand.Rand
}

// New constructs a CoreMember. Call LoadState then Start to begin
// participating.
func New(shardID, memberID int, store storage.Store, saveQ *savequeue.SaveQueue, cmdQ *command.Queue, clk clock.Clock, broker *events.Broker, peers map[int]*peer.Peer, slaveFactory SlavePeerFactory, cfg Config) *CoreMember {
	m := &CoreMember{
		ShardID:          shardID,
		MemberID:         memberID,
		store:            store,
		saveQ:            saveQ,
		cmdQ:             cmdQ,
		clk:              clk,
		broker:           broker,
		cfg:              cfg,
		peers:            peers,
		slaves:           make(map[int]*peer.Peer),
		slavePeerFactory: slaveFactory,
		incoming:         make(chan peer.Incoming, cfg.IncomingQueueSize),
		slaveIncoming:    make(chan peer.Incoming, 64),
		saved:            make(chan savedEvent, 256),
		control:          make(chan controlMsg),
		stopCh:           make(chan struct{}),
		role:             raft.RoleFollower,
		enabled:          true,
		lastAck:          make(map[int]time.Time),
		rng:              rand.New(rand.NewSource(int64(memberID)*2654435761 + int64(shardID))),
	}
	cmdQ.LeaderCheck = m.IsLeader
	cmdQ.CommitIndexFn = m.GetCommitIndex
	cmdQ.SlaveModeFn = m.IsSlaveMode
	return m
}

// LoadState recovers currentTerm/votedFor and the in-memory
// lastIndex/lastTerm from Storage, required before Start on a
// restart.
func (m *CoreMember) LoadState() error {
	term, votedFor, err := m.store.LoadVote(m.MemberID)
	if err != nil {
		return fmt.Errorf("member: load vote: %w", err)
	}
	m.currentTerm = term
	m.votedFor = votedFor

	if err := m.verifyLog(); err != nil {
		return err
	}

	savedIndex, _, err := m.saveQ.InitMember(m.MemberID)
	if err != nil {
		return fmt.Errorf("member: init savequeue: %w", err)
	}
	m.lastIndex = savedIndex
	if savedIndex > 0 {
		entry, err := m.store.GetLogEntry(m.MemberID, savedIndex)
		if err != nil {
			return fmt.Errorf("member: load last entry: %w", err)
		}
		if entry != nil {
			m.lastTerm = entry.Term
		}
	}
	m.publishSnapshot()
	return nil
}

// verifyLog aborts startup on a corrupted durable log: within one
// member, term may never decrease as index increases.
func (m *CoreMember) verifyLog() error {
	tail, err := m.store.GetLastLogIndex(m.MemberID)
	if err != nil {
		return fmt.Errorf("member: read durable tail: %w", err)
	}
	var prevTerm uint64
	for i := uint64(1); i <= tail; i++ {
		entry, err := m.store.GetLogEntry(m.MemberID, i)
		if err != nil {
			return fmt.Errorf("member: verify log at %d: %w", i, err)
		}
		if entry == nil {
			continue
		}
		if entry.Term < prevTerm {
			return fmt.Errorf("member %d: corrupted log: term %d at index %d after term %d", m.MemberID, entry.Term, i, prevTerm)
		}
		prevTerm = entry.Term
	}
	return nil
}

// Start launches the main loop goroutine.
func (m *CoreMember) Start() {
	now := m.clk.Now()
	m.lastHeartbeatRecv = now
	m.wg.Add(1)
	go m.run()
}

// Stop halts the main loop and resolves every pending command with ErrShutdown.
func (m *CoreMember) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.cmdQ.Shutdown()
	if m.slavePeer != nil {
		m.slavePeer.Stop()
	}
	for _, p := range m.slaves {
		p.Stop()
	}
}

// Push delivers a decoded inbound RPC to the main loop, blocking if
// the incoming queue is full.
func (m *CoreMember) Push(in peer.Incoming) {
	select {
	case m.incoming <- in:
	case <-m.stopCh:
	}
}

func (m *CoreMember) logger() *zerolog.Logger {
	lg := log.WithShard(fmt.Sprint(m.ShardID))
	return &lg
}

// run is the single goroutine that owns every piece of Raft state.
func (m *CoreMember) run() {
	defer m.wg.Done()
	ticker := m.clk.NewTimer(m.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case in := <-m.incoming:
			m.handleIncoming(in)
		case in := <-m.slaveIncoming:
			m.handleSlaveIncoming(in)
		case ev := <-m.saved:
			m.handleSaved(ev)
		case ctl := <-m.control:
			m.handleControl(ctl)
		case <-ticker.C():
			m.onTick()
			ticker.Reset(m.cfg.HeartbeatPeriod)
		case <-m.stopCh:
			return
		}
		m.publishSnapshot()
	}
}

func (m *CoreMember) publishSnapshot() {
	m.snapMu.Lock()
	m.snap = snapshot{
		role:             m.role,
		term:             m.currentTerm,
		leaderID:         m.leaderID,
		commitIndex:      m.commitIndex,
		lastIndex:        m.lastIndex,
		enabled:          m.enabled,
		slave:            m.slave,
		slaveOperational: m.slaveOperational,
		slaveShardID:     m.slaveShardID,
		slaveMasterID:    m.slaveMasterID,
	}
	m.snapMu.Unlock()

	metrics.RaftTerm.WithLabelValues(fmt.Sprint(m.ShardID), fmt.Sprint(m.MemberID)).Set(float64(m.currentTerm))
	metrics.RaftCommitIndex.WithLabelValues(fmt.Sprint(m.ShardID), fmt.Sprint(m.MemberID)).Set(float64(m.commitIndex))
	metrics.RaftLogIndex.WithLabelValues(fmt.Sprint(m.ShardID), fmt.Sprint(m.MemberID)).Set(float64(m.lastIndex))
	isLeader := 0.0
	if m.role == raft.RoleLeader {
		isLeader = 1.0
	}
	metrics.RaftLeader.WithLabelValues(fmt.Sprint(m.ShardID)).Set(isLeader)
}

// --- public, cross-thread-safe getters ---

func (m *CoreMember) IsLeader() bool {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.role == raft.RoleLeader
}

func (m *CoreMember) GetRole() raft.Role {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.role
}

func (m *CoreMember) GetTerm() uint64 {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.term
}

func (m *CoreMember) GetCommitIndex() uint64 {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.commitIndex
}

func (m *CoreMember) GetLastIndex() uint64 {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.lastIndex
}

func (m *CoreMember) IsSlaveMode() bool {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.slave
}

func (m *CoreMember) GetSlaveStatus() (SlaveStatus, bool) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if !m.snap.slave {
		return SlaveStatus{}, false
	}
	return SlaveStatus{MasterShardID: m.snap.slaveShardID, MasterMemberID: m.snap.slaveMasterID, Running: m.snap.slaveOperational}, true
}

// Enable toggles whether this member may become CANDIDATE or
// LEADER; a disabled member still votes and serves as follower.
func (m *CoreMember) Enable(on bool) {
	reply := make(chan error, 1)
	select {
	case m.control <- controlMsg{kind: "enable", enabled: on, reply: reply}:
		<-reply
	case <-m.stopCh:
	}
}

// SetSlave places this member in cross-shard slave mode against
// masterMemberID in targetShardID. Pass targetShardID < 0
// to exit slave mode and resume normal participation.
func (m *CoreMember) SetSlave(targetShardID, masterMemberID int) error {
	if targetShardID < 0 {
		reply := make(chan error, 1)
		select {
		case m.control <- controlMsg{kind: "unslave", reply: reply}:
			return <-reply
		case <-m.stopCh:
			return raft.ErrShutdown
		}
	}
	if targetShardID == m.ShardID {
		return raft.ErrSameShard
	}
	reply := make(chan error, 1)
	select {
	case m.control <- controlMsg{kind: "slave", shardID: targetShardID, master: masterMemberID, reply: reply}:
		return <-reply
	case <-m.stopCh:
		return raft.ErrShutdown
	}
}

// AttachSlavePeer registers a read-only replica that dialed this
// member from another shard. The peer is
// started and streamed the log alongside regular peers but never
// counts toward quorum or commit advancement.
func (m *CoreMember) AttachSlavePeer(remoteMember int, p *peer.Peer) {
	reply := make(chan error, 1)
	select {
	case m.control <- controlMsg{kind: "attachSlave", master: remoteMember, peerRef: p, reply: reply}:
		<-reply
	case <-m.stopCh:
		p.Stop()
	}
}

func (m *CoreMember) handleControl(ctl controlMsg) {
	switch ctl.kind {
	case "enable":
		m.enabled = ctl.enabled
		if !m.enabled && m.role != raft.RoleFollower {
			m.stepDownTo(m.currentTerm)
		}
		ctl.reply <- nil
	case "slave":
		err := m.enterSlave(ctl.shardID, ctl.master)
		ctl.reply <- err
	case "unslave":
		m.exitSlave()
		ctl.reply <- nil
	case "attachSlave":
		if old, ok := m.slaves[ctl.master]; ok {
			// Stop off the main loop: the old peer's receiver may be
			// blocked pushing into our incoming queue.
			go old.Stop()
		}
		m.slaves[ctl.master] = ctl.peerRef
		ctl.peerRef.SetNextIndex(m.lastIndex + 1)
		ctl.peerRef.NoteSeen()
		ctl.peerRef.Start()
		m.logger().Info().Int("slave", ctl.master).Msg("member: slave attached")
		ctl.reply <- nil
	}
}

func (m *CoreMember) enterSlave(targetShardID, masterMemberID int) error {
	if m.slavePeerFactory == nil {
		return fmt.Errorf("member: no slave peer factory configured")
	}
	p, err := m.slavePeerFactory(targetShardID, masterMemberID)
	if err != nil {
		return fmt.Errorf("member: attach slave peer: %w", err)
	}
	if m.slavePeer != nil {
		go m.slavePeer.Stop()
		m.slavePeer = nil
	}
	if err := m.store.DeleteAll(m.MemberID); err != nil {
		return fmt.Errorf("member: clear log for slave mode: %w", err)
	}
	if m.role != raft.RoleFollower {
		m.stepDownTo(m.currentTerm)
	}
	if _, _, err := m.saveQ.InitMember(m.MemberID); err != nil {
		return fmt.Errorf("member: reset savequeue for slave mode: %w", err)
	}
	m.slave = true
	m.slaveShardID = targetShardID
	m.slaveMasterID = masterMemberID
	m.slaveOperational = false
	m.lastIndex = 0
	m.lastTerm = 0
	m.commitIndex = 0
	m.slavePeer = p
	p.Start()
	m.logger().Info().Int("master_shard", targetShardID).Int("master_member", masterMemberID).Msg("member: entered slave mode")
	return nil
}

func (m *CoreMember) exitSlave() {
	if m.slavePeer != nil {
		go m.slavePeer.Stop() // off the main loop; its receiver may be blocked pushing to us
		m.slavePeer = nil
	}
	m.slave = false
	m.slaveOperational = false
	m.role = raft.RoleFollower
	m.lastHeartbeatRecv = m.clk.Now()
	savedIndex, _, err := m.saveQ.InitMember(m.MemberID)
	if err == nil {
		m.lastIndex = savedIndex
		m.lastTerm = 0
		if savedIndex > 0 {
			if entry, err := m.store.GetLogEntry(m.MemberID, savedIndex); err == nil && entry != nil {
				m.lastTerm = entry.Term
			}
		}
	}
	m.logger().Info().Msg("member: exited slave mode")
}

// SlaveSink adapts a dedicated slave Peer's IncomingSink into this
// member's slaveIncoming channel.
type SlaveSink struct{ m *CoreMember }

func (s SlaveSink) Push(in peer.Incoming) {
	select {
	case s.m.slaveIncoming <- in:
	case <-s.m.stopCh:
	}
}

// NewSlaveSink returns the IncomingSink a Shard should pass when
// constructing this member's dedicated slave Peer.
func (m *CoreMember) NewSlaveSink() peer.IncomingSink { return SlaveSink{m: m} }

// handleSlaveIncoming mirrors the follower receive path for a member
// in slave mode, minus any term adoption: the master lives in a
// foreign shard, so its terms never touch this member's currentTerm.
// Replies echo the master's term and drive its backfill cursor.
func (m *CoreMember) handleSlaveIncoming(in peer.Incoming) {
	if !m.slave || m.slavePeer == nil || in.AppendEntries == nil {
		return
	}
	ae := *in.AppendEntries
	reply := wire.AppendEntriesReply{Term: ae.Term, MemberID: m.MemberID}

	matches := ae.PrevLogIndex == 0
	if !matches {
		has, err := m.store.HasLogEntry(m.MemberID, ae.PrevLogIndex, ae.PrevLogTerm)
		if err != nil {
			m.logger().Error().Err(err).Msg("member: slave check prevLog failed")
		}
		matches = has
	}
	if !matches {
		reply.Success = false
		reply.LastIndex = m.rewindHint(ae.PrevLogIndex)
		if err := m.slavePeer.SendAppendEntriesReply(reply); err != nil {
			m.logger().Warn().Err(err).Msg("member: slave reply failed")
		}
		return
	}

	m.applyEntries(ae)
	m.slaveOperational = true
	m.slavePeer.NoteSeen()

	if ae.CommitIndex > m.commitIndex {
		newCommit := ae.CommitIndex
		if saved := m.saveQ.SavedIndex(m.MemberID); newCommit > saved {
			newCommit = saved
		}
		if newCommit > m.commitIndex {
			m.commitIndex = newCommit
		}
	}

	reply.Success = true
	reply.LastIndex = m.saveQ.SavedIndex(m.MemberID)
	if err := m.slavePeer.SendAppendEntriesReply(reply); err != nil {
		m.logger().Warn().Err(err).Msg("member: slave reply failed")
	}
}

// --- incoming RPC handling ---

func (m *CoreMember) handleIncoming(in peer.Incoming) {
	// A slaved member's log belongs to the foreign master; voting or
	// acking appends in its own shard with a deleted log would let a
	// stale leader win. All own-shard traffic drops until setSlave(-1).
	if m.slave {
		return
	}
	switch {
	case in.RequestVote != nil:
		m.handleRequestVote(in.FromMember, *in.RequestVote)
	case in.RequestVoteReply != nil:
		m.handleRequestVoteReply(*in.RequestVoteReply)
	case in.AppendEntries != nil:
		m.handleAppendEntries(in.FromMember, *in.AppendEntries)
	case in.AppendEntriesReply != nil:
		m.handleAppendEntriesReply(*in.AppendEntriesReply)
	}
}

// stepDownTo adopts term (when it is higher) and reverts to FOLLOWER.
// votedFor resets only on a term increase; clearing it within the
// current term would allow a second vote for the same term.
func (m *CoreMember) stepDownTo(term uint64) {
	old := m.role
	if term > m.currentTerm {
		m.currentTerm = term
		m.votedFor = 0
		if err := m.store.SaveVote(m.MemberID, m.currentTerm, 0); err != nil {
			m.logger().Error().Err(err).Msg("member: persist vote on step-down failed")
		}
	}
	m.role = raft.RoleFollower
	m.prevotePhase = false
	m.lastHeartbeatRecv = m.clk.Now()
	if old != raft.RoleFollower {
		m.publishRoleChange(old)
	}
}

func (m *CoreMember) handleRequestVote(from int, rv wire.RequestVote) {
	// A prevote's Term is the candidate's *prospective* next term, one
	// higher than its actual current term, and stepping down on it would
	// defeat prevote's whole purpose of not disrupting a working
	// cluster, so only a real RequestVote can force a term adoption here.
	if !rv.Prevote && rv.Term > m.currentTerm {
		m.stepDownTo(rv.Term)
	}

	grant := false
	switch {
	case rv.Prevote:
		grant = rv.Term >= m.currentTerm && m.logUpToDate(rv.LastLogTerm, rv.LastLogIndex)
	case rv.Term == m.currentTerm:
		grant = (m.votedFor == 0 || m.votedFor == rv.CandidateID) && m.logUpToDate(rv.LastLogTerm, rv.LastLogIndex)
		if grant {
			m.votedFor = rv.CandidateID
			if err := m.store.SaveVote(m.MemberID, m.currentTerm, m.votedFor); err != nil {
				m.logger().Error().Err(err).Msg("member: persist vote failed, refusing to grant")
				grant = false
				m.votedFor = 0
			}
		}
	}

	p, ok := m.peers[from]
	if !ok {
		return
	}
	reply := wire.RequestVoteReply{Term: m.currentTerm, VoterID: m.MemberID, VoteGranted: grant, Prevote: rv.Prevote}
	if err := p.SendRequestVoteReply(reply); err != nil {
		m.logger().Warn().Err(err).Msg("member: send vote reply failed")
	}
}

// logUpToDate implements the vote-granting rule: candidate's
// (lastLogTerm, lastLogIndex) must be lexicographically >= ours.
func (m *CoreMember) logUpToDate(candidateTerm, candidateIndex uint64) bool {
	if candidateTerm != m.lastTerm {
		return candidateTerm > m.lastTerm
	}
	return candidateIndex >= m.lastIndex
}

func (m *CoreMember) handleRequestVoteReply(rvr wire.RequestVoteReply) {
	if rvr.Term > m.currentTerm {
		m.stepDownTo(rvr.Term)
		return
	}
	if m.role != raft.RoleCandidate || rvr.Term < m.currentTerm {
		return
	}
	if rvr.Prevote != m.prevotePhase || !rvr.VoteGranted {
		return
	}
	if m.prevotePhase {
		m.prevotesGranted[rvr.VoterID] = true
		if len(m.prevotesGranted)+1 >= m.quorum() {
			m.startRealElection()
		}
		return
	}
	m.votesGranted[rvr.VoterID] = true
	if len(m.votesGranted)+1 >= m.quorum() {
		m.becomeLeader()
	}
}

func (m *CoreMember) handleAppendEntries(from int, ae wire.AppendEntries) {
	p, hasPeer := m.peers[from]
	reply := wire.AppendEntriesReply{Term: m.currentTerm, MemberID: m.MemberID}

	if ae.Term < m.currentTerm {
		reply.Success = false
		reply.LastIndex = m.lastIndex
		if hasPeer {
			p.SendAppendEntriesReply(reply)
		}
		return
	}
	if ae.Term > m.currentTerm {
		m.stepDownTo(ae.Term)
	} else if m.role == raft.RoleCandidate {
		m.role = raft.RoleFollower
		m.prevotePhase = false
		m.publishRoleChange(raft.RoleCandidate)
	} else if m.role == raft.RoleLeader {
		// Two leaders in the same term is a protocol violation:
		// warn and ignore rather than crash or yield.
		m.logger().Warn().Int("from", ae.LeaderID).Uint64("term", ae.Term).Msg("member: AppendEntries from second leader of current term, ignoring")
		return
	}

	m.lastHeartbeatRecv = m.clk.Now()
	m.leaderID = ae.LeaderID

	matches := ae.PrevLogIndex == 0
	if !matches {
		has, err := m.store.HasLogEntry(m.MemberID, ae.PrevLogIndex, ae.PrevLogTerm)
		if err != nil {
			m.logger().Error().Err(err).Msg("member: check prevLog failed")
		}
		matches = has
	}
	if !matches {
		reply.Term = m.currentTerm
		reply.Success = false
		reply.LastIndex = m.rewindHint(ae.PrevLogIndex)
		if hasPeer {
			p.SendAppendEntriesReply(reply)
		}
		return
	}

	m.applyEntries(ae)

	if ae.CommitIndex > m.commitIndex {
		newCommit := ae.CommitIndex
		if saved := m.saveQ.SavedIndex(m.MemberID); newCommit > saved {
			newCommit = saved
		}
		if newCommit > m.commitIndex {
			m.commitIndex = newCommit
			m.cmdQ.ResolveUpTo(newCommit)
		}
	}

	reply.Term = m.currentTerm
	reply.Success = true
	// Ack the durable watermark, not the in-memory tail: the leader's
	// commit advancement must only count entries already fsynced here.
	reply.LastIndex = m.saveQ.SavedIndex(m.MemberID)
	if hasPeer {
		if err := p.SendAppendEntriesReply(reply); err != nil {
			m.logger().Warn().Err(err).Msg("member: send append-entries reply failed")
		}
	}
}

// applyEntries truncates any conflicting suffix and enqueues ae's
// entries for durable append, advancing the in-memory tail. Shared by
// the follower and slave receive paths.
func (m *CoreMember) applyEntries(ae wire.AppendEntries) {
	prevTerm := ae.PrevLogTerm
	for _, e := range ae.Entries {
		e.MemberID = m.MemberID // storage is keyed by this member's own id, not the sender's
		existing, err := m.store.GetLogEntry(m.MemberID, e.Index)
		if err != nil {
			m.logger().Error().Err(err).Uint64("index", e.Index).Msg("member: check existing entry failed")
			continue
		}
		if existing != nil && existing.Term != e.Term {
			if err := m.store.Delete(m.MemberID, e.Index); err != nil {
				m.logger().Error().Err(err).Uint64("index", e.Index).Msg("member: truncate conflicting suffix failed")
				continue
			}
			// The in-memory tail rolls back with the truncated suffix.
			if m.lastIndex >= e.Index {
				m.lastIndex = e.Index - 1
				m.lastTerm = prevTerm
			}
		}
		m.saveQ.Enqueue(e, func(idx uint64, err error) {
			select {
			case m.saved <- savedEvent{index: idx, err: err}:
			case <-m.stopCh:
			}
		})
		if e.Index > m.lastIndex {
			m.lastIndex = e.Index
			m.lastTerm = e.Term
		}
		prevTerm = e.Term
	}
}

// rewindHint is the LastIndex a failing AppendEntriesReply carries so
// the leader can rewind nextIndex in one round trip when this log is
// short, or step back one index per probe when the logs are the same
// length but the suffix conflicts.
func (m *CoreMember) rewindHint(prevLogIndex uint64) uint64 {
	if prevLogIndex > 0 && prevLogIndex <= m.lastIndex {
		return prevLogIndex - 1
	}
	return m.lastIndex
}

func (m *CoreMember) handleAppendEntriesReply(r wire.AppendEntriesReply) {
	if sp, ok := m.slaves[r.MemberID]; ok {
		sp.NoteSeen()
		sp.SetSlaveOperational(r.Success)
		if m.role == raft.RoleLeader {
			m.advancePeer(sp, r, false)
		}
		return
	}
	if r.Term > m.currentTerm {
		m.stepDownTo(r.Term)
		return
	}
	if m.role != raft.RoleLeader {
		return
	}
	p, ok := m.peers[r.MemberID]
	if !ok {
		return
	}
	m.lastAck[r.MemberID] = m.clk.Now()
	m.advancePeer(p, r, true)
}

// advancePeer applies an AppendEntriesReply to a peer's cursors and,
// while the remote is still behind, immediately streams the next
// batch (one inflight batch at a time) instead of waiting for the
// next heartbeat. countsForCommit is false for attached slaves.
func (m *CoreMember) advancePeer(p *peer.Peer, r wire.AppendEntriesReply, countsForCommit bool) {
	if r.Success {
		if r.LastIndex > p.MatchIndex() {
			p.SetMatchIndex(r.LastIndex)
		}
		// nextIndex only moves forward here: it was already advanced
		// optimistically at send time, and a success ack reporting a
		// durable watermark behind the in-flight tail must not trigger
		// retransmission of entries the remote is still fsyncing.
		if r.LastIndex+1 > p.NextIndex() {
			p.SetNextIndex(r.LastIndex + 1)
		}
		if countsForCommit {
			m.checkCommitAdvance()
		}
		metrics.PeerReplicationLag.WithLabelValues(fmt.Sprint(m.ShardID), fmt.Sprint(p.RemoteMember)).Set(float64(m.lastIndex - min64(r.LastIndex, m.lastIndex)))
		if p.NextIndex() <= m.saveQ.SavedIndex(m.MemberID) {
			backfilling := p.IsBackfilling(m.lastIndex)
			if backfilling && !p.SetBackfilling(true) {
				metrics.PeerBackfillsTotal.WithLabelValues(fmt.Sprint(m.ShardID), fmt.Sprint(p.RemoteMember)).Inc()
			}
			m.sendAppendTo(p)
		} else {
			p.SetBackfilling(false)
		}
		return
	}

	// Rewind: take the remote's hint, but always make progress even
	// when the hint doesn't help (same-length conflicting suffix).
	next := r.LastIndex + 1
	if cur := p.NextIndex(); cur > 1 && next >= cur {
		next = cur - 1
	}
	if next < 1 {
		next = 1
	}
	p.SetNextIndex(next)
	m.sendAppendTo(p)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// sendAppendTo sends one AppendEntries to a single peer, carrying
// whatever durable entries it is missing.
func (m *CoreMember) sendAppendTo(p *peer.Peer) {
	ae := m.buildAppendEntries(p, nil)
	if err := p.SendAppendEntries(ae); err != nil {
		m.logger().Warn().Int("peer", p.RemoteMember).Err(err).Msg("member: send append-entries failed")
		return
	}
	if len(ae.Entries) > 0 {
		p.SetNextIndex(ae.Entries[len(ae.Entries)-1].Index + 1)
	}
}

func (m *CoreMember) handleSaved(ev savedEvent) {
	if ev.err != nil {
		// A leader that cannot persist locally must step down rather
		// than keep advancing commitIndex it can no longer back.
		if m.role == raft.RoleLeader {
			m.logger().Error().Err(ev.err).Uint64("index", ev.index).Msg("member: local durability failed, stepping down")
			m.stepDownTo(m.currentTerm)
		}
		return
	}
	if m.role == raft.RoleLeader {
		m.checkCommitAdvance()
	}
}

// checkCommitAdvance implements the commit advancement formula:
// N is the highest index replicated (durably saved) on a majority of
// members including self, at the current term.
func (m *CoreMember) checkCommitAdvance() {
	matches := make([]uint64, 0, len(m.peers)+1)
	matches = append(matches, m.saveQ.SavedIndex(m.MemberID))
	for _, p := range m.peers {
		matches = append(matches, p.MatchIndex())
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	q := m.quorum()
	if q > len(matches) {
		return
	}
	n := matches[q-1]
	if n <= m.commitIndex {
		return
	}
	entry, err := m.store.GetLogEntry(m.MemberID, n)
	if err != nil || entry == nil || entry.Term != m.currentTerm {
		return
	}
	m.commitIndex = n
	if resolved := m.cmdQ.ResolveUpTo(n); resolved > 0 {
		metrics.RaftCommandsTotal.WithLabelValues(fmt.Sprint(m.ShardID), "committed").Add(float64(resolved))
	}
}

func (m *CoreMember) quorum() int {
	return (len(m.peers)+1)/2 + 1
}

// --- timers ---

func (m *CoreMember) onTick() {
	now := m.clk.Now()
	if m.slave {
		return
	}
	switch m.role {
	case raft.RoleFollower:
		if m.enabled && now.Sub(m.lastHeartbeatRecv) > m.cfg.ElectionTimeout {
			m.becomeCandidate()
		}
	case raft.RoleCandidate:
		if now.Sub(m.electionStart) > m.cfg.ElectionTimeout {
			m.becomeCandidate()
		} else if now.After(m.nextVoteRetry) {
			m.broadcastVoteRequest()
		}
	case raft.RoleLeader:
		if now.Sub(m.lastHeartbeatSent) >= m.cfg.HeartbeatPeriod {
			m.replicateToAll()
		}
		if m.respondingPeers(now) < m.quorum()-1 && now.Sub(m.becameLeaderAt) > m.cfg.LeaderTimeout {
			m.logger().Warn().Msg("member: stepping down, quorum unresponsive past leader_timeout")
			m.becomeCandidate()
		}
	}
	m.pruneIdleSlaves()
}

// pruneIdleSlaves drops attached slaves that have been silent past
// slave_inactivity_timeout.
func (m *CoreMember) pruneIdleSlaves() {
	for id, p := range m.slaves {
		if p.Idle(m.cfg.SlaveInactivityTimeout) {
			go p.Stop() // off the main loop; its receiver may be blocked pushing to us
			delete(m.slaves, id)
			m.logger().Info().Int("slave", id).Msg("member: pruned inactive slave")
		}
	}
}

func (m *CoreMember) respondingPeers(now time.Time) int {
	n := 0
	for id := range m.peers {
		if t, ok := m.lastAck[id]; ok && now.Sub(t) <= m.cfg.LeaderTimeout {
			n++
		}
	}
	return n
}

func (m *CoreMember) becomeCandidate() {
	if !m.enabled {
		if m.role != raft.RoleFollower {
			m.stepDownTo(m.currentTerm)
		}
		return
	}
	old := m.role
	m.role = raft.RoleCandidate
	m.electionStart = m.clk.Now()
	m.prevotesGranted = make(map[int]bool)
	m.votesGranted = make(map[int]bool)
	if old != raft.RoleCandidate {
		m.publishRoleChange(old)
	}
	if !m.cfg.PrevoteEnabled {
		m.prevotePhase = false
		m.startRealElection()
		return
	}
	m.prevotePhase = true
	if m.quorum() == 1 {
		m.startRealElection()
		return
	}
	m.broadcastVoteRequest()
}

func (m *CoreMember) startRealElection() {
	m.prevotePhase = false
	m.currentTerm++
	m.votedFor = m.MemberID
	if err := m.store.SaveVote(m.MemberID, m.currentTerm, m.votedFor); err != nil {
		m.logger().Error().Err(err).Msg("member: persist candidacy vote failed")
	}
	m.votesGranted = make(map[int]bool)
	m.electionStart = m.clk.Now()
	metrics.RaftElectionsTotal.WithLabelValues(fmt.Sprint(m.ShardID), fmt.Sprint(m.MemberID), "started").Inc()
	if m.quorum() == 1 {
		// A single-member shard wins on its own persisted vote.
		m.becomeLeader()
		return
	}
	m.broadcastVoteRequest()
}

func (m *CoreMember) broadcastVoteRequest() {
	jitter := time.Duration(m.rng.Int63n(int64(m.cfg.RequestVotePeriod) + 1))
	m.nextVoteRetry = m.clk.Now().Add(jitter)
	rv := wire.RequestVote{
		Term:         m.currentTerm,
		CandidateID:  m.MemberID,
		LastLogIndex: m.lastIndex,
		LastLogTerm:  m.lastTerm,
		Prevote:      m.prevotePhase,
	}
	if m.prevotePhase {
		rv.Term = m.currentTerm + 1
	}
	if err := peer.BroadcastRequestVote(m.peers, rv); err != nil {
		m.logger().Warn().Err(err).Msg("member: broadcast request-vote failed")
	}
}

func (m *CoreMember) becomeLeader() {
	old := m.role
	m.role = raft.RoleLeader
	m.leaderID = m.MemberID
	m.becameLeaderAt = m.clk.Now()
	m.lastAck = make(map[int]time.Time)
	now := m.clk.Now()
	for id := range m.peers {
		m.lastAck[id] = now
		m.peers[id].SetNextIndex(m.lastIndex + 1)
		m.peers[id].SetMatchIndex(0)
	}
	metrics.RaftElectionsTotal.WithLabelValues(fmt.Sprint(m.ShardID), fmt.Sprint(m.MemberID), "won").Inc()
	metrics.RaftElectionDuration.Observe(now.Sub(m.electionStart).Seconds())
	m.logger().Info().Uint64("term", m.currentTerm).Msg("member: became leader")
	m.publishRoleChange(old)

	if m.cfg.WriteEmptyCommandAfterElection && m.lastTerm < m.currentTerm {
		m.appendEntryLocally(nil)
	}
	m.replicateToAll()
}

func (m *CoreMember) publishRoleChange(old raft.Role) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(events.RoleChange{
		ShardID:  m.ShardID,
		MemberID: m.MemberID,
		Term:     m.currentTerm,
		OldRole:  old,
		Role:     m.role,
		LeaderID: m.leaderID,
	})
}

// appendEntryLocally assigns the next index to payload (nil for a
// no-op), enqueues it for durability, and returns the new entry.
func (m *CoreMember) appendEntryLocally(payload []byte) wire.LogEntry {
	entry := wire.LogEntry{MemberID: m.MemberID, Index: m.lastIndex + 1, Term: m.currentTerm, Payload: payload}
	m.lastIndex = entry.Index
	m.lastTerm = entry.Term
	m.saveQ.Enqueue(entry, func(idx uint64, err error) {
		select {
		case m.saved <- savedEvent{index: idx, err: err}:
		case <-m.stopCh:
		}
	})
	return entry
}

// replicateToAll drains any pending commands (if leader), then sends
// each peer an AppendEntries carrying whatever entries it's missing,
// or a bare heartbeat if it's caught up.
func (m *CoreMember) replicateToAll() {
	m.lastHeartbeatSent = m.clk.Now()

	var newEntries []wire.LogEntry
	if m.role == raft.RoleLeader {
		n := 1
		if m.cfg.Batching {
			n = m.cfg.MaxBatchEntries
		}
		cmds := m.cmdQ.Dequeue(n)
		for _, cmd := range cmds {
			entry := m.appendEntryLocally(cmd.Payload)
			m.cmdQ.AssignIndex(cmd, entry.Index, entry.Term)
			newEntries = append(newEntries, entry)
		}
	}

	for id, p := range m.peers {
		ae := m.buildAppendEntries(p, newEntries)
		if err := p.SendAppendEntries(ae); err != nil {
			m.logger().Warn().Int("peer", id).Err(err).Msg("member: send append-entries failed")
			continue
		}
		if len(ae.Entries) > 0 {
			p.SetNextIndex(ae.Entries[len(ae.Entries)-1].Index + 1)
		}
	}

	if m.role == raft.RoleLeader {
		for _, sp := range m.slaves {
			m.sendAppendTo(sp)
		}
	}
}

func (m *CoreMember) buildAppendEntries(p *peer.Peer, freshEntries []wire.LogEntry) wire.AppendEntries {
	next := p.NextIndex()
	if next == 0 {
		next = 1
	}
	prevIdx := next - 1
	var prevTerm uint64
	if prevIdx > 0 {
		if e, err := m.store.GetLogEntry(m.MemberID, prevIdx); err == nil && e != nil {
			prevTerm = e.Term
		} else if prevIdx == m.lastIndex {
			prevTerm = m.lastTerm
		}
	}

	var batch []wire.LogEntry
	batchBytes := 0
	savedSelf := m.saveQ.SavedIndex(m.MemberID)
	idx := next
	for idx <= savedSelf && len(batch) < m.cfg.MaxBatchEntries {
		e, err := m.store.GetLogEntry(m.MemberID, idx)
		if err != nil || e == nil {
			break
		}
		if len(batch) > 0 && batchBytes+len(e.Payload) > m.cfg.MaxBatchBytes {
			break
		}
		batchBytes += len(e.Payload)
		batch = append(batch, *e)
		idx++
	}
	for _, e := range freshEntries {
		if e.Index >= idx && e.Index <= m.lastIndex && len(batch) < m.cfg.MaxBatchEntries {
			if len(batch) > 0 && batchBytes+len(e.Payload) > m.cfg.MaxBatchBytes {
				break
			}
			batchBytes += len(e.Payload)
			batch = append(batch, e)
			idx = e.Index + 1
		}
	}

	return wire.AppendEntries{
		Term:         m.currentTerm,
		LeaderID:     m.MemberID,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      batch,
		CommitIndex:  m.commitIndex,
	}
}
