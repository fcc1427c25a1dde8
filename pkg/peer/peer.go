// Package peer implements the per-remote-member send/receive
// pipeline: a bounded outbound queue feeding a sender
// that writes framed messages to a Network Channel, a receiver that
// decodes inbound bytes and hands them to an IncomingSink, a backfill
// cursor for catching up a lagging follower, and channel-failure
// reconnect semantics. Peer never imports pkg/member (CoreMember
// implements IncomingSink instead) to keep the package graph acyclic.
package peer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/log"
	"github.com/cuemby/gondola/pkg/message"
	"github.com/cuemby/gondola/pkg/raftnet"
	"github.com/cuemby/gondola/pkg/storage"
	"github.com/cuemby/gondola/pkg/wire"
)

// Incoming is a decoded inbound RPC, tagged with the member it arrived
// from. Exactly one of the typed fields is set.
type Incoming struct {
	FromMember         int
	RequestVote        *wire.RequestVote
	RequestVoteReply   *wire.RequestVoteReply
	AppendEntries      *wire.AppendEntries
	AppendEntriesReply *wire.AppendEntriesReply
}

// IncomingSink is the CoreMember's incoming queue, as seen by a Peer.
type IncomingSink interface {
	Push(Incoming)
}

// Options configures a Peer's timeouts and backpressure bounds.
type Options struct {
	ChannelInactivityTimeout time.Duration // default 10s
	CreateSocketRetryPeriod  time.Duration // default 1s
	OutboundQueueSize        int           // default 256
	BackfillWindow           uint64        // entries behind before backfill mode kicks in
}

// DefaultOptions carries the stock timeouts and queue sizes.
func DefaultOptions() Options {
	return Options{
		ChannelInactivityTimeout: 10 * time.Second,
		CreateSocketRetryPeriod:  1 * time.Second,
		OutboundQueueSize:        256,
		BackfillWindow:           64,
	}
}

// Peer drives one directed connection from a local CoreMember to one
// remote member.
type Peer struct {
	ShardID      int
	LocalMember  int
	RemoteMember int

	network raftnet.Network
	pool    *message.Pool
	store   storage.Store
	sink    IncomingSink
	clk     clock.Clock
	opts    Options

	outbound chan *message.Message
	stopCh   chan struct{}
	wg       sync.WaitGroup

	chMu sync.Mutex
	ch   raftnet.Channel

	lastActivity atomic.Int64 // unix nanos
	matchIndex   atomic.Uint64
	nextIndex    atomic.Uint64
	lastSeen     atomic.Int64 // for slave-inactivity pruning (unix nanos)

	slaveOperational atomic.Bool
	backfilling      atomic.Bool
}

// New creates a Peer; call Start to begin connecting.
func New(shardID, localMember, remoteMember int, network raftnet.Network, pool *message.Pool, store storage.Store, sink IncomingSink, clk clock.Clock, opts Options) *Peer {
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = 256
	}
	p := &Peer{
		ShardID:      shardID,
		LocalMember:  localMember,
		RemoteMember: remoteMember,
		network:      network,
		pool:         pool,
		store:        store,
		sink:         sink,
		clk:          clk,
		opts:         opts,
		outbound:     make(chan *message.Message, opts.OutboundQueueSize),
		stopCh:       make(chan struct{}),
	}
	now := clk.Now().UnixNano()
	p.lastActivity.Store(now)
	p.lastSeen.Store(now)
	return p
}

// NewInbound wraps an already-established Channel (a cross-shard slave
// that dialed this member, surfaced via Network.Inbound) in a Peer.
// There is no reconnection: once the channel fails the Peer sits idle
// until the slave-inactivity check prunes it; a reattaching slave
// arrives as a fresh Inbound event.
func NewInbound(shardID, localMember, remoteMember int, ch raftnet.Channel, pool *message.Pool, store storage.Store, sink IncomingSink, clk clock.Clock, opts Options) *Peer {
	return New(shardID, localMember, remoteMember, &prewired{ch: ch}, pool, store, sink, clk, opts)
}

// prewired is a single-use Network handing out one existing Channel.
type prewired struct {
	mu   sync.Mutex
	ch   raftnet.Channel
	used bool
}

func (n *prewired) CreateChannel(localMember, remoteMember int) (raftnet.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.used {
		return nil, raftnet.ErrChannelClosed
	}
	n.used = true
	return n.ch, nil
}

func (n *prewired) Inbound() <-chan raftnet.Inbound { return nil }

func (n *prewired) Close() error { return n.ch.Close() }

// Start launches the connection-supervisor and inactivity watchdog goroutines.
func (p *Peer) Start() {
	p.wg.Add(2)
	go p.run()
	go p.watchdog()
}

// Stop tears down the connection and waits for goroutines to exit.
func (p *Peer) Stop() {
	close(p.stopCh)
	p.closeChannel()
	p.wg.Wait()
}

// Enqueue hands msg to the sender, blocking if the outbound queue is
// full (deliberate backpressure, never a drop). The Peer releases
// msg's refcount once it has been written or dropped.
func (p *Peer) Enqueue(msg *message.Message) {
	select {
	case p.outbound <- msg:
	case <-p.stopCh:
		msg.Release()
	}
}

// MatchIndex / SetMatchIndex track the highest index known replicated
// on this remote.
func (p *Peer) MatchIndex() uint64     { return p.matchIndex.Load() }
func (p *Peer) SetMatchIndex(i uint64) { p.matchIndex.Store(i) }

// NextIndex / SetNextIndex track the next index to send.
func (p *Peer) NextIndex() uint64     { return p.nextIndex.Load() }
func (p *Peer) SetNextIndex(i uint64) { p.nextIndex.Store(i) }

// SetSlaveOperational marks whether this remote is an attached,
// functioning slave.
func (p *Peer) SetSlaveOperational(v bool) { p.slaveOperational.Store(v) }
func (p *Peer) SlaveOperational() bool     { return p.slaveOperational.Load() }

// NoteSeen records the last time this remote was heard from, used by
// the slave_inactivity_timeout pruning check.
func (p *Peer) NoteSeen() { p.lastSeen.Store(p.clk.Now().UnixNano()) }

// Idle reports whether this remote hasn't been heard from in d,
// for slave-inactivity pruning.
func (p *Peer) Idle(d time.Duration) bool {
	last := time.Unix(0, p.lastSeen.Load())
	return p.clk.Now().Sub(last) > d
}

// IsBackfilling reports whether this peer is far enough behind
// leaderLastIndex to need backfill streaming rather than normal
// per-command replication.
func (p *Peer) IsBackfilling(leaderLastIndex uint64) bool {
	match := p.matchIndex.Load()
	if leaderLastIndex <= match {
		return false
	}
	return leaderLastIndex-match > p.opts.BackfillWindow
}

// SetBackfilling records whether the leader is currently streaming a
// backfill to this peer, returning the previous value so the caller
// can count mode transitions.
func (p *Peer) SetBackfilling(v bool) bool { return p.backfilling.Swap(v) }

func (p *Peer) setChannel(ch raftnet.Channel) {
	p.chMu.Lock()
	p.ch = ch
	p.chMu.Unlock()
}

func (p *Peer) closeChannel() {
	p.chMu.Lock()
	ch := p.ch
	p.ch = nil
	p.chMu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

func (p *Peer) markActive() {
	p.lastActivity.Store(p.clk.Now().UnixNano())
}

// run is the connection supervisor: connect, spin up sender/receiver
// for this connection generation, and on any failure close the
// channel and retry after CreateSocketRetryPeriod.
func (p *Peer) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		ch, err := p.network.CreateChannel(p.LocalMember, p.RemoteMember)
		if err != nil {
			log.NoisyWarn(log.WithMember(p.RemoteMember), err, "peer: connect failed, retrying")
			if !p.sleepRetry() {
				return
			}
			continue
		}
		p.setChannel(ch)
		p.markActive()

		var once sync.Once
		failCh := make(chan struct{})
		fail := func() { once.Do(func() { close(failCh) }) }

		var gwg sync.WaitGroup
		gwg.Add(2)
		go p.senderLoop(ch, fail, &gwg)
		go p.receiverLoop(ch, fail, &gwg)

		select {
		case <-failCh:
		case <-p.stopCh:
		}
		ch.Close()
		gwg.Wait()

		select {
		case <-p.stopCh:
			return
		default:
		}
		if !p.sleepRetry() {
			return
		}
	}
}

func (p *Peer) sleepRetry() bool {
	select {
	case <-p.clk.After(p.opts.CreateSocketRetryPeriod):
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *Peer) senderLoop(ch raftnet.Channel, fail func(), wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			err := sendEnvelope(ch, msg)
			msg.Release()
			if err != nil {
				log.NoisyWarn(log.WithMember(p.RemoteMember), err, "peer: send failed")
				fail()
				return
			}
			p.markActive()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Peer) receiverLoop(ch raftnet.Channel, fail func(), wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		raw, err := ch.Receive()
		if err != nil {
			if err != raftnet.ErrChannelClosed {
				log.NoisyWarn(log.WithMember(p.RemoteMember), err, "peer: receive failed")
			}
			fail()
			return
		}
		p.markActive()
		p.NoteSeen()

		incoming, err := decodeEnvelope(p.RemoteMember, raw)
		if err != nil {
			lg := log.WithMember(p.RemoteMember)
			lg.Warn().Err(err).Msg("peer: malformed message, dropping")
			continue
		}
		p.sink.Push(incoming)
	}
}

// watchdog tears down a channel that has been silent for longer than
// ChannelInactivityTimeout, forcing the supervisor to reconnect.
func (p *Peer) watchdog() {
	defer p.wg.Done()
	ticker := p.clk.NewTimer(p.opts.ChannelInactivityTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			last := time.Unix(0, p.lastActivity.Load())
			if p.clk.Now().Sub(last) > p.opts.ChannelInactivityTimeout {
				log.NoisyWarn(log.WithMember(p.RemoteMember), nil, "peer: channel inactive, forcing reconnect")
				p.closeChannel()
			}
			ticker.Reset(p.opts.ChannelInactivityTimeout / 4)
		case <-p.stopCh:
			return
		}
	}
}

// envelope format: [1 byte MessageType][payload]. Framing within the
// payload (length prefixes etc.) is handled by pkg/wire.
func sendEnvelope(ch raftnet.Channel, msg *message.Message) error {
	b := make([]byte, 1+len(msg.Bytes()))
	b[0] = byte(msg.Type)
	copy(b[1:], msg.Bytes())
	return ch.Send(b)
}

func decodeEnvelope(fromMember int, raw []byte) (Incoming, error) {
	if len(raw) < 1 {
		return Incoming{}, wire.ErrShortBuffer
	}
	t := wire.MessageType(raw[0])
	payload := raw[1:]
	in := Incoming{FromMember: fromMember}

	switch t {
	case wire.MessageRequestVote:
		rv, err := wire.DecodeRequestVote(payload)
		if err != nil {
			return in, err
		}
		in.RequestVote = &rv
	case wire.MessageRequestVoteReply:
		rvr, err := wire.DecodeRequestVoteReply(payload)
		if err != nil {
			return in, err
		}
		in.RequestVoteReply = &rvr
	case wire.MessageAppendEntries:
		ae, err := wire.DecodeAppendEntries(payload, fromMember)
		if err != nil {
			return in, err
		}
		in.AppendEntries = &ae
	case wire.MessageAppendEntriesReply:
		r, err := wire.DecodeAppendEntriesReply(payload)
		if err != nil {
			return in, err
		}
		in.AppendEntriesReply = &r
	default:
		return in, fmt.Errorf("peer: unknown message type %d", t)
	}
	return in, nil
}

// encodeInto writes v into a freshly checked-out pooled Message of
// type t, ready to Enqueue.
func encodeInto(pool *message.Pool, t wire.MessageType, encode func(b []byte) (int, error)) (*message.Message, error) {
	msg := pool.Get(t)
	n, err := encode(msg.Cap())
	if err != nil {
		msg.Release()
		return nil, err
	}
	msg.SetLen(n)
	return msg, nil
}

// SendRequestVote encodes and enqueues a RequestVote RPC.
func (p *Peer) SendRequestVote(rv wire.RequestVote) error {
	msg, err := encodeInto(p.pool, wire.MessageRequestVote, func(b []byte) (int, error) {
		return wire.EncodeRequestVote(b, rv)
	})
	if err != nil {
		return err
	}
	p.Enqueue(msg)
	return nil
}

// BroadcastRequestVote encodes rv once into a pooled message and fans
// it out to every peer, retained once per recipient, rather than
// encoding a copy per peer. Each Peer's sender releases its reference after
// transmission; the last release returns the buffer to the pool.
func BroadcastRequestVote(peers map[int]*Peer, rv wire.RequestVote) error {
	var pool *message.Pool
	for _, p := range peers {
		pool = p.pool
		break
	}
	if pool == nil {
		return nil
	}
	msg, err := encodeInto(pool, wire.MessageRequestVote, func(b []byte) (int, error) {
		return wire.EncodeRequestVote(b, rv)
	})
	if err != nil {
		return err
	}
	msg.Retain(len(peers) - 1)
	for _, p := range peers {
		p.Enqueue(msg)
	}
	return nil
}

// SendRequestVoteReply encodes and enqueues a RequestVoteReply RPC.
func (p *Peer) SendRequestVoteReply(rvr wire.RequestVoteReply) error {
	msg, err := encodeInto(p.pool, wire.MessageRequestVoteReply, func(b []byte) (int, error) {
		return wire.EncodeRequestVoteReply(b, rvr)
	})
	if err != nil {
		return err
	}
	p.Enqueue(msg)
	return nil
}

// SendAppendEntries encodes and enqueues an AppendEntries RPC
// (heartbeat when Entries is empty).
func (p *Peer) SendAppendEntries(ae wire.AppendEntries) error {
	size := wire.EncodedSize(ae)
	if size > p.pool.BufSize() {
		return fmt.Errorf("peer: encoded AppendEntries of %d bytes exceeds pool buffer size %d", size, p.pool.BufSize())
	}
	msg, err := encodeInto(p.pool, wire.MessageAppendEntries, func(b []byte) (int, error) {
		return wire.EncodeAppendEntries(b, ae)
	})
	if err != nil {
		return err
	}
	p.Enqueue(msg)
	return nil
}

// SendAppendEntriesReply encodes and enqueues an AppendEntriesReply.
func (p *Peer) SendAppendEntriesReply(r wire.AppendEntriesReply) error {
	msg, err := encodeInto(p.pool, wire.MessageAppendEntriesReply, func(b []byte) (int, error) {
		return wire.EncodeAppendEntriesReply(b, r)
	})
	if err != nil {
		return err
	}
	p.Enqueue(msg)
	return nil
}
