package raftnet

import (
	"fmt"
	"sync"
)

// Loopback is an in-memory Network connecting members hosted in the
// same process, used by single-process multi-shard deployments and by
// tests that simulate a cluster without sockets.
type Loopback struct {
	mu       sync.Mutex
	channels map[loopbackKey]*loopbackPair
	inbound  chan Inbound
	closed   bool
}

type loopbackKey struct {
	from, to int
}

// NewLoopback creates an empty in-memory Network.
func NewLoopback() *Loopback {
	return &Loopback{
		channels: make(map[loopbackKey]*loopbackPair),
		inbound:  make(chan Inbound, 64),
	}
}

// CreateChannel returns a duplex Channel between localMember and
// remoteMember: Send enqueues onto the (local -> remote) directed
// pair, and Receive drains the (remote -> local) pair that the peer
// on the other end's own CreateChannel(remote, local) call sends
// into. Both directed pairs are created lazily and shared by key, so
// whichever side calls first wins the allocation.
func (l *Loopback) CreateChannel(localMember, remoteMember int) (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrChannelClosed
	}

	out := l.pairLocked(loopbackKey{from: localMember, to: remoteMember})
	in := l.pairLocked(loopbackKey{from: remoteMember, to: localMember})

	// Surface the reverse side to whoever hosts remoteMember. If the
	// remote is a configured peer its own Peer reads the same pairs and
	// the consumer drops this event unread; if not, it's a slave attach.
	select {
	case l.inbound <- Inbound{
		LocalMember:  remoteMember,
		RemoteMember: localMember,
		Ch:           &loopbackChannel{out: in, in: out},
	}:
	default:
	}

	return &loopbackChannel{out: out, in: in}, nil
}

// Inbound returns the stream of remotely initiated channels. With a
// Loopback shared by several Engines in one process, a single consumer
// must drain it and route by LocalMember.
func (l *Loopback) Inbound() <-chan Inbound { return l.inbound }

// pairLocked returns the directed pair for key, creating it if absent
// or replacing it if a previous channel closed it, so a reconnect gets a
// fresh stream, matching the Channel contract. Callers must hold l.mu.
func (l *Loopback) pairLocked(key loopbackKey) *loopbackPair {
	pair, ok := l.channels[key]
	if !ok || pair.isClosed() {
		pair = newLoopbackPair()
		l.channels[key] = pair
	}
	return pair
}

// Close tears down every channel ever created on this Network.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, p := range l.channels {
		p.close()
	}
	return nil
}

// loopbackPair is the send-side queue for one directed (from, to)
// edge; Receive on the corresponding Channel drains it.
type loopbackPair struct {
	mu     sync.Mutex
	msgs   chan []byte
	closed bool
}

func newLoopbackPair() *loopbackPair {
	return &loopbackPair{msgs: make(chan []byte, 256)}
}

func (p *loopbackPair) send(b []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	cp := append([]byte(nil), b...)
	select {
	case p.msgs <- cp:
		return nil
	default:
		return fmt.Errorf("raftnet: loopback queue full")
	}
}

func (p *loopbackPair) receive() ([]byte, error) {
	b, ok := <-p.msgs
	if !ok {
		return nil, ErrChannelClosed
	}
	return b, nil
}

func (p *loopbackPair) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *loopbackPair) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.msgs)
}

// loopbackChannel is one side of a duplex connection: out is the
// directed pair this side sends on, in is the directed pair the peer
// on the other end sends on.
type loopbackChannel struct {
	out *loopbackPair
	in  *loopbackPair
}

func (c *loopbackChannel) Send(b []byte) error      { return c.out.send(b) }
func (c *loopbackChannel) Receive() ([]byte, error) { return c.in.receive() }

// Close tears down both directed pairs backing this side of the
// connection. Since both sides of a duplex link call CreateChannel
// independently and may Close independently, closing is idempotent
// per pair.
func (c *loopbackChannel) Close() error {
	c.out.close()
	c.in.close()
	return nil
}
