package raftnet

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/gondola/pkg/log"
)

// maxFrameSize bounds a single Send/Receive frame, comfortably above
// a full AppendEntries batch at raft.command_max_size.
const maxFrameSize = 16 << 20

// TCP is a Network backed by plain TCP sockets, framed with a 4-byte
// big-endian length prefix. Each (local, remote) member pair shares
// one duplex endpoint: whichever side dials first carries both
// directions, and frames arriving on any connection for the pair are
// funneled into the endpoint's receive queue, so replies flow back
// over the connection the request came in on instead of requiring a
// second dial. addressOf resolves a memberID to a dial address.
type TCP struct {
	addressOf func(memberID int) (string, error)

	listener net.Listener

	mu      sync.Mutex
	eps     map[epKey]*tcpEndpoint
	inbound chan Inbound
	closed  bool
}

type epKey struct {
	local, remote int
}

// NewTCP starts listening on listenAddr for inbound connections from
// peers and returns a Network that dials addressOf(remoteMember) for
// outbound connections.
func NewTCP(listenAddr string, addressOf func(memberID int) (string, error)) (*TCP, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("raftnet: listen %s: %w", listenAddr, err)
	}
	t := &TCP{
		addressOf: addressOf,
		listener:  ln,
		eps:       make(map[epKey]*tcpEndpoint),
		inbound:   make(chan Inbound, 64),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleAccepted(conn)
	}
}

func (t *TCP) handleAccepted(conn net.Conn) {
	from, to, err := readHandshake(conn)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("raftnet: rejecting connection with bad handshake")
		conn.Close()
		return
	}
	key := epKey{local: to, remote: from}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	// A reconnect replaces the pair's endpoint wholesale: holders of
	// the old one see ErrChannelClosed and re-acquire via CreateChannel
	// (or, for a slave, via the fresh Inbound event below). The other
	// side saw a fresh stream anyway.
	old := t.eps[key]
	ep := t.eps[key]
	if ep == nil || ep.hasConn() {
		ep = newTCPEndpoint()
		t.eps[key] = ep
	} else {
		old = nil
	}
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	ep.attach(conn)

	select {
	case t.inbound <- Inbound{LocalMember: to, RemoteMember: from, Ch: ep}:
	default:
	}
}

// handshake frame: length 16, then (fromMember, toMember) as 8-byte
// big-endian ids, sent once by the dialer.
func readHandshake(conn net.Conn) (from, to int, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, 0, err
	}
	if n := binary.BigEndian.Uint32(hdr[:]); n != 16 {
		return 0, 0, fmt.Errorf("raftnet: unexpected handshake length %d", n)
	}
	var buf [16]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, 0, err
	}
	return int(binary.BigEndian.Uint64(buf[0:8])), int(binary.BigEndian.Uint64(buf[8:16])), nil
}

func writeHandshake(conn net.Conn, from, to int) error {
	var buf [20]byte
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint64(buf[4:12], uint64(from))
	binary.BigEndian.PutUint64(buf[12:20], uint64(to))
	_, err := conn.Write(buf[:])
	return err
}

// CreateChannel returns the endpoint for (localMember, remoteMember),
// dialing the remote only if no live connection already serves the
// pair (an accepted inbound connection does).
func (t *TCP) CreateChannel(localMember, remoteMember int) (Channel, error) {
	key := epKey{local: localMember, remote: remoteMember}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if ep := t.eps[key]; ep != nil && ep.hasConn() {
		t.mu.Unlock()
		ep.reopen()
		return ep, nil
	}
	t.mu.Unlock()

	addr, err := t.addressOf(remoteMember)
	if err != nil {
		return nil, fmt.Errorf("raftnet: resolve member %d: %w", remoteMember, err)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("raftnet: dial member %d at %s: %w", remoteMember, addr, err)
	}
	if err := writeHandshake(conn, localMember, remoteMember); err != nil {
		conn.Close()
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, ErrChannelClosed
	}
	// An accepted connection may have landed while we dialed; prefer
	// the dialed one going forward.
	ep := t.eps[key]
	if ep == nil || ep.hasConn() {
		ep = newTCPEndpoint()
		t.eps[key] = ep
	}
	t.mu.Unlock()

	ep.attach(conn)
	return ep, nil
}

// Inbound returns the stream of remotely initiated channels.
func (t *TCP) Inbound() <-chan Inbound { return t.inbound }

// Addr returns the listener's bound address, useful when listening on
// port 0.
func (t *TCP) Addr() string { return t.listener.Addr().String() }

// Close stops accepting connections and tears down every endpoint.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.listener.Close()
	for _, ep := range t.eps {
		ep.Close()
	}
	return nil
}

// tcpEndpoint is the duplex Channel for one (local, remote) pair. It
// survives connection churn: Close tears down the current connection
// and unblocks Receive, but a later CreateChannel reopens the same
// endpoint with a fresh connection.
type tcpEndpoint struct {
	mu        sync.Mutex
	writeConn net.Conn
	recvQ     chan []byte
	down      chan struct{}
}

func newTCPEndpoint() *tcpEndpoint {
	ep := &tcpEndpoint{recvQ: make(chan []byte, 256), down: make(chan struct{})}
	close(ep.down)
	return ep
}

func (e *tcpEndpoint) hasConn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeConn != nil
}

// attach makes conn the endpoint's write connection (if none is live),
// re-arms Receive, and starts pumping the conn's frames into the
// receive queue.
func (e *tcpEndpoint) attach(conn net.Conn) {
	e.mu.Lock()
	if e.writeConn == nil {
		e.writeConn = conn
	}
	e.mu.Unlock()
	e.reopen()
	go e.pump(conn)
}

// reopen re-arms the endpoint after a previous Close so Receive blocks
// for new frames again.
func (e *tcpEndpoint) reopen() {
	e.mu.Lock()
	select {
	case <-e.down:
		e.down = make(chan struct{})
	default:
	}
	e.mu.Unlock()
}

func (e *tcpEndpoint) pump(conn net.Conn) {
	for {
		b, err := readFrame(conn)
		if err != nil {
			e.mu.Lock()
			if e.writeConn == conn {
				e.writeConn = nil
			}
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.recvQ <- b
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("raftnet: incoming frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *tcpEndpoint) Send(b []byte) error {
	if len(b) > maxFrameSize {
		return fmt.Errorf("raftnet: frame of %d bytes exceeds max %d", len(b), maxFrameSize)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeConn == nil {
		return ErrChannelClosed
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := e.writeConn.Write(hdr[:]); err != nil {
		e.writeConn.Close()
		e.writeConn = nil
		return err
	}
	if _, err := e.writeConn.Write(b); err != nil {
		e.writeConn.Close()
		e.writeConn = nil
		return err
	}
	return nil
}

func (e *tcpEndpoint) Receive() ([]byte, error) {
	e.mu.Lock()
	down := e.down
	e.mu.Unlock()
	select {
	case b := <-e.recvQ:
		return b, nil
	case <-down:
		return nil, ErrChannelClosed
	}
}

func (e *tcpEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeConn != nil {
		e.writeConn.Close()
		e.writeConn = nil
	}
	select {
	case <-e.down:
	default:
		close(e.down)
	}
	return nil
}
