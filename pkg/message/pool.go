// Package message implements the pooled, reference-counted wire
// buffers the RPC hot path runs on: a fixed-capacity []byte
// tagged with a wire.MessageType, checked out of a free-list and
// returned once every holder has released it. A message fanned out to
// K peers is retained K times; each Peer releases after it finishes
// writing the bytes to its Network channel.
package message

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/gondola/pkg/wire"
)

// Message is a pooled fixed-capacity buffer plus a type tag and a
// refcount. Callers encode into Bytes()[:cap] via the pkg/wire
// Encode* helpers and call SetLen once the encoded size is known.
type Message struct {
	Type wire.MessageType

	pool *Pool
	buf  []byte
	n    int
	refs int32
}

// Bytes returns the portion of the buffer currently in use.
func (m *Message) Bytes() []byte { return m.buf[:m.n] }

// Cap returns the full pooled buffer, for encoders that need to write
// into it before the final length is known.
func (m *Message) Cap() []byte { return m.buf }

// SetLen records how many bytes of Cap() are meaningful.
func (m *Message) SetLen(n int) { m.n = n }

// Retain increments the refcount by delta, e.g. once per peer a
// message is about to be fanned out to. Must be called before the
// message is handed to concurrent senders.
func (m *Message) Retain(delta int) {
	atomic.AddInt32(&m.refs, int32(delta))
}

// Release decrements the refcount; once it reaches zero the buffer
// returns to the pool's free-list and must not be touched again.
func (m *Message) Release() {
	if atomic.AddInt32(&m.refs, -1) == 0 {
		m.pool.put(m)
	}
}

// Pool is a lock-free free-list of fixed-capacity Message buffers.
// Checkout never allocates once the pool has warmed up; sync.Pool
// handles the free-list so Get/Release have no internal lock.
type Pool struct {
	bufSize int
	free    sync.Pool
}

// NewPool creates a pool whose buffers hold up to bufSize bytes, i.e.
// comfortably more than raft.command_max_size plus AppendEntries
// framing overhead for a full batch.
func NewPool(bufSize int) *Pool {
	p := &Pool{bufSize: bufSize}
	p.free.New = func() interface{} {
		return &Message{pool: p, buf: make([]byte, bufSize)}
	}
	return p
}

// Get checks out a Message tagged with t, refcount 1.
func (p *Pool) Get(t wire.MessageType) *Message {
	m := p.free.Get().(*Message)
	m.Type = t
	m.n = 0
	atomic.StoreInt32(&m.refs, 1)
	return m
}

func (p *Pool) put(m *Message) {
	m.Type = wire.MessageUnknown
	m.n = 0
	p.free.Put(m)
}

// BufSize returns the fixed capacity of buffers handed out by this pool.
func (p *Pool) BufSize() int { return p.bufSize }
