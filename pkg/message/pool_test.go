package message

import (
	"testing"

	"github.com/cuemby/gondola/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsZeroedTaggedBuffer(t *testing.T) {
	p := NewPool(64)
	m := p.Get(wire.MessageAppendEntries)
	require.Equal(t, wire.MessageAppendEntries, m.Type)
	require.Len(t, m.Bytes(), 0)
	require.Len(t, m.Cap(), 64)
}

func TestSetLenExposesEncodedPortion(t *testing.T) {
	p := NewPool(64)
	m := p.Get(wire.MessageRequestVote)
	copy(m.Cap(), []byte("hello"))
	m.SetLen(5)
	require.Equal(t, []byte("hello"), m.Bytes())
}

func TestReleaseAtZeroRefsReturnsToPool(t *testing.T) {
	p := NewPool(32)
	m := p.Get(wire.MessageRequestVote)
	m.Release()

	// The freed buffer should be reusable; fetching again must not
	// allocate a second distinct backing array if the pool reuses it.
	m2 := p.Get(wire.MessageAppendEntries)
	require.Equal(t, wire.MessageAppendEntries, m2.Type)
	require.Len(t, m2.Bytes(), 0)
}

func TestRetainRequiresMatchingReleases(t *testing.T) {
	p := NewPool(32)
	m := p.Get(wire.MessageAppendEntries)
	m.Retain(2) // now at refcount 3: one implicit + two retained

	m.Release()
	m.Release()
	// Still one outstanding reference; buffer must remain valid.
	require.Equal(t, wire.MessageAppendEntries, m.Type)

	m.Release()
	// All three releases done; the buffer has returned to the pool
	// and its type tag was reset by put().
	require.Equal(t, wire.MessageUnknown, m.Type)
}

func TestBufSizeReportsPoolCapacity(t *testing.T) {
	p := NewPool(128)
	require.Equal(t, 128, p.BufSize())
}
