package raftnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (*TCP, *TCP) {
	t.Helper()
	addrs := make(map[int]string)
	lookup := func(id int) (string, error) { return addrs[id], nil }

	n1, err := NewTCP("127.0.0.1:0", lookup)
	require.NoError(t, err)
	t.Cleanup(func() { n1.Close() })
	n2, err := NewTCP("127.0.0.1:0", lookup)
	require.NoError(t, err)
	t.Cleanup(func() { n2.Close() })

	addrs[1] = n1.Addr()
	addrs[2] = n2.Addr()
	return n1, n2
}

// One dialed connection must carry both directions: the accepting side
// replies over the same socket the request came in on.
func TestTCPDuplexOverSingleConnection(t *testing.T) {
	n1, n2 := tcpPair(t)

	ch12, err := n1.CreateChannel(1, 2)
	require.NoError(t, err)

	var inb Inbound
	select {
	case inb = <-n2.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("accepting side never surfaced the inbound channel")
	}
	require.Equal(t, 2, inb.LocalMember)
	require.Equal(t, 1, inb.RemoteMember)

	require.NoError(t, ch12.Send([]byte("ping")))
	got, err := inb.Ch.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)

	require.NoError(t, inb.Ch.Send([]byte("pong")))
	got, err = ch12.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), got)
}

// The accepting side's own CreateChannel for the pair reuses the
// accepted connection instead of dialing a second one.
func TestTCPCreateChannelReusesAcceptedConnection(t *testing.T) {
	n1, n2 := tcpPair(t)

	ch12, err := n1.CreateChannel(1, 2)
	require.NoError(t, err)

	select {
	case <-n2.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound event")
	}

	ch21, err := n2.CreateChannel(2, 1)
	require.NoError(t, err)
	require.NoError(t, ch21.Send([]byte("hello")))

	got, err := ch12.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestTCPReceiveUnblocksOnClose(t *testing.T) {
	n1, _ := tcpPair(t)

	ch, err := n1.CreateChannel(1, 2)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Receive()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

func TestTCPNetworkCloseRejectsFurtherChannels(t *testing.T) {
	n1, _ := tcpPair(t)
	require.NoError(t, n1.Close())
	_, err := n1.CreateChannel(1, 2)
	require.ErrorIs(t, err, ErrChannelClosed)
}
