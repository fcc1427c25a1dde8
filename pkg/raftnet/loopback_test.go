package raftnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopbackDeliversAcrossIndependentChannelHandles(t *testing.T) {
	net := NewLoopback()
	defer net.Close()

	a, err := net.CreateChannel(1, 2)
	require.NoError(t, err)
	b, err := net.CreateChannel(2, 1)
	require.NoError(t, err)

	require.NoError(t, a.Send([]byte("from a")))
	got, err := b.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("from a"), got)

	require.NoError(t, b.Send([]byte("from b")))
	got, err = a.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("from b"), got)
}

func TestLoopbackRepeatedCreateChannelSharesQueue(t *testing.T) {
	net := NewLoopback()
	defer net.Close()

	a1, err := net.CreateChannel(1, 2)
	require.NoError(t, err)
	a2, err := net.CreateChannel(1, 2)
	require.NoError(t, err)

	require.NoError(t, a1.Send([]byte("x")))
	b, err := net.CreateChannel(2, 1)
	require.NoError(t, err)
	got, err := b.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)

	require.NoError(t, a2.Send([]byte("y")))
	got, err = b.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("y"), got)
}

func TestLoopbackCloseUnblocksReceiveWithError(t *testing.T) {
	net := NewLoopback()
	defer net.Close()

	a, err := net.CreateChannel(1, 2)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

func TestLoopbackNetworkCloseRejectsFurtherChannels(t *testing.T) {
	net := NewLoopback()
	require.NoError(t, net.Close())

	_, err := net.CreateChannel(1, 2)
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestLoopbackSendAfterCloseErrors(t *testing.T) {
	net := NewLoopback()
	a, err := net.CreateChannel(1, 2)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	err = a.Send([]byte("too late"))
	require.ErrorIs(t, err, ErrChannelClosed)
}
