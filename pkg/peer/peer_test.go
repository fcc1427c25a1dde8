package peer

import (
	"testing"
	"time"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/message"
	"github.com/cuemby/gondola/pkg/raftnet"
	"github.com/cuemby/gondola/pkg/storage"
	"github.com/cuemby/gondola/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	pool := message.NewPool(1 << 16)
	ae := wire.AppendEntries{
		Term:         7,
		LeaderID:     3,
		PrevLogIndex: 41,
		PrevLogTerm:  6,
		CommitIndex:  40,
		Entries: []wire.LogEntry{
			{Index: 42, Term: 7, Payload: []byte("payload")},
			{Index: 43, Term: 7, Payload: nil},
		},
	}

	msg, err := encodeInto(pool, wire.MessageAppendEntries, func(b []byte) (int, error) {
		return wire.EncodeAppendEntries(b, ae)
	})
	require.NoError(t, err)
	defer msg.Release()

	raw := make([]byte, 1+len(msg.Bytes()))
	raw[0] = byte(msg.Type)
	copy(raw[1:], msg.Bytes())

	in, err := decodeEnvelope(3, raw)
	require.NoError(t, err)
	require.Equal(t, 3, in.FromMember)
	require.NotNil(t, in.AppendEntries)
	require.Equal(t, ae.Term, in.AppendEntries.Term)
	require.Len(t, in.AppendEntries.Entries, 2)
	require.Equal(t, []byte("payload"), in.AppendEntries.Entries[0].Payload)
	// Decoded entries are keyed to the sending member, the channel's
	// remote end passed to decodeEnvelope.
	require.Equal(t, 3, in.AppendEntries.Entries[0].MemberID)
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	_, err := decodeEnvelope(1, []byte{0xee, 0x00})
	require.Error(t, err)

	_, err = decodeEnvelope(1, nil)
	require.ErrorIs(t, err, wire.ErrShortBuffer)
}

type chanSink struct{ ch chan Incoming }

func (s chanSink) Push(in Incoming) { s.ch <- in }

func TestPeersExchangeRPCsOverLoopback(t *testing.T) {
	net := raftnet.NewLoopback()
	defer net.Close()
	pool := message.NewPool(1 << 16)
	store := storage.NewMemoryStorage()
	clk := clock.NewSystem()

	sink1 := chanSink{ch: make(chan Incoming, 8)}
	sink2 := chanSink{ch: make(chan Incoming, 8)}
	p1 := New(1, 1, 2, net, pool, store, sink1, clk, DefaultOptions())
	p2 := New(1, 2, 1, net, pool, store, sink2, clk, DefaultOptions())
	p1.Start()
	p2.Start()
	defer p1.Stop()
	defer p2.Stop()

	rv := wire.RequestVote{Term: 4, CandidateID: 1, LastLogIndex: 10, LastLogTerm: 3}
	require.NoError(t, p1.SendRequestVote(rv))

	select {
	case in := <-sink2.ch:
		require.Equal(t, 1, in.FromMember)
		require.NotNil(t, in.RequestVote)
		require.Equal(t, rv, *in.RequestVote)
	case <-time.After(2 * time.Second):
		t.Fatal("RequestVote never arrived at the remote sink")
	}

	require.NoError(t, p2.SendRequestVoteReply(wire.RequestVoteReply{Term: 4, VoterID: 2, VoteGranted: true}))
	select {
	case in := <-sink1.ch:
		require.NotNil(t, in.RequestVoteReply)
		require.True(t, in.RequestVoteReply.VoteGranted)
	case <-time.After(2 * time.Second):
		t.Fatal("RequestVoteReply never arrived back")
	}
}

func TestPrewiredNetworkHandsOutChannelOnce(t *testing.T) {
	lb := raftnet.NewLoopback()
	defer lb.Close()
	ch, err := lb.CreateChannel(1, 2)
	require.NoError(t, err)

	n := &prewired{ch: ch}
	got, err := n.CreateChannel(1, 2)
	require.NoError(t, err)
	require.Equal(t, ch, got)

	_, err = n.CreateChannel(1, 2)
	require.ErrorIs(t, err, raftnet.ErrChannelClosed)
}

func TestIdleTracksLastSeen(t *testing.T) {
	lb := raftnet.NewLoopback()
	defer lb.Close()
	clk := clock.NewSystem()
	p := New(1, 1, 2, lb, message.NewPool(1024), storage.NewMemoryStorage(), chanSink{ch: make(chan Incoming, 1)}, clk, DefaultOptions())

	require.False(t, p.Idle(time.Minute))
	require.True(t, p.Idle(0))
	p.NoteSeen()
	require.False(t, p.Idle(time.Second))
}

// A broadcast encodes once and retains per recipient; every remote
// still observes the full RPC.
func TestBroadcastRequestVoteReachesEveryPeer(t *testing.T) {
	net := raftnet.NewLoopback()
	defer net.Close()
	pool := message.NewPool(1 << 12)
	store := storage.NewMemoryStorage()
	clk := clock.NewSystem()

	sink := chanSink{ch: make(chan Incoming, 8)}
	remotes := make(map[int]*Peer)
	for _, id := range []int{2, 3} {
		// The remote end of each channel decodes into the shared sink.
		remote := New(1, id, 1, net, pool, store, sink, clk, DefaultOptions())
		remote.Start()
		defer remote.Stop()
		local := New(1, 1, id, net, pool, store, chanSink{ch: make(chan Incoming, 8)}, clk, DefaultOptions())
		local.Start()
		defer local.Stop()
		remotes[id] = local
	}

	rv := wire.RequestVote{Term: 9, CandidateID: 1, LastLogIndex: 3, LastLogTerm: 2}
	require.NoError(t, BroadcastRequestVote(remotes, rv))

	for i := 0; i < 2; i++ {
		select {
		case in := <-sink.ch:
			require.NotNil(t, in.RequestVote)
			require.Equal(t, rv, *in.RequestVote)
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast copy %d never arrived", i)
		}
	}
}
