package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestVoteRoundTrip(t *testing.T) {
	rv := RequestVote{Term: 7, CandidateID: 3, LastLogIndex: 42, LastLogTerm: 6, Prevote: true}
	buf := make([]byte, 256)
	n, err := EncodeRequestVote(buf, rv)
	require.NoError(t, err)

	got, err := DecodeRequestVote(buf[:n])
	require.NoError(t, err)
	require.Equal(t, rv, got)
}

func TestRequestVoteReplyRoundTrip(t *testing.T) {
	rvr := RequestVoteReply{Term: 9, VoterID: 2, VoteGranted: true, Prevote: false}
	buf := make([]byte, 256)
	n, err := EncodeRequestVoteReply(buf, rvr)
	require.NoError(t, err)

	got, err := DecodeRequestVoteReply(buf[:n])
	require.NoError(t, err)
	require.Equal(t, rvr, got)
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	ae := AppendEntries{
		Term:         5,
		LeaderID:     1,
		PrevLogIndex: 10,
		PrevLogTerm:  4,
		CommitIndex:  9,
		Entries: []LogEntry{
			{Index: 11, Term: 5, Payload: []byte("one")},
			{Index: 12, Term: 5, Payload: nil}, // no-op entry
			{Index: 13, Term: 5, Payload: []byte("three")},
		},
	}
	buf := make([]byte, EncodedSize(ae))
	n, err := EncodeAppendEntries(buf, ae)
	require.NoError(t, err)

	got, err := DecodeAppendEntries(buf[:n], 99)
	require.NoError(t, err)
	require.Equal(t, ae.Term, got.Term)
	require.Equal(t, ae.LeaderID, got.LeaderID)
	require.Equal(t, ae.PrevLogIndex, got.PrevLogIndex)
	require.Equal(t, ae.PrevLogTerm, got.PrevLogTerm)
	require.Equal(t, ae.CommitIndex, got.CommitIndex)
	require.Len(t, got.Entries, 3)
	for i, e := range got.Entries {
		require.Equal(t, ae.Entries[i].Index, e.Index)
		require.Equal(t, ae.Entries[i].Term, e.Term)
		require.Equal(t, ae.Entries[i].Payload, e.Payload)
		require.Equal(t, 99, e.MemberID)
	}
	require.True(t, got.Entries[1].IsNoOp())
	require.False(t, got.Entries[0].IsNoOp())
}

func TestAppendEntriesReplyRoundTrip(t *testing.T) {
	r := AppendEntriesReply{Term: 3, MemberID: 4, Success: true, LastIndex: 100}
	buf := make([]byte, 64)
	n, err := EncodeAppendEntriesReply(buf, r)
	require.NoError(t, err)

	got, err := DecodeAppendEntriesReply(buf[:n])
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestDecodeShortBufferErrors(t *testing.T) {
	_, err := DecodeRequestVote([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = DecodeAppendEntries([]byte{1, 2, 3}, 1)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestLogEntryStorageRoundTrip(t *testing.T) {
	e := LogEntry{MemberID: 7, Index: 55, Term: 3, Payload: []byte("payload bytes")}
	encoded := EncodeLogEntryForStorage(e)

	got, n, err := DecodeLogEntryForStorage(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, e.Index, got.Index)
	require.Equal(t, e.Term, got.Term)
	require.Equal(t, e.Payload, got.Payload)
}

func TestLogEntryCloneIsIndependent(t *testing.T) {
	e := LogEntry{Index: 1, Term: 1, Payload: []byte("abc")}
	cp := e.Clone()
	cp.Payload[0] = 'z'
	require.Equal(t, byte('a'), e.Payload[0])
}

func TestMessageTypeString(t *testing.T) {
	require.Equal(t, "RequestVote", MessageRequestVote.String())
	require.Equal(t, "AppendEntries", MessageAppendEntries.String())
	require.Equal(t, "Unknown", MessageType(250).String())
}
