// Package wire defines the on-the-wire records exchanged between Raft
// members: log entries and the four RPC messages (RequestVote,
// RequestVoteReply, AppendEntries, AppendEntriesReply). Encoding is a
// small hand-rolled binary format rather than a generated codec, so a
// Message read from the MessagePool can be decoded without an extra
// allocation per field.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType tags a pooled Message buffer with the RPC it carries.
type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessageRequestVote
	MessageRequestVoteReply
	MessageAppendEntries
	MessageAppendEntriesReply
)

func (t MessageType) String() string {
	switch t {
	case MessageRequestVote:
		return "RequestVote"
	case MessageRequestVoteReply:
		return "RequestVoteReply"
	case MessageAppendEntries:
		return "AppendEntries"
	case MessageAppendEntriesReply:
		return "AppendEntriesReply"
	default:
		return "Unknown"
	}
}

// ErrShortBuffer is returned when a buffer is too small to decode a message.
var ErrShortBuffer = errors.New("wire: buffer too short")

// LogEntry is one record of a member's replicated log: (memberId,
// index, term, payload). The index-0 sentinel that matches any
// leader's prefix is never materialized; callers special-case it.
type LogEntry struct {
	MemberID int
	Index    uint64
	Term     uint64
	Payload  []byte
}

// IsNoOp reports whether this entry is the empty no-op appended after
// an election to force commit of prior-term entries.
func (e LogEntry) IsNoOp() bool { return len(e.Payload) == 0 }

// Clone returns a deep copy, safe to retain past the lifetime of a
// pooled Message buffer the entry was decoded from.
func (e LogEntry) Clone() LogEntry {
	cp := e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	return cp
}

// RequestVote is sent by a CANDIDATE to every peer at the start of an
// election (or a prevote round, see the Open Question (b) decision in
// DESIGN.md).
type RequestVote struct {
	Term         uint64
	CandidateID  int
	LastLogIndex uint64
	LastLogTerm  uint64
	Prevote      bool
}

// RequestVoteReply answers a RequestVote.
type RequestVoteReply struct {
	Term        uint64
	VoterID     int
	VoteGranted bool
	Prevote     bool
}

// AppendEntries is the leader's combined heartbeat/replication RPC.
// Entries is empty for a pure heartbeat.
type AppendEntries struct {
	Term         uint64
	LeaderID     int
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	CommitIndex  uint64
}

// AppendEntriesReply answers an AppendEntries. LastIndex doubles as
// the success replication high-water mark and, on failure, the
// follower's current lastIndex so the leader can rewind nextIndex in
// one round trip instead of decrementing by one each retry.
type AppendEntriesReply struct {
	Term      uint64
	MemberID  int
	Success   bool
	LastIndex uint64
}

func putUint64(b []byte, off int, v uint64) int {
	binary.BigEndian.PutUint64(b[off:], v)
	return off + 8
}

func getUint64(b []byte, off int) (uint64, int, error) {
	if off+8 > len(b) {
		return 0, off, ErrShortBuffer
	}
	return binary.BigEndian.Uint64(b[off:]), off + 8, nil
}

func putUint32(b []byte, off int, v uint32) int {
	binary.BigEndian.PutUint32(b[off:], v)
	return off + 4
}

func getUint32(b []byte, off int) (uint32, int, error) {
	if off+4 > len(b) {
		return 0, off, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(b[off:]), off + 4, nil
}

func putBytes(b []byte, off int, v []byte) (int, error) {
	off = putUint32(b, off, uint32(len(v)))
	if off+len(v) > len(b) {
		return off, ErrShortBuffer
	}
	copy(b[off:], v)
	return off + len(v), nil
}

func getBytes(b []byte, off int) ([]byte, int, error) {
	n, off, err := getUint32(b, off)
	if err != nil {
		return nil, off, err
	}
	end := off + int(n)
	if end > len(b) {
		return nil, off, ErrShortBuffer
	}
	if n == 0 {
		return nil, end, nil
	}
	// Copy out: the source buffer is pooled and may be reused/released
	// the instant the caller returns.
	out := make([]byte, n)
	copy(out, b[off:end])
	return out, end, nil
}

// EncodedSize bounds the worst-case encoded length of an AppendEntries
// carrying the given entries; used to reject oversize messages before
// attempting an in-place encode into a fixed-capacity buffer.
func EncodedSize(ae AppendEntries) int {
	size := 8 + 8 + 8 + 8 + 4 + 8 // term, leader, prevIdx, prevTerm, nEntries, commitIndex
	for _, e := range ae.Entries {
		size += 8 + 8 + 4 + len(e.Payload) // index, term, payload-len, payload
	}
	return size
}

// putLogEntry encodes a single entry (without MemberID, which is
// implied by the channel it travels on) into b at off.
func putLogEntry(b []byte, off int, e LogEntry) (int, error) {
	off = putUint64(b, off, e.Index)
	off = putUint64(b, off, e.Term)
	return putBytes(b, off, e.Payload)
}

func getLogEntry(b []byte, off int, memberID int) (LogEntry, int, error) {
	var e LogEntry
	var err error
	e.MemberID = memberID
	e.Index, off, err = getUint64(b, off)
	if err != nil {
		return e, off, err
	}
	e.Term, off, err = getUint64(b, off)
	if err != nil {
		return e, off, err
	}
	e.Payload, off, err = getBytes(b, off)
	return e, off, err
}

// EncodeAppendEntries writes ae into b, returning the number of bytes
// used. Returns ErrShortBuffer if b is too small.
func EncodeAppendEntries(b []byte, ae AppendEntries) (int, error) {
	if len(b) < EncodedSize(ae) {
		return 0, ErrShortBuffer
	}
	off := 0
	off = putUint64(b, off, ae.Term)
	off = putUint64(b, off, uint64(ae.LeaderID))
	off = putUint64(b, off, ae.PrevLogIndex)
	off = putUint64(b, off, ae.PrevLogTerm)
	off = putUint64(b, off, ae.CommitIndex)
	if off+4 > len(b) {
		return 0, ErrShortBuffer
	}
	off = putUint32(b, off, uint32(len(ae.Entries)))
	var err error
	for _, e := range ae.Entries {
		off, err = putLogEntry(b, off, e)
		if err != nil {
			return 0, err
		}
	}
	return off, nil
}

// DecodeAppendEntries is the inverse of EncodeAppendEntries. memberID
// is the entries' owning member, implied by the channel the message
// arrived on.
func DecodeAppendEntries(b []byte, memberID int) (AppendEntries, error) {
	var ae AppendEntries
	var err error
	off := 0
	ae.Term, off, err = getUint64(b, off)
	if err != nil {
		return ae, err
	}
	var leaderID uint64
	leaderID, off, err = getUint64(b, off)
	if err != nil {
		return ae, err
	}
	ae.LeaderID = int(leaderID)
	ae.PrevLogIndex, off, err = getUint64(b, off)
	if err != nil {
		return ae, err
	}
	ae.PrevLogTerm, off, err = getUint64(b, off)
	if err != nil {
		return ae, err
	}
	ae.CommitIndex, off, err = getUint64(b, off)
	if err != nil {
		return ae, err
	}
	n, off, err := getUint32(b, off)
	if err != nil {
		return ae, err
	}
	ae.Entries = make([]LogEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e LogEntry
		e, off, err = getLogEntry(b, off, memberID)
		if err != nil {
			return ae, err
		}
		ae.Entries = append(ae.Entries, e)
	}
	return ae, nil
}

// EncodeRequestVote writes rv into b.
func EncodeRequestVote(b []byte, rv RequestVote) (int, error) {
	if len(b) < 8+8+8+8+1 {
		return 0, ErrShortBuffer
	}
	off := 0
	off = putUint64(b, off, rv.Term)
	off = putUint64(b, off, uint64(rv.CandidateID))
	off = putUint64(b, off, rv.LastLogIndex)
	off = putUint64(b, off, rv.LastLogTerm)
	if rv.Prevote {
		b[off] = 1
	} else {
		b[off] = 0
	}
	return off + 1, nil
}

// DecodeRequestVote is the inverse of EncodeRequestVote.
func DecodeRequestVote(b []byte) (RequestVote, error) {
	var rv RequestVote
	var err error
	off := 0
	rv.Term, off, err = getUint64(b, off)
	if err != nil {
		return rv, err
	}
	var cid uint64
	cid, off, err = getUint64(b, off)
	if err != nil {
		return rv, err
	}
	rv.CandidateID = int(cid)
	rv.LastLogIndex, off, err = getUint64(b, off)
	if err != nil {
		return rv, err
	}
	rv.LastLogTerm, off, err = getUint64(b, off)
	if err != nil {
		return rv, err
	}
	if off >= len(b) {
		return rv, ErrShortBuffer
	}
	rv.Prevote = b[off] != 0
	return rv, nil
}

// EncodeRequestVoteReply writes rvr into b.
func EncodeRequestVoteReply(b []byte, rvr RequestVoteReply) (int, error) {
	if len(b) < 8+8+1+1 {
		return 0, ErrShortBuffer
	}
	off := 0
	off = putUint64(b, off, rvr.Term)
	off = putUint64(b, off, uint64(rvr.VoterID))
	if rvr.VoteGranted {
		b[off] = 1
	} else {
		b[off] = 0
	}
	off++
	if rvr.Prevote {
		b[off] = 1
	} else {
		b[off] = 0
	}
	return off + 1, nil
}

// DecodeRequestVoteReply is the inverse of EncodeRequestVoteReply.
func DecodeRequestVoteReply(b []byte) (RequestVoteReply, error) {
	var rvr RequestVoteReply
	var err error
	off := 0
	rvr.Term, off, err = getUint64(b, off)
	if err != nil {
		return rvr, err
	}
	var vid uint64
	vid, off, err = getUint64(b, off)
	if err != nil {
		return rvr, err
	}
	rvr.VoterID = int(vid)
	if off+1 >= len(b) {
		return rvr, ErrShortBuffer
	}
	rvr.VoteGranted = b[off] != 0
	off++
	rvr.Prevote = b[off] != 0
	return rvr, nil
}

// EncodeAppendEntriesReply writes r into b.
func EncodeAppendEntriesReply(b []byte, r AppendEntriesReply) (int, error) {
	if len(b) < 8+8+1+8 {
		return 0, ErrShortBuffer
	}
	off := 0
	off = putUint64(b, off, r.Term)
	off = putUint64(b, off, uint64(r.MemberID))
	if r.Success {
		b[off] = 1
	} else {
		b[off] = 0
	}
	off++
	off = putUint64(b, off, r.LastIndex)
	return off, nil
}

// DecodeAppendEntriesReply is the inverse of EncodeAppendEntriesReply.
func DecodeAppendEntriesReply(b []byte) (AppendEntriesReply, error) {
	var r AppendEntriesReply
	var err error
	off := 0
	r.Term, off, err = getUint64(b, off)
	if err != nil {
		return r, err
	}
	var mid uint64
	mid, off, err = getUint64(b, off)
	if err != nil {
		return r, err
	}
	r.MemberID = int(mid)
	if off >= len(b) {
		return r, ErrShortBuffer
	}
	r.Success = b[off] != 0
	off++
	r.LastIndex, off, err = getUint64(b, off)
	return r, err
}

// EncodeLogEntryForStorage serializes a single entry for a durable
// store value, independent of the channel-implied MemberID used by
// the AppendEntries wire format: storage keys are already scoped per
// member, but the payload can still grow past a pooled Message's
// fixed capacity, so this allocates rather than writing into a
// caller-supplied buffer.
func EncodeLogEntryForStorage(e LogEntry) []byte {
	b := make([]byte, 8+8+4+len(e.Payload))
	off := putUint64(b, 0, e.Index)
	off = putUint64(b, off, e.Term)
	off, _ = putBytes(b, off, e.Payload)
	return b[:off]
}

// DecodeLogEntryForStorage is the inverse of EncodeLogEntryForStorage,
// returning the number of bytes consumed alongside the entry.
func DecodeLogEntryForStorage(b []byte) (*LogEntry, int, error) {
	var e LogEntry
	var err error
	off := 0
	e.Index, off, err = getUint64(b, off)
	if err != nil {
		return nil, off, err
	}
	e.Term, off, err = getUint64(b, off)
	if err != nil {
		return nil, off, err
	}
	e.Payload, off, err = getBytes(b, off)
	if err != nil {
		return nil, off, err
	}
	return &e, off, nil
}

// ValidateType returns an error if t isn't one of the four known RPC types.
func ValidateType(t MessageType) error {
	switch t {
	case MessageRequestVote, MessageRequestVoteReply, MessageAppendEntries, MessageAppendEntriesReply:
		return nil
	default:
		return fmt.Errorf("wire: unknown message type %d", t)
	}
}
