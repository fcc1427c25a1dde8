// Package storage defines the durable per-member log and vote
// contract and a BoltDB-backed implementation with one bucket per
// concern, keyed by memberId and log index.
package storage

import "github.com/cuemby/gondola/pkg/wire"

// Store is the durable log+vote contract every member reads and
// writes through. Implementations must be safe for concurrent
// AppendLogEntry calls from multiple SaveQueue workers provided the
// calls target strictly increasing indices per member; the SaveQueue,
// not Store, enforces that ordering.
type Store interface {
	// SaveVote atomically, durably persists (term, votedFor) for a
	// member. Must return only once fsynced.
	SaveVote(memberID int, term uint64, votedFor int) error

	// LoadVote returns the last persisted (term, votedFor) for a
	// member, or (0, 0, nil) if none was ever saved.
	LoadVote(memberID int) (term uint64, votedFor int, err error)

	// HasLogEntry reports whether an entry with exactly this
	// (index, term) exists for the member.
	HasLogEntry(memberID int, index, term uint64) (bool, error)

	// GetLogEntry returns the entry at index, or (nil, nil) if absent.
	GetLogEntry(memberID int, index uint64) (*wire.LogEntry, error)

	// GetLastLogIndex returns the durable tail index (0 if the log is empty).
	GetLastLogIndex(memberID int) (uint64, error)

	// GetLastLogTerm returns the term of the durable tail entry (0 if empty).
	GetLastLogTerm(memberID int) (uint64, error)

	// AppendLogEntry durably appends one entry. It must reject an
	// append whose index isn't exactly GetLastLogIndex()+1.
	AppendLogEntry(memberID int, entry wire.LogEntry) error

	// Delete truncates the suffix at index >= fromIndex. Required
	// before appending a conflicting entry at an already-occupied index.
	Delete(memberID int, fromIndex uint64) error

	// DeleteAll truncates the entire log for a member, used when
	// entering slave mode (the member discards its own log wholesale).
	DeleteAll(memberID int) error

	// SetMaxGap/GetMaxGap persist the restart hint recording
	// how far the in-memory log ran ahead of the durable tail at
	// shutdown, so the SaveQueue knows how many trailing entries to
	// treat as potentially conflicting on restart.
	SetMaxGap(memberID int, gap uint64) error
	GetMaxGap(memberID int) (uint64, error)

	// Close releases underlying resources.
	Close() error
}
