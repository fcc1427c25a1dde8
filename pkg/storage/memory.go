package storage

import (
	"fmt"
	"sync"

	"github.com/cuemby/gondola/pkg/wire"
)

// MemoryStorage is an in-process Store backed by plain Go maps,
// adapted from the pack's MemoryStore pattern (put/get/delete behind
// one RWMutex) for this package's per-member log+vote shape. It
// satisfies the same Store contract as BoltStorage and is the
// storage.impl selected for tests and single-process demos where
// durability across process restarts isn't required.
type MemoryStorage struct {
	mu    sync.RWMutex
	logs  map[int]map[uint64]wire.LogEntry
	votes map[int][2]uint64 // [term, votedFor]
	gaps  map[int]uint64
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		logs:  make(map[int]map[uint64]wire.LogEntry),
		votes: make(map[int][2]uint64),
		gaps:  make(map[int]uint64),
	}
}

func (s *MemoryStorage) SaveVote(memberID int, term uint64, votedFor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[memberID] = [2]uint64{term, uint64(int64(votedFor))}
	return nil
}

func (s *MemoryStorage) LoadVote(memberID int) (uint64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[memberID]
	if !ok {
		return 0, 0, nil
	}
	return v[0], int(int64(v[1])), nil
}

func (s *MemoryStorage) HasLogEntry(memberID int, index, term uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.logs[memberID][index]
	return ok && e.Term == term, nil
}

func (s *MemoryStorage) GetLogEntry(memberID int, index uint64) (*wire.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.logs[memberID][index]
	if !ok {
		return nil, nil
	}
	clone := e.Clone()
	return &clone, nil
}

func (s *MemoryStorage) GetLastLogIndex(memberID int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndexLocked(memberID), nil
}

func (s *MemoryStorage) lastIndexLocked(memberID int) uint64 {
	var last uint64
	for idx := range s.logs[memberID] {
		if idx > last {
			last = idx
		}
	}
	return last
}

func (s *MemoryStorage) GetLastLogTerm(memberID int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := s.lastIndexLocked(memberID)
	if last == 0 {
		return 0, nil
	}
	return s.logs[memberID][last].Term, nil
}

func (s *MemoryStorage) AppendLogEntry(memberID int, entry wire.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastIndexLocked(memberID)
	if entry.Index != last+1 {
		return fmt.Errorf("storage: out-of-order append for member %d: have tail %d, got index %d", memberID, last, entry.Index)
	}
	if s.logs[memberID] == nil {
		s.logs[memberID] = make(map[uint64]wire.LogEntry)
	}
	s.logs[memberID][entry.Index] = entry.Clone()
	return nil
}

func (s *MemoryStorage) Delete(memberID int, fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.logs[memberID]
	for idx := range m {
		if idx >= fromIndex {
			delete(m, idx)
		}
	}
	return nil
}

func (s *MemoryStorage) DeleteAll(memberID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, memberID)
	return nil
}

func (s *MemoryStorage) SetMaxGap(memberID int, gap uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps[memberID] = gap
	return nil
}

func (s *MemoryStorage) GetMaxGap(memberID int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gaps[memberID], nil
}

func (s *MemoryStorage) Close() error { return nil }
