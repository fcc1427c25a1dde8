package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/cuemby/gondola/pkg/wire"
	bolt "go.etcd.io/bbolt"
)

var (
	// bucketLog holds one sub-bucket per member, named by its 8-byte
	// big-endian member id, keyed by the 8-byte big-endian log index.
	bucketLog = []byte("log")
	// bucketVote holds one (term, votedFor) pair per member, keyed by
	// the member's 8-byte big-endian id.
	bucketVote = []byte("vote")
	// bucketMaxGap persists the SaveQueue restart hint.
	bucketMaxGap = []byte("maxgap")
)

// BoltStorage implements Store using BoltDB: a log sub-bucket per
// member keyed by index, plus flat vote and maxGap buckets keyed by
// member.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStorage(dataDir string) (*BoltStorage, error) {
	dbPath := filepath.Join(dataDir, "gondola.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLog, bucketVote, bucketMaxGap} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func memberKey(memberID int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(memberID))
	return k
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func (s *BoltStorage) logBucket(tx *bolt.Tx, memberID int, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketLog)
	key := memberKey(memberID)
	if create {
		return root.CreateBucketIfNotExists(key)
	}
	return root.Bucket(key), nil
}

// SaveVote persists (term, votedFor) as a 16-byte big-endian pair
// under the member's key, in a single fsynced update transaction.
func (s *BoltStorage) SaveVote(memberID int, term uint64, votedFor int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVote)
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[0:8], term)
		binary.BigEndian.PutUint64(buf[8:16], uint64(int64(votedFor)))
		return b.Put(memberKey(memberID), buf)
	})
}

func (s *BoltStorage) LoadVote(memberID int) (uint64, int, error) {
	var term uint64
	var votedFor int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVote)
		data := b.Get(memberKey(memberID))
		if data == nil {
			return nil
		}
		term = binary.BigEndian.Uint64(data[0:8])
		votedFor = int(int64(binary.BigEndian.Uint64(data[8:16])))
		return nil
	})
	return term, votedFor, err
}

func (s *BoltStorage) HasLogEntry(memberID int, index, term uint64) (bool, error) {
	entry, err := s.GetLogEntry(memberID, index)
	if err != nil || entry == nil {
		return false, err
	}
	return entry.Term == term, nil
}

func (s *BoltStorage) GetLogEntry(memberID int, index uint64) (*wire.LogEntry, error) {
	var entry *wire.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.logBucket(tx, memberID, false)
		if err != nil || b == nil {
			return err
		}
		data := b.Get(indexKey(index))
		if data == nil {
			return nil
		}
		e, _, err := wire.DecodeLogEntryForStorage(data)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

func (s *BoltStorage) GetLastLogIndex(memberID int) (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.logBucket(tx, memberID, false)
		if err != nil || b == nil {
			return err
		}
		k, _ := b.Cursor().Last()
		if k == nil {
			return nil
		}
		last = binary.BigEndian.Uint64(k)
		return nil
	})
	return last, err
}

func (s *BoltStorage) GetLastLogTerm(memberID int) (uint64, error) {
	last, err := s.GetLastLogIndex(memberID)
	if err != nil || last == 0 {
		return 0, err
	}
	entry, err := s.GetLogEntry(memberID, last)
	if err != nil || entry == nil {
		return 0, err
	}
	return entry.Term, nil
}

// AppendLogEntry durably appends one entry, rejecting any index that
// doesn't immediately follow the current tail.
func (s *BoltStorage) AppendLogEntry(memberID int, entry wire.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.logBucket(tx, memberID, true)
		if err != nil {
			return err
		}
		k, _ := b.Cursor().Last()
		var last uint64
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		if entry.Index != last+1 {
			return fmt.Errorf("storage: out-of-order append for member %d: have tail %d, got index %d", memberID, last, entry.Index)
		}
		return b.Put(indexKey(entry.Index), wire.EncodeLogEntryForStorage(entry))
	})
}

// Delete truncates the suffix at index >= fromIndex.
func (s *BoltStorage) Delete(memberID int, fromIndex uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.logBucket(tx, memberID, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		for k, _ := c.Seek(indexKey(fromIndex)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAll truncates the entire log for a member, used when entering
// slave mode.
func (s *BoltStorage) DeleteAll(memberID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketLog)
		key := memberKey(memberID)
		if root.Bucket(key) == nil {
			return nil
		}
		return root.DeleteBucket(key)
	})
}

func (s *BoltStorage) SetMaxGap(memberID int, gap uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMaxGap)
		return b.Put(memberKey(memberID), indexKey(gap))
	})
}

func (s *BoltStorage) GetMaxGap(memberID int) (uint64, error) {
	var gap uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMaxGap)
		data := b.Get(memberKey(memberID))
		if data == nil {
			return nil
		}
		gap = binary.BigEndian.Uint64(data)
		return nil
	})
	return gap, err
}
