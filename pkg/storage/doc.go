/*
Package storage provides BoltDB-backed durable persistence for each
member's replicated log and vote record.

The storage package implements the Store interface using BoltDB
(bbolt) as the underlying database, giving every
member crash-durable, fsynced appends without running a separate
storage process.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStorage                      │          │
	│  │  - File: <dataDir>/gondola.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────────────┐     │          │
	│  │  │ log     (one sub-bucket per member, │     │          │
	│  │  │          keyed by memberId;          │     │          │
	│  │  │          entries keyed by index)     │     │          │
	│  │  │ vote    (term, votedFor; keyed       │     │          │
	│  │  │          by memberId)                │     │          │
	│  │  │ maxgap  (restart hint; keyed         │     │          │
	│  │  │          by memberId)                │     │          │
	│  │  └────────────────────────────────────┘     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  │  - Rollback: Automatic on error             │          │
	│  │  - Commit: Automatic on success + fsync     │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

Log entries are encoded with pkg/wire's EncodeLogEntryForStorage, the
same (index, term, payload) layout used on the wire minus the
channel-implied MemberID, so a durable entry and a replicated one
share one byte layout (decoded by DecodeLogEntryForStorage and by
DecodeAppendEntries respectively).

# Ordering

AppendLogEntry rejects any index that doesn't immediately follow the
current durable tail; the SaveQueue is responsible for presenting
indices to Store in contiguous order even though its workers may
finish out of order.
*/
package storage
