// Package savequeue implements the bounded, multi-worker durable-write
// pipeline in front of Storage: a fixed number of worker goroutines
// drain a shared queue of log entries, doing any CPU/encoding work
// concurrently but committing each entry to Storage strictly in index
// order per member, so Storage's own contiguous-append contract
// (pkg/storage.Store.AppendLogEntry) is never violated even though
// workers race to get there.
package savequeue

import (
	"fmt"
	"sync"

	"github.com/cuemby/gondola/pkg/log"
	"github.com/cuemby/gondola/pkg/metrics"
	"github.com/cuemby/gondola/pkg/storage"
	"github.com/cuemby/gondola/pkg/wire"
)

// DefaultWorkers is the stock worker-pool size.
const DefaultWorkers = 5

// job is one durable-write request; onDone is called (if non-nil)
// once the entry has been committed to Storage, carrying the index
// and any error; the CoreMember uses this to dispatch
// AppendEntriesReply/commit-advancement bookkeeping.
type job struct {
	entry  wire.LogEntry
	onDone func(index uint64, err error)
}

// memberState tracks the contiguous savedIndex watermark for one
// member, guarded by its own lock so members don't contend with each
// other. pending holds jobs that arrived ahead of the watermark; a
// worker never blocks on out-of-order arrival: it parks the job here
// and whichever worker completes index savedIndex+1 chains through
// everything that has become ready.
type memberState struct {
	mu         sync.Mutex
	savedIndex uint64
	highWater  uint64 // highest index ever enqueued, for maxGap accounting
	pending    map[uint64][]job
}

// SaveQueue is the shared durable-write pipeline for every member
// hosted by one Engine; Storage is shared across shards, so one
// SaveQueue per process (not per shard) sits in front of it.
type SaveQueue struct {
	store   storage.Store
	jobs    chan job
	workers int

	mu      sync.Mutex
	members map[int]*memberState

	wg sync.WaitGroup
}

// New creates a SaveQueue with the given worker count (DefaultWorkers
// if zero) and bounded queue depth.
func New(store storage.Store, workers, queueDepth int) *SaveQueue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &SaveQueue{
		store:   store,
		jobs:    make(chan job, queueDepth),
		workers: workers,
		members: make(map[int]*memberState),
	}
}

// Start launches the worker goroutines.
func (q *SaveQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop()
	}
}

// Stop closes the job channel and waits for workers to drain it.
func (q *SaveQueue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}

func (q *SaveQueue) state(memberID int) *memberState {
	q.mu.Lock()
	defer q.mu.Unlock()
	ms, ok := q.members[memberID]
	if !ok {
		ms = &memberState{pending: make(map[uint64][]job)}
		q.members[memberID] = ms
	}
	return ms
}

// InitMember loads the durable tail and maxGap hint for memberID on
// startup and seeds savedIndex from them. A non-zero maxGap means the
// in-memory log was up to that far ahead of the durable tail at
// shutdown, so the last maxGap durable entries cannot be trusted
// either: the watermark rolls back past them (and past any holes
// out-of-order workers left) and the leader re-sends the suffix,
// rewriting whatever conflicts.
func (q *SaveQueue) InitMember(memberID int) (savedIndex, maxGap uint64, err error) {
	savedIndex, err = q.store.GetLastLogIndex(memberID)
	if err != nil {
		return 0, 0, fmt.Errorf("savequeue: init member %d: %w", memberID, err)
	}
	maxGap, err = q.store.GetMaxGap(memberID)
	if err != nil {
		return 0, 0, fmt.Errorf("savequeue: init member %d maxgap: %w", memberID, err)
	}
	if maxGap > 0 {
		if maxGap >= savedIndex {
			savedIndex = 0
		} else {
			savedIndex -= maxGap
		}
		for savedIndex > 0 {
			entry, err := q.store.GetLogEntry(memberID, savedIndex)
			if err != nil {
				return 0, 0, fmt.Errorf("savequeue: init member %d probe index %d: %w", memberID, savedIndex, err)
			}
			if entry != nil {
				break
			}
			savedIndex--
		}
	}
	ms := q.state(memberID)
	ms.mu.Lock()
	ms.savedIndex = savedIndex
	ms.highWater = savedIndex
	ms.pending = make(map[uint64][]job)
	ms.mu.Unlock()
	return savedIndex, maxGap, nil
}

// Depth returns the number of jobs currently queued, for the
// gondola_savequeue_depth gauge.
func (q *SaveQueue) Depth() int {
	return len(q.jobs)
}

// SavedIndex returns the current contiguous durable watermark for a member.
func (q *SaveQueue) SavedIndex(memberID int) uint64 {
	ms := q.state(memberID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.savedIndex
}

// Shutdown persists the observed gap between the highest entry ever
// enqueued and the contiguous savedIndex watermark, so a restart knows
// how many trailing entries might need to be re-requested from the
// leader.
func (q *SaveQueue) Shutdown(memberID int) error {
	ms := q.state(memberID)
	ms.mu.Lock()
	gap := ms.highWater - ms.savedIndex
	ms.mu.Unlock()
	return q.store.SetMaxGap(memberID, gap)
}

// Enqueue submits an entry for durable append; onDone (optional) is
// invoked once it has been committed or failed. Enqueue blocks if the
// queue is full; the bounded pipeline is what pushes back on a
// leader outrunning its disk.
//
// Callers enqueue a member's entries in ascending index order (the
// member's single main-loop goroutine guarantees this), so a rewrite
// at or below the watermark is detected here, before any later index
// enters the queue: the watermark rolls back with it and the suffix
// is rewritten in order by the jobs that follow.
func (q *SaveQueue) Enqueue(entry wire.LogEntry, onDone func(index uint64, err error)) {
	ms := q.state(entry.MemberID)
	ms.mu.Lock()
	if entry.Index <= ms.savedIndex {
		ms.savedIndex = entry.Index - 1
	}
	if entry.Index > ms.highWater {
		ms.highWater = entry.Index
	}
	ms.mu.Unlock()

	q.jobs <- job{entry: entry, onDone: onDone}
	metrics.SaveQueueDepth.Set(float64(len(q.jobs)))
}

func (q *SaveQueue) workerLoop() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.process(j)
	}
}

// process stages j and writes every contiguously ready index. Claims
// happen under the member lock, so exactly one worker writes a given
// index; writes for one member are sequential (Storage's contiguous
// append demands it) while members proceed in parallel.
func (q *SaveQueue) process(j job) {
	ms := q.state(j.entry.MemberID)

	ms.mu.Lock()
	ms.pending[j.entry.Index] = append(ms.pending[j.entry.Index], j)
	for {
		next := ms.savedIndex + 1
		ready, ok := ms.pending[next]
		if !ok {
			break
		}
		delete(ms.pending, next)
		// Duplicates (retransmissions) can share an index; the newest
		// enqueue carries the current truth for it.
		entry := ready[len(ready)-1].entry
		ms.mu.Unlock()

		timer := metrics.NewTimer()
		err := q.writeEntry(entry)
		timer.ObserveDuration(metrics.SaveQueueLatency)

		ms.mu.Lock()
		// Advance only if this write really filled the next slot; a
		// concurrent rewrite may have rolled the watermark back under us.
		if err == nil && entry.Index == ms.savedIndex+1 {
			ms.savedIndex = entry.Index
		}
		ms.mu.Unlock()

		if err != nil {
			lg := log.WithMember(entry.MemberID)
			lg.Error().Err(err).Uint64("index", entry.Index).Msg("savequeue: durable append failed")
		}
		for _, rj := range ready {
			if rj.onDone != nil {
				rj.onDone(entry.Index, err)
			}
		}

		ms.mu.Lock()
	}
	ms.mu.Unlock()
}

// writeEntry deletes a conflicting entry occupying this index before
// overwriting it, so a conflicting-term append truncates the stale
// suffix first. A durable tail beyond entry.Index (a stale suffix left by
// a maxGap rollback) is truncated the same way, since Storage only
// accepts contiguous appends.
func (q *SaveQueue) writeEntry(entry wire.LogEntry) error {
	existing, err := q.store.GetLogEntry(entry.MemberID, entry.Index)
	if err != nil {
		return fmt.Errorf("savequeue: check existing entry: %w", err)
	}
	if existing != nil && existing.Term == entry.Term {
		return nil
	}
	last, err := q.store.GetLastLogIndex(entry.MemberID)
	if err != nil {
		return fmt.Errorf("savequeue: check durable tail: %w", err)
	}
	if existing != nil || last >= entry.Index {
		if err := q.store.Delete(entry.MemberID, entry.Index); err != nil {
			return fmt.Errorf("savequeue: delete conflicting suffix from %d: %w", entry.Index, err)
		}
	}
	return q.store.AppendLogEntry(entry.MemberID, entry)
}
