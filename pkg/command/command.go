// Package command implements the pooled Command object and the
// submission/wait-map pipeline: checkoutCommand,
// commit (blocking with timeout), and getCommittedCommand (blocking
// until commitIndex advances past a given index). Completion is a
// state object keyed off the command's assigned index, here a
// per-Command channel closed once, so a timeout and an eventual late
// commit can both be observed without races.
package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/metrics"
	"github.com/cuemby/gondola/pkg/raft"
	"github.com/cuemby/gondola/pkg/storage"
	"github.com/google/uuid"
)

// Command is a pooled, reusable handle for one submitted or fetched
// log entry.
type Command struct {
	mu     sync.Mutex
	status raft.CommandStatus
	err    error
	done   chan struct{}

	Token   string
	Payload []byte
	Term    uint64
	Index   uint64

	queue *Queue
}

// Status returns the command's current lifecycle state.
func (c *Command) Status() raft.CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// GetString returns Payload decoded as a string.
func (c *Command) GetString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.Payload)
}

// Commit submits payload for replication (only accepted on the
// leader; see Queue.LeaderCheck) and blocks until COMMITTED, TIMEOUT,
// or ERROR. A TIMEOUT does not mean the command will never commit;
// commit is not rollback: a later read of the same
// index via GetCommittedCommand can still observe it.
func (c *Command) Commit(payload []byte, timeout time.Duration) error {
	if len(payload) > c.queue.maxCommandSize {
		err := fmt.Errorf("command: payload of %d bytes: %w", len(payload), raft.ErrOversize)
		c.mu.Lock()
		c.status = raft.StatusError
		c.err = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.Payload = payload
	c.status = raft.StatusWaiting
	c.Token = uuid.NewString()
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.queue.submit(c); err != nil {
		c.mu.Lock()
		c.status = raft.StatusError
		c.err = err
		c.mu.Unlock()
		return err
	}

	timer := metrics.NewTimer()
	select {
	case <-c.done:
		timer.ObserveDuration(metrics.RaftCommitDuration)
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-c.queue.clk.After(timeout):
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.status == raft.StatusWaiting {
			c.status = raft.StatusTimeout
			return raft.ErrTimeout
		}
		// Resolution raced the timer and won; report what happened.
		return c.err
	}
}

// resolve is called by the Queue (from the CoreMember's commit
// advancement) once this command's index is decided. It only changes
// status if the command is still WAITING, so a Commit call that
// already returned TIMEOUT keeps showing TIMEOUT to that caller even
// though the entry did commit.
func (c *Command) resolve(status raft.CommandStatus, err error) {
	c.mu.Lock()
	if c.status == raft.StatusWaiting {
		c.status = status
		c.err = err
	}
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}

// Release returns the command to its Queue's free-list, clearing its
// fields. Must not be called while Commit is in flight.
func (c *Command) Release() {
	c.mu.Lock()
	c.status = raft.StatusFree
	c.err = nil
	c.Payload = nil
	c.Term = 0
	c.Index = 0
	c.Token = ""
	c.done = nil
	c.mu.Unlock()
	c.queue.release(c)
}

// Queue owns the bounded submission channel, the wait-map keyed by
// assigned index, and the Command free-list.
type Queue struct {
	clk               clock.Clock
	maxCommandSize    int
	waitQueueThrottle int

	pending chan *Command

	free sync.Pool

	waitMu  sync.Mutex
	waiting map[uint64]*Command

	// LeaderCheck, set by the owning Shard, reports whether this
	// member is currently the leader; Commit rejects submissions with
	// raft.ErrNotLeader when it returns false.
	LeaderCheck func() bool

	// CommitIndexFn, set by the owning Shard, reports the member's
	// current commitIndex for GetCommittedCommand's wait condition.
	CommitIndexFn func() uint64

	// SlaveModeFn, set by the owning Shard, reports whether the
	// member is currently in slave mode.
	SlaveModeFn func() bool
}

// NewQueue creates a Queue with the given backpressure bounds
// (gondola.command_queue_size, wait_queue_throttle_size,
// raft.command_max_size).
func NewQueue(clk clock.Clock, commandQueueSize, maxCommandSize, waitQueueThrottle int) *Queue {
	q := &Queue{
		clk:               clk,
		maxCommandSize:    maxCommandSize,
		waitQueueThrottle: waitQueueThrottle,
		pending:           make(chan *Command, commandQueueSize),
		waiting:           make(map[uint64]*Command),
	}
	q.free.New = func() interface{} { return &Command{queue: q, status: raft.StatusFree} }
	return q
}

// CheckoutCommand returns a pooled Command in FREE state.
func (q *Queue) CheckoutCommand() *Command {
	c := q.free.Get().(*Command)
	return c
}

func (q *Queue) release(c *Command) {
	q.free.Put(c)
}

// submit enqueues cmd for the leader's batching loop, blocking if the
// pending channel is full. Rejected
// synchronously if this member isn't currently leader.
func (q *Queue) submit(cmd *Command) error {
	if q.LeaderCheck != nil && !q.LeaderCheck() {
		return raft.ErrNotLeader
	}
	q.pending <- cmd
	return nil
}

// Dequeue pulls up to max pending commands for the leader's main loop
// to batch into an AppendEntries, without blocking. It returns nil if
// the wait-map already holds more than waitQueueThrottle uncommitted
// commands, throttling submissions while too many sit uncommitted.
func (q *Queue) Dequeue(max int) []*Command {
	q.waitMu.Lock()
	waitingCount := len(q.waiting)
	q.waitMu.Unlock()
	if waitingCount > q.waitQueueThrottle {
		return nil
	}

	out := make([]*Command, 0, max)
	for len(out) < max {
		select {
		case cmd := <-q.pending:
			out = append(out, cmd)
		default:
			return out
		}
	}
	return out
}

// AssignIndex registers cmd in the wait-map under the index/term the
// CoreMember assigned it when building the AppendEntries batch.
func (q *Queue) AssignIndex(cmd *Command, index, term uint64) {
	cmd.mu.Lock()
	cmd.Index = index
	cmd.Term = term
	cmd.mu.Unlock()

	q.waitMu.Lock()
	q.waiting[index] = cmd
	q.waitMu.Unlock()
}

// ResolveUpTo resolves every waiting command whose index is now
// covered by commitIndex, called after each commit advancement. It
// returns how many commands were resolved.
func (q *Queue) ResolveUpTo(commitIndex uint64) int {
	q.waitMu.Lock()
	var resolved []*Command
	for idx, cmd := range q.waiting {
		if idx <= commitIndex {
			resolved = append(resolved, cmd)
			delete(q.waiting, idx)
		}
	}
	q.waitMu.Unlock()

	for _, cmd := range resolved {
		cmd.resolve(raft.StatusCommitted, nil)
	}
	return len(resolved)
}

// Shutdown resolves every outstanding waiter with ErrShutdown; a
// blocked Commit observes status ERROR. Engine stop is the only
// cancellation.
func (q *Queue) Shutdown() {
	q.waitMu.Lock()
	var pending []*Command
	for idx, cmd := range q.waiting {
		pending = append(pending, cmd)
		delete(q.waiting, idx)
	}
	q.waitMu.Unlock()

	for _, cmd := range pending {
		cmd.resolve(raft.StatusError, raft.ErrShutdown)
	}
}

// WaitingCount returns the number of commands currently awaiting
// commit, for the wait_queue_throttle_size backpressure check.
func (q *Queue) WaitingCount() int {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	return len(q.waiting)
}

// GetCommittedCommand blocks until commitIndex >= index (or timeout),
// then loads the entry from Storage and returns it as a read-path
// Command. Index 0 is invalid; calling during slave mode returns
// raft.ErrSlaveMode.
func (q *Queue) GetCommittedCommand(store storage.Store, memberID int, index uint64, timeout time.Duration) (*Command, error) {
	if index == 0 {
		return nil, raft.ErrBadIndex
	}
	if q.SlaveModeFn != nil && q.SlaveModeFn() {
		return nil, raft.ErrSlaveMode
	}

	ok := q.clk.Await(func() bool {
		return q.CommitIndexFn != nil && q.CommitIndexFn() >= index
	}, timeout)
	if !ok {
		return nil, raft.ErrTimeout
	}

	entry, err := store.GetLogEntry(memberID, index)
	if err != nil {
		return nil, fmt.Errorf("command: load committed entry %d: %w", index, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("command: commitIndex past %d but entry missing", index)
	}

	cmd := q.CheckoutCommand()
	cmd.mu.Lock()
	cmd.Payload = entry.Payload
	cmd.Term = entry.Term
	cmd.Index = entry.Index
	cmd.status = raft.StatusCommitted
	cmd.mu.Unlock()
	return cmd, nil
}
