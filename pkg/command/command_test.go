package command

import (
	"testing"
	"time"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/raft"
	"github.com/cuemby/gondola/pkg/storage"
	"github.com/cuemby/gondola/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newTestQueue(clk clock.Clock) *Queue {
	q := NewQueue(clk, 16, 1024, 256)
	q.LeaderCheck = func() bool { return true }
	return q
}

func TestCommitRejectsOversizedPayload(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	cmd := q.CheckoutCommand()
	err := cmd.Commit(make([]byte, 2000), time.Second)
	require.ErrorIs(t, err, raft.ErrOversize)
	require.Equal(t, raft.StatusError, cmd.Status())
}

func TestCommitRejectedWhenNotLeader(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	q.LeaderCheck = func() bool { return false }
	cmd := q.CheckoutCommand()
	err := cmd.Commit([]byte("x"), time.Second)
	require.ErrorIs(t, err, raft.ErrNotLeader)
	require.Equal(t, raft.StatusError, cmd.Status())
}

func TestCommitBlocksUntilResolved(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	cmd := q.CheckoutCommand()

	done := make(chan error, 1)
	go func() { done <- cmd.Commit([]byte("payload"), 2*time.Second) }()

	// Drain the command off the pending channel the way a leader's
	// main loop would, assign it an index, then resolve it.
	var dequeued *Command
	require.Eventually(t, func() bool {
		out := q.Dequeue(1)
		if len(out) == 1 {
			dequeued = out[0]
			return true
		}
		return false
	}, time.Second, time.Millisecond)

	q.AssignIndex(dequeued, 7, 1)
	q.ResolveUpTo(7)

	err := <-done
	require.NoError(t, err)
	require.Equal(t, raft.StatusCommitted, cmd.Status())
	require.Equal(t, uint64(7), cmd.Index)
}

func TestCommitTimesOutWithoutResolution(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	q := newTestQueue(mock)
	cmd := q.CheckoutCommand()

	done := make(chan error, 1)
	go func() { done <- cmd.Commit([]byte("payload"), 10*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond) // let Commit reach clk.After before advancing
	mock.Advance(11 * time.Millisecond)

	err := <-done
	require.ErrorIs(t, err, raft.ErrTimeout)
	require.Equal(t, raft.StatusTimeout, cmd.Status())
}

func TestResolveAfterTimeoutDoesNotFlipStatus(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	q := newTestQueue(mock)
	cmd := q.CheckoutCommand()

	done := make(chan error, 1)
	go func() { done <- cmd.Commit([]byte("late"), 5*time.Millisecond) }()

	var dequeued *Command
	require.Eventually(t, func() bool {
		out := q.Dequeue(1)
		if len(out) == 1 {
			dequeued = out[0]
			return true
		}
		return false
	}, time.Second, time.Millisecond)
	q.AssignIndex(dequeued, 3, 1)

	time.Sleep(20 * time.Millisecond) // let Commit reach clk.After before advancing
	mock.Advance(6 * time.Millisecond)
	err := <-done
	require.ErrorIs(t, err, raft.ErrTimeout)

	// A late commit advancement still resolves it, but Commit already
	// observed TIMEOUT and the status must not retroactively change.
	q.ResolveUpTo(3)
	require.Equal(t, raft.StatusTimeout, cmd.Status())
}

func TestReleaseReturnsToPoolAndResetsFields(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	cmd := q.CheckoutCommand()
	cmd.Payload = []byte("x")
	cmd.Index = 9
	cmd.Release()
	require.Equal(t, raft.StatusFree, cmd.Status())
	require.Empty(t, cmd.Payload)
	require.Equal(t, uint64(0), cmd.Index)
}

func TestDequeueThrottlesOnWaitQueueDepth(t *testing.T) {
	q := NewQueue(clock.NewSystem(), 16, 1024, 0)
	q.LeaderCheck = func() bool { return true }

	c1 := q.CheckoutCommand()
	c1.Payload = []byte("a")
	require.NoError(t, q.submit(c1))
	out := q.Dequeue(10)
	require.Len(t, out, 1)
	q.AssignIndex(out[0], 1, 1)

	c2 := q.CheckoutCommand()
	c2.Payload = []byte("b")
	require.NoError(t, q.submit(c2))

	// waitQueueThrottle is 0 and one command is already waiting, more
	// than the throttle allows, so Dequeue must refuse to pull more
	// until it resolves.
	require.Nil(t, q.Dequeue(10))

	q.ResolveUpTo(1)
	out2 := q.Dequeue(10)
	require.Len(t, out2, 1)
}

func TestShutdownResolvesAllWaitersWithError(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	cmd := q.CheckoutCommand()

	done := make(chan error, 1)
	go func() { done <- cmd.Commit([]byte("x"), 2*time.Second) }()

	var dequeued *Command
	require.Eventually(t, func() bool {
		out := q.Dequeue(1)
		if len(out) == 1 {
			dequeued = out[0]
			return true
		}
		return false
	}, time.Second, time.Millisecond)
	q.AssignIndex(dequeued, 1, 1)

	q.Shutdown()
	err := <-done
	require.ErrorIs(t, err, raft.ErrShutdown)
	require.Equal(t, 0, q.WaitingCount())
}

func TestGetCommittedCommandRejectsZeroIndex(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	store := storage.NewMemoryStorage()
	_, err := q.GetCommittedCommand(store, 1, 0, time.Second)
	require.ErrorIs(t, err, raft.ErrBadIndex)
}

func TestGetCommittedCommandRejectsSlaveMode(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	q.SlaveModeFn = func() bool { return true }
	store := storage.NewMemoryStorage()
	_, err := q.GetCommittedCommand(store, 1, 1, time.Second)
	require.ErrorIs(t, err, raft.ErrSlaveMode)
}

func TestGetCommittedCommandWaitsForCommitIndex(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	store := storage.NewMemoryStorage()
	require.NoError(t, store.AppendLogEntry(1, wire.LogEntry{Index: 1, Term: 1, Payload: []byte("hi")}))

	var commitIndex uint64
	q.CommitIndexFn = func() uint64 { return commitIndex }

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd, err := q.GetCommittedCommand(store, 1, 1, time.Second)
		require.NoError(t, err)
		require.Equal(t, []byte("hi"), cmd.Payload)
	}()

	time.Sleep(10 * time.Millisecond)
	commitIndex = 1
	<-done
}

func TestGetCommittedCommandTimesOut(t *testing.T) {
	q := newTestQueue(clock.NewSystem())
	q.CommitIndexFn = func() uint64 { return 0 }
	store := storage.NewMemoryStorage()
	_, err := q.GetCommittedCommand(store, 1, 5, 20*time.Millisecond)
	require.ErrorIs(t, err, raft.ErrTimeout)
}
