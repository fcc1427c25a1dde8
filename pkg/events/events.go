// Package events distributes Raft role-change notifications to
// registered listeners through a copy-on-write listener list and a
// single notifier goroutine: appending a listener never blocks a
// notification in flight, and every listener sees role changes in
// the order they happened.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/gondola/pkg/raft"
)

// RoleChange is published whenever a member's role transitions. Role
// reuses raft.Role rather than a parallel enum, so listeners never
// have to translate between two role vocabularies. LeaderID is the
// member currently believed to lead the shard, or 0 when unknown.
type RoleChange struct {
	ShardID  int
	MemberID int
	Term     uint64
	OldRole  raft.Role
	Role     raft.Role
	LeaderID int
}

// Listener receives role-change notifications. Implementations must
// not block for long: the notifier thread delivers to every listener
// sequentially before draining the next queued event.
type Listener func(RoleChange)

// Broker fans out RoleChange events to a dynamic set of listeners.
// Registration is copy-on-write: RegisterForRoleChanges/Unregister
// swap in a new slice under a mutex, so the notifier goroutine always
// ranges over a snapshot it can read lock-free.
type Broker struct {
	mu        sync.Mutex
	listeners atomic.Pointer[[]Listener]

	queue  chan RoleChange
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBroker creates a broker with a bounded pending-notification
// queue. Start must be called before Publish to begin draining it.
func NewBroker(queueSize int) *Broker {
	b := &Broker{
		queue:  make(chan RoleChange, queueSize),
		stopCh: make(chan struct{}),
	}
	empty := []Listener{}
	b.listeners.Store(&empty)
	return b
}

// Start launches the dedicated notifier goroutine that drains the
// queue and calls every registered listener in turn.
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop signals the notifier goroutine to exit once the queue drains
// and waits for it to finish.
func (b *Broker) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// RegisterForRoleChanges adds a listener, returning a token to pass
// to Unregister. Safe to call concurrently with Publish.
func (b *Broker) RegisterForRoleChanges(l Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.listeners.Load()
	next := make([]Listener, len(old)+1)
	copy(next, old)
	next[len(old)] = l
	token := len(old)
	b.listeners.Store(&next)
	return token
}

// Unregister removes the listener at token, replacing it with a no-op
// rather than compacting the slice so concurrently-issued tokens stay
// valid indices.
func (b *Broker) Unregister(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.listeners.Load()
	if token < 0 || token >= len(old) {
		return
	}
	next := make([]Listener, len(old))
	copy(next, old)
	next[token] = nil
	b.listeners.Store(&next)
}

// Publish enqueues a role change for delivery. Non-blocking: if the
// queue is full the event is dropped rather than stalling the caller,
// since role changes are also reflected in subsequent reads of the
// member's own state.
func (b *Broker) Publish(rc RoleChange) {
	select {
	case b.queue <- rc:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case rc := <-b.queue:
			b.notify(rc)
		case <-b.stopCh:
			b.drain()
			return
		}
	}
}

func (b *Broker) drain() {
	for {
		select {
		case rc := <-b.queue:
			b.notify(rc)
		default:
			return
		}
	}
}

func (b *Broker) notify(rc RoleChange) {
	for _, l := range *b.listeners.Load() {
		if l != nil {
			l(rc)
		}
	}
}

// ListenerCount returns the number of currently registered (non-nil)
// listener slots.
func (b *Broker) ListenerCount() int {
	n := 0
	for _, l := range *b.listeners.Load() {
		if l != nil {
			n++
		}
	}
	return n
}
