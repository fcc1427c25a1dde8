package member

import (
	"sort"
	"testing"
	"time"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/command"
	"github.com/cuemby/gondola/pkg/events"
	"github.com/cuemby/gondola/pkg/message"
	"github.com/cuemby/gondola/pkg/peer"
	"github.com/cuemby/gondola/pkg/raftnet"
	"github.com/cuemby/gondola/pkg/savequeue"
	"github.com/cuemby/gondola/pkg/storage"
)

// testCluster wires N CoreMembers into one Raft group over an
// in-memory Loopback Network, sharing one Storage and one SaveQueue
// the way an Engine would for members hosted on independent
// processes that happen to run in this test binary, mirroring the
// single-process multi-shard simulation the Network contract is
// designed to support.
type testCluster struct {
	t       *testing.T
	members map[int]*CoreMember
	peers   map[int]map[int]*peer.Peer
	store   storage.Store
	net     *raftnet.Loopback
	cmdQs   map[int]*command.Queue
}

// newTestCluster builds a cluster of memberIDs 1..n, all FOLLOWER,
// none started yet.
func newTestCluster(t *testing.T, n int, cfg Config) *testCluster {
	t.Helper()
	return newTestClusterOn(t, n, cfg, storage.NewMemoryStorage())
}

// newTestClusterOn is newTestCluster over a caller-supplied Store,
// for scenarios that seed logs and votes before the first election.
func newTestClusterOn(t *testing.T, n int, cfg Config, store storage.Store) *testCluster {
	t.Helper()
	tc := &testCluster{
		t:       t,
		members: make(map[int]*CoreMember),
		peers:   make(map[int]map[int]*peer.Peer),
		store:   store,
		net:     raftnet.NewLoopback(),
		cmdQs:   make(map[int]*command.Queue),
	}
	clk := clock.NewSystem()
	pool := message.NewPool(1 << 16)
	saveQ := savequeue.New(tc.store, 3, 256)
	saveQ.Start()
	t.Cleanup(saveQ.Stop)

	broker := events.NewBroker(64)
	broker.Start()
	t.Cleanup(broker.Stop)

	ids := make([]int, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, i)
	}

	peersOf := make(map[int]map[int]*peer.Peer, n)
	cores := make(map[int]*CoreMember, n)

	for _, id := range ids {
		peersOf[id] = make(map[int]*peer.Peer)
	}

	for _, id := range ids {
		id := id
		cmdQ := command.NewQueue(clk, 64, cfg.CommandMaxSize, 256)
		tc.cmdQs[id] = cmdQ
		core := New(1, id, tc.store, saveQ, cmdQ, clk, broker, peersOf[id], nil, cfg)
		cores[id] = core
	}

	for _, id := range ids {
		for _, other := range ids {
			if other == id {
				continue
			}
			p := peer.New(1, id, other, tc.net, pool, tc.store, cores[id], clk, peer.DefaultOptions())
			peersOf[id][other] = p
		}
	}

	for _, id := range ids {
		if err := cores[id].LoadState(); err != nil {
			t.Fatalf("member %d: LoadState: %v", id, err)
		}
	}

	tc.members = cores
	tc.peers = peersOf
	return tc
}

func (tc *testCluster) startAll() {
	for _, id := range tc.sortedIDs() {
		tc.members[id].Start()
		for _, p := range tc.peers[id] {
			p.Start()
		}
	}
}

func (tc *testCluster) sortedIDs() []int {
	ids := make([]int, 0, len(tc.members))
	for id := range tc.members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (tc *testCluster) stopAll() {
	for _, id := range tc.sortedIDs() {
		for _, p := range tc.peers[id] {
			p.Stop()
		}
		tc.members[id].Stop()
	}
}

// leader returns the memberID currently believing itself LEADER, or 0
// if none do (or more than one does, which a caller should treat as
// a property violation worth failing the test over).
func (tc *testCluster) leader() int {
	found := 0
	for id, m := range tc.members {
		if m.IsLeader() {
			if found != 0 {
				return -1 // more than one leader: invariant violated
			}
			found = id
		}
	}
	return found
}

func (tc *testCluster) waitForLeader(timeout time.Duration) int {
	tc.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := tc.leader(); l > 0 {
			return l
		}
		time.Sleep(5 * time.Millisecond)
	}
	tc.t.Fatalf("no leader elected within %v", timeout)
	return 0
}
