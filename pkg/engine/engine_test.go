package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/gondola/pkg/config"
	"github.com/cuemby/gondola/pkg/events"
	"github.com/cuemby/gondola/pkg/raft"
	"github.com/cuemby/gondola/pkg/raftnet"
	"github.com/cuemby/gondola/pkg/storage"
	"github.com/stretchr/testify/require"
)

// fakeConfig is a minimal in-memory config.Config used so engine
// tests don't depend on a file on disk.
type fakeConfig struct {
	durations map[string]time.Duration
	bools     map[string]bool
	ints      map[string]int
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{
		durations: map[string]time.Duration{
			"raft.election_timeout":   150 * time.Millisecond,
			"raft.heartbeat_period":   20 * time.Millisecond,
			"raft.leader_timeout":     400 * time.Millisecond,
			"raft.request_vote_period": 30 * time.Millisecond,
		},
		bools: map[string]bool{},
		ints:  map[string]int{},
	}
}

func (f *fakeConfig) Get(string) (string, bool)                       { return "", false }
func (f *fakeConfig) GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := f.durations[key]; ok {
		return v
	}
	return def
}
func (f *fakeConfig) GetBool(key string, def bool) bool {
	if v, ok := f.bools[key]; ok {
		return v
	}
	return def
}
func (f *fakeConfig) GetInt(key string, def int) int {
	if v, ok := f.ints[key]; ok {
		return v
	}
	return def
}
func (f *fakeConfig) Watch(string, func(string)) int { return 0 }
func (f *fakeConfig) Unwatch(string, int)            {}

func singleHostTopology(hostID, memberID, shardID int) config.Topology {
	return config.Topology{
		Hosts: []config.HostConfig{{HostID: hostID, Address: "127.0.0.1:0"}},
		Shards: []config.ShardConfig{
			{ShardID: shardID, Members: []config.ShardMember{{HostID: hostID, MemberID: memberID}}},
		},
	}
}

func memoryOptions(dataDir string) Options {
	return Options{
		DataDir: dataDir,
		StorageFactory: func(string) (storage.Store, error) {
			return storage.NewMemoryStorage(), nil
		},
	}
}

func TestEngineStartBuildsAndStartsLocalShards(t *testing.T) {
	cfg := newFakeConfig()
	topo := singleHostTopology(1, 1, 1)

	e := New(cfg, 1, memoryOptions(t.TempDir()))
	require.NoError(t, e.Start(topo))
	defer e.Stop()

	s, ok := e.GetShard(1)
	require.True(t, ok)
	require.Equal(t, 1, s.LocalMemberID)

	require.Eventually(t, func() bool {
		mem, ok := s.GetMember(1)
		return ok && mem.GetRole() != ""
	}, time.Second, 5*time.Millisecond)
}

func TestEngineStopIsIdempotentAndAllowsRestart(t *testing.T) {
	cfg := newFakeConfig()
	topo := singleHostTopology(1, 1, 1)

	e := New(cfg, 1, memoryOptions(t.TempDir()))
	require.NoError(t, e.Start(topo))
	e.Stop()
	e.Stop() // must not panic or block

	_, ok := e.GetShard(1)
	require.False(t, ok)

	// A stopped Engine can be started again.
	require.NoError(t, e.Start(topo))
	_, ok = e.GetShard(1)
	require.True(t, ok)
	e.Stop()
}

func TestGetShardReturnsFalseForUnhostedShard(t *testing.T) {
	cfg := newFakeConfig()
	topo := singleHostTopology(1, 1, 1)

	e := New(cfg, 1, memoryOptions(t.TempDir()))
	require.NoError(t, e.Start(topo))
	defer e.Stop()

	_, ok := e.GetShard(99)
	require.False(t, ok)
}

func TestTwoHostsReplicateOverSharedLoopbackNetwork(t *testing.T) {
	cfg := newFakeConfig()
	topo := config.Topology{
		Hosts: []config.HostConfig{
			{HostID: 1, Address: "127.0.0.1:0"},
			{HostID: 2, Address: "127.0.0.1:0"},
		},
		Shards: []config.ShardConfig{{
			ShardID: 1,
			Members: []config.ShardMember{
				{HostID: 1, MemberID: 1},
				{HostID: 2, MemberID: 2},
			},
		}},
	}

	net := raftnet.NewLoopback()
	defer net.Close()
	sharedNetFactory := func() (raftnet.Network, error) { return net, nil }

	opts1 := memoryOptions(t.TempDir())
	opts1.NetworkFactory = sharedNetFactory
	opts2 := memoryOptions(t.TempDir())
	opts2.NetworkFactory = sharedNetFactory

	e1 := New(cfg, 1, opts1)
	e2 := New(cfg, 2, opts2)
	require.NoError(t, e1.Start(topo))
	require.NoError(t, e2.Start(topo))
	defer e1.Stop()
	defer e2.Stop()

	s1, _ := e1.GetShard(1)
	s2, _ := e2.GetShard(1)

	require.Eventually(t, func() bool {
		m1, _ := s1.GetMember(1)
		m2, _ := s2.GetMember(2)
		return m1.IsLeader() != m2.IsLeader() && (m1.IsLeader() || m2.IsLeader())
	}, 3*time.Second, 10*time.Millisecond, "exactly one of the two members must become leader")
}

// A member of one shard slaved to another
// shard's leader mirrors its log byte for byte, rejects reads while
// mirroring, and resumes normal operation on setSlave(-1).
func TestSlaveModeCrossShard(t *testing.T) {
	cfg := newFakeConfig()
	topo := config.Topology{
		Hosts: []config.HostConfig{{HostID: 1, Address: "127.0.0.1:0"}},
		Shards: []config.ShardConfig{
			{ShardID: 1, Members: []config.ShardMember{{HostID: 1, MemberID: 1}}},
			{ShardID: 2, Members: []config.ShardMember{{HostID: 1, MemberID: 2}}},
		},
	}

	e := New(cfg, 1, memoryOptions(t.TempDir()))
	require.NoError(t, e.Start(topo))
	defer e.Stop()

	s1, ok := e.GetShard(1)
	require.True(t, ok)
	s2, ok := e.GetShard(2)
	require.True(t, ok)

	m1, _ := s1.GetMember(1)
	require.Eventually(t, func() bool { return m1.IsLeader() }, 3*time.Second, 10*time.Millisecond)

	var lastIndex uint64
	for i := 0; i < 100; i++ {
		cmd := s1.CheckoutCommand()
		require.NoError(t, cmd.Commit([]byte(fmt.Sprintf("entry %d", i)), 2*time.Second))
		lastIndex = cmd.Index
		cmd.Release()
	}
	require.GreaterOrEqual(t, lastIndex, uint64(100))

	m2, _ := s2.GetMember(2)

	// Slaving within one's own shard is refused outright.
	require.ErrorIs(t, m2.SetSlave(2, 1), raft.ErrSameShard)

	require.NoError(t, m2.SetSlave(1, 1))

	core2 := s2.CoreMember()
	require.Eventually(t, func() bool {
		return core2.GetLastIndex() >= lastIndex
	}, 10*time.Second, 10*time.Millisecond, "slave never caught up to the master's log")

	status, ok := m2.GetSlaveStatus()
	require.True(t, ok)
	require.Equal(t, 1, status.MasterShardID)
	require.Equal(t, 1, status.MasterMemberID)
	require.Eventually(t, func() bool {
		st, ok := m2.GetSlaveStatus()
		return ok && st.Running
	}, 2*time.Second, 10*time.Millisecond)

	// The mirrored bytes must match the master's log exactly.
	for idx := uint64(1); idx <= lastIndex; idx++ {
		want, err := e.store.GetLogEntry(1, idx)
		require.NoError(t, err)
		got, err := e.store.GetLogEntry(2, idx)
		require.NoError(t, err)
		require.Equalf(t, want.Term, got.Term, "index %d", idx)
		require.Equalf(t, want.Payload, got.Payload, "index %d", idx)
	}

	// Reads are refused while mirroring.
	_, err := s2.GetCommittedCommand(1, 50*time.Millisecond)
	require.ErrorIs(t, err, raft.ErrSlaveMode)

	// setSlave(-1) restores normal participation.
	require.NoError(t, m2.SetSlave(-1, 0))
	_, ok = m2.GetSlaveStatus()
	require.False(t, ok)
}

func TestRegisterAndUnregisterForRoleChanges(t *testing.T) {
	cfg := newFakeConfig()
	topo := singleHostTopology(1, 1, 1)

	e := New(cfg, 1, memoryOptions(t.TempDir()))
	require.NoError(t, e.Start(topo))
	defer e.Stop()

	seen := make(chan events.RoleChange, 16)
	token := e.RegisterForRoleChanges(func(rc events.RoleChange) { seen <- rc })

	select {
	case rc := <-seen:
		require.Equal(t, 1, rc.ShardID)
	case <-time.After(2 * time.Second):
		t.Fatal("no role change observed after starting a single-member shard")
	}

	e.UnregisterForRoleChanges(token)
}
