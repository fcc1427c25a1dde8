package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const baseDoc = `
settings:
  raft.election_timeout: 150ms
  raft.write_empty_command_after_election: "true"
  gondola.batching: "1"
topology:
  hosts:
    - hostId: 1
      address: "127.0.0.1:7001"
    - hostId: 2
      address: "127.0.0.1:7002"
  shards:
    - shardId: 1
      members:
        - hostId: 1
          memberId: 1
        - hostId: 2
          memberId: 2
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gondola.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesSettingsAndTopology(t *testing.T) {
	path := writeConfig(t, baseDoc)
	cfg, err := Load(path)
	require.NoError(t, err)

	v, ok := cfg.Get("raft.election_timeout")
	require.True(t, ok)
	require.Equal(t, "150ms", v)

	require.Equal(t, 150*time.Millisecond, cfg.GetDuration("raft.election_timeout", time.Second))
	require.True(t, cfg.GetBool("raft.write_empty_command_after_election", false))
	require.Equal(t, 1, cfg.GetInt("gondola.batching", 0))

	topo := cfg.Topology()
	require.Len(t, topo.Hosts, 2)
	require.Len(t, topo.Shards, 1)

	addr, err := topo.HostAddress(2)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7002", addr)

	_, err = topo.HostAddress(99)
	require.Error(t, err)

	members := topo.MembersOnHost(1)
	require.Len(t, members, 1)
	require.Equal(t, 1, members[0].MemberID)
}

func TestGettersFallBackToDefaultWhenMissing(t *testing.T) {
	path := writeConfig(t, baseDoc)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 7*time.Second, cfg.GetDuration("nope", 7*time.Second))
	require.Equal(t, true, cfg.GetBool("nope", true))
	require.Equal(t, 42, cfg.GetInt("nope", 42))

	_, ok := cfg.Get("nope")
	require.False(t, ok)
}

func TestGetBoolRecognizesAlternateTruthyForms(t *testing.T) {
	path := writeConfig(t, `
settings:
  a: "true"
  b: "1"
  c: "yes"
  d: "false"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.GetBool("a", false))
	require.True(t, cfg.GetBool("b", false))
	require.True(t, cfg.GetBool("c", false))
	require.False(t, cfg.GetBool("d", true))
}

func TestLoadErrorsOnMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestWatchFiresOnlyWhenValueChanges(t *testing.T) {
	path := writeConfig(t, "settings:\n  k: \"1\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	var seen []string
	cfg.Watch("k", func(v string) { seen = append(seen, v) })

	// Reload with the same value: no watcher callback expected.
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  k: \"1\"\n"), 0o644))
	require.NoError(t, cfg.reload())
	require.Empty(t, seen)

	// Reload with a changed value: watcher must fire exactly once.
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  k: \"2\"\n"), 0o644))
	require.NoError(t, cfg.reload())
	require.Equal(t, []string{"2"}, seen)
}

func TestUnwatchStopsFurtherNotifications(t *testing.T) {
	path := writeConfig(t, "settings:\n  k: \"1\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	calls := 0
	tok := cfg.Watch("k", func(string) { calls++ })
	cfg.Unwatch("k", tok)

	require.NoError(t, os.WriteFile(path, []byte("settings:\n  k: \"2\"\n"), 0o644))
	require.NoError(t, cfg.reload())
	require.Equal(t, 0, calls)
}

func TestStartReloadPicksUpFileChanges(t *testing.T) {
	path := writeConfig(t, "settings:\n  k: \"1\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.StartReload(10 * time.Millisecond)
	defer cfg.StopReload()

	require.NoError(t, os.WriteFile(path, []byte("settings:\n  k: \"2\"\n"), 0o644))

	require.Eventually(t, func() bool {
		v, _ := cfg.Get("k")
		return v == "2"
	}, time.Second, 5*time.Millisecond)
}

func validTopology() Topology {
	return Topology{
		Hosts: []HostConfig{
			{HostID: 1, Address: "10.0.0.1:7070"},
			{HostID: 2, Address: "10.0.0.2:7070"},
		},
		Shards: []ShardConfig{
			{ShardID: 1, Members: []ShardMember{{HostID: 1, MemberID: 1}, {HostID: 2, MemberID: 2}}},
		},
	}
}

func TestTopologyValidateAcceptsWellFormed(t *testing.T) {
	require.NoError(t, validTopology().Validate())
}

func TestTopologyValidateRejectsDuplicateMember(t *testing.T) {
	topo := validTopology()
	topo.Shards = append(topo.Shards, ShardConfig{ShardID: 2, Members: []ShardMember{{HostID: 1, MemberID: 1}}})
	require.Error(t, topo.Validate())
}

func TestTopologyValidateRejectsSameHostTwiceInShard(t *testing.T) {
	topo := validTopology()
	topo.Shards[0].Members[1].HostID = 1
	require.Error(t, topo.Validate())
}

func TestTopologyValidateRejectsUnknownHost(t *testing.T) {
	topo := validTopology()
	topo.Shards[0].Members[1].HostID = 9
	require.Error(t, topo.Validate())
}

func TestMemberAddressResolvesThroughHost(t *testing.T) {
	topo := validTopology()
	addr, err := topo.MemberAddress(2)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:7070", addr)

	_, err = topo.MemberAddress(99)
	require.Error(t, err)
}
