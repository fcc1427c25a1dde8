/*
Package config implements the engine's Config contract: a read-only
key/value mapping with hot-reload for the keys marked Dynamic, plus
Topology parsing for hosts[]/shards[].

YAMLConfig is the one concrete implementation shipped here, using
gopkg.in/yaml.v3 over a flat settings map plus the embedded cluster
topology document. Reload is poll-based rather than inotify-driven; see
DESIGN.md for why that's an acceptable simplification here.

# Recognized keys

	raft.heartbeat_period
	raft.election_timeout
	raft.leader_timeout
	raft.request_vote_period
	raft.command_max_size
	raft.write_empty_command_after_election   (dynamic)
	raft.prevote                              (dynamic)
	gondola.command_queue_size
	gondola.incoming_queue_size
	gondola.wait_queue_throttle_size
	gondola.batching                          (dynamic)
	gondola.slave_inactivity_timeout           (dynamic)
	gondola.tracing.*                          (dynamic)
	storage.impl, network.impl, clock.impl

# Usage

	cfg, err := config.Load("topology.yaml")
	cfg.StartReload(2 * time.Second)
	defer cfg.StopReload()

	hb := cfg.GetDuration("raft.heartbeat_period", 250*time.Millisecond)
	tok := cfg.Watch("gondola.batching", func(v string) { ... })
	defer cfg.Unwatch("gondola.batching", tok)
*/
package config
