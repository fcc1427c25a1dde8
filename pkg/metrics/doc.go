/*
Package metrics provides Prometheus metrics collection and exposition
for the replication engine.

The metrics package defines and registers all gondola metrics using
the Prometheus client library: Raft role/term/index gauges, election
and replication latency histograms, SaveQueue depth, and peer
replication lag. Metrics are exposed via HTTP for scraping.

# Metrics Catalog

Raft state (per shard/member, labeled where cardinality allows):

  - gondola_raft_is_leader{shard}
  - gondola_raft_peers_total{shard}
  - gondola_raft_term{shard,member}
  - gondola_raft_log_index{shard,member}
  - gondola_raft_commit_index{shard,member}

Elections and replication:

  - gondola_raft_elections_total{shard,member,outcome}
  - gondola_raft_election_duration_seconds
  - gondola_raft_commit_duration_seconds
  - gondola_raft_commands_total{shard,outcome}

SaveQueue and peers:

  - gondola_savequeue_depth
  - gondola_savequeue_latency_seconds
  - gondola_peer_replication_lag{shard,peer}
  - gondola_peer_backfills_total{shard,peer}

# Usage

	timer := metrics.NewTimer()
	// ... append and await replication ...
	timer.ObserveDuration(metrics.RaftCommitDuration)

	metrics.RaftLeader.WithLabelValues("3").Set(1)
	metrics.RaftCommandsTotal.WithLabelValues("3", "committed").Inc()

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

All metrics are registered in init() with MustRegister, package-level
vars accessible from any package, and labels kept low-cardinality
(shard id, member id, peer id; never command ids or timestamps).
*/
package metrics
