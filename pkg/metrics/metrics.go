package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft role/topology metrics
	RaftLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gondola_raft_is_leader",
			Help: "Whether this member believes itself the Raft leader for a shard (1 = leader, 0 = follower/candidate)",
		},
		[]string{"shard"},
	)

	RaftPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gondola_raft_peers_total",
			Help: "Total number of Raft peers configured for a shard",
		},
		[]string{"shard"},
	)

	RaftTerm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gondola_raft_term",
			Help: "Current Raft term observed by a member",
		},
		[]string{"shard", "member"},
	)

	RaftLogIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gondola_raft_log_index",
			Help: "Last log index (in-memory tail) for a member",
		},
		[]string{"shard", "member"},
	)

	RaftCommitIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gondola_raft_commit_index",
			Help: "Last committed log index for a member",
		},
		[]string{"shard", "member"},
	)

	// Election metrics
	RaftElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gondola_raft_elections_total",
			Help: "Total number of elections started by a member, by outcome",
		},
		[]string{"shard", "member", "outcome"},
	)

	RaftElectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gondola_raft_election_duration_seconds",
			Help:    "Time from becoming a candidate to an election's resolution",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication/command metrics
	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gondola_raft_commit_duration_seconds",
			Help:    "Time from a command's submission in Commit to its commit resolving it",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gondola_raft_commands_total",
			Help: "Total number of commands resolved by outcome (committed, timeout, error)",
		},
		[]string{"shard", "outcome"},
	)

	// SaveQueue/storage metrics
	SaveQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gondola_savequeue_depth",
			Help: "Number of entries currently queued for durable append",
		},
	)

	SaveQueueLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gondola_savequeue_latency_seconds",
			Help:    "Time an entry spends queued before its durable write completes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Peer/replication lag metrics
	PeerReplicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gondola_peer_replication_lag",
			Help: "Index entries a peer is behind the leader's last log index",
		},
		[]string{"shard", "peer"},
	)

	PeerBackfillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gondola_peer_backfills_total",
			Help: "Total number of times a peer entered backfill mode",
		},
		[]string{"shard", "peer"},
	)
)

func init() {
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftCommitIndex)
	prometheus.MustRegister(RaftElectionsTotal)
	prometheus.MustRegister(RaftElectionDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(RaftCommandsTotal)
	prometheus.MustRegister(SaveQueueDepth)
	prometheus.MustRegister(SaveQueueLatency)
	prometheus.MustRegister(PeerReplicationLag)
	prometheus.MustRegister(PeerBackfillsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
